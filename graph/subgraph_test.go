package graph

import (
	"context"
	"testing"
)

func TestSubgraphNode_PreservesListedMetadataKeysAcrossBoundary(t *testing.T) {
	childOut := NewOutputNode("childOut", func(m Message) Value {
		return m.GetMetadata("tenantId")
	})
	cb := NewBuilder("child")
	cb.AddNode(childOut)
	cb.SetEntryPoint("childOut")
	child, err := cb.Build()
	if err != nil {
		t.Fatal(err)
	}

	sub := NewSubgraphNode("sub", child)
	sub.PreserveKeys = []string{"tenantId"}

	parent := NewMessage("", "", "").WithMetadata("tenantId", StringValue("acme"))
	out, err := sub.Run(context.Background(), parent)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := out.GetMetadata("tenantId").String()
	if !ok || v != "acme" {
		t.Fatalf("expected tenantId preserved across the subgraph boundary, got %v", out.GetMetadata("tenantId"))
	}
}

func TestSubgraphNode_PausesParentWhenChildPauses(t *testing.T) {
	human := NewHumanNode("ask", "pick", nil, SelectionFreeText, 0, nil)
	cb := NewBuilder("child")
	cb.AddNode(human)
	cb.SetEntryPoint("ask")
	child, err := cb.Build()
	if err != nil {
		t.Fatal(err)
	}

	sub := NewSubgraphNode("sub", child)
	parentOut := NewOutputNode("parentOut", nil)

	b := NewBuilder("parent")
	b.AddNode(sub)
	b.AddNode(parentOut)
	b.SetEntryPoint("sub")
	b.AddEdge(Edge{From: "sub", To: "parentOut"})
	g, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	runner := New(g)
	report, err := runner.Run(context.Background(), NewMessage("", "", ""))
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusPaused {
		t.Fatalf("expected the parent run to pause when the child subgraph pauses, got %s", report.Status)
	}
}

func TestSubgraphNode_RunErrorPropagatesToParent(t *testing.T) {
	failing := NewCustomNode("fail", func(_ context.Context, m Message) (Message, error) {
		return m, &ValidationError{Message: "boom"}
	})
	cb := NewBuilder("child")
	cb.AddNode(failing)
	cb.SetEntryPoint("fail")
	child, err := cb.Build()
	if err != nil {
		t.Fatal(err)
	}

	sub := NewSubgraphNode("sub", child)
	_, err = sub.Run(context.Background(), NewMessage("", "", ""))
	if err == nil {
		t.Fatal("expected the child graph's failure to propagate out of SubgraphNode.Run")
	}
}
