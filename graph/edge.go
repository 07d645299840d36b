package graph

// Predicate evaluates a Message to decide whether an Edge should be
// traversed. Predicates must be pure: deterministic, no side effects —
// edge selection is re-derivable from (node, message) alone.
type Predicate func(m Message) bool

// Edge connects two nodes. Regular edges are tried before fallback edges;
// within a partition, lower Priority is tried first, ties broken by
// registration order (the order edges were appended to the Graph).
type Edge struct {
	From       string
	To         string
	Priority   int
	Name       string
	IsFallback bool
	Condition  Predicate // nil condition is always true
}

func (e Edge) matches(m Message) bool {
	if e.Condition == nil {
		return true
	}
	return e.Condition(m)
}

// selectEdge implements spec §4.3: partition edges out of fromNode into
// regular vs fallback, sort each by (priority, registration order), and
// return the first matching edge from regular before falling back.
func selectEdge(edges []Edge, fromNode string, m Message) (Edge, bool) {
	var regular, fallback []int
	for i, e := range edges {
		if e.From != fromNode {
			continue
		}
		if e.IsFallback {
			fallback = append(fallback, i)
		} else {
			regular = append(regular, i)
		}
	}
	sortByPriority(edges, regular)
	sortByPriority(edges, fallback)

	for _, i := range regular {
		if edges[i].matches(m) {
			return edges[i], true
		}
	}
	for _, i := range fallback {
		if edges[i].matches(m) {
			return edges[i], true
		}
	}
	return Edge{}, false
}

// sortByPriority performs a stable sort of indices by edges[i].Priority,
// preserving relative (registration) order for equal priorities.
func sortByPriority(edges []Edge, idx []int) {
	// Insertion sort: the index lists here are small (edges out of one
	// node), and stability matters more than asymptotic complexity.
	for i := 1; i < len(idx); i++ {
		j := i
		for j > 0 && edges[idx[j-1]].Priority > edges[idx[j]].Priority {
			idx[j-1], idx[j] = idx[j], idx[j-1]
			j--
		}
	}
}

// selectedBranchKey is the Message.Data key a Decision node writes the
// chosen branch name into; auto-generated edges out of a Decision node
// carry a Condition that reads this marker.
const selectedBranchKey = "_selectedBranch"

func branchCondition(name string) Predicate {
	return func(m Message) bool {
		v := m.Data[selectedBranchKey]
		s, ok := v.String()
		return ok && s == name
	}
}
