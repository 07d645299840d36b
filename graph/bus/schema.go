package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arborflow/engine/graph"
)

// channelKey identifies one registered (channelName, eventType,
// schemaVersion) triple, the unit spec §4.7 registers schemas against.
type channelKey struct {
	channel       string
	eventType     string
	schemaVersion string
}

// SchemaRegistry compiles and holds one JSON Schema per
// (channel, eventType, schemaVersion) triple, grounded on the same
// santhosh-tekuri/jsonschema/v6 compile-then-validate idiom the rest of
// the pack uses for payload validation. Fail-closed: Validate rejects any
// triple that was never registered (spec §4.7, "publishing requires the
// pair to be registered in a SchemaRegistry (fail-closed)").
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[channelKey]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: map[channelKey]*jsonschema.Schema{}}
}

// Register compiles schemaJSON and associates it with the
// (channel, eventType, schemaVersion) triple.
func (r *SchemaRegistry) Register(channel, eventType, schemaVersion string, schemaJSON []byte) error {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("bus: unmarshal schema for %s/%s/%s: %w", channel, eventType, schemaVersion, err)
	}
	key := channelKey{channel: channel, eventType: eventType, schemaVersion: schemaVersion}
	c := jsonschema.NewCompiler()
	resourceID := fmt.Sprintf("event:%s:%s:%s", channel, eventType, schemaVersion)
	if err := c.AddResource(resourceID, doc); err != nil {
		return fmt.Errorf("bus: add schema resource for %s/%s/%s: %w", channel, eventType, schemaVersion, err)
	}
	schema, err := c.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("bus: compile schema for %s/%s/%s: %w", channel, eventType, schemaVersion, err)
	}
	r.mu.Lock()
	r.schemas[key] = schema
	r.mu.Unlock()
	return nil
}

// Validate checks payload against the schema registered for
// (channel, ev.Type, ev.SchemaVersion). An unregistered triple is
// rejected outright (fail-closed); callers that want a channel open to
// unvalidated publishing simply don't wire a SchemaRegistry onto the Bus.
func (r *SchemaRegistry) Validate(channel string, ev Event) error {
	key := channelKey{channel: channel, eventType: ev.Type, schemaVersion: ev.SchemaVersion}
	r.mu.RLock()
	schema, ok := r.schemas[key]
	r.mu.RUnlock()
	if !ok {
		return &graph.ValidationError{
			Message: fmt.Sprintf("no schema registered for channel %q eventType %q schemaVersion %q", channel, ev.Type, ev.SchemaVersion),
			Field:   ev.Type,
		}
	}
	native := graph.MapValue(ev.Payload).Native()
	if err := schema.Validate(native); err != nil {
		return &graph.ValidationError{Message: err.Error(), Field: ev.Type}
	}
	return nil
}
