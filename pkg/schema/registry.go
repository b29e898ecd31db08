// Package schema declares the payload schemas for every event type once and
// exposes them to both the ingress validator and the reducers, so a payload
// is checked identically at append time and at reduce time.
package schema

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nooterra-labs/settld/pkg/codes"
)

// Registry holds compiled payload schemas keyed by event type.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// defaultRegistry is built once at init from the declared documents.
var defaultRegistry = mustBuild()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

func mustBuild() *Registry {
	r, err := build()
	if err != nil {
		panic(fmt.Sprintf("schema: invalid declared schema: %v", err))
	}
	return r
}

func build() (*Registry, error) {
	r := &Registry{schemas: make(map[string]*jsonschema.Schema, len(documents))}
	for eventType, doc := range documents {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "settld://schemas/" + eventType + ".json"
		if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("add %s: %w", eventType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", eventType, err)
		}
		r.schemas[eventType] = compiled
	}
	return r, nil
}

// Known reports whether a schema is declared for the event type.
func (r *Registry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[eventType]
	return ok
}

// Validate checks payload against the declared schema for eventType.
// Unknown event types fail closed with SCHEMA_INVALID.
func (r *Registry) Validate(eventType string, payload map[string]any) error {
	r.mu.RLock()
	s, ok := r.schemas[eventType]
	r.mu.RUnlock()
	if !ok {
		return codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "unknown event type %q", eventType)
	}
	// jsonschema validates native Go values decoded from JSON.
	if err := s.Validate(toJSONValue(payload)); err != nil {
		return codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "payload for %s: %v", eventType, err)
	}
	return nil
}

// ValidateStored re-checks a stored payload at reduce time. The same schema
// applies, but the failure is reported as EVENT_PAYLOAD_INVALID because a
// malformed stored event is an integrity fault, not a caller fault.
func (r *Registry) ValidateStored(eventType string, payload map[string]any) error {
	if err := r.Validate(eventType, payload); err != nil {
		return codes.Newf(codes.EventPayloadInvalid, http.StatusInternalServerError,
			"stored event %s failed validation: %v", eventType, codes.AsError(err).Message)
	}
	return nil
}

// toJSONValue normalizes Go values into the shapes jsonschema expects
// (map[string]any, []any, float64, string, bool, nil). Integers are widened
// to float64 the way encoding/json would decode them.
func toJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = toJSONValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = toJSONValue(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
