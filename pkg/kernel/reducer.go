package kernel

import (
	"encoding/json"
	"fmt"

	"github.com/nooterra-labs/settld/pkg/store"
)

// Reducer turns an event stream into aggregate state. Implementations must
// be pure: no wall-clock reads (use event.At), no I/O, total over validated
// payloads. A malformed stored event halts reduction rather than being
// skipped.
type Reducer interface {
	// Kind is the stream kind this reducer owns (e.g. "Agent", "X402Gate").
	Kind() string
	// Init returns the zero state for a new stream.
	Init(streamID string) any
	// Apply folds one event into the state and returns the next state.
	Apply(state any, ev *store.Event) (any, error)
}

// Registry maps stream kinds to reducers.
type Registry struct {
	reducers map[string]Reducer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{reducers: make(map[string]Reducer)}
}

// Register adds a reducer. Registering a kind twice is a programming error.
func (r *Registry) Register(red Reducer) {
	if _, dup := r.reducers[red.Kind()]; dup {
		panic(fmt.Sprintf("kernel: duplicate reducer for kind %q", red.Kind()))
	}
	r.reducers[red.Kind()] = red
}

// For returns the reducer for a kind.
func (r *Registry) For(kind string) (Reducer, bool) {
	red, ok := r.reducers[kind]
	return red, ok
}

// DecodeState unmarshals a snapshot's state into the reducer's state type.
// target must be a pointer to the concrete state struct.
func DecodeState(snap *store.Snapshot, target any) error {
	if snap == nil || len(snap.State) == 0 {
		return nil
	}
	if err := json.Unmarshal(snap.State, target); err != nil {
		return fmt.Errorf("decode snapshot state for %s: %w", snap.StreamID, err)
	}
	return nil
}
