// Package state implements the channel-based workflow state model.
//
// Workflow state is a mapping from channel name to value. Every channel
// declares a reduce function applied when partial updates arrive, either
// from sequential node steps or from concurrent fan-out instances. Only
// channels whose reducer is commutative (order-insensitive) may be written
// from fan-out instances; the engine enforces this at merge time.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for schema and merge operations.
var (
	// ErrUnknownChannel indicates an update targeted an undeclared channel.
	ErrUnknownChannel = errors.New("unknown state channel")

	// ErrDuplicateChannel indicates a schema declared the same channel twice.
	ErrDuplicateChannel = errors.New("duplicate state channel")
)

// ReduceFunc merges a channel update into the current value.
// It must be total: defined for every legal update shape, including nil.
type ReduceFunc func(current, update any) (any, error)

// DecodeFunc restores a channel's typed value from checkpoint JSON.
type DecodeFunc func(raw json.RawMessage) (any, error)

// Identifiable is implemented by records stored in upsert channels.
type Identifiable interface {
	StateID() string
}

// Channel declares one named slot in workflow state.
type Channel struct {
	Name    string
	Initial any
	Reduce  ReduceFunc

	// Commutative marks the reducer order-insensitive, and therefore
	// safe for concurrent writes from fan-out instances.
	Commutative bool

	// Decode restores the typed value from checkpoint JSON.
	// Nil means plain JSON decoding into any.
	Decode DecodeFunc
}

// Schema is the fixed set of channels for one workflow kind.
type Schema struct {
	channels map[string]Channel
	order    []string
}

// NewSchema builds a schema from channel declarations.
func NewSchema(channels ...Channel) (*Schema, error) {
	s := &Schema{channels: make(map[string]Channel, len(channels))}
	for _, ch := range channels {
		if ch.Name == "" {
			return nil, errors.New("state: channel name cannot be empty")
		}
		if ch.Reduce == nil {
			return nil, fmt.Errorf("state: channel %s has no reducer", ch.Name)
		}
		if _, exists := s.channels[ch.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, ch.Name)
		}
		s.channels[ch.Name] = ch
		s.order = append(s.order, ch.Name)
	}
	return s, nil
}

// MustSchema is NewSchema that panics on error.
// Workflow schemas are fixed at startup, so a bad declaration is a bug.
func MustSchema(channels ...Channel) *Schema {
	s, err := NewSchema(channels...)
	if err != nil {
		panic(err)
	}
	return s
}

// Channel returns the declaration for name.
func (s *Schema) Channel(name string) (Channel, bool) {
	ch, ok := s.channels[name]
	return ch, ok
}

// Commutative reports whether the named channel is safe for
// concurrent fan-out writes. Unknown channels report false.
func (s *Schema) Commutative(name string) bool {
	ch, ok := s.channels[name]
	return ok && ch.Commutative
}

// State maps channel name to current value.
type State map[string]any

// Update is a partial state produced by one node invocation.
type Update map[string]any

// Initial returns a fresh state with every channel at its initial value.
func (s *Schema) Initial() State {
	st := make(State, len(s.order))
	for _, name := range s.order {
		st[name] = s.channels[name].Initial
	}
	return st
}

// Apply merges update into st via each channel's reducer and returns the
// merged state. The input state is never mutated; fan-out instances share
// a snapshot, so copy-on-write is load-bearing here. Empty and nil updates
// are no-ops.
func (s *Schema) Apply(st State, update Update) (State, error) {
	if len(update) == 0 {
		return st, nil
	}

	merged := make(State, len(st))
	for k, v := range st {
		merged[k] = v
	}

	for name, value := range update {
		ch, ok := s.channels[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
		}
		reduced, err := ch.Reduce(merged[name], value)
		if err != nil {
			return nil, fmt.Errorf("state: reduce channel %s: %w", name, err)
		}
		merged[name] = reduced
	}

	return merged, nil
}

// Snapshot serializes state for checkpointing.
func Snapshot(st State) ([]byte, error) {
	return json.Marshal(st)
}

// Restore deserializes a checkpointed state, using each channel's decoder
// so typed values survive the round trip. Channels absent from the
// snapshot come back at their initial value.
func (s *Schema) Restore(data []byte) (State, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("state: restore: %w", err)
	}

	st := s.Initial()
	for name, msg := range raw {
		ch, ok := s.channels[name]
		if !ok {
			// Tolerate channels dropped from the schema since the
			// checkpoint was written.
			continue
		}
		decode := ch.Decode
		if decode == nil {
			decode = decodeAny
		}
		v, err := decode(msg)
		if err != nil {
			return nil, fmt.Errorf("state: restore channel %s: %w", name, err)
		}
		st[name] = v
	}
	return st, nil
}

func decodeAny(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeAs returns a decoder producing a value of type T.
func DecodeAs[T any]() DecodeFunc {
	return func(raw json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
