// Package aggregate defines the typed boundary between the host runtime and
// sandboxed aggregate modules: the three-operation contract, the event and
// command shapes crossing it, and the closed set of domain errors guest logic
// may produce.
package aggregate

import "context"

// Command is a named request for an aggregate to make a decision. The payload
// is opaque to the host; only the guest contract interprets it.
type Command struct {
	Name    string `json:"command"`
	Payload []byte `json:"payload"`
}

// ProposedEvent is an event produced by Decide before the store has assigned
// it a stream and version. It is also the shape events take when fed back
// into Replay.
type ProposedEvent struct {
	EventType string `json:"event_type"`
	Payload   []byte `json:"payload"`
}

// EventRecord is a persisted event. Immutable once written; the total order
// per stream is Version ascending, contiguous from 0, assigned only by the
// store's append operation.
type EventRecord struct {
	Stream    string `json:"stream"`
	Version   int64  `json:"version"`
	EventType string `json:"type"`
	Payload   []byte `json:"body"`
}

// Proposed strips the stream identity and version back off a record, for
// feeding persisted history into Replay.
func (r EventRecord) Proposed() ProposedEvent {
	return ProposedEvent{EventType: r.EventType, Payload: r.Payload}
}

// Contract is the three-operation boundary implemented by a sandboxed module.
// Calls against one module's execution context are strictly sequential; the
// implementation owns that serialization.
//
// Each operation returns either its result or a *DomainError. Any other error
// is a host fault (sandbox abort, fuel exhaustion, broken ABI) and must not
// be treated as recoverable guest output.
type Contract interface {
	// Initialize produces the seed state for a new aggregate identity.
	Initialize(ctx context.Context, id string) ([]byte, error)

	// Replay folds ordered events into prior state, returning the new state
	// bytes. It is deterministic: same inputs, same output bytes.
	Replay(ctx context.Context, state []byte, events []ProposedEvent) ([]byte, error)

	// Decide maps (state, command) to proposed events. It never mutates the
	// state it is given.
	Decide(ctx context.Context, state []byte, command Command) ([]ProposedEvent, error)
}
