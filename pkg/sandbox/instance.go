package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/halyard-labs/halyard/pkg/aggregate"
)

// Instance is one running aggregate: a stream identity plus evolving
// serialized state, sharing its module's execution context. State is opaque
// to the host; only the guest contract interprets it. It mutates only
// through Replay and is never persisted directly.
type Instance struct {
	id       string
	state    []byte
	contract aggregate.Contract
	exec     *execContext
	poisoned bool
}

func newInstance(id string, state []byte, contract aggregate.Contract, exec *execContext) *Instance {
	return &Instance{id: id, state: state, contract: contract, exec: exec}
}

// ID returns the aggregate identity the instance was initialized with.
func (i *Instance) ID() string { return i.id }

// State returns the current serialized state bytes.
func (i *Instance) State() []byte { return i.state }

// FuelConsumed reports the shared execution context's cumulative compute.
func (i *Instance) FuelConsumed() uint64 {
	if i.exec == nil {
		return 0
	}
	return i.exec.meter.Consumed()
}

// Replay folds ordered events into the instance state. A domain error here
// means the guest logic and the event history disagree; the instance is no
// longer trustworthy, so the failure is fatal rather than recoverable and
// the instance refuses further use.
func (i *Instance) Replay(ctx context.Context, events []aggregate.ProposedEvent) error {
	if i.poisoned {
		return &SandboxError{Code: ErrInstancePoisoned, Message: fmt.Sprintf("instance %q had a fatal replay failure", i.id)}
	}
	if len(events) == 0 {
		return nil
	}
	state, err := i.contract.Replay(ctx, i.state, events)
	if err != nil {
		var domErr *aggregate.DomainError
		if errors.As(err, &domErr) {
			i.poisoned = true
			return &SandboxError{
				Code:    ErrReplayDiverged,
				Message: fmt.Sprintf("replay failed for instance %q: %v", i.id, domErr),
			}
		}
		return err
	}
	i.state = state
	return nil
}

// Decide runs the contract's pure decision function against the current
// state. Domain errors propagate to the caller; state is never touched.
func (i *Instance) Decide(ctx context.Context, command string, payload []byte) ([]aggregate.ProposedEvent, error) {
	if i.poisoned {
		return nil, &SandboxError{Code: ErrInstancePoisoned, Message: fmt.Sprintf("instance %q had a fatal replay failure", i.id)}
	}
	return i.contract.Decide(ctx, i.state, aggregate.Command{Name: command, Payload: payload})
}

// DecideAndApply decides, then folds the proposed events into state, as one
// logical step. A replay failure after a successful decide is an invariant
// violation and surfaces as a fatal sandbox fault.
func (i *Instance) DecideAndApply(ctx context.Context, command string, payload []byte) ([]aggregate.ProposedEvent, error) {
	events, err := i.Decide(ctx, command, payload)
	if err != nil {
		return nil, err
	}
	if err := i.Replay(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}
