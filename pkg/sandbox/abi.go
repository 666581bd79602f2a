package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/halyard-labs/halyard/pkg/aggregate"
)

// Guest ABI. The contract exports three operations plus an allocator:
//
//	aggregate_init(id_ptr, id_len) -> u64
//	aggregate_apply(state_ptr, state_len, events_ptr, events_len) -> u64
//	aggregate_handle(state_ptr, state_len, command_ptr, command_len) -> u64
//	halyard_alloc(size) -> ptr
//
// The returned u64 packs (ptr << 32) | len of a result buffer in guest
// memory whose first byte is a status tag, followed by the body: raw state
// bytes for init/apply, a JSON event array for handle, or a JSON-encoded
// domain error when the tag says so.
const (
	exportInit   = "aggregate_init"
	exportApply  = "aggregate_apply"
	exportHandle = "aggregate_handle"
	exportAlloc  = "halyard_alloc"

	statusOK          = 0
	statusDomainError = 1
)

// execContext is the shared, lock-guarded execution environment of one
// loaded module. Module and every Instance derived from it hold the same
// pointer; all guest calls serialize through mu.
type execContext struct {
	mu    sync.Mutex
	meter *Meter
}

// guestContract binds the resolved exports to the aggregate.Contract
// interface. Never reentrant, never concurrent within one context.
type guestContract struct {
	exec     *execContext
	mod      api.Module
	initFn   api.Function
	applyFn  api.Function
	handleFn api.Function
	allocFn  api.Function
}

func (c *guestContract) Initialize(ctx context.Context, id string) ([]byte, error) {
	return c.call(ctx, c.initFn, []byte(id))
}

func (c *guestContract) Replay(ctx context.Context, state []byte, events []aggregate.ProposedEvent) ([]byte, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode events: %w", err)
	}
	return c.call(ctx, c.applyFn, state, raw)
}

func (c *guestContract) Decide(ctx context.Context, state []byte, command aggregate.Command) ([]aggregate.ProposedEvent, error) {
	raw, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode command: %w", err)
	}
	body, err := c.call(ctx, c.handleFn, state, raw)
	if err != nil {
		return nil, err
	}
	var events []aggregate.ProposedEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("sandbox: decode proposed events: %w", err)
	}
	return events, nil
}

// call pushes the byte arguments into guest memory, invokes fn under the
// execution lock with the fuel meter armed, and unpacks the result buffer.
// A returned *aggregate.DomainError is guest output; anything else is a
// host fault.
func (c *guestContract) call(ctx context.Context, fn api.Function, args ...[]byte) ([]byte, error) {
	c.exec.mu.Lock()
	defer c.exec.mu.Unlock()

	if c.exec.meter.Exhausted() {
		return nil, &SandboxError{Code: ErrFuelExhausted, Message: "compute budget exhausted"}
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.exec.meter.arm(cancel)
	defer c.exec.meter.disarm()

	name := fn.Definition().Name()
	params := make([]uint64, 0, len(args)*2)
	for _, arg := range args {
		ptr, err := c.copyIn(callCtx, arg)
		if err != nil {
			// The allocator counts as a guest call, so the budget can run
			// out while arguments are still being pushed.
			if c.exec.meter.Exhausted() {
				return nil, &SandboxError{
					Code:    ErrFuelExhausted,
					Message: fmt.Sprintf("compute budget exhausted during %s", name),
				}
			}
			return nil, fmt.Errorf("sandbox: %s: %w", name, err)
		}
		params = append(params, uint64(ptr), uint64(uint32(len(arg))))
	}

	results, err := fn.Call(callCtx, params...)
	if err != nil {
		if c.exec.meter.Exhausted() {
			return nil, &SandboxError{
				Code:    ErrFuelExhausted,
				Message: fmt.Sprintf("compute budget exhausted during %s", name),
			}
		}
		return nil, fmt.Errorf("sandbox: guest call %s: %w", name, err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("sandbox: guest call %s returned %d values, want 1", name, len(results))
	}

	ptr := uint32(results[0] >> 32)
	length := uint32(results[0])
	if length == 0 {
		return nil, fmt.Errorf("sandbox: guest call %s returned an empty result buffer", name)
	}
	view, ok := c.mod.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("sandbox: guest call %s returned an out-of-range result buffer", name)
	}
	body := make([]byte, length-1)
	copy(body, view[1:])

	switch view[0] {
	case statusOK:
		return body, nil
	case statusDomainError:
		var domErr aggregate.DomainError
		if err := json.Unmarshal(body, &domErr); err != nil || !domErr.Valid() {
			return nil, fmt.Errorf("sandbox: guest call %s produced an undecodable domain error", name)
		}
		return nil, &domErr
	default:
		return nil, fmt.Errorf("sandbox: guest call %s returned unknown status %d", name, view[0])
	}
}

func (c *guestContract) copyIn(ctx context.Context, data []byte) (uint32, error) {
	results, err := c.allocFn.Call(ctx, uint64(uint32(len(data))))
	if err != nil {
		return 0, fmt.Errorf("guest alloc: %w", err)
	}
	ptr := uint32(results[0])
	if len(data) == 0 {
		return ptr, nil
	}
	if !c.mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("guest alloc returned out-of-range pointer %d", ptr)
	}
	return ptr, nil
}
