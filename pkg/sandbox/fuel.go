package sandbox

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// DefaultCallCost is the fuel charged for each guest function invocation.
const DefaultCallCost = 1

// Meter is the compute budget for one module's execution context. wazero has
// no instruction-level fuel, so the meter charges at guest-call granularity
// through a function listener: every frame entry costs CallCost units, and
// once the budget is gone the in-flight call's context is cancelled, which
// (with close-on-context-done enabled) aborts execution at the runtime's next
// cooperative checkpoint. Consumption is cumulative and never resets.
type Meter struct {
	mu       sync.Mutex
	budget   uint64
	callCost uint64
	consumed uint64
	depleted bool
	cancel   context.CancelFunc
}

// newMeter builds a meter. A zero budget disables enforcement but still
// accounts consumption.
func newMeter(budget, callCost uint64) *Meter {
	if callCost == 0 {
		callCost = DefaultCallCost
	}
	return &Meter{budget: budget, callCost: callCost}
}

// arm registers the cancel function of the in-flight guest call. Calls are
// serialized by the execution lock, so at most one cancel is armed at a time.
func (m *Meter) arm(cancel context.CancelFunc) {
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
}

func (m *Meter) disarm() {
	m.mu.Lock()
	m.cancel = nil
	m.mu.Unlock()
}

func (m *Meter) charge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed += m.callCost
	if m.budget > 0 && m.consumed > m.budget && !m.depleted {
		m.depleted = true
		if m.cancel != nil {
			m.cancel()
		}
	}
}

// Consumed reports cumulative fuel used since load. Monotonic.
func (m *Meter) Consumed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumed
}

// Budget reports the configured limit (0 = unenforced).
func (m *Meter) Budget() uint64 { return m.budget }

// Exhausted reports whether the budget has been fully spent. Exhaustion is
// sticky: a depleted module never runs again.
func (m *Meter) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depleted
}

type meterListenerFactory struct{ meter *Meter }

func (f meterListenerFactory) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return meterListener{meter: f.meter}
}

type meterListener struct{ meter *Meter }

func (l meterListener) Before(_ context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	l.meter.charge()
}

func (l meterListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (l meterListener) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}
