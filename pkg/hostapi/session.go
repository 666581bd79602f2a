// Package hostapi exposes the aggregate runtime to guest code: a host module
// of guest-callable functions over per-session state (the store pool, the
// module and instance resource tables, and the single scratch slot).
//
// Error discipline follows the host/guest split: faults (bad memory,
// invalid text, unknown handles, store not connected, query failures, fuel
// exhaustion, replay divergence) abort the calling guest operation with no
// retry; domain errors are staged in the scratch buffer and surfaced as a
// negative return code.
package hostapi

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/halyard-labs/halyard/pkg/eventstore"
	"github.com/halyard-labs/halyard/pkg/resource"
	"github.com/halyard-labs/halyard/pkg/sandbox"
	"github.com/halyard-labs/halyard/pkg/scratch"
)

// instanceEntry pairs a running instance with the stream it persists to.
type instanceEntry struct {
	stream   string
	instance *sandbox.Instance
}

// Session is the host-side state of one guest session. It is owned by a
// single guest; host calls arrive serially on the guest's call thread, so
// no field needs its own lock.
type Session struct {
	id        string
	logger    *slog.Logger
	tracer    trace.Tracer
	engine    *sandbox.Engine
	store     *eventstore.Store
	modules   *resource.Table[*sandbox.Module]
	instances *resource.Table[*instanceEntry]
	scratch   *scratch.Buffer
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithTracer sets the tracer used for host-call spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) { s.tracer = tracer }
}

// NewSession builds an empty session around a sandbox engine.
func NewSession(engine *sandbox.Engine, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer("halyard"),
		engine:    engine,
		modules:   resource.NewTable[*sandbox.Module](),
		instances: resource.NewTable[*instanceEntry](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Store returns the connected event store, or nil before connect_store.
func (s *Session) Store() *eventstore.Store { return s.store }

// hostFault aborts a guest operation. Host functions raise it by panicking;
// the wazero runtime recovers the panic and surfaces it as a trap to the
// guest call, which matches the no-retry contract.
type hostFault struct {
	op  string
	err error
}

func (f *hostFault) Error() string {
	return fmt.Sprintf("halyard::%s: %v", f.op, f.err)
}

func (f *hostFault) Unwrap() error { return f.err }

func fault(op string, err error) {
	panic(&hostFault{op: op, err: err})
}

// stage replaces the session's pending scratch buffer, discarding any
// undrained predecessor. Replacement-on-stage is the protocol, not a leak.
func (s *Session) stage(data []byte) {
	s.scratch = scratch.New(data)
}

// drainScratch copies the next chunk of the pending buffer into dst. The
// second result reports whether a buffer was pending at all; the buffer is
// retained after the read so that reads past exhaustion keep returning 0.
func (s *Session) drainScratch(dst []byte) (int, bool) {
	if s.scratch == nil {
		return 0, false
	}
	n, err := s.scratch.Read(dst)
	if err == io.EOF {
		return 0, true
	}
	return n, true
}

// scratchChunk drains the next chunk of the pending buffer, at most max
// bytes. The returned slice is sized by what the buffer still holds, never
// by max alone, so a guest requesting 4GiB costs only the bytes actually
// staged. The second result reports whether a buffer was pending at all.
func (s *Session) scratchChunk(max uint32) ([]byte, bool) {
	if s.scratch == nil {
		return nil, false
	}
	n := s.scratch.Remaining()
	if uint64(n) > uint64(max) {
		n = int(max)
	}
	dst := make([]byte, n)
	read, _ := s.drainScratch(dst)
	return dst[:read], true
}

// requireStore faults the operation when connect_store has not succeeded.
func (s *Session) requireStore(op string) *eventstore.Store {
	if s.store == nil {
		fault(op, fmt.Errorf("store not connected"))
	}
	return s.store
}
