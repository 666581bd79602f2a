package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel/attribute"

	"github.com/halyard-labs/halyard/pkg/aggregate"
	"github.com/halyard-labs/halyard/pkg/eventstore"
)

// HostModuleName is the import namespace guests use for the surface.
const HostModuleName = "halyard"

// Register instantiates the halyard host module on a runtime. It must run
// before the guest entry module is instantiated.
func (s *Session) Register(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(HostModuleName).
		NewFunctionBuilder().WithFunc(s.connectStore).Export("connect_store").
		NewFunctionBuilder().WithFunc(s.loadModule).Export("load_module").
		NewFunctionBuilder().WithFunc(s.initModule).Export("init_module").
		NewFunctionBuilder().WithFunc(s.executeCommand).Export("execute_command").
		NewFunctionBuilder().WithFunc(s.loadEvents).Export("load_events").
		NewFunctionBuilder().WithFunc(s.readScratchData).Export("read_scratch_data").
		NewFunctionBuilder().WithFunc(s.streamVersion).Export("stream_version").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("hostapi: register host module: %w", err)
	}
	return nil
}

// readBytes copies a guest memory range, faulting on out-of-range access.
func readBytes(m api.Module, op string, ptr, length uint32) []byte {
	view, ok := m.Memory().Read(ptr, length)
	if !ok {
		fault(op, fmt.Errorf("memory range [%d, %d) out of bounds", ptr, ptr+length))
	}
	out := make([]byte, length)
	copy(out, view)
	return out
}

// readString reads a guest memory range as UTF-8 text, faulting on invalid
// encoding.
func readString(m api.Module, op string, ptr, length uint32) string {
	raw := readBytes(m, op, ptr, length)
	if !utf8.Valid(raw) {
		fault(op, fmt.Errorf("invalid utf-8"))
	}
	return string(raw)
}

// connectStore connects the session to an event store and bootstraps the
// schema. Returns 0 on success, 1 when the connection fails; the session
// keeps any previously connected store in that case.
func (s *Session) connectStore(ctx context.Context, m api.Module, urlPtr, urlLen uint32) uint32 {
	const op = "connect_store"
	ctx, span := s.tracer.Start(ctx, "halyard.connect_store")
	defer span.End()

	url := readString(m, op, urlPtr, urlLen)
	return s.attachStore(ctx, url)
}

// attachStore opens and bootstraps the store at url. On success any
// previously connected pool is closed before the replacement takes over; on
// failure the current store, if any, stays attached.
func (s *Session) attachStore(ctx context.Context, url string) uint32 {
	store, err := eventstore.Open(ctx, url)
	if err != nil {
		s.logger.Warn("store connection failed", "error", err)
		return 1
	}
	if err := store.Init(ctx); err != nil {
		s.logger.Warn("store schema init failed", "error", err)
		_ = store.Close()
		return 1
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("replaced store close failed", "error", err)
		}
	}
	s.store = store
	s.logger.Info("store connected")
	return 0
}

// loadModule compiles an aggregate module under the given fuel budget.
// Returns the module handle, or -1 when the module fails to load.
func (s *Session) loadModule(ctx context.Context, m api.Module, fuel uint64, pathPtr, pathLen uint32) int64 {
	const op = "load_module"
	ctx, span := s.tracer.Start(ctx, "halyard.load_module")
	defer span.End()

	path := readString(m, op, pathPtr, pathLen)
	module, err := s.engine.Load(ctx, fuel, path)
	if err != nil {
		s.logger.Warn("module load failed", "path", path, "error", err)
		return -1
	}
	handle := s.modules.Add(module)
	s.logger.Info("module loaded", "path", path, "module", module.ID().String(), "handle", handle)
	span.SetAttributes(attribute.Int64("halyard.module_handle", handle))
	return handle
}

// initModule initializes an aggregate instance for a stream id, replays the
// stream's persisted history into it, and returns the instance handle, or
// -1 on a domain error from initialize.
func (s *Session) initModule(ctx context.Context, m api.Module, moduleHandle int64, streamPtr, streamLen, idPtr, idLen uint32) int64 {
	const op = "init_module"
	ctx, span := s.tracer.Start(ctx, "halyard.init_module")
	defer span.End()

	stream := readString(m, op, streamPtr, streamLen)
	id := readString(m, op, idPtr, idLen)

	module, err := s.modules.Get(moduleHandle)
	if err != nil {
		fault(op, fmt.Errorf("module handle %d: %w", moduleHandle, err))
	}

	instance, err := module.Init(ctx, id)
	if err != nil {
		var domErr *aggregate.DomainError
		if errors.As(err, &domErr) {
			s.logger.Info("initialize rejected", "stream", stream, "error", domErr)
			return -1
		}
		fault(op, err)
	}

	store := s.requireStore(op)
	records, err := store.LoadEvents(ctx, stream, -1)
	if err != nil {
		fault(op, err)
	}
	history := make([]aggregate.ProposedEvent, len(records))
	for i, record := range records {
		history[i] = record.Proposed()
	}
	// A replay failure over persisted history means the module and the log
	// disagree; that instance must not exist.
	if err := instance.Replay(ctx, history); err != nil {
		fault(op, err)
	}

	handle := s.instances.Add(&instanceEntry{stream: stream, instance: instance})
	s.logger.Info("instance initialized", "stream", stream, "events_replayed", len(history), "handle", handle)
	return handle
}

// executeCommand runs decide-and-apply for an instance and persists the
// outcome. Returns the number of appended events, 0 for a no-op decision,
// or -1 with the serialized domain error staged in the scratch buffer.
func (s *Session) executeCommand(ctx context.Context, m api.Module, cmdPtr, cmdLen, payloadPtr, payloadLen uint32, instanceHandle int64) int64 {
	const op = "execute_command"
	ctx, span := s.tracer.Start(ctx, "halyard.execute_command")
	defer span.End()

	command := readString(m, op, cmdPtr, cmdLen)
	payload := readBytes(m, op, payloadPtr, payloadLen)

	entry, err := s.instances.Get(instanceHandle)
	if err != nil {
		fault(op, fmt.Errorf("instance handle %d: %w", instanceHandle, err))
	}
	span.SetAttributes(
		attribute.String("halyard.stream", entry.stream),
		attribute.String("halyard.command", command),
	)

	events, err := entry.instance.DecideAndApply(ctx, command, payload)
	if err != nil {
		var domErr *aggregate.DomainError
		if errors.As(err, &domErr) {
			s.stageDomainError(op, domErr)
			s.logger.Info("command rejected", "stream", entry.stream, "command", command, "error", domErr)
			return -1
		}
		fault(op, err)
	}
	s.logger.Debug("command decided",
		"stream", entry.stream, "command", command,
		"events", len(events), "fuel_consumed", entry.instance.FuelConsumed())

	if len(events) == 0 {
		return 0
	}

	store := s.requireStore(op)
	records, err := store.AppendEvents(ctx, entry.stream, events)
	if err != nil {
		// Append conflicts included: surfaced as a fault, retry is caller
		// policy.
		fault(op, err)
	}
	s.logger.Info("events appended",
		"stream", entry.stream, "count", len(records),
		"from_version", records[0].Version, "to_version", records[len(records)-1].Version)
	return int64(len(records))
}

// wireEvent is the scratch-buffer serialization of a persisted event.
type wireEvent struct {
	Version int64  `json:"version"`
	Type    string `json:"type"`
	Body    []byte `json:"body"`
}

// loadEvents stages the serialized event list of a stream in the scratch
// buffer for the guest to drain.
func (s *Session) loadEvents(ctx context.Context, m api.Module, streamPtr, streamLen uint32, fromVersion int64) {
	const op = "load_events"
	ctx, span := s.tracer.Start(ctx, "halyard.load_events")
	defer span.End()

	stream := readString(m, op, streamPtr, streamLen)
	store := s.requireStore(op)

	records, err := store.LoadEvents(ctx, stream, fromVersion)
	if err != nil {
		fault(op, err)
	}
	events := make([]wireEvent, len(records))
	for i, record := range records {
		events[i] = wireEvent{Version: record.Version, Type: record.EventType, Body: record.Payload}
	}
	data, err := json.Marshal(events)
	if err != nil {
		fault(op, err)
	}
	s.stage(data)
}

// readScratchData copies the next chunk of the pending scratch buffer into
// guest memory and returns the byte count; 0 signals exhaustion. Faults when
// nothing was staged.
func (s *Session) readScratchData(_ context.Context, m api.Module, dstPtr, dstLen uint32) uint32 {
	const op = "read_scratch_data"

	chunk, pending := s.scratchChunk(dstLen)
	if !pending {
		fault(op, fmt.Errorf("no scratch data staged"))
	}
	if len(chunk) > 0 && !m.Memory().Write(dstPtr, chunk) {
		fault(op, fmt.Errorf("memory range [%d, %d) out of bounds", dstPtr, dstPtr+dstLen))
	}
	return uint32(len(chunk))
}

// streamVersion returns the latest persisted version of a stream, or -1 if
// the stream has no events.
func (s *Session) streamVersion(ctx context.Context, m api.Module, streamPtr, streamLen uint32) int64 {
	const op = "stream_version"
	ctx, span := s.tracer.Start(ctx, "halyard.stream_version")
	defer span.End()

	stream := readString(m, op, streamPtr, streamLen)
	store := s.requireStore(op)

	version, err := store.CurrentVersion(ctx, stream)
	if err != nil {
		fault(op, err)
	}
	return version
}

func (s *Session) stageDomainError(op string, domErr *aggregate.DomainError) {
	data, err := json.Marshal(domErr)
	if err != nil {
		fault(op, err)
	}
	s.stage(data)
}
