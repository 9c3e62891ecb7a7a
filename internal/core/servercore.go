package core

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/blds/internal/clock"
	"pkt.systems/blds/internal/dataframe"
	"pkt.systems/blds/internal/protocol"
	"pkt.systems/blds/internal/svcfields"
	"pkt.systems/pslog"
)

// CreateSourceRegistry maps a source type token ("file", "hidens", "mcs",
// ...) to a factory. ServerCore treats an unknown type as a synchronous
// creation failure (spec.md §4.5).
type CreateSourceRegistry map[string]CreateSourceFunc

// Metrics is the subset of instrumentation ServerCore emits to; see
// metrics.go for the OTel-backed implementation.
type Metrics interface {
	SamplesIngested(nsamples uint32)
	FramesSent(kind string)
	SourceError()
	PendingDepth(n int)
}

// ServerCore is the single orchestrator described in spec.md §4.6. Its
// entry points run on several goroutines -- dispatch on each session's
// read goroutine, onSourceEvent on the event pump, onSamples on the
// sample pump -- and every state mutation is serialized by controlMu
// rather than by a single control goroutine.
type ServerCore struct {
	mu sync.Mutex // controlMu: serializes every state mutation below

	logger  pslog.Logger
	clock   clock.Clock
	metrics Metrics
	sources CreateSourceRegistry

	params    *serverParams
	startTime time.Time

	source       *SourceAdapter
	sourceType   string
	sourceLoc    string
	sourceStatus map[string][]byte

	recorder      *Recorder
	recordingSave string // path the active recording was created against
	samplesDone   chan struct{}

	clients map[string]*ClientSession

	maxChunkSizeS float64
}

// ServerCoreOption configures a ServerCore at construction.
type ServerCoreOption func(*ServerCore)

// WithMaxChunkSize overrides the maximum get-data chunk width (spec.md
// §4.6.1), bound from the --max-chunk-size-s CLI flag.
func WithMaxChunkSize(seconds float64) ServerCoreOption {
	return func(s *ServerCore) {
		if seconds > 0 {
			s.maxChunkSizeS = seconds
		}
	}
}

// NewServerCore constructs an orchestrator with no Source and no
// Recorder, ready to accept client connections.
func NewServerCore(logger pslog.Logger, c clock.Clock, metrics Metrics, sources CreateSourceRegistry, opts ...ServerCoreOption) *ServerCore {
	s := &ServerCore{
		logger:        svcfields.WithSubsystem(logger, "control.core"),
		clock:         c,
		metrics:       metrics,
		sources:       sources,
		params:        newServerParams(c),
		startTime:     c.Now(),
		clients:       make(map[string]*ClientSession),
		maxChunkSizeS: DefaultMaxChunkSizeS,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Accept registers a newly connected client and runs its read loop. It
// blocks until the session's read loop exits (socket
// closed, framing error, or ctx cancelled), at which point the session
// is deregistered and its pending requests dropped.
func (s *ServerCore) Accept(ctx context.Context, conn net.Conn) {
	session := newClientSession(conn, s.logger)
	s.registerClient(session)
	s.logger.Info("session.accepted", "client_id", session.ID, "remote_addr", conn.RemoteAddr().String())
	session.runReadLoop(ctx, s.dispatch)
	s.deregisterClient(session)
	session.close()
	s.logger.Info("session.closed", "client_id", session.ID)
}

func (s *ServerCore) registerClient(session *ClientSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[session.ID] = session
}

func (s *ServerCore) deregisterClient(session *ClientSession) {
	s.mu.Lock()
	dropped := session.clearPending()
	delete(s.clients, session.ID)
	s.mu.Unlock()
	if len(dropped) > 0 {
		ids := make([]string, len(dropped))
		for i, r := range dropped {
			ids[i] = r.ID.String()
		}
		s.logger.Debug("session.pending.cancelled", "client_id", session.ID, "count", len(dropped), "request_ids", ids)
	}
}

// dispatch is the entry point every parsed inbound message funnels
// through -- the dispatch table of spec.md §4.6.1.
func (s *ServerCore) dispatch(session *ClientSession, msg protocol.Inbound) {
	ctx := context.Background()
	switch msg.Type {
	case protocol.TypeCreateSource:
		s.handleCreateSource(ctx, session, msg.CreateSource.SourceType, msg.CreateSource.Location)
	case protocol.TypeDeleteSource:
		s.handleDeleteSource(session)
	case protocol.TypeSet:
		s.handleSetParam(session, msg.Param.Param, msg.Param.Value)
	case protocol.TypeGet:
		s.handleGetParam(session, msg.Param.Param)
	case protocol.TypeSetSource:
		s.handleSetSourceParam(ctx, session, msg.Param.Param, msg.Param.Value)
	case protocol.TypeGetSource:
		s.handleGetSourceParam(ctx, session, msg.Param.Param)
	case protocol.TypeStartRecording:
		s.handleStartRecording(ctx, session)
	case protocol.TypeStopRecording:
		s.handleStopRecording(ctx, session)
	case protocol.TypeGetData:
		s.handleGetData(session, msg.GetData.Start, msg.GetData.Stop)
	case protocol.TypeGetAllData:
		s.handleGetAllData(session, msg.GetAllData.Flag)
	default:
		session.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *ServerCore) send(session *ClientSession, kind string, payload []byte) {
	if err := session.writeFrame(payload); err != nil {
		s.logger.Debug("session.write_failed", "client_id", session.ID, "kind", kind, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.FramesSent(kind)
	}
}

// handleCreateSource instantiates a Source (invariant #1: at most one)
// and binds the initialize completion back to this client.
func (s *ServerCore) handleCreateSource(ctx context.Context, session *ClientSession, sourceType, location string) {
	s.mu.Lock()
	if s.source != nil {
		s.mu.Unlock()
		s.send(session, protocol.TypeSourceCreated, protocol.EncodeSourceCreated(false, "a source already exists"))
		return
	}
	factory, ok := s.sources[sourceType]
	if !ok {
		s.mu.Unlock()
		s.send(session, protocol.TypeSourceCreated, protocol.EncodeSourceCreated(false, fmt.Sprintf("unknown source type %q", sourceType)))
		return
	}
	src, err := factory(sourceType, location)
	if err != nil {
		s.mu.Unlock()
		s.send(session, protocol.TypeSourceCreated, protocol.EncodeSourceCreated(false, err.Error()))
		return
	}
	adapter := NewSourceAdapter(src)
	s.source = adapter
	s.sourceType = sourceType
	s.sourceLoc = location
	s.sourceStatus = make(map[string][]byte)
	s.mu.Unlock()

	s.startEventPump(adapter)

	if err := adapter.RequestInitialize(ctx, session.ID); err != nil {
		s.send(session, protocol.TypeSourceCreated, protocol.EncodeSourceCreated(false, err.Error()))
	}
}

// handleDeleteSource releases the Source. Forbidden while a Recorder
// exists (invariant #4).
func (s *ServerCore) handleDeleteSource(session *ClientSession) {
	s.mu.Lock()
	if s.source == nil {
		s.mu.Unlock()
		s.send(session, protocol.TypeSourceDeleted, protocol.EncodeSourceDeleted(false, "no source exists"))
		return
	}
	if s.recorder != nil {
		s.mu.Unlock()
		s.send(session, protocol.TypeSourceDeleted, protocol.EncodeSourceDeleted(false, "cannot delete source while recording"))
		return
	}
	src := s.source
	s.source = nil
	s.sourceType = ""
	s.sourceLoc = ""
	s.sourceStatus = nil
	s.mu.Unlock()

	src.Delete()
	s.send(session, protocol.TypeSourceDeleted, protocol.EncodeSourceDeleted(true, ""))
}

// handleSetParam validates and applies a server parameter (invariant #3:
// forbidden while a Recorder exists).
func (s *ServerCore) handleSetParam(session *ClientSession, param string, value []byte) {
	s.mu.Lock()
	recording := s.recorder != nil
	err := s.params.setParam(param, value, recording)
	s.mu.Unlock()

	if err != nil {
		s.send(session, protocol.TypeSet, protocol.EncodeSet(false, param, err.Error()))
		return
	}
	s.send(session, protocol.TypeSet, protocol.EncodeSet(true, param, ""))
}

// handleGetParam answers a server parameter read, including the
// read-only status fields of spec.md §3.
func (s *ServerCore) handleGetParam(session *ClientSession, param string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch param {
	case "start-time":
		s.send(session, protocol.TypeGet, protocol.EncodeGet(true, param, []byte(s.startTime.UTC().Format(time.RFC3339))))
		return
	case "recording-exists":
		s.send(session, protocol.TypeGet, protocol.EncodeGet(true, param, boolBytes(s.recorder != nil)))
		return
	case "recording-position":
		pos := 0.0
		if s.recorder != nil {
			pos = s.recorder.LengthS()
		}
		s.send(session, protocol.TypeGet, protocol.EncodeGet(true, param, []byte(fmt.Sprintf("%g", pos))))
		return
	case "source-exists":
		s.send(session, protocol.TypeGet, protocol.EncodeGet(true, param, boolBytes(s.source != nil)))
		return
	case "source-type":
		s.send(session, protocol.TypeGet, protocol.EncodeGet(true, param, []byte(s.sourceType)))
		return
	case "source-location":
		s.send(session, protocol.TypeGet, protocol.EncodeGet(true, param, []byte(s.sourceLoc)))
		return
	}

	value, err := s.params.getParam(param)
	if err != nil {
		s.send(session, protocol.TypeGet, protocol.EncodeGet(false, param, []byte(err.Error())))
		return
	}
	s.send(session, protocol.TypeGet, protocol.EncodeGet(true, param, value))
}

func boolBytes(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// handleSetSourceParam forwards a set to the Source, bound to this
// client (requires a Source to exist).
func (s *ServerCore) handleSetSourceParam(ctx context.Context, session *ClientSession, param string, value []byte) {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if src == nil {
		s.send(session, protocol.TypeSetSource, protocol.EncodeSetSource(false, param, "no source exists"))
		return
	}
	if err := src.RequestSet(ctx, session.ID, param, value); err != nil {
		s.send(session, protocol.TypeSetSource, protocol.EncodeSetSource(false, param, err.Error()))
	}
}

// handleGetSourceParam forwards a get to the Source, bound to this
// client; on success the reply also refreshes the status cache.
func (s *ServerCore) handleGetSourceParam(ctx context.Context, session *ClientSession, param string) {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if src == nil {
		s.send(session, protocol.TypeGetSource, protocol.EncodeGetSource(false, param, []byte("no source exists")))
		return
	}
	if err := src.RequestGet(ctx, session.ID, param); err != nil {
		s.send(session, protocol.TypeGetSource, protocol.EncodeGetSource(false, param, []byte(err.Error())))
	}
}

// handleStartRecording creates the Recorder, subscribes to samples, and
// forwards startStream to the Source (invariants #1, #2).
func (s *ServerCore) handleStartRecording(ctx context.Context, session *ClientSession) {
	s.mu.Lock()
	if s.source == nil {
		s.mu.Unlock()
		s.send(session, protocol.TypeRecordingStarted, protocol.EncodeRecordingStarted(false, "no source exists"))
		return
	}
	if s.recorder != nil {
		s.mu.Unlock()
		s.send(session, protocol.TypeRecordingStarted, protocol.EncodeRecordingStarted(false, "a recording already exists"))
		return
	}

	saveFile := s.params.resolveSaveFile()
	target := filepath.Join(s.params.saveDirectory, saveFile)
	if fileExists(target) {
		s.mu.Unlock()
		s.send(session, protocol.TypeRecordingStarted, protocol.EncodeRecordingStarted(false, fmt.Sprintf("%q already exists", target)))
		return
	}

	status := newRecorderStatus(s.clock, s.sourceStatus)
	sampleRate := decodeFloat64LE(s.sourceStatus["sample-rate"])
	if sampleRate <= 0 {
		sampleRate = 1
	}
	s.recorder = NewRecorder(newMemRecordingFile(), sampleRate, target, status)
	s.recordingSave = saveFile
	s.samplesDone = make(chan struct{})
	src := s.source
	s.mu.Unlock()

	go s.pumpSamples()

	if err := src.RequestStartStream(ctx, session.ID); err != nil {
		s.mu.Lock()
		s.recorder = nil
		close(s.samplesDone)
		s.mu.Unlock()
		s.send(session, protocol.TypeRecordingStarted, protocol.EncodeRecordingStarted(false, err.Error()))
	}
}

// handleStopRecording unsubscribes from samples and forwards stopStream;
// the recorder is closed when streamStopped completes (see
// onSourceEvent), per §9's note on the original's reply-on-failure bug
// being unambiguously recording-stopped(false, msg) here.
func (s *ServerCore) handleStopRecording(ctx context.Context, session *ClientSession) {
	s.mu.Lock()
	if s.source == nil || s.recorder == nil {
		s.mu.Unlock()
		s.send(session, protocol.TypeRecordingStopped, protocol.EncodeRecordingStopped(false, "no active recording"))
		return
	}
	src := s.source
	s.mu.Unlock()

	if err := src.RequestStopStream(ctx, session.ID); err != nil {
		s.send(session, protocol.TypeRecordingStopped, protocol.EncodeRecordingStopped(false, err.Error()))
	}
}

// handleGetData answers an immediate or pending data request (spec.md
// §4.6.1 valid-chunk rule).
func (s *ServerCore) handleGetData(session *ClientSession, start, stop float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recorder == nil {
		session.sendError("no recording exists")
		return
	}
	sampleRate := s.recorder.SampleRate()
	if err := validChunk(start, stop, sampleRate, s.maxChunkSizeS, float64(s.params.recordingLength)); err != nil {
		session.sendError(err.Error())
		return
	}

	lengthS := s.recorder.LengthS()
	if float64(stop) <= lengthS {
		frame, err := s.readFrame(start, stop)
		if err != nil {
			session.sendError(err.Error())
			return
		}
		s.send(session, protocol.TypeData, protocol.EncodeData(frame))
		return
	}
	session.enqueuePending(PendingRequest{ID: xid.New(), Start: start, Stop: stop})
	if s.metrics != nil {
		s.metrics.PendingDepth(session.pending.len())
	}
}

// validChunk implements the spec.md §4.6.1 chunk-validity predicate.
func validChunk(start, stop float32, sampleRate, maxChunkSizeS, recordingLength float64) error {
	if start < 0 {
		return fail("invalid_chunk", "start must be >= 0", 400)
	}
	if !(float64(stop) > float64(start)+1/sampleRate) {
		return fail("invalid_chunk", "stop must exceed start by more than one sample period", 400)
	}
	if float64(stop-start) > maxChunkSizeS {
		return fail("invalid_chunk", "chunk exceeds max-chunk-size", 400)
	}
	if float64(stop) > recordingLength {
		return fail("invalid_chunk", "stop exceeds recording-length", 400)
	}
	return nil
}

// readFrame reads samples and wraps them as a DataFrame. Caller holds
// s.mu but Recorder has its own internal mutex so this is safe to call
// regardless.
func (s *ServerCore) readFrame(start, stop float32) (dataframe.DataFrame, error) {
	samples, err := s.recorder.ReadRange(start, stop)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	return dataframe.DataFrame{Start: start, Stop: stop, Samples: samples}, nil
}

// handleGetAllData toggles all-data subscription (invariant #5: may only
// be set true while no Recorder exists).
func (s *ServerCore) handleGetAllData(session *ClientSession, flag bool) {
	s.mu.Lock()
	if flag && s.recorder != nil {
		s.mu.Unlock()
		s.send(session, protocol.TypeGetAllData, protocol.EncodeGetAllData(false, "cannot subscribe to all-data while recording"))
		return
	}
	session.setAllDataSubscribed(flag)
	s.mu.Unlock()
	s.send(session, protocol.TypeGetAllData, protocol.EncodeGetAllData(true, ""))
}

// startEventPump launches the goroutine that reads Source completion
// events and routes them back through the control task.
func (s *ServerCore) startEventPump(adapter *SourceAdapter) {
	go func() {
		for ev := range adapter.Events() {
			s.onSourceEvent(adapter, ev)
		}
	}()
}

// onSourceEvent handles one Source completion or fatal error (spec.md
// §4.6.3 for EventError).
func (s *ServerCore) onSourceEvent(adapter *SourceAdapter, ev Event) {
	if ev.Kind == EventError {
		s.onFatalSourceError(ev.Message)
		return
	}
	if ev.Kind == EventStatus {
		s.onSourceStatus(ev)
		return
	}

	completion, ok := adapter.Resolve(ev)
	if !ok {
		return
	}

	s.mu.Lock()
	session := s.clients[completion.ClientID]
	s.mu.Unlock()
	if session == nil {
		return // client disconnected before its completion arrived
	}

	switch ev.Kind {
	case EventInitialized:
		s.send(session, protocol.TypeSourceCreated, protocol.EncodeSourceCreated(ev.Success, ev.Message))
		if ev.Success {
			adapter.RequestStatus(context.Background())
		} else {
			s.mu.Lock()
			s.source = nil
			s.sourceType = ""
			s.sourceLoc = ""
			s.mu.Unlock()
		}
	case EventStreamStarted:
		s.send(session, protocol.TypeRecordingStarted, protocol.EncodeRecordingStarted(ev.Success, ev.Message))
		if !ev.Success {
			s.mu.Lock()
			s.recorder = nil
			if s.samplesDone != nil {
				close(s.samplesDone)
				s.samplesDone = nil
			}
			s.mu.Unlock()
		}
	case EventStreamStopped:
		s.finishRecording(ev.Success, ev.Message, session)
	case EventGetResponse:
		s.mu.Lock()
		if ev.Success {
			s.sourceStatus[completion.Param] = ev.Value
		}
		s.mu.Unlock()
		s.send(session, protocol.TypeGetSource, protocol.EncodeGetSource(ev.Success, completion.Param, valueOrMessage(ev)))
	case EventSetResponse:
		s.send(session, protocol.TypeSetSource, protocol.EncodeSetSource(ev.Success, completion.Param, ev.Message))
		if ev.Success {
			adapter.RequestStatus(context.Background())
		}
	}
}

// onSourceStatus merges a successful status refresh into the server's
// status cache (spec.md §3, §4.5: "refreshed from the Source after
// every successful mutation"). It is never routed through
// SourceAdapter.Resolve -- a status request is never bound to a client.
func (s *ServerCore) onSourceStatus(ev Event) {
	if !ev.Success {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sourceStatus == nil {
		s.sourceStatus = make(map[string][]byte)
	}
	for k, v := range ev.Values {
		s.sourceStatus[k] = v
	}
}

func valueOrMessage(ev Event) []byte {
	if ev.Success {
		return ev.Value
	}
	return []byte(ev.Message)
}

// finishRecording closes the Recorder and clears save-file, replying to
// the client that requested the stop (explicit stop) or nil (automatic
// completion via recordingFinished, spec.md §4.6.2 step 4). The explicit
// path has already requested stopStream itself (handleStopRecording);
// the automatic path has not, so it issues an unbound stopStream request
// here, matching the original's unconditional
// emit requestSourceStopStream() in handleRecordingFinished.
func (s *ServerCore) finishRecording(success bool, msg string, replyTo *ClientSession) {
	s.mu.Lock()
	rec := s.recorder
	done := s.samplesDone
	src := s.source
	s.recorder = nil
	s.samplesDone = nil
	s.params.saveFile = ""
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if replyTo == nil && src != nil {
		if err := src.RequestStopStream(context.Background(), ""); err != nil {
			s.logger.Debug("source.auto_stop_stream_failed", "error", err)
		}
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			s.logger.Warn("recorder.close_failed", "error", err)
		}
	}
	if replyTo != nil {
		s.send(replyTo, protocol.TypeRecordingStopped, protocol.EncodeRecordingStopped(success, msg))
	}
}

// onFatalSourceError implements spec.md §4.6.3: notify every client,
// close every session, delete the Source, discard pending requests. The
// Recorder, if any, is flushed and closed, keeping the partial file.
func (s *ServerCore) onFatalSourceError(msg string) {
	s.logger.Warn("source.fatal_error", "message", msg)
	if s.metrics != nil {
		s.metrics.SourceError()
	}

	s.mu.Lock()
	clients := make([]*ClientSession, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	rec := s.recorder
	done := s.samplesDone
	s.recorder = nil
	s.samplesDone = nil
	s.source = nil
	s.sourceType = ""
	s.sourceLoc = ""
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			s.logger.Warn("recorder.close_failed", "error", err)
		}
	}

	for _, c := range clients {
		c.sendError(msg)
		c.close()
	}
}

// pumpSamples is the goroutine that feeds Source sample batches into
// onSamples (spec.md §5: "sample batches cross the task boundary via a
// bounded channel/queue; the control task is the sole consumer").
func (s *ServerCore) pumpSamples() {
	s.mu.Lock()
	src := s.source
	done := s.samplesDone
	s.mu.Unlock()
	if src == nil || done == nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case batch, ok := <-src.Samples():
			if !ok {
				return
			}
			s.onSamples(batch)
		}
	}
}

// onSamples is the sample-arrival pipeline, spec.md §4.6.2.
func (s *ServerCore) onSamples(batch dataframe.SampleMatrix) {
	s.mu.Lock()
	rec := s.recorder
	if rec == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	lengthBefore, lengthAfter, err := rec.Append(batch)
	if err != nil {
		s.logger.Warn("recorder.append_failed", "error", err)
		s.onFatalSourceError(fmt.Sprintf("recording append failed: %v", err))
		return
	}
	if s.metrics != nil {
		s.metrics.SamplesIngested(batch.NSamples)
	}

	frame := dataframe.DataFrame{Start: float32(lengthBefore), Stop: float32(lengthAfter), Samples: batch}

	s.mu.Lock()
	recordingLength := float64(s.params.recordingLength)
	for _, session := range s.clients {
		if session.isAllDataSubscribed() {
			s.send(session, protocol.TypeData, protocol.EncodeData(frame))
		}
		s.drainSessionLocked(session, rec, lengthAfter)
	}
	finished := lengthAfter >= recordingLength
	s.mu.Unlock()

	if finished {
		s.finishRecording(true, "", nil)
	}
}

// drainSessionLocked services every newly-servicable pending request on
// one session, in FIFO order (spec.md §4.6.2 step 3). Caller must hold
// s.mu: session.pending is also touched by handleGetData/handleGetAllData
// from per-connection goroutines. rec is passed in rather than re-read
// from s.recorder, which may already have been cleared by a concurrent
// finishRecording/onFatalSourceError.
func (s *ServerCore) drainSessionLocked(session *ClientSession, rec *Recorder, lengthS float64) {
	drained := session.drainPending(lengthS)
	for _, req := range drained {
		samples, err := rec.ReadRange(req.Start, req.Stop)
		if err != nil {
			s.logger.Debug("pending.drain_failed", "client_id", session.ID, "request_id", req.ID.String(), "error", err)
			session.sendError(fmt.Sprintf("range read failed: %v", err))
			continue
		}
		s.logger.Debug("pending.drained", "client_id", session.ID, "request_id", req.ID.String())
		frame := dataframe.DataFrame{Start: req.Start, Stop: req.Stop, Samples: samples}
		s.send(session, protocol.TypeData, protocol.EncodeData(frame))
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
