package core

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/blds/internal/dataframe"
)

// Source is the external, asynchronous data-acquisition collaborator
// described in spec.md §4.5. Every mutating method here starts an
// operation that completes later by delivering a matching Event on the
// channel returned by Events. Samples stream independently via Samples.
type Source interface {
	// Initialize requests the source perform setup ([Uninitialized] ->
	// [Ready]); completion arrives as an EventInitialized.
	Initialize(ctx context.Context)
	// StartStream requests the stream begin ([Ready] -> [Streaming]);
	// completion arrives as an EventStreamStarted.
	StartStream(ctx context.Context)
	// StopStream requests the stream stop ([Streaming] -> [Ready]);
	// completion arrives as an EventStreamStopped.
	StopStream(ctx context.Context)
	// Get requests a named parameter's value; completion arrives as an
	// EventGetResponse.
	Get(ctx context.Context, param string)
	// Set requests a named parameter be assigned value; completion
	// arrives as an EventSetResponse.
	Set(ctx context.Context, param string, value []byte)
	// Status requests the source's full current parameter map, refreshing
	// the server's status cache (spec.md §4.5, §3: "refreshed from the
	// Source after every successful mutation"). Completion arrives as an
	// EventStatus with Values populated; unlike Get/Set it is never bound
	// to a particular client.
	Status(ctx context.Context)
	// Events returns the channel of completion/status/error events.
	Events() <-chan Event
	// Samples returns the channel of emitted sample batches while
	// [Streaming] (spec.md §4.5).
	Samples() <-chan dataframe.SampleMatrix
	// Delete releases the source. Only valid when no Recorder exists
	// (spec.md invariant #4).
	Delete()
}

// EventKind identifies which Source operation an Event completes, or
// whether it is an unsolicited fatal error.
type EventKind int

const (
	EventInitialized EventKind = iota
	EventStreamStarted
	EventStreamStopped
	EventGetResponse
	EventSetResponse
	EventStatus
	EventError
)

// Event is a completion or fatal-error notification from a Source.
type Event struct {
	Kind    EventKind
	Success bool
	Message string
	Param   string            // set for EventGetResponse/EventSetResponse
	Value   []byte            // set for a successful EventGetResponse
	Values  map[string][]byte // set for a successful EventStatus
}

// CreateSourceFunc instantiates a concrete Source for the given type and
// location, synchronously, per spec.md §4.5. An unrecognized type must
// fail synchronously rather than return a Source that later errors.
type CreateSourceFunc func(sourceType, location string) (Source, error)

// requestKind enumerates the five async operations that SourceAdapter
// correlates (spec.md §4.3): each holds at most one outstanding
// client callback at a time.
type requestKind int

const (
	kindInitialize requestKind = iota
	kindStartStream
	kindStopStream
	kindGet
	kindSet
)

func (k requestKind) String() string {
	switch k {
	case kindInitialize:
		return "initialize"
	case kindStartStream:
		return "startStream"
	case kindStopStream:
		return "stopStream"
	case kindGet:
		return "get"
	case kindSet:
		return "set"
	default:
		return "unknown"
	}
}

type pendingCall struct {
	clientID string
	param    string
}

// SourceAdapter is the async request/response gateway to a Source
// (spec.md §4.3). It remembers which client issued each outstanding
// request per kind and routes the Source's completion back to exactly
// that client, exactly once.
type SourceAdapter struct {
	mu      sync.Mutex
	src     Source
	pending map[requestKind]pendingCall
}

// NewSourceAdapter wraps src for correlated request/response handling.
func NewSourceAdapter(src Source) *SourceAdapter {
	return &SourceAdapter{
		src:     src,
		pending: make(map[requestKind]pendingCall),
	}
}

// bind registers clientID as the owner of the next completion of kind,
// or returns a Failure("busy") if one is already outstanding.
func (a *SourceAdapter) bind(kind requestKind, clientID, param string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.pending[kind]; busy {
		return fail("busy", fmt.Sprintf("a %s request is already outstanding", kind), 409)
	}
	a.pending[kind] = pendingCall{clientID: clientID, param: param}
	return nil
}

// detach removes and returns the callback bound for kind, if any. The
// caller must do this before writing the reply, so a fresh request of the
// same kind may bind immediately after (spec.md §4.3).
func (a *SourceAdapter) detach(kind requestKind) (pendingCall, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	call, ok := a.pending[kind]
	if ok {
		delete(a.pending, kind)
	}
	return call, ok
}

// RequestInitialize forwards an initialize request bound to clientID.
func (a *SourceAdapter) RequestInitialize(ctx context.Context, clientID string) error {
	if err := a.bind(kindInitialize, clientID, ""); err != nil {
		return err
	}
	a.src.Initialize(ctx)
	return nil
}

// RequestStartStream forwards a startStream request bound to clientID.
func (a *SourceAdapter) RequestStartStream(ctx context.Context, clientID string) error {
	if err := a.bind(kindStartStream, clientID, ""); err != nil {
		return err
	}
	a.src.StartStream(ctx)
	return nil
}

// RequestStopStream forwards a stopStream request bound to clientID.
func (a *SourceAdapter) RequestStopStream(ctx context.Context, clientID string) error {
	if err := a.bind(kindStopStream, clientID, ""); err != nil {
		return err
	}
	a.src.StopStream(ctx)
	return nil
}

// RequestGet forwards a get(param) request bound to clientID.
func (a *SourceAdapter) RequestGet(ctx context.Context, clientID, param string) error {
	if err := a.bind(kindGet, clientID, param); err != nil {
		return err
	}
	a.src.Get(ctx, param)
	return nil
}

// RequestSet forwards a set(param, value) request bound to clientID.
func (a *SourceAdapter) RequestSet(ctx context.Context, clientID, param string, value []byte) error {
	if err := a.bind(kindSet, clientID, param); err != nil {
		return err
	}
	a.src.Set(ctx, param, value)
	return nil
}

// RequestStatus forwards a status request. Unlike the other Request*
// methods it is never bound to a client -- its EventStatus completion
// just refreshes ServerCore's status cache directly -- so it cannot be
// rejected as busy and has no error to return.
func (a *SourceAdapter) RequestStatus(ctx context.Context) {
	a.src.Status(ctx)
}

// Completion pairs a detached callback with the Event that resolved it.
type Completion struct {
	ClientID string
	Param    string
	Event    Event
}

// Resolve matches an incoming Event to its outstanding callback (if any),
// detaching the slot so a subsequent request of the same kind may bind
// immediately. Fatal Source errors (EventError) are not bound to any
// single kind/client -- ServerCore handles those directly via Events().
func (a *SourceAdapter) Resolve(ev Event) (Completion, bool) {
	var kind requestKind
	switch ev.Kind {
	case EventInitialized:
		kind = kindInitialize
	case EventStreamStarted:
		kind = kindStartStream
	case EventStreamStopped:
		kind = kindStopStream
	case EventGetResponse:
		kind = kindGet
	case EventSetResponse:
		kind = kindSet
	default:
		return Completion{}, false
	}
	call, ok := a.detach(kind)
	if !ok {
		return Completion{}, false
	}
	return Completion{ClientID: call.clientID, Param: call.param, Event: ev}, true
}

// Events exposes the underlying Source's event stream for ServerCore's
// dispatch loop.
func (a *SourceAdapter) Events() <-chan Event {
	return a.src.Events()
}

// Samples exposes the underlying Source's broadcast sample stream.
func (a *SourceAdapter) Samples() <-chan dataframe.SampleMatrix {
	return a.src.Samples()
}

// Delete releases the wrapped Source.
func (a *SourceAdapter) Delete() {
	a.src.Delete()
}
