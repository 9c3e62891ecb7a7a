package core

import (
	"context"
	"testing"

	"pkt.systems/blds/internal/dataframe"
)

// fakeSource is a minimal in-memory Source double for adapter tests. Calls
// are recorded rather than acted on; completions are driven manually by
// pushing onto events.
type fakeSource struct {
	events  chan Event
	samples chan dataframe.SampleMatrix
	calls   []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events:  make(chan Event, 8),
		samples: make(chan dataframe.SampleMatrix, 8),
	}
}

func (f *fakeSource) Initialize(ctx context.Context)              { f.calls = append(f.calls, "initialize") }
func (f *fakeSource) StartStream(ctx context.Context)             { f.calls = append(f.calls, "startStream") }
func (f *fakeSource) StopStream(ctx context.Context)              { f.calls = append(f.calls, "stopStream") }
func (f *fakeSource) Get(ctx context.Context, param string)       { f.calls = append(f.calls, "get:"+param) }
func (f *fakeSource) Set(ctx context.Context, p string, v []byte) { f.calls = append(f.calls, "set:"+p) }
func (f *fakeSource) Status(ctx context.Context)                  { f.calls = append(f.calls, "status") }
func (f *fakeSource) Events() <-chan Event                        { return f.events }
func (f *fakeSource) Samples() <-chan dataframe.SampleMatrix      { return f.samples }
func (f *fakeSource) Delete()                                     { f.calls = append(f.calls, "delete") }

func TestSourceAdapterRejectsSecondOutstandingOfSameKind(t *testing.T) {
	src := newFakeSource()
	a := NewSourceAdapter(src)
	ctx := context.Background()

	if err := a.RequestGet(ctx, "client-a", "recording-length"); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if err := a.RequestGet(ctx, "client-b", "read-interval"); err == nil {
		t.Fatalf("expected busy error for second outstanding get")
	}

	// A different kind is unaffected.
	if err := a.RequestSet(ctx, "client-b", "read-interval", []byte{1}); err != nil {
		t.Fatalf("set while get outstanding: %v", err)
	}
}

func TestSourceAdapterResolveRoutesToOriginalClient(t *testing.T) {
	src := newFakeSource()
	a := NewSourceAdapter(src)
	ctx := context.Background()

	if err := a.RequestGet(ctx, "client-a", "recording-length"); err != nil {
		t.Fatalf("get: %v", err)
	}

	completion, ok := a.Resolve(Event{Kind: EventGetResponse, Success: true, Param: "recording-length", Value: []byte{1, 0, 0, 0}})
	if !ok {
		t.Fatalf("expected resolve to match outstanding get")
	}
	if completion.ClientID != "client-a" || completion.Param != "recording-length" {
		t.Fatalf("got %+v", completion)
	}

	// Slot is now free for a new get.
	if err := a.RequestGet(ctx, "client-c", "read-interval"); err != nil {
		t.Fatalf("get after resolve: %v", err)
	}
}

func TestSourceAdapterResolveUnmatchedReturnsFalse(t *testing.T) {
	src := newFakeSource()
	a := NewSourceAdapter(src)

	if _, ok := a.Resolve(Event{Kind: EventStreamStarted}); ok {
		t.Fatalf("expected no match without an outstanding startStream request")
	}
}

func TestSourceAdapterErrorEventNotResolved(t *testing.T) {
	src := newFakeSource()
	a := NewSourceAdapter(src)

	if _, ok := a.Resolve(Event{Kind: EventError, Message: "device lost"}); ok {
		t.Fatalf("EventError must not be treated as a per-kind completion")
	}
}
