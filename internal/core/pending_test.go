package core

import "testing"

func TestPendingQueueServicable(t *testing.T) {
	r := PendingRequest{Start: 0.4, Stop: 0.6}
	if r.Servicable(0.3) {
		t.Fatalf("expected not servicable at length 0.3")
	}
	if !r.Servicable(0.6) {
		t.Fatalf("expected servicable at length 0.6")
	}
}

func TestPendingQueuePushDrainFIFO(t *testing.T) {
	var q pendingQueue
	q.push(PendingRequest{Start: 0, Stop: 0.2})
	q.push(PendingRequest{Start: 0.2, Stop: 0.5})
	q.push(PendingRequest{Start: 0.5, Stop: 0.9})

	if n := q.numServicable(0.3); n != 1 {
		t.Fatalf("expected 1 servicable at length 0.3, got %d", n)
	}

	drained := q.drain(0.3)
	if len(drained) != 1 || drained[0].Stop != 0.2 {
		t.Fatalf("got %+v", drained)
	}
	if q.len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", q.len())
	}

	drained = q.drain(0.9)
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained, got %d", len(drained))
	}
	if q.len() != 0 {
		t.Fatalf("expected queue empty, got %d", q.len())
	}
}

func TestPendingQueueDrainStopsAtFirstUnservicable(t *testing.T) {
	var q pendingQueue
	q.push(PendingRequest{Start: 0, Stop: 0.2})
	q.push(PendingRequest{Start: 0.9, Stop: 1.5})
	q.push(PendingRequest{Start: 0, Stop: 0.1})

	drained := q.drain(1.0)
	if len(drained) != 1 {
		t.Fatalf("expected only the head item drained, got %d", len(drained))
	}
	if q.len() != 2 {
		t.Fatalf("expected 2 remaining (no reordering, no skip-ahead), got %d", q.len())
	}
}

func TestPendingQueueClear(t *testing.T) {
	var q pendingQueue
	q.push(PendingRequest{Start: 0, Stop: 0.2})
	q.push(PendingRequest{Start: 0.2, Stop: 0.4})

	dropped := q.clear()
	if len(dropped) != 2 {
		t.Fatalf("expected 2 dropped, got %d", len(dropped))
	}
	if q.len() != 0 {
		t.Fatalf("expected queue empty after clear, got %d", q.len())
	}
}
