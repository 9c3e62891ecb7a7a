package core

import "github.com/rs/xid"

// PendingRequest is a client's request for a time range not yet available,
// spec.md §3.
type PendingRequest struct {
	ID    xid.ID // never sent on the wire; logged to correlate a request through enqueue -> drain/cancel.
	Start float32
	Stop  float32
}

// Servicable reports whether this request's data has arrived: stop_s <=
// the current recorder length, compared at the float32 precision the
// request arrived in.
func (r PendingRequest) Servicable(lengthS float64) bool {
	return r.Stop <= float32(lengthS)
}

// pendingQueue is the append-only, FIFO, no-dedup-no-coalesce queue of
// pending data requests for one ClientSession (spec.md §4.2).
type pendingQueue struct {
	items []PendingRequest
}

// push appends a new request to the tail. It is called on the session's
// read goroutine (via ServerCore.handleGetData) with ServerCore's mutex
// held, which serializes it against drain and clear.
func (q *pendingQueue) push(r PendingRequest) {
	q.items = append(q.items, r)
}

// numServicable returns how many items at the head of the queue are
// servicable at the given recorder length -- used by ServerCore to cheaply
// skip sessions with nothing to drain (spec.md §4.2 numServicable).
func (q *pendingQueue) numServicable(lengthS float64) int {
	n := 0
	for _, r := range q.items {
		if !r.Servicable(lengthS) {
			break
		}
		n++
	}
	return n
}

// drain pops every head request whose stop_s <= lengthS, in FIFO order,
// and returns them. No coalescing, no dedup, no reordering (spec.md §4.2,
// §9).
func (q *pendingQueue) drain(lengthS float64) []PendingRequest {
	n := q.numServicable(lengthS)
	if n == 0 {
		return nil
	}
	drained := make([]PendingRequest, n)
	copy(drained, q.items[:n])
	q.items = q.items[n:]
	return drained
}

// clear discards all pending requests, e.g. on client disconnect (spec.md
// §5 "Cancellation").
func (q *pendingQueue) clear() []PendingRequest {
	dropped := q.items
	q.items = nil
	return dropped
}

func (q *pendingQueue) len() int {
	return len(q.items)
}
