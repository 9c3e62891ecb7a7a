package core

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"pkt.systems/blds/internal/protocol"
	"pkt.systems/pslog"
)

// ClientSession is one connected client: it owns the socket, parses
// inbound frames and forwards typed requests to ServerCore, and writes
// outbound replies and pushed frames (spec.md §3, §4.2).
//
// Parsing runs on the session's own goroutine, which hands each parsed
// message straight to ServerCore's dispatch. pending and
// allDataSubscribed are only touched by ServerCore while it holds its
// mutex.
type ClientSession struct {
	ID     string
	conn   net.Conn
	logger pslog.Logger

	writeMu sync.Mutex
	reader  *bufio.Reader

	pending           pendingQueue
	allDataSubscribed bool
}

// newClientSession wraps an accepted connection. The session ID is a
// UUID used purely for correlating log lines and completion routing --
// it never appears on the wire.
func newClientSession(conn net.Conn, logger pslog.Logger) *ClientSession {
	id := uuid.NewString()
	return &ClientSession{
		ID:     id,
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: logger.With("client_id", id, "remote_addr", conn.RemoteAddr().String()),
	}
}

// readFrame blocks for the next complete inbound frame. Returns io.EOF
// (possibly wrapped) when the peer disconnects, or ErrFrameTooLarge /
// an I/O error if the stream can no longer be trusted -- both end the
// session (spec.md §4.1: "the only recovery is to close the session").
func (s *ClientSession) readFrame() ([]byte, error) {
	return protocol.ReadFrame(s.reader)
}

// writeFrame serializes payload and writes it to the socket. Sessions own
// their socket exclusively but ServerCore's control task and the
// session's own read goroutine may both write replies, so writes are
// serialized with writeMu (spec.md §5: "outbound writes may happen on
// either task because each session owns its socket exclusively").
func (s *ClientSession) writeFrame(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteFrame(s.conn, payload)
}

// sendError writes an error\n frame and never closes the connection by
// itself (spec.md §4.1: malformed frames don't terminate the session).
func (s *ClientSession) sendError(msg string) {
	if err := s.writeFrame(protocol.EncodeError(msg)); err != nil {
		s.logger.Debug("session.write_failed", "error", err)
	}
}

// close closes the underlying socket. Idempotent-ish: net.Conn.Close is
// safe to call more than once from Go's perspective (returns an error on
// the second call, which we ignore here).
func (s *ClientSession) close() {
	_ = s.conn.Close()
}

// enqueuePending appends a request to this session's pending queue. Only
// ever invoked with ServerCore's mutex held.
func (s *ClientSession) enqueuePending(r PendingRequest) {
	s.pending.push(r)
}

// drainPending pops every head request servicable at lengthS. Only ever
// invoked with ServerCore's mutex held.
func (s *ClientSession) drainPending(lengthS float64) []PendingRequest {
	return s.pending.drain(lengthS)
}

// clearPending discards all pending requests, e.g. on disconnect.
func (s *ClientSession) clearPending() []PendingRequest {
	return s.pending.clear()
}

// setAllDataSubscribed updates the all-data flag. Invariant #5 (may only
// be set true while no RecordingFile exists) is enforced by the caller
// (ServerCore), which holds the recorder-exists state this session does
// not.
func (s *ClientSession) setAllDataSubscribed(v bool) {
	s.allDataSubscribed = v
}

func (s *ClientSession) isAllDataSubscribed() bool {
	return s.allDataSubscribed
}

// runReadLoop reads and dispatches inbound messages until the connection
// closes or ctx is cancelled, handing each parsed message to dispatch. A
// payload with an unknown type token or a malformed type-specific body
// gets an error reply and the loop continues; only a framing failure
// ends the session (spec.md §4.1).
func (s *ClientSession) runReadLoop(ctx context.Context, dispatch func(*ClientSession, protocol.Inbound)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		payload, err := s.readFrame()
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("session.read_failed", "error", err)
			}
			return
		}
		msg, err := protocol.ParseInbound(payload)
		if err != nil {
			s.sendError(fmt.Sprintf("malformed message: %v", err))
			continue
		}
		dispatch(s, msg)
	}
}
