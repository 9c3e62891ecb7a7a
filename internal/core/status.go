package core

import "time"

// ServerStatus is the JSON-serializable snapshot backing GET /status. The
// pending-total and client-count fields are additions beyond the
// original server's status surface; they are cheap to expose here
// (SPEC_FULL.md section C).
type ServerStatus struct {
	StartTime         time.Time `json:"start_time"`
	RecordingExists   bool      `json:"recording_exists"`
	RecordingPosition float64   `json:"recording_position_s"`
	SourceExists      bool      `json:"source_exists"`
	SourceType        string    `json:"source_type,omitempty"`
	SourceLocation    string    `json:"source_location,omitempty"`
	PendingTotal      int       `json:"pending_total"`
	ClientCount       int       `json:"client_count"`
}

// Status returns a point-in-time snapshot of server state for the HTTP
// status surface. Safe to call from any goroutine.
func (s *ServerCore) Status() ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := 0.0
	if s.recorder != nil {
		pos = s.recorder.LengthS()
	}
	pendingTotal := 0
	for _, c := range s.clients {
		pendingTotal += c.pending.len()
	}
	return ServerStatus{
		StartTime:         s.startTime,
		RecordingExists:   s.recorder != nil,
		RecordingPosition: pos,
		SourceExists:      s.source != nil,
		SourceType:        s.sourceType,
		SourceLocation:    s.sourceLoc,
		PendingTotal:      pendingTotal,
		ClientCount:       len(s.clients),
	}
}

// SourceStatus returns a copy of the source-status cache, or false if no
// source exists (backing GET /source's 404-when-absent behavior).
func (s *ServerCore) SourceStatus() (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.source == nil {
		return nil, false
	}
	out := make(map[string]string, len(s.sourceStatus))
	for k, v := range s.sourceStatus {
		out[k] = string(v)
	}
	return out, true
}
