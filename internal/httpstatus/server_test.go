package httpstatus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/blds/internal/core"
)

type fakeStatusSource struct {
	status       core.ServerStatus
	sourceStatus map[string]string
	sourceExists bool
}

func (f fakeStatusSource) Status() core.ServerStatus { return f.status }
func (f fakeStatusSource) SourceStatus() (map[string]string, bool) {
	return f.sourceStatus, f.sourceExists
}

func TestStatusReturnsServerAndHostSnapshot(t *testing.T) {
	src := fakeStatusSource{status: core.ServerStatus{StartTime: time.Unix(0, 0), ClientCount: 2}}
	mux := NewMux(src, nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var got statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ClientCount != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestSourceReturns404WhenAbsent(t *testing.T) {
	src := fakeStatusSource{sourceExists: false}
	mux := NewMux(src, nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/source", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestSourceReturnsStatusWhenPresent(t *testing.T) {
	src := fakeStatusSource{sourceExists: true, sourceStatus: map[string]string{"source-type": "file"}}
	mux := NewMux(src, nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/source", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["source-type"] != "file" {
		t.Fatalf("got %+v", got)
	}
}

func TestMetricsReturns404WhenHandlerNil(t *testing.T) {
	src := fakeStatusSource{}
	mux := NewMux(src, nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	src := fakeStatusSource{}
	mux := NewMux(src, nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestPostToStatusReturns405(t *testing.T) {
	src := fakeStatusSource{}
	mux := NewMux(src, nil, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("got status %d", rec.Code)
	}
}
