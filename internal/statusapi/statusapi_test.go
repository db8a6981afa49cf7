package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"miel/internal/listen"
	"miel/internal/pool"
)

type fakePoolSource struct {
	stats []pool.Stats
}

func (f fakePoolSource) AllStats() []pool.Stats { return f.stats }

type fakeListenSource struct {
	stats listen.Stats
}

func (f fakeListenSource) Snapshot() listen.Stats { return f.stats }

func newTestServer() *Server {
	p := fakePoolSource{stats: []pool.Stats{
		{Service: "fake-ssh", Ready: 2, Target: 2},
		{Service: "fake-http", Ready: 0, Target: 1, BreakerOpen: true, LastError: "spawn failed"},
	}}
	l := fakeListenSource{stats: listen.Stats{FilterRejected: 3, AdmissionDropped: 1}}
	return New("127.0.0.1:0", p, l, nil)
}

func TestHandleStatusReturnsPoolAndListenerStats(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body Status
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(body.Services))
	}
	if body.FilterRejected != 3 || body.AdmissionDropped != 1 {
		t.Errorf("unexpected admission counters: %+v", body)
	}
	if !body.Services[1].BreakerOpen || body.Services[1].LastError == "" {
		t.Errorf("expected fake-http to report an open breaker with an error, got %+v", body.Services[1])
	}
}

func TestHandleStatusRejectsNonGet(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandleHealthzReflectsShutdownState(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 before shutdown", rec.Code)
	}

	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	rec2 := httptest.NewRecorder()
	s.handleHealthz(rec2, req)
	if rec2.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 after shutdown", rec2.Code)
	}
}
