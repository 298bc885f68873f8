package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"serverless-dag-tuner/pkg/constants"
	"serverless-dag-tuner/pkg/orchestrator"
)

type fakeProvider struct{ states []orchestrator.StageState }

func (f *fakeProvider) Snapshot() []orchestrator.StageState { return f.states }

func newTestServer(limiter *rate.Limiter) *Server {
	return NewServer(&fakeProvider{states: []orchestrator.StageState{
		{StageID: "split", CPU: 1, Memory: 1769, Workers: 1, Status: constants.StatusSuccess},
		{StageID: "count", CPU: 2, Memory: 3538, Workers: 8, Status: constants.StatusPending},
	}}, limiter)
}

func TestServer_Schedule(t *testing.T) {
	s := newTestServer(rate.NewLimiter(100, 100))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/schedule", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d, body: %s", w.Code, w.Body.String())
	}
	var out []orchestrator.StageState
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(out) != 2 || out[1].StageID != "count" || out[1].Workers != 8 {
		t.Errorf("unexpected schedule: %+v", out)
	}
	if !strings.Contains(w.Body.String(), `"stage_id":"split"`) {
		t.Errorf("expected snake_case keys, got %s", w.Body.String())
	}
}

func TestServer_RejectsNonGet(t *testing.T) {
	s := newTestServer(nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/schedule", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestServer_RateLimited(t *testing.T) {
	s := newTestServer(rate.NewLimiter(rate.Every(time.Hour), 1))

	first := httptest.NewRecorder()
	s.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/schedule", nil))
	second := httptest.NewRecorder()
	s.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/schedule", nil))

	if first.Code != http.StatusOK || second.Code != http.StatusTooManyRequests {
		t.Errorf("expected 200 then 429, got %d then %d", first.Code, second.Code)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s := newTestServer(nil)
	for _, path := range []string{"/healthz", "/metrics"} {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
		}
	}
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newTestServer(nil).Run(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
