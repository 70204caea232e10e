package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"grid-worker-node/internal/ctxlog"
	"grid-worker-node/internal/models"
	"grid-worker-node/internal/nodestate"
	"grid-worker-node/internal/scheduler"
)

type fakeScheduler struct{ notified []string }

func (f *fakeScheduler) Status() scheduler.Status {
	return scheduler.Status{Iteration: 3, Servers: []string{"q1", "q2"}, Retries: 1}
}

func (f *fakeScheduler) Notify(server string) { f.notified = append(f.notified, server) }

type fakePool struct{}

func (fakePool) Capacity() int            { return 4 }
func (fakePool) Running() int             { return 1 }
func (fakePool) PendingCommits() int      { return 0 }
func (fakePool) ActiveJobs() []models.Job { return []models.Job{{ID: "job-1"}} }

// httptest requests come from 192.0.2.1.
const testClient = "192.0.2.1"

func newServer(adminHosts ...string) (*Server, *nodestate.NodeState, *fakeScheduler) {
	state := nodestate.New()
	sched := &fakeScheduler{}
	return New(ctxlog.TestLogger(), state, sched, fakePool{}, adminHosts), state, sched
}

func TestHealthz(t *testing.T) {
	s, _, _ := newServer()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	s, state, _ := newServer()
	state.Gate.EnterExclusiveMode()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["shutdown_level"] != "none" || body["exclusive"] != true {
		t.Fatalf("body = %v", body)
	}
	if body["discovery_iteration"] != float64(3) || body["capacity"] != float64(4) {
		t.Fatalf("body = %v", body)
	}
	if jobs, _ := body["active_jobs"].([]any); len(jobs) != 1 {
		t.Fatalf("active jobs = %v", body["active_jobs"])
	}
}

func TestNotify(t *testing.T) {
	s, _, sched := newServer()
	for _, target := range []string{"/notify?server=q2", "/notify"} {
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, nil))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("%s = %d", target, rec.Code)
		}
	}
	if len(sched.notified) != 2 || sched.notified[0] != "q2" || sched.notified[1] != "" {
		t.Fatalf("notified = %q", sched.notified)
	}
}

func TestShutdown(t *testing.T) {
	tests := []struct {
		name      string
		hosts     []string
		target    string
		wantCode  int
		wantLevel nodestate.ShutdownLevel
	}{
		{"outside allow-list", []string{"127.0.0.1"}, "/shutdown?level=immediate", http.StatusForbidden, nodestate.None},
		{"default level", []string{testClient}, "/shutdown", http.StatusAccepted, nodestate.Normal},
		{"immediate", []string{testClient}, "/shutdown?level=immediate", http.StatusAccepted, nodestate.Immediate},
		{"bad level", []string{testClient}, "/shutdown?level=later", http.StatusBadRequest, nodestate.None},
		{"none is not a request", []string{testClient}, "/shutdown?level=none", http.StatusBadRequest, nodestate.None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, state, _ := newServer(tt.hosts...)
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.target, nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if got := state.ShutdownLevel(); got != tt.wantLevel {
				t.Fatalf("level = %s, want %s", got, tt.wantLevel)
			}
		})
	}
}

func TestListenReportsBusyPort(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if _, err := Listen(ln.Addr().String()); !errors.Is(err, models.ErrPortBusy) {
		t.Fatalf("want ErrPortBusy, got %v", err)
	}
}
