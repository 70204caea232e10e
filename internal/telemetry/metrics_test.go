package telemetry

import (
	"bufio"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"grid-worker-node/internal/worker"
)

// sample scrapes /metrics and returns the value of the series whose name
// and labels are exactly series.
func sample(t *testing.T, series string) float64 {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, series+" ") {
			v, err := strconv.ParseFloat(strings.TrimPrefix(line, series+" "), 64)
			if err != nil {
				t.Fatalf("parse %q: %v", line, err)
			}
			return v
		}
	}
	return 0
}

func TestWatcherCountsEvents(t *testing.T) {
	const succeeded = `worker_node_job_events_total{event="succeeded"}`
	before := sample(t, succeeded)
	w := Watcher{}
	w.Notify(nil, worker.EventStarted)
	w.Notify(nil, worker.EventSucceeded)
	w.Notify(nil, worker.EventStopped)

	if got := sample(t, succeeded) - before; got != 1 {
		t.Fatalf("succeeded delta = %v", got)
	}
	if got := sample(t, "worker_node_running_jobs"); got != 0 {
		t.Fatalf("running gauge = %v after start and stop", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	ExclusiveRejects.Inc()
	if got := sample(t, "worker_node_exclusive_rejects_total"); got < 1 {
		t.Fatalf("exclusive rejects = %v", got)
	}
}
