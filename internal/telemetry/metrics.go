package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grid-worker-node/internal/worker"
)

var (
	once sync.Once

	JobEvents           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "worker_node_job_events_total", Help: "Job lifecycle events by kind"}, []string{"event"})
	FetchAttempts       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "worker_node_fetch_attempts_total", Help: "Fetch attempts by outcome"}, []string{"outcome"})
	ExclusiveRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_node_exclusive_rejects_total", Help: "Exclusive jobs returned because the gate was held"})
	RunningJobs         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worker_node_running_jobs", Help: "Jobs currently executing"})
	RetryTimelineDepth  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worker_node_retry_timeline_depth", Help: "Entries waiting on the retry timeline"})
	ImmediateQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worker_node_immediate_queue_depth", Help: "Entries waiting on the immediate queue"})
	KnownServers        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worker_node_known_servers", Help: "Queue servers in the current discovery set"})
	DiscoveryIteration  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worker_node_discovery_iteration", Help: "Completed discovery sweeps plus one"})
	LeasesReclaimed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_node_leases_reclaimed_total", Help: "Expired leases requeued on queue servers"})
	ShutdownLevel       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worker_node_shutdown_level", Help: "0 none, 1 normal, 2 immediate, 3 die"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobEvents,
			FetchAttempts,
			ExclusiveRejects,
			RunningJobs,
			RetryTimelineDepth,
			ImmediateQueueDepth,
			KnownServers,
			DiscoveryIteration,
			LeasesReclaimed,
			ShutdownLevel,
		)
	})
}

// Watcher counts job events and tracks the running-jobs gauge.
type Watcher struct{}

func (Watcher) Notify(_ *worker.JobContext, ev worker.Event) {
	JobEvents.WithLabelValues(ev.String()).Inc()
	switch ev {
	case worker.EventStarted:
		RunningJobs.Inc()
	case worker.EventStopped:
		RunningJobs.Dec()
	}
}
