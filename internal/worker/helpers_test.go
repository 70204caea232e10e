package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"grid-worker-node/internal/backoff"
	"grid-worker-node/internal/ctxlog"
	"grid-worker-node/internal/models"
	"grid-worker-node/internal/nodestate"
	"grid-worker-node/internal/queue"
)

// fakeClient records what the node sends to a queue server.
type fakeClient struct {
	mtx        sync.Mutex
	status     models.JobStatus
	resultErrs []error
	delayErr   error
	results    []models.Job
	failures   []models.Job
	returned   []string
	progress   []string
	delays     int
}

func newFakeClient() *fakeClient { return &fakeClient{status: models.StatusRunning} }

func (c *fakeClient) Address() string { return "fake:6379" }

func (c *fakeClient) GetJob(context.Context, time.Time, queue.Preference) (*models.Job, error) {
	return nil, nil
}

func (c *fakeClient) PutResult(_ context.Context, job *models.Job) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if len(c.resultErrs) > 0 {
		err := c.resultErrs[0]
		c.resultErrs = c.resultErrs[1:]
		if err != nil {
			return err
		}
	}
	c.results = append(c.results, job.Clone())
	return nil
}

func (c *fakeClient) PutFailure(_ context.Context, job *models.Job) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.failures = append(c.failures, job.Clone())
	return nil
}

func (c *fakeClient) ReturnJob(_ context.Context, id string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.returned = append(c.returned, id)
	return nil
}

func (c *fakeClient) JobDelayExpiration(context.Context, string, time.Duration) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.delays++
	return c.delayErr
}

func (c *fakeClient) GetJobStatus(context.Context, string) (models.JobStatus, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.status, nil
}

func (c *fakeClient) PutProgressMessage(_ context.Context, _ string, msg string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.progress = append(c.progress, msg)
	return nil
}

func (c *fakeClient) setStatus(st models.JobStatus) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.status = st
}

func (c *fakeClient) counts() (results, failures, returned int) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.results), len(c.failures), len(c.returned)
}

func testOptions() Options {
	return Options{
		MaxThreads:             2,
		CommitExpiration:       2 * time.Second,
		CommitRetry:            backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		JobStatusCheckInterval: time.Hour,
		InlineOutputThreshold:  1024,
	}
}

func testCtx() context.Context {
	return ctxlog.Context(context.Background(), ctxlog.TestLogger())
}

// newBoundContext returns a context bound to job whose committer is not
// running, so submitted outcomes stay queued.
func newBoundContext(t *testing.T, state *nodestate.NodeState, client queue.Client, opts Options, deps Deps) (*JobContext, *jobEnv) {
	t.Helper()
	env := &jobEnv{state: state, throttle: deps.Throttle, blobs: deps.Blobs, opts: opts}
	env.committer = newCommitter(opts.CommitRetry, nil)
	jc := newJobContext(env)
	jc.begin(&models.Job{ID: "job-1", Input: "in"}, client, false, nil)
	return jc, env
}

// recorder collects watcher events.
type recorder struct {
	mtx     sync.Mutex
	events  []Event
	stopped chan string
}

func newRecorder() *recorder { return &recorder{stopped: make(chan string, 16)} }

func (r *recorder) Notify(jc *JobContext, ev Event) {
	r.mtx.Lock()
	r.events = append(r.events, ev)
	r.mtx.Unlock()
	if ev == EventStopped {
		r.stopped <- jc.JobID()
	}
}

func (r *recorder) has(ev Event) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, e := range r.events {
		if e == ev {
			return true
		}
	}
	return false
}

func (r *recorder) waitStopped(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.stopped:
		return id
	case <-time.After(5 * time.Second):
		t.Fatalf("job did not stop")
	}
	return ""
}

func newTestPool(t *testing.T, state *nodestate.NodeState, h Handler, deps Deps) (*Pool, *recorder) {
	t.Helper()
	p, err := NewPool(state, func() Handler { return h }, testOptions(), deps)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	rec := newRecorder()
	p.AddWatcher(rec)
	p.Start(testCtx())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			t.Errorf("pool shutdown: %v", err)
		}
	})
	return p, rec
}

func dispatch(t *testing.T, p *Pool, job models.Job, client queue.Client, exclusive bool) {
	t.Helper()
	if err := p.WaitForIdle(context.Background()); err != nil {
		t.Fatalf("wait for idle: %v", err)
	}
	if !p.Dispatch(&job, client, exclusive) {
		t.Fatalf("dispatch refused")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
