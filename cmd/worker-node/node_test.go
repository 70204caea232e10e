package main

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"grid-worker-node/internal/backoff"
	"grid-worker-node/internal/config"
	"grid-worker-node/internal/ctxlog"
	"grid-worker-node/internal/models"
	"grid-worker-node/internal/nodestate"
	"grid-worker-node/internal/queue"
	"grid-worker-node/internal/scheduler"
	"grid-worker-node/internal/worker"
)

func testCtx() context.Context {
	return ctxlog.Context(context.Background(), ctxlog.TestLogger())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectorListensForNotifications(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(testCtx())
	defer cancel()

	got := make(chan string, 8)
	opts := queue.Options{QueueName: "test"}
	c := newRedisConnector(ctx, ctxlog.TestLogger(), opts, 0, func(server string) { got <- server })
	defer c.Close()

	client, err := c.Connect(mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	again, _ := c.Connect(mr.Addr())
	if client != again {
		t.Fatalf("second Connect opened a new client")
	}

	producer := queue.NewRedisQueue(mr.Addr(), opts)
	defer producer.Close()
	deadline := time.After(3 * time.Second)
	for {
		if _, err := producer.Enqueue(context.Background(), models.Job{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		select {
		case server := <-got:
			if server != mr.Addr() {
				t.Fatalf("notified for %q", server)
			}
			c.Disconnect(mr.Addr())
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no notification received")
		}
	}
}

// A job submitted to a queue server is fetched, run by the sleep handler
// and committed back to the server.
func TestNodeRunsSubmittedJob(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := testCtx()
	state := nodestate.New()

	pool, err := worker.NewPool(state, func() worker.Handler {
		return &worker.SleepHandler{Tick: 5 * time.Millisecond, Heartbeat: time.Minute}
	}, worker.Options{
		MaxThreads:             2,
		CommitExpiration:       5 * time.Second,
		CommitRetry:            backoff.Policy{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond},
		JobStatusCheckInterval: time.Second,
		InlineOutputThreshold:  1024,
	}, worker.Deps{})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	pool.Start(ctx)

	opts := queue.Options{QueueName: "test", Session: "node-test"}
	var sched *scheduler.Scheduler
	connector := newRedisConnector(ctx, ctxlog.TestLogger(), opts, 10*time.Millisecond, func(server string) { sched.Notify(server) })
	defer connector.Close()
	sched = scheduler.New(state, queue.StaticDiscovery{mr.Addr()}, connector, pool, scheduler.Options{
		QueueTimeout:      time.Second,
		DiscoveryInterval: time.Minute,
		RetryInterval:     func(string, int) time.Duration { return 20 * time.Millisecond },
	})
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	producer := queue.NewRedisQueue(mr.Addr(), opts)
	defer producer.Close()
	id, err := producer.Enqueue(context.Background(), models.Job{Input: `{"duration_ms":20,"output":"hi","exit_code":3}`})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var info queue.JobInfo
	waitFor(t, "job done", func() bool {
		info, err = producer.Inspect(context.Background(), id)
		return err == nil && info.Status == models.StatusDone
	})
	if info.Job.Output != "hi" || info.Job.RetCode != 3 {
		t.Fatalf("committed job = %+v", info.Job)
	}

	state.RequestShutdown(nodestate.Normal)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("scheduler: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
	drain(ctxlog.TestLogger(), state, pool, 5*time.Second)
}

type hardExitRecorder struct{ calls chan struct{} }

func (r hardExitRecorder) HardExit() { r.calls <- struct{}{} }

func TestDieExitsWithoutDraining(t *testing.T) {
	state := nodestate.New()
	pool := hardExitRecorder{calls: make(chan struct{}, 1)}
	codes := make(chan int, 1)
	go exitOnDie(testCtx(), ctxlog.TestLogger(), state, pool, func(code int) { codes <- code })

	state.RequestShutdown(nodestate.Immediate)
	select {
	case <-codes:
		t.Fatalf("exited below die")
	case <-time.After(20 * time.Millisecond):
	}

	state.RequestShutdown(nodestate.Die)
	select {
	case code := <-codes:
		if code != 1 {
			t.Fatalf("exit code = %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("die did not exit")
	}
	select {
	case <-pool.calls:
	default:
		t.Fatalf("hard exit listeners not run")
	}
}

func TestDieWatcherStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(testCtx())
	done := make(chan struct{})
	go func() {
		exitOnDie(ctx, ctxlog.TestLogger(), nodestate.New(), hardExitRecorder{}, func(int) { t.Errorf("exit called") })
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher still running after cancel")
	}
}

func TestConnectorRequeuesExpiredLeases(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(testCtx())
	defer cancel()

	crashed := queue.NewRedisQueue(mr.Addr(), queue.Options{QueueName: "test", Session: "crashed", LeaseTimeout: time.Millisecond})
	defer crashed.Close()
	id, err := crashed.Enqueue(ctx, models.Job{Input: "orphan"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job, err := crashed.GetJob(ctx, time.Now().Add(time.Second), queue.Preference{Rung: queue.RungNoAffinity}); err != nil || job == nil {
		t.Fatalf("lease: job=%v err=%v", job, err)
	}

	c := newRedisConnector(ctx, ctxlog.TestLogger(), queue.Options{QueueName: "test"}, 10*time.Millisecond, func(string) {})
	defer c.Close()
	if _, err := c.Connect(mr.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "orphaned job requeued", func() bool {
		info, err := crashed.Inspect(ctx, id)
		return err == nil && info.Status == models.StatusPending
	})
}

func TestBuiltinHandlersRegistered(t *testing.T) {
	registerHandlers(config.Config{})
	got := strings.Join(worker.RegisteredHandlers(), ",")
	if !strings.Contains(got, "image-resize") || !strings.Contains(got, "sleep") {
		t.Fatalf("registered handlers = %s", got)
	}
}
