package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"grid-worker-node/internal/ctxlog"
	"grid-worker-node/internal/models"
)

func newTestQueue(t *testing.T, session string) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(mr.Addr(), client, Options{QueueName: "test", Session: session}), mr
}

func soon() time.Time { return time.Now().Add(5 * time.Second) }

func TestLadder(t *testing.T) {
	l := Ladder([]string{"gpu"}, true)
	if len(l) != 3 || l[0].Rung != RungExplicit || l[1].Rung != RungAnyAffinity || l[2].Rung != RungNoAffinity {
		t.Fatalf("ladder = %v", l)
	}
	l = Ladder(nil, false)
	if len(l) != 1 || l[0].Rung != RungNoAffinity {
		t.Fatalf("ladder without affinities = %v", l)
	}
}

func TestGetJobFollowsPreference(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "node-a")

	plainID, err := q.Enqueue(ctx, models.Job{Input: "plain"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	gpuID, err := q.Enqueue(ctx, models.Job{Input: "gpu", Affinity: "gpu", Mask: models.MaskExclusive})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := q.GetJob(ctx, soon(), Preference{Rung: RungExplicit, Affinities: []string{"cpu"}})
	if err != nil || job != nil {
		t.Fatalf("explicit cpu: job=%v err=%v", job, err)
	}
	job, err = q.GetJob(ctx, soon(), Preference{Rung: RungAnyAffinity})
	if err != nil || job == nil {
		t.Fatalf("any affinity: job=%v err=%v", job, err)
	}
	if job.ID != gpuID || job.Input != "gpu" || !job.Mask.Has(models.MaskExclusive) || job.Server != q.Address() {
		t.Fatalf("unexpected job %+v", job)
	}
	job, err = q.GetJob(ctx, soon(), Preference{Rung: RungNoAffinity})
	if err != nil || job == nil || job.ID != plainID {
		t.Fatalf("no affinity: job=%v err=%v", job, err)
	}
	job, err = q.GetJob(ctx, soon(), Preference{Rung: RungNoAffinity})
	if err != nil || job != nil {
		t.Fatalf("expected empty queue, got job=%v err=%v", job, err)
	}
}

func TestCommitLifecycle(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "node-a")
	id, _ := q.Enqueue(ctx, models.Job{Input: "x"})

	job, err := q.GetJob(ctx, soon(), Preference{Rung: RungNoAffinity})
	if err != nil || job == nil {
		t.Fatalf("get: %v", err)
	}
	if st, _ := q.GetJobStatus(ctx, id); st != models.StatusRunning {
		t.Fatalf("status = %s, want running", st)
	}
	if err := q.PutProgressMessage(ctx, id, "half way"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := q.JobDelayExpiration(ctx, id, time.Minute); err != nil {
		t.Fatalf("delay: %v", err)
	}

	job.Output = "result"
	job.RetCode = 3
	if err := q.PutResult(ctx, job); err != nil {
		t.Fatalf("put result: %v", err)
	}
	info, err := q.Inspect(ctx, id)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Status != models.StatusDone || info.Job.Output != "result" || info.Job.RetCode != 3 || info.Progress != "half way" {
		t.Fatalf("unexpected info %+v", info)
	}
	if err := q.PutFailure(ctx, job); !errors.Is(err, ErrNotLeaseHolder) {
		t.Fatalf("second commit: want ErrNotLeaseHolder, got %v", err)
	}
	if err := q.JobDelayExpiration(ctx, id, time.Minute); !errors.Is(err, ErrNotLeaseHolder) {
		t.Fatalf("delay after commit: want ErrNotLeaseHolder, got %v", err)
	}
}

func TestReturnJobRequeuesAtFront(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "node-a")
	first, _ := q.Enqueue(ctx, models.Job{Affinity: "gpu"})
	second, _ := q.Enqueue(ctx, models.Job{Affinity: "gpu"})

	job, _ := q.GetJob(ctx, soon(), Preference{Rung: RungExplicit, Affinities: []string{"gpu"}})
	if job == nil || job.ID != first {
		t.Fatalf("expected first job, got %+v", job)
	}
	if err := q.ReturnJob(ctx, first); err != nil {
		t.Fatalf("return: %v", err)
	}
	if st, _ := q.GetJobStatus(ctx, first); st != models.StatusPending {
		t.Fatalf("status after return = %s", st)
	}
	job, _ = q.GetJob(ctx, soon(), Preference{Rung: RungExplicit, Affinities: []string{"gpu"}})
	if job == nil || job.ID != first {
		t.Fatalf("returned job should be next, got %+v (second=%s)", job, second)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("ready depth = %d, want 1", depth)
	}
}

func TestStatusSeenByOtherNode(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, "node-a")
	other := NewRedisQueueWithClient(mr.Addr(), redis.NewClient(&redis.Options{Addr: mr.Addr()}), Options{QueueName: "test", Session: "node-b"})

	id, _ := q.Enqueue(ctx, models.Job{})
	if job, _ := other.GetJob(ctx, soon(), Preference{Rung: RungNoAffinity}); job == nil {
		t.Fatalf("node-b got no job")
	}
	if st, _ := q.GetJobStatus(ctx, id); st != models.StatusLost {
		t.Fatalf("node-a sees %s, want lost", st)
	}
	if err := q.ReturnJob(ctx, id); !errors.Is(err, ErrNotLeaseHolder) {
		t.Fatalf("foreign return: want ErrNotLeaseHolder, got %v", err)
	}
}

func TestCancelMakesJobMoot(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "node-a")
	leased, _ := q.Enqueue(ctx, models.Job{})
	waiting, _ := q.Enqueue(ctx, models.Job{})

	if job, _ := q.GetJob(ctx, soon(), Preference{Rung: RungNoAffinity}); job == nil || job.ID != leased {
		t.Fatalf("unexpected dequeue order")
	}
	if err := q.Cancel(ctx, waiting); err != nil {
		t.Fatalf("cancel waiting: %v", err)
	}
	if job, _ := q.GetJob(ctx, soon(), Preference{Rung: RungNoAffinity}); job != nil {
		t.Fatalf("canceled job was dequeued")
	}
	if err := q.Cancel(ctx, leased); err != nil {
		t.Fatalf("cancel leased: %v", err)
	}
	if st, _ := q.GetJobStatus(ctx, leased); st != models.StatusCanceled {
		t.Fatalf("status = %s, want canceled", st)
	}
	if st, _ := q.GetJobStatus(ctx, "nope"); st != models.StatusUnknown {
		t.Fatalf("status of missing job = %s", st)
	}
}

func TestDiscovery(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "node-a")
	d := NewRedisDiscovery(q, []string{"seed:6379"})

	got, err := d.Servers(ctx)
	if err != nil || len(got) != 1 || got[0] != "seed:6379" {
		t.Fatalf("fallback servers = %v, %v", got, err)
	}
	_ = q.RegisterServer(ctx, "b:6379")
	_ = q.RegisterServer(ctx, "a:6379")
	got, _ = d.Servers(ctx)
	if len(got) != 2 || got[0] != "a:6379" || got[1] != "b:6379" {
		t.Fatalf("registered servers = %v", got)
	}
}

func TestListenDeliversNotifications(t *testing.T) {
	q, _ := newTestQueue(t, "node-a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 4)
	go q.Listen(ctx, ctxlog.TestLogger(), func(server string) { got <- server })

	deadline := time.After(2 * time.Second)
	for {
		if _, err := q.Enqueue(context.Background(), models.Job{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		select {
		case server := <-got:
			if server != q.Address() {
				t.Fatalf("notified for %q, want %q", server, q.Address())
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no notification received")
		}
	}
}

func TestRequeueExpiredReclaimsLostLeases(t *testing.T) {
	ctx := context.Background()
	crashed, mr := newTestQueue(t, "node-crashed")
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	survivor := NewRedisQueueWithClient(mr.Addr(), client, Options{QueueName: "test", Session: "node-b"})

	staleID, _ := crashed.Enqueue(ctx, models.Job{Input: "stale", Affinity: "gpu"})
	liveID, _ := crashed.Enqueue(ctx, models.Job{Input: "live"})
	for _, pref := range []Preference{{Rung: RungExplicit, Affinities: []string{"gpu"}}, {Rung: RungNoAffinity}} {
		if job, err := crashed.GetJob(ctx, soon(), pref); err != nil || job == nil {
			t.Fatalf("lease: job=%v err=%v", job, err)
		}
	}
	if err := crashed.JobDelayExpiration(ctx, liveID, time.Hour); err != nil {
		t.Fatalf("extend: %v", err)
	}

	ids, err := survivor.RequeueExpired(ctx, time.Now().Add(10*time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != staleID {
		t.Fatalf("reclaimed %v, want [%s]", ids, staleID)
	}
	info, err := survivor.Inspect(ctx, staleID)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Status != models.StatusPending || info.Runner != "" {
		t.Fatalf("reclaimed job status=%s runner=%q", info.Status, info.Runner)
	}
	if st, _ := crashed.GetJobStatus(ctx, staleID); st == models.StatusRunning {
		t.Fatalf("old runner still sees the job as running")
	}
	if err := crashed.PutResult(ctx, &models.Job{ID: staleID}); !errors.Is(err, ErrNotLeaseHolder) {
		t.Fatalf("commit after reclaim: %v", err)
	}

	job, err := survivor.GetJob(ctx, soon(), Preference{Rung: RungAnyAffinity})
	if err != nil || job == nil || job.ID != staleID {
		t.Fatalf("re-lease: job=%v err=%v", job, err)
	}
	if again, _ := survivor.RequeueExpired(ctx, time.Now(), 10); len(again) != 0 {
		t.Fatalf("unexpired leases reclaimed: %v", again)
	}
}
