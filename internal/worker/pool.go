package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"grid-worker-node/internal/backoff"
	"grid-worker-node/internal/blob"
	"grid-worker-node/internal/ctxlog"
	"grid-worker-node/internal/models"
	"grid-worker-node/internal/nodestate"
	"grid-worker-node/internal/queue"
	"grid-worker-node/internal/ratelimit"
)

// Options tunes a Pool.
type Options struct {
	MaxThreads             int
	CommitExpiration       time.Duration
	CommitRetry            backoff.Policy
	JobStatusCheckInterval time.Duration
	InlineOutputThreshold  uint64
}

// Deps are the pool's optional collaborators.
type Deps struct {
	Throttle ratelimit.Throttle
	Blobs    blob.Store
}

// Pool runs dispatched jobs on a fixed number of slots. Each slot owns one
// handler instance and one reusable JobContext.
type Pool struct {
	env      *jobEnv
	watchers watcherList

	cleanupMtx  sync.RWMutex
	cleanup     []CleanupListener
	cleanupWake chan struct{}
	cleanupStop chan struct{}
	cleanupDone chan struct{}

	slots    []*slot
	free     chan *slot
	reserved *slot // owned by the dispatching goroutine
	running  atomic.Int32
	wg       sync.WaitGroup
	baseCtx  context.Context
	started  bool
}

type slot struct {
	id      int
	jc      *JobContext
	handler Handler
}

// NewPool builds MaxThreads slots using factory.
func NewPool(state *nodestate.NodeState, factory Factory, opts Options, deps Deps) (*Pool, error) {
	if factory == nil {
		return nil, models.ErrJobFactoryIsNotSet
	}
	if opts.MaxThreads < 1 {
		opts.MaxThreads = 1
	}
	p := &Pool{
		free:        make(chan *slot, opts.MaxThreads),
		cleanupWake: make(chan struct{}, 1),
		cleanupStop: make(chan struct{}),
		cleanupDone: make(chan struct{}),
		baseCtx:     context.Background(),
	}
	p.env = &jobEnv{
		state:    state,
		throttle: deps.Throttle,
		blobs:    deps.Blobs,
		opts:     opts,
	}
	p.env.committer = newCommitter(opts.CommitRetry, func(jc *JobContext, _ error) {
		p.watchers.notify(jc, EventLost)
	})
	for i := 0; i < opts.MaxThreads; i++ {
		h := factory()
		if h == nil {
			return nil, models.ErrJobFactoryIsNotSet
		}
		s := &slot{id: i, jc: newJobContext(p.env), handler: h}
		p.slots = append(p.slots, s)
		p.free <- s
	}
	return p, nil
}

// Start launches the committer and cleanup goroutines. ctx carries the
// logger and bounds commit delivery.
func (p *Pool) Start(ctx context.Context) {
	p.baseCtx = ctx
	p.started = true
	go p.env.committer.Run(ctx)
	go p.runCleanup()
}

// AddWatcher subscribes w to job events and returns its unsubscribe func.
func (p *Pool) AddWatcher(w JobWatcher) func() { return p.watchers.add(w) }

func (p *Pool) AddCleanupListener(l CleanupListener) {
	p.cleanupMtx.Lock()
	defer p.cleanupMtx.Unlock()
	p.cleanup = append(p.cleanup, l)
}

// Capacity is the number of slots.
func (p *Pool) Capacity() int { return len(p.slots) }

// Running is the number of jobs currently executing.
func (p *Pool) Running() int { return int(p.running.Load()) }

// ActiveJobs returns copies of the jobs currently bound to slots.
func (p *Pool) ActiveJobs() []models.Job {
	var out []models.Job
	for _, s := range p.slots {
		s.jc.mtx.Lock()
		if s.jc.active {
			out = append(out, s.jc.job.Clone())
		}
		s.jc.mtx.Unlock()
	}
	return out
}

// PendingCommits is the committer's backlog.
func (p *Pool) PendingCommits() int { return p.env.committer.Pending() }

// WaitForIdle blocks until a slot is free and reserves it for the next
// Dispatch. Only one goroutine may dispatch.
func (p *Pool) WaitForIdle(ctx context.Context) error {
	if p.reserved != nil {
		return nil
	}
	select {
	case s := <-p.free:
		p.reserved = s
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release gives back a slot reserved by WaitForIdle without running a
// job on it.
func (p *Pool) Release() {
	if s := p.reserved; s != nil {
		p.reserved = nil
		p.free <- s
	}
}

// Dispatch starts job on a free slot. exclusive reports that the caller
// already holds the exclusive gate on the job's behalf; the slot releases
// it when the job ends. It returns false when no slot is free.
func (p *Pool) Dispatch(job *models.Job, client queue.Client, exclusive bool) bool {
	s := p.reserved
	p.reserved = nil
	if s == nil {
		select {
		case s = <-p.free:
		default:
			return false
		}
	}
	p.running.Add(1)
	p.wg.Add(1)
	go p.run(s, job, client, exclusive)
	return true
}

func (p *Pool) run(s *slot, job *models.Job, client queue.Client, exclusive bool) {
	defer func() {
		p.running.Add(-1)
		p.free <- s
		p.wg.Done()
		select {
		case p.cleanupWake <- struct{}{}:
		default:
		}
	}()

	logger := ctxlog.FromContext(p.baseCtx).WithFields(logrus.Fields{
		"JobID":  job.ID,
		"Server": client.Address(),
		"Slot":   s.id,
	})
	ctx, cancelLevel := p.env.state.Context(p.baseCtx, nodestate.Immediate)
	defer cancelLevel()
	ctx, cancel := context.WithCancel(ctxlog.Context(ctx, logger))

	jc := s.jc
	jc.begin(job, client, exclusive, cancel)
	defer jc.Reset()

	logger.WithField("Mask", job.Mask).Info("job started")
	p.watchers.notify(jc, EventStarted)

	res := p.execute(ctx, s.handler, jc)
	if res.Failed() {
		if models.IsContractViolation(res.Err) {
			logger.WithError(res.Err).Warn("returning job after contract violation")
			_ = jc.ReturnJob()
		} else if err := jc.CommitJobWithFailure(res.Err.Error()); err != nil && !errors.Is(err, models.ErrJobIsCanceled) {
			logger.WithError(res.Err).Warn("handler failed after committing")
		}
	}
	if !jc.CommitStatus().Terminal() {
		logger.Warn("handler returned without committing, returning job")
		_ = jc.ReturnJob()
	}

	status := jc.CommitStatus()
	p.watchers.notify(jc, eventFor(status))
	p.watchers.notify(jc, EventStopped)
	fields := logrus.Fields{"CommitStatus": status, "ExitCode": res.ExitCode}
	if status != models.CommitCanceled {
		fields["CommitDeadline"] = jc.CommitDeadline().Format(time.RFC3339)
	}
	logger.WithFields(fields).Info("job finished")
}

func (p *Pool) execute(ctx context.Context, h Handler, jc *JobContext) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failuref("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, jc)
}

func eventFor(status models.CommitStatus) Event {
	switch status {
	case models.CommitDone:
		return EventSucceeded
	case models.CommitFailure:
		return EventFailed
	case models.CommitCanceled:
		return EventCanceled
	}
	return EventReturned
}

func (p *Pool) runCleanup() {
	defer close(p.cleanupDone)
	for {
		select {
		case <-p.cleanupWake:
			p.fireCleanup(RegularCleanup)
		case <-p.cleanupStop:
			return
		}
	}
}

func (p *Pool) fireCleanup(ev CleanupEvent) {
	p.cleanupMtx.RLock()
	ls := p.cleanup
	p.cleanupMtx.RUnlock()
	for _, l := range ls {
		l.HandleEvent(ev)
	}
}

// HardExit runs the OnHardExit listeners on the calling goroutine without
// waiting for running jobs or the cleanup goroutine.
func (p *Pool) HardExit() {
	p.fireCleanup(OnHardExit)
}

// Shutdown waits for running jobs to end and their outcomes to be
// delivered, then stops the background goroutines.
func (p *Pool) Shutdown(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.env.committer.Close()
	if p.started {
		select {
		case <-p.env.committer.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		close(p.cleanupStop)
		<-p.cleanupDone
	}
	return nil
}
