package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"grid-worker-node/internal/backoff"
	"grid-worker-node/internal/ctxlog"
	"grid-worker-node/internal/models"
	"grid-worker-node/internal/queue"
	"grid-worker-node/internal/timeline"
)

// commitAttemptTimeout bounds a single delivery so a hung server cannot
// stall the requests queued behind it.
const commitAttemptTimeout = 30 * time.Second

type commitRequest struct {
	jc       *JobContext
	job      models.Job
	client   queue.Client
	status   models.CommitStatus
	deadline time.Time
	attempts int
}

// Committer delivers terminal job outcomes to queue servers on its own
// goroutine so a slow server never holds up a worker slot. A failed
// delivery moves to a deadline-ordered retry timeline and the queue keeps
// moving; it is retried with backoff until the request's deadline.
type Committer struct {
	policy backoff.Policy
	onLost func(jc *JobContext, err error)
	now    func() time.Time

	mtx     sync.Mutex
	pending []commitRequest
	arena   *timeline.Arena[commitRequest]
	retries *timeline.Timeline[commitRequest]
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newCommitter(policy backoff.Policy, onLost func(*JobContext, error)) *Committer {
	arena := timeline.NewArena[commitRequest]()
	return &Committer{
		policy:  policy,
		onLost:  onLost,
		now:     time.Now,
		arena:   arena,
		retries: timeline.New(arena),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Submit queues a request. It never blocks.
func (c *Committer) Submit(req commitRequest) {
	c.mtx.Lock()
	c.pending = append(c.pending, req)
	c.mtx.Unlock()
	c.signal()
}

func (c *Committer) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Pending reports how many requests wait for delivery, including those
// waiting for a retry.
func (c *Committer) Pending() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.pending) + c.retries.Len()
}

// Close makes Run return once the queue and the retry timeline are empty.
func (c *Committer) Close() {
	c.mtx.Lock()
	c.closed = true
	c.mtx.Unlock()
	c.signal()
}

// Done is closed when Run returns.
func (c *Committer) Done() <-chan struct{} { return c.done }

// Run delivers requests until Close has been called and nothing is left
// to deliver, or ctx ends. New requests go before due retries.
func (c *Committer) Run(ctx context.Context) {
	defer close(c.done)
	for {
		req, wait, ok := c.next(ctx)
		if !ok {
			c.abandon(ctx)
			return
		}
		if wait {
			continue
		}
		c.deliver(ctx, req)
	}
}

// next returns the next request to attempt. wait reports that the loop
// slept and should look again.
func (c *Committer) next(ctx context.Context) (req commitRequest, wait bool, ok bool) {
	c.mtx.Lock()
	if len(c.pending) > 0 {
		req = c.pending[0]
		c.pending[0] = commitRequest{}
		c.pending = c.pending[1:]
		c.mtx.Unlock()
		return req, false, true
	}
	var fire <-chan time.Time
	if !c.retries.IsEmpty() {
		h := c.retries.Head()
		d := c.arena.Deadline(h).Sub(c.now())
		if d <= 0 {
			c.retries.Shift()
			req = c.arena.Payload(h)
			c.arena.Free(h)
			c.mtx.Unlock()
			return req, false, true
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		fire = timer.C
	} else if c.closed {
		c.mtx.Unlock()
		return commitRequest{}, false, false
	}
	c.mtx.Unlock()

	select {
	case <-ctx.Done():
		return commitRequest{}, false, false
	case <-c.wake:
	case <-fire:
	}
	return commitRequest{}, true, true
}

func (c *Committer) deliver(ctx context.Context, req commitRequest) {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"JobID":  req.job.ID,
		"Server": req.client.Address(),
		"Status": req.status,
	})
	req.attempts++
	err := c.send(ctx, req)
	if err == nil {
		logger.Debug("commit delivered")
		return
	}
	if errors.Is(err, queue.ErrNotLeaseHolder) {
		c.lost(logger, req, err)
		return
	}
	now := c.now()
	remaining := req.deadline.Sub(now)
	if remaining <= 0 || ctx.Err() != nil {
		c.lost(logger, req, fmt.Errorf("commit expired after %d attempts: %w", req.attempts, err))
		return
	}
	wait := c.policy.Next(req.attempts)
	if wait > remaining {
		wait = remaining
	}
	logger.WithError(err).WithField("RetryIn", wait).Warn("commit failed, will retry")

	c.mtx.Lock()
	h := c.arena.Alloc(now.Add(wait), req)
	if err := c.retries.PushOrdered(h); err != nil {
		c.mtx.Unlock()
		panic(err)
	}
	c.mtx.Unlock()
}

// abandon reports every undelivered request as lost after ctx ended.
func (c *Committer) abandon(ctx context.Context) {
	err := ctx.Err()
	if err == nil {
		return
	}
	c.mtx.Lock()
	reqs := c.pending
	c.pending = nil
	for !c.retries.IsEmpty() {
		h := c.retries.Shift()
		reqs = append(reqs, c.arena.Payload(h))
		c.arena.Free(h)
	}
	c.mtx.Unlock()
	logger := ctxlog.FromContext(ctx)
	for _, req := range reqs {
		c.lost(logger.WithField("JobID", req.job.ID), req, err)
	}
}

func (c *Committer) send(ctx context.Context, req commitRequest) error {
	deadline := req.deadline
	if d := c.now().Add(commitAttemptTimeout); d.Before(deadline) {
		deadline = d
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	switch req.status {
	case models.CommitDone:
		return req.client.PutResult(ctx, &req.job)
	case models.CommitFailure:
		return req.client.PutFailure(ctx, &req.job)
	case models.CommitReturn:
		return req.client.ReturnJob(ctx, req.job.ID)
	}
	return nil
}

func (c *Committer) lost(logger logrus.FieldLogger, req commitRequest, err error) {
	logger.WithError(err).Error("job outcome could not be delivered")
	if c.onLost != nil {
		c.onLost(req.jc, err)
	}
}
