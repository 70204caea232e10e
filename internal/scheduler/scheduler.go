// Package scheduler decides when to ask which queue server for work.
//
// A single goroutine owns two timelines. The immediate queue holds actions
// that are due now: a fresh server, a server that just returned a job, or
// a server that sent a push notification. The retry timeline holds
// deadline-ordered actions: polling an empty server again later, and
// rediscovering the server set after every full sweep.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"grid-worker-node/internal/backoff"
	"grid-worker-node/internal/ctxlog"
	"grid-worker-node/internal/models"
	"grid-worker-node/internal/nodestate"
	"grid-worker-node/internal/queue"
	"grid-worker-node/internal/telemetry"
	"grid-worker-node/internal/timeline"
)

// Dispatcher runs fetched jobs.
type Dispatcher interface {
	// WaitForIdle blocks until a job could be dispatched.
	WaitForIdle(ctx context.Context) error
	// Release drops the reservation made by WaitForIdle.
	Release()
	// Dispatch starts job; exclusive means the caller holds the gate.
	Dispatch(job *models.Job, client queue.Client, exclusive bool) bool
}

// Connector opens and closes clients as servers join and leave the set.
type Connector interface {
	Connect(addr string) (queue.Client, error)
	Disconnect(addr string)
}

// RetryEntry is the payload of a timeline entry. DiscoveryIteration 0
// means "rediscover the server set"; otherwise the entry polls Server and
// records the sweep it was created in.
type RetryEntry struct {
	Server             string
	DiscoveryIteration int
}

func (e RetryEntry) rediscover() bool { return e.DiscoveryIteration == 0 }

// RetryIntervalFunc returns how long to wait before polling server again
// after misses consecutive empty or failed fetches.
type RetryIntervalFunc func(server string, misses int) time.Duration

// BackoffInterval retries with a capped exponential curve.
func BackoffInterval(p backoff.Policy) RetryIntervalFunc {
	return func(_ string, misses int) time.Duration { return p.Next(misses) }
}

type Options struct {
	Affinities        []string
	AnyAffinity       bool
	QueueTimeout      time.Duration
	DiscoveryInterval time.Duration
	RetryInterval     RetryIntervalFunc
}

type server struct {
	addr   string
	client queue.Client
	// pending is the server's entry on either timeline, or Nil.
	pending timeline.Handle
	misses  int
}

// Status is a point-in-time view for the admin API.
type Status struct {
	Iteration int      `json:"discovery_iteration"`
	Servers   []string `json:"servers"`
	Immediate int      `json:"immediate_actions"`
	Retries   int      `json:"retry_entries"`
}

// Scheduler fetches jobs from queue servers and hands them to a
// Dispatcher.
type Scheduler struct {
	state      *nodestate.NodeState
	discovery  queue.Discovery
	connector  Connector
	dispatcher Dispatcher
	opts       Options
	ladder     []queue.Preference

	arena     *timeline.Arena[RetryEntry]
	immediate *timeline.Timeline[RetryEntry]
	retries   *timeline.Timeline[RetryEntry]
	servers   map[string]*server
	unvisited map[string]bool
	iteration int
	// rediscovery is the pending rediscover entry, or Nil.
	rediscovery timeline.Handle

	notifyMtx sync.Mutex
	notified  map[string]bool
	notifyAll bool
	wake      chan struct{}

	statusMtx sync.Mutex
	status    Status

	now func() time.Time
	// traceRetry observes every retry entry pushed; tests use it.
	traceRetry func(RetryEntry, time.Time)
}

func New(state *nodestate.NodeState, discovery queue.Discovery, connector Connector, dispatcher Dispatcher, opts Options) *Scheduler {
	if opts.RetryInterval == nil {
		opts.RetryInterval = BackoffInterval(backoff.Policy{Initial: time.Second, Max: opts.QueueTimeout})
	}
	arena := timeline.NewArena[RetryEntry]()
	return &Scheduler{
		state:      state,
		discovery:  discovery,
		connector:  connector,
		dispatcher: dispatcher,
		opts:       opts,
		ladder:     queue.Ladder(opts.Affinities, opts.AnyAffinity),
		arena:      arena,
		immediate:  timeline.New(arena),
		retries:    timeline.New(arena),
		servers:    map[string]*server{},
		unvisited:  map[string]bool{},
		iteration:  1,
		notified:   map[string]bool{},
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Notify asks for server to be polled now instead of at its retry
// deadline. An empty server means every known server. Safe to call from
// any goroutine.
func (s *Scheduler) Notify(server string) {
	s.notifyMtx.Lock()
	if server == "" {
		s.notifyAll = true
	} else {
		s.notified[server] = true
	}
	s.notifyMtx.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Status returns the state published after the last loop iteration.
func (s *Scheduler) Status() Status {
	s.statusMtx.Lock()
	defer s.statusMtx.Unlock()
	st := s.status
	st.Servers = append([]string(nil), s.status.Servers...)
	return st
}

// Run polls servers until the node shuts down. At Normal it stops
// polling, discards queued immediate actions and returns; at Immediate any
// fetch in progress is abandoned.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	fetchCtx, cancel := s.state.Context(ctx, nodestate.Immediate)
	defer cancel()

	s.rediscover(fetchCtx, logger)
	for {
		s.applyNotifications()
		s.publishStatus()

		if err := ctx.Err(); err != nil {
			return err
		}
		lvl := s.state.ShutdownLevel()
		if lvl >= nodestate.Immediate {
			logger.WithField("Level", lvl).Info("scheduler stopping")
			return nil
		}
		if lvl >= nodestate.Normal {
			s.drainImmediate(logger)
			return nil
		}

		if !s.immediate.IsEmpty() {
			s.execute(fetchCtx, logger, s.immediate.Shift())
			continue
		}
		var timer *time.Timer
		var fire <-chan time.Time
		if !s.retries.IsEmpty() {
			wait := s.arena.Deadline(s.retries.Head()).Sub(s.now())
			if wait <= 0 {
				s.execute(fetchCtx, logger, s.retries.Shift())
				continue
			}
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-fire:
		case <-s.wake:
		case <-s.state.Done(nodestate.Normal):
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) drainImmediate(logger logrus.FieldLogger) {
	n := 0
	for !s.immediate.IsEmpty() {
		h := s.immediate.Shift()
		if srv := s.servers[s.arena.Payload(h).Server]; srv != nil && srv.pending == h {
			srv.pending = timeline.Nil
		}
		s.arena.Free(h)
		n++
	}
	s.publishStatus()
	logger.WithField("Discarded", n).Info("scheduler drained, not fetching during shutdown")
}

func (s *Scheduler) execute(ctx context.Context, logger logrus.FieldLogger, h timeline.Handle) {
	entry := s.arena.Payload(h)
	s.arena.Free(h)
	if entry.rediscover() {
		s.rediscovery = timeline.Nil
		s.rediscover(ctx, logger)
		return
	}
	srv := s.servers[entry.Server]
	if srv == nil || srv.pending != h {
		return
	}
	srv.pending = timeline.Nil
	logger = logger.WithField("Server", srv.addr)

	if !s.waitForCapacity(ctx) {
		s.pushImmediate(srv)
		return
	}

	job, err := s.fetch(ctx, srv)
	s.visited(srv.addr, logger)
	switch {
	case err != nil:
		telemetry.FetchAttempts.WithLabelValues("error").Inc()
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).Warn("fetch failed")
		s.scheduleRetry(srv)
		return
	case job == nil:
		telemetry.FetchAttempts.WithLabelValues("empty").Inc()
		s.scheduleRetry(srv)
		return
	}
	telemetry.FetchAttempts.WithLabelValues("job").Inc()
	srv.misses = 0
	logger = logger.WithField("JobID", job.ID)

	if lvl := s.state.ShutdownLevel(); lvl >= nodestate.Immediate {
		s.giveBack(srv, job, logger, fmt.Sprintf("shutdown level %s", lvl))
		return
	}
	exclusive := job.Mask.Has(models.MaskExclusive)
	if exclusive && !s.state.Gate.EnterExclusiveMode() {
		telemetry.ExclusiveRejects.Inc()
		logger.WithError(models.ErrExclusiveModeIsAlreadySet).Warn("exclusive job rejected")
		s.giveBack(srv, job, logger, "exclusive gate is held")
		s.scheduleRetry(srv)
		return
	}
	if !s.dispatcher.Dispatch(job, srv.client, exclusive) {
		if exclusive {
			s.state.Gate.LeaveExclusiveMode()
		}
		s.giveBack(srv, job, logger, "no free worker slot")
		s.scheduleRetry(srv)
		return
	}
	// The server may have more work.
	s.pushImmediate(srv)
}

// waitForCapacity blocks until a worker slot is reserved and no exclusive
// job is running. It gives up, releasing any reservation, once the node
// starts shutting down: no fetch may start at Normal or above.
func (s *Scheduler) waitForCapacity(ctx context.Context) bool {
	ctx, cancel := s.state.Context(ctx, nodestate.Normal)
	defer cancel()
	if err := s.dispatcher.WaitForIdle(ctx); err != nil {
		return false
	}
	if !s.state.Gate.WaitForExclusiveJobToFinish(ctx) || s.state.ShutdownLevel() >= nodestate.Normal {
		s.dispatcher.Release()
		return false
	}
	return true
}

// fetch walks the affinity ladder, stopping at the first rung that yields
// a job. The whole walk shares one deadline.
func (s *Scheduler) fetch(ctx context.Context, srv *server) (*models.Job, error) {
	deadline := s.now().Add(s.opts.QueueTimeout)
	for _, pref := range s.ladder {
		job, err := srv.client.GetJob(ctx, deadline, pref)
		if err != nil {
			return nil, fmt.Errorf("get job (%s): %w", pref, err)
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

func (s *Scheduler) giveBack(srv *server, job *models.Job, logger logrus.FieldLogger, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.QueueTimeout)
	defer cancel()
	if err := srv.client.ReturnJob(ctx, job.ID); err != nil {
		logger.WithError(err).Warn("could not return job")
		return
	}
	logger.WithField("Reason", reason).Info("job returned unexecuted")
}

func (s *Scheduler) pushImmediate(srv *server) {
	h := s.arena.Alloc(s.now(), RetryEntry{Server: srv.addr, DiscoveryIteration: s.iteration})
	if err := s.immediate.Push(h); err != nil {
		panic(err)
	}
	srv.pending = h
}

func (s *Scheduler) scheduleRetry(srv *server) {
	srv.misses++
	wait := s.opts.RetryInterval(srv.addr, srv.misses)
	if wait > s.opts.QueueTimeout {
		wait = s.opts.QueueTimeout
	}
	if wait < 0 {
		wait = 0
	}
	entry := RetryEntry{Server: srv.addr, DiscoveryIteration: s.iteration}
	deadline := s.now().Add(wait)
	h := s.arena.Alloc(deadline, entry)
	if err := s.retries.PushOrdered(h); err != nil {
		panic(err)
	}
	srv.pending = h
	if s.traceRetry != nil {
		s.traceRetry(entry, deadline)
	}
}

// visited records that addr was polled in the current sweep. Completing
// the sweep starts the next iteration and schedules a rediscovery.
func (s *Scheduler) visited(addr string, logger logrus.FieldLogger) {
	delete(s.unvisited, addr)
	if len(s.unvisited) > 0 {
		return
	}
	s.iteration++
	for a := range s.servers {
		s.unvisited[a] = true
	}
	if s.rediscovery == timeline.Nil {
		h := s.arena.Alloc(s.now().Add(s.opts.DiscoveryInterval), RetryEntry{})
		if err := s.retries.PushOrdered(h); err != nil {
			panic(err)
		}
		s.rediscovery = h
	}
	logger.WithField("Iteration", s.iteration).Debug("discovery sweep complete")
}

func (s *Scheduler) rediscover(ctx context.Context, logger logrus.FieldLogger) {
	addrs, err := s.discovery.Servers(ctx)
	if err != nil {
		logger.WithError(err).Warn("server discovery failed, keeping the current set")
		addrs = nil
		for a := range s.servers {
			addrs = append(addrs, a)
		}
	}
	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		want[a] = true
	}
	for addr, srv := range s.servers {
		if want[addr] {
			continue
		}
		if srv.pending != timeline.Nil {
			s.arena.Free(srv.pending)
		}
		delete(s.servers, addr)
		delete(s.unvisited, addr)
		s.connector.Disconnect(addr)
		logger.WithField("Server", addr).Info("queue server removed")
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		if _, ok := s.servers[addr]; ok {
			continue
		}
		client, err := s.connector.Connect(addr)
		if err != nil {
			logger.WithError(err).WithField("Server", addr).Warn("cannot connect to queue server")
			continue
		}
		srv := &server{addr: addr, client: client}
		s.servers[addr] = srv
		s.unvisited[addr] = true
		s.pushImmediate(srv)
		logger.WithField("Server", addr).Info("queue server added")
	}
	if len(s.servers) == 0 && s.rediscovery == timeline.Nil {
		h := s.arena.Alloc(s.now().Add(s.opts.DiscoveryInterval), RetryEntry{})
		if err := s.retries.PushOrdered(h); err != nil {
			panic(err)
		}
		s.rediscovery = h
	}
}

// applyNotifications turns each notified server's pending retry into an
// immediate action.
func (s *Scheduler) applyNotifications() {
	s.notifyMtx.Lock()
	all := s.notifyAll
	notified := s.notified
	s.notifyAll = false
	s.notified = map[string]bool{}
	s.notifyMtx.Unlock()

	if all {
		for addr := range s.servers {
			notified[addr] = true
		}
	}
	addrs := make([]string, 0, len(notified))
	for addr := range notified {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		srv := s.servers[addr]
		if srv == nil {
			continue
		}
		if srv.pending != timeline.Nil {
			if s.arena.Owner(srv.pending) == s.immediate {
				continue
			}
			s.arena.Free(srv.pending)
			srv.pending = timeline.Nil
		}
		s.pushImmediate(srv)
	}
}

func (s *Scheduler) publishStatus() {
	addrs := make([]string, 0, len(s.servers))
	for a := range s.servers {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	st := Status{
		Iteration: s.iteration,
		Servers:   addrs,
		Immediate: s.immediate.Len(),
		Retries:   s.retries.Len(),
	}
	s.statusMtx.Lock()
	s.status = st
	s.statusMtx.Unlock()

	telemetry.ImmediateQueueDepth.Set(float64(st.Immediate))
	telemetry.RetryTimelineDepth.Set(float64(st.Retries))
	telemetry.KnownServers.Set(float64(len(addrs)))
	telemetry.DiscoveryIteration.Set(float64(st.Iteration))
	telemetry.ShutdownLevel.Set(float64(s.state.ShutdownLevel()))
}
