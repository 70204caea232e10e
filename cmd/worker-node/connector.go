package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"grid-worker-node/internal/queue"
	"grid-worker-node/internal/telemetry"
)

// redisConnector opens one RedisQueue per discovered server and keeps a
// notification listener running for each until the server leaves the set.
type redisConnector struct {
	ctx    context.Context
	logger logrus.FieldLogger
	opts   queue.Options
	notify func(server string)
	// reapEvery is how often expired leases are requeued; 0 disables it.
	reapEvery time.Duration

	mtx     sync.Mutex
	servers map[string]*connection
	retired []*queue.RedisQueue
	wg      sync.WaitGroup
}

type connection struct {
	q      *queue.RedisQueue
	cancel context.CancelFunc
}

func newRedisConnector(ctx context.Context, logger logrus.FieldLogger, opts queue.Options, reapEvery time.Duration, notify func(string)) *redisConnector {
	return &redisConnector{
		ctx:       ctx,
		logger:    logger,
		opts:      opts,
		notify:    notify,
		reapEvery: reapEvery,
		servers:   map[string]*connection{},
	}
}

func (c *redisConnector) Connect(addr string) (queue.Client, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if conn, ok := c.servers[addr]; ok {
		return conn.q, nil
	}
	q := queue.NewRedisQueue(addr, c.opts)
	ctx, cancel := context.WithCancel(c.ctx)
	c.servers[addr] = &connection{q: q, cancel: cancel}
	c.logger.WithFields(logrus.Fields{"Server": addr, "Session": q.Session()}).Debug("queue server connected")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = q.Listen(ctx, c.logger, c.notify)
	}()
	if c.reapEvery > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.reap(ctx, q)
		}()
	}
	return q, nil
}

// reap requeues leases that expired on q, such as those of a crashed node.
func (c *redisConnector) reap(ctx context.Context, q *queue.RedisQueue) {
	t := time.NewTicker(c.reapEvery)
	defer t.Stop()
	logger := c.logger.WithField("Server", q.Address())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ids, err := q.RequeueExpired(ctx, time.Now(), 100)
		if err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).Warn("requeue expired leases")
			}
			continue
		}
		if len(ids) > 0 {
			telemetry.LeasesReclaimed.Add(float64(len(ids)))
			logger.WithField("Reclaimed", len(ids)).Info("expired leases requeued")
		}
	}
}

func (c *redisConnector) Disconnect(addr string) {
	c.mtx.Lock()
	conn, ok := c.servers[addr]
	delete(c.servers, addr)
	c.mtx.Unlock()
	if !ok {
		return
	}
	conn.cancel()
	// queued commits may still use the client until Close
	c.mtx.Lock()
	c.retired = append(c.retired, conn.q)
	c.mtx.Unlock()
}

// Close stops every listener and closes all clients.
func (c *redisConnector) Close() {
	c.mtx.Lock()
	conns := c.servers
	c.servers = map[string]*connection{}
	retired := c.retired
	c.retired = nil
	c.mtx.Unlock()

	for _, conn := range conns {
		conn.cancel()
	}
	c.wg.Wait()
	for _, conn := range conns {
		_ = conn.q.Close()
	}
	for _, q := range retired {
		_ = q.Close()
	}
}
