package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Listen subscribes to the server's notification channel and calls
// notify with the server address for every message. It reconnects with
// exponential backoff and returns only when ctx ends.
func (q *RedisQueue) Listen(ctx context.Context, logger logrus.FieldLogger, notify func(server string)) error {
	const (
		minBackoff = time.Second
		maxBackoff = time.Minute
	)
	backoff := minBackoff
	logger = logger.WithField("Server", q.addr)
	for {
		err := q.subscribe(ctx, notify, func() { backoff = minBackoff })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithError(err).WithField("RetryIn", backoff).Warn("notification subscription lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (q *RedisQueue) subscribe(ctx context.Context, notify func(string), subscribed func()) error {
	pubsub := q.client.Subscribe(ctx, q.NotifyChannel())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", q.NotifyChannel(), err)
	}
	subscribed()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			notify(q.addr)
		}
	}
}
