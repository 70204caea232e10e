package queue

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Discovery reports the current set of queue servers.
type Discovery interface {
	Servers(ctx context.Context) ([]string, error)
}

// StaticDiscovery always reports the same servers.
type StaticDiscovery []string

func (s StaticDiscovery) Servers(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// RedisDiscovery reads the server set registered on a seed server and
// falls back to the seeds when the set is empty.
type RedisDiscovery struct {
	seed  *RedisQueue
	seeds []string
}

// NewRedisDiscovery uses seed's server set; seeds are the fallback.
func NewRedisDiscovery(seed *RedisQueue, seeds []string) *RedisDiscovery {
	return &RedisDiscovery{seed: seed, seeds: seeds}
}

func (d *RedisDiscovery) Servers(ctx context.Context) ([]string, error) {
	addrs, err := d.seed.client.SMembers(ctx, d.seed.serversKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return append([]string(nil), d.seeds...), nil
	}
	sort.Strings(addrs)
	return addrs, nil
}
