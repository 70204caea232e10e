package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"grid-worker-node/internal/models"
)

// Options configures a RedisQueue.
type Options struct {
	QueueName    string
	Password     string
	DB           int
	LeaseTimeout time.Duration
	// Session identifies this node as the runner of leased jobs.
	Session string
}

// RedisQueue is a queue server backed by one Redis instance. Ready jobs
// sit in one list per affinity token plus one list for jobs without
// affinity; leased jobs are tracked in a sorted set scored by lease
// expiry.
type RedisQueue struct {
	client    *redis.Client
	addr      string
	queueName string
	session   string
	leaseTTL  time.Duration
}

// NewRedisQueue connects to the Redis server at addr.
func NewRedisQueue(addr string, opts Options) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisQueueWithClient(addr, client, opts)
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(addr string, client *redis.Client, opts Options) *RedisQueue {
	name := opts.QueueName
	if name == "" {
		name = "default"
	}
	lease := opts.LeaseTimeout
	if lease == 0 {
		lease = 5 * time.Minute
	}
	session := opts.Session
	if session == "" {
		session = uuid.New().String()
	}
	return &RedisQueue{
		client:    client,
		addr:      addr,
		queueName: name,
		session:   session,
		leaseTTL:  lease,
	}
}

// Address returns the server address.
func (q *RedisQueue) Address() string { return q.addr }

// Session returns the runner identity used for leases.
func (q *RedisQueue) Session() string { return q.session }

// Close releases the connection pool.
func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) key(parts ...string) string {
	k := "queue:" + q.queueName
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQueue) readyKey(affinity string) string {
	if affinity == "" {
		return q.key("ready", "none")
	}
	return q.key("ready", "aff", affinity)
}

func (q *RedisQueue) jobKey(jobID string) string { return q.key("job", jobID) }
func (q *RedisQueue) inflightKey() string        { return q.key("inflight") }
func (q *RedisQueue) affinitiesKey() string      { return q.key("affinities") }
func (q *RedisQueue) serversKey() string         { return q.key("servers") }

// NotifyChannel is the pub/sub channel announcing new ready jobs.
func (q *RedisQueue) NotifyChannel() string { return q.key("notify") }

func (q *RedisQueue) readyKeys(ctx context.Context, pref Preference) ([]string, error) {
	switch pref.Rung {
	case RungExplicit:
		keys := make([]string, 0, len(pref.Affinities))
		for _, a := range pref.Affinities {
			keys = append(keys, q.readyKey(a))
		}
		return keys, nil
	case RungAnyAffinity:
		affs, err := q.client.SMembers(ctx, q.affinitiesKey()).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		sort.Strings(affs)
		keys := make([]string, 0, len(affs))
		for _, a := range affs {
			keys = append(keys, q.readyKey(a))
		}
		return keys, nil
	case RungNoAffinity:
		return []string{q.readyKey("")}, nil
	}
	return nil, fmt.Errorf("unknown affinity rung %d", pref.Rung)
}

// GetJob leases the first ready job matching pref.
func (q *RedisQueue) GetJob(ctx context.Context, deadline time.Time, pref Preference) (*models.Job, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	keys, err := q.readyKeys(ctx, pref)
	if err != nil {
		return nil, fmt.Errorf("list ready queues: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	keys = append(keys, q.inflightKey())

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.leaseTTL).UnixMilli(), q.jobKey(""), q.session).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		// a lease on a job we cannot read would block it until expiry
		_ = q.client.ZRem(ctx, q.inflightKey(), jobID).Err()
		return nil, err
	}
	return job, nil
}

func (q *RedisQueue) loadJob(ctx context.Context, jobID string) (*models.Job, error) {
	raw, err := q.client.HGet(ctx, q.jobKey(jobID), "record").Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s has no record", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", jobID, err)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	job.ID = jobID
	job.Server = q.addr
	return &job, nil
}

func (q *RedisQueue) commit(ctx context.Context, job *models.Job, status models.JobStatus) error {
	res, err := commitScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.inflightKey()},
		q.session, string(status), job.Output, job.RetCode, job.ErrorMsg, job.ID,
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return fmt.Errorf("commit %s: %w", job.ID, ErrNotLeaseHolder)
	}
	return nil
}

// PutResult records a successful outcome.
func (q *RedisQueue) PutResult(ctx context.Context, job *models.Job) error {
	return q.commit(ctx, job, models.StatusDone)
}

// PutFailure records a failed outcome.
func (q *RedisQueue) PutFailure(ctx context.Context, job *models.Job) error {
	return q.commit(ctx, job, models.StatusFailed)
}

// ReturnJob puts a leased job back at the front of its ready list.
func (q *RedisQueue) ReturnJob(ctx context.Context, jobID string) error {
	res, err := returnScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.inflightKey()},
		q.session, jobID, q.key("ready")+":", q.affinitiesKey(),
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return fmt.Errorf("return %s: %w", jobID, ErrNotLeaseHolder)
	}
	return q.client.Publish(ctx, q.NotifyChannel(), jobID).Err()
}

// RequeueExpired reclaims up to limit leases that ran out before now:
// each job goes back to the tail of its ready list with no runner, and
// listening nodes are woken. It returns the reclaimed IDs.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, id := range ids {
		res, err := requeueScript.Run(ctx, q.client,
			[]string{q.jobKey(id), q.inflightKey()},
			id, now.UnixMilli(), q.key("ready")+":", q.affinitiesKey(),
		).Int()
		if err != nil {
			return reclaimed, fmt.Errorf("requeue %s: %w", id, err)
		}
		if res == 1 {
			reclaimed = append(reclaimed, id)
		}
	}
	if len(reclaimed) > 0 {
		if err := q.client.Publish(ctx, q.NotifyChannel(), reclaimed[0]).Err(); err != nil {
			return reclaimed, err
		}
	}
	return reclaimed, nil
}

// JobDelayExpiration pushes the lease deadline to now+d.
func (q *RedisQueue) JobDelayExpiration(ctx context.Context, jobID string, d time.Duration) error {
	if _, err := q.client.ZScore(ctx, q.inflightKey(), jobID).Result(); err == redis.Nil {
		return fmt.Errorf("extend %s: %w", jobID, ErrNotLeaseHolder)
	} else if err != nil {
		return err
	}
	return q.client.ZAddArgs(ctx, q.inflightKey(), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: float64(time.Now().Add(d).UnixMilli()), Member: jobID}},
	}).Err()
}

// GetJobStatus reports the job's state as seen by this node.
func (q *RedisQueue) GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	vals, err := q.client.HMGet(ctx, q.jobKey(jobID), "status", "runner").Result()
	if err != nil {
		return models.StatusUnknown, err
	}
	status, _ := vals[0].(string)
	runner, _ := vals[1].(string)
	if status == "" {
		return models.StatusUnknown, nil
	}
	if models.JobStatus(status) != models.StatusRunning {
		return models.JobStatus(status), nil
	}
	if runner != q.session {
		return models.StatusLost, nil
	}
	score, err := q.client.ZScore(ctx, q.inflightKey(), jobID).Result()
	if err == redis.Nil {
		return models.StatusLost, nil
	}
	if err != nil {
		return models.StatusUnknown, err
	}
	if int64(score) < time.Now().UnixMilli() {
		return models.StatusLost, nil
	}
	return models.StatusRunning, nil
}

// PutProgressMessage stores the latest progress message.
func (q *RedisQueue) PutProgressMessage(ctx context.Context, jobID, msg string) error {
	return q.client.HSet(ctx, q.jobKey(jobID), "progress", msg).Err()
}

// Enqueue submits a job and wakes listening nodes. An empty ID is
// replaced by a fresh UUID, which is returned.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	record, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID),
		"record", record,
		"status", string(models.StatusPending),
		"affinity", job.Affinity,
		"runner", "",
	)
	pipe.RPush(ctx, q.readyKey(job.Affinity), job.ID)
	if job.Affinity != "" {
		pipe.SAdd(ctx, q.affinitiesKey(), job.Affinity)
	}
	pipe.Publish(ctx, q.NotifyChannel(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Cancel removes a job from the ready and leased sets and marks it
// canceled, so a node running it sees it as moot.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	aff, err := q.client.HGet(ctx, q.jobKey(jobID), "affinity").Result()
	if err == redis.Nil {
		return fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey(aff), 0, jobID)
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	pipe.HSet(ctx, q.jobKey(jobID), "status", string(models.StatusCanceled), "runner", "")
	_, err = pipe.Exec(ctx)
	return err
}

// JobInfo is the server-side view of a job, for inspection tools.
type JobInfo struct {
	Job      models.Job       `json:"job"`
	Status   models.JobStatus `json:"status"`
	Runner   string           `json:"runner,omitempty"`
	Progress string           `json:"progress,omitempty"`
}

// Inspect returns the stored record and outcome fields of a job.
func (q *RedisQueue) Inspect(ctx context.Context, jobID string) (JobInfo, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return JobInfo{}, err
	}
	if len(fields) == 0 {
		return JobInfo{}, fmt.Errorf("job %s not found", jobID)
	}
	var info JobInfo
	if err := json.Unmarshal([]byte(fields["record"]), &info.Job); err != nil {
		return JobInfo{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	info.Job.ID = jobID
	info.Job.Output = fields["output"]
	info.Job.ErrorMsg = fields["error_msg"]
	if rc, err := strconv.Atoi(fields["ret_code"]); err == nil {
		info.Job.RetCode = rc
	}
	info.Status = models.JobStatus(fields["status"])
	info.Runner = fields["runner"]
	info.Progress = fields["progress"]
	return info, nil
}

// ReadyDepth returns the total length of all ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	affs, err := q.client.SMembers(ctx, q.affinitiesKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	pipe := q.client.Pipeline()
	cmds := []*redis.IntCmd{pipe.LLen(ctx, q.readyKey(""))}
	for _, a := range affs {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(a)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// RegisterServer adds addr to the server set used for discovery.
func (q *RedisQueue) RegisterServer(ctx context.Context, addr string) error {
	return q.client.SAdd(ctx, q.serversKey(), addr).Err()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    redis.call('HSET', ARGV[2] .. job, 'status', 'running', 'runner', ARGV[3])
    return job
  end
end
return nil
`)

var commitScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'runner') ~= ARGV[1] then return 0 end
if redis.call('HGET', KEYS[1], 'status') ~= 'running' then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'output', ARGV[3], 'ret_code', ARGV[4], 'error_msg', ARGV[5], 'runner', '')
redis.call('ZREM', KEYS[2], ARGV[6])
return 1
`)

var returnScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'runner') ~= ARGV[1] then return 0 end
if redis.call('HGET', KEYS[1], 'status') ~= 'running' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'pending', 'runner', '')
redis.call('ZREM', KEYS[2], ARGV[2])
local aff = redis.call('HGET', KEYS[1], 'affinity')
if aff and aff ~= '' then
  redis.call('LPUSH', ARGV[3] .. 'aff:' .. aff, ARGV[2])
  redis.call('SADD', ARGV[4], aff)
else
  redis.call('LPUSH', ARGV[3] .. 'none', ARGV[2])
end
return 1
`)

// requeueScript re-checks the lease so a heartbeat or commit that landed
// after the scan wins.
var requeueScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('HGET', KEYS[1], 'status') ~= 'running' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'pending', 'runner', '')
local aff = redis.call('HGET', KEYS[1], 'affinity')
if aff and aff ~= '' then
  redis.call('RPUSH', ARGV[3] .. 'aff:' .. aff, ARGV[1])
  redis.call('SADD', ARGV[4], aff)
else
  redis.call('RPUSH', ARGV[3] .. 'none', ARGV[1])
end
return 1
`)
