// Package redisstore implements jobqueue.Store on Redis.
//
// Layout per queue (prefix "chat:" by default):
//
//	<prefix>jobs:<queue>:job:<id>   hash: spec (immutable JSON) + mutable fields
//	<prefix>jobs:<queue>:waiting    zset scored by run_at (ms); queued and delayed jobs
//	<prefix>jobs:<queue>:active     zset scored by lease deadline (ms)
//	<prefix>jobs:<queue>:completed  zset scored by completion time (ms), trimmed
//	<prefix>jobs:<queue>:failed     zset scored by failure time (ms)
//
// Every state change runs as a Lua script so that the lease check and the
// move between sets happen atomically.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultCompletedRetention = 1000
	reclaimBatch              = 100
)

type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	retention int
	now       func() time.Time
}

type Option func(*Store)

func WithKeyPrefix(prefix string) Option { return func(s *Store) { s.keyPrefix = prefix } }

// WithCompletedRetention bounds how many completed jobs are kept per queue.
func WithCompletedRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Store on client. The client is owned by the caller.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "chat:",
		retention: defaultCompletedRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type keys struct {
	jobPrefix, waiting, active, completed, failed string
}

func (s *Store) keys(queue string) keys {
	base := s.keyPrefix + "jobs:" + queue + ":"
	return keys{
		jobPrefix: base + "job:",
		waiting:   base + "waiting",
		active:    base + "active",
		completed: base + "completed",
		failed:    base + "failed",
	}
}

// spec is the immutable part of a job.
type spec struct {
	ID          string           `json:"id"`
	Queue       string           `json:"queue"`
	Type        string           `json:"type"`
	Payload     json.RawMessage  `json:"payload"`
	MaxAttempts int              `json:"max_attempts"`
	Backoff     jobqueue.Backoff `json:"backoff"`
	CreatedAt   time.Time        `json:"created_at"`
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'spec', ARGV[1], 'state', 'queued', 'attempts', 0, 'max_attempts', ARGV[2],
  'run_at', ARGV[3], 'updated_at', ARGV[4], 'token', '', 'lease_until', 0,
  'worker', '', 'last_error', '')
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
return 1
`)

func (s *Store) Add(ctx context.Context, job *jobqueue.Job) (bool, error) {
	k := s.keys(job.Queue)
	b, err := json.Marshal(spec{
		ID:          job.ID,
		Queue:       job.Queue,
		Type:        job.Type,
		Payload:     job.Payload,
		MaxAttempts: job.MaxAttempts,
		Backoff:     job.Backoff,
		CreatedAt:   job.CreatedAt,
	})
	if err != nil {
		return false, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	n, err := addScript.Run(ctx, s.client,
		[]string{k.jobPrefix + job.ID, k.waiting},
		string(b), job.MaxAttempts, ms(job.RunAt), ms(job.UpdatedAt), job.ID,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// KEYS: waiting, active, failed. ARGV: now, lease deadline, token, worker,
// job key prefix, reclaim batch, lease expired error. Returns the claimed
// id, or '' when nothing is due, followed by the ids failed on reclaim.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local out = {''}
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, tonumber(ARGV[6]))
for _, id in ipairs(expired) do
  local k = ARGV[5] .. id
  redis.call('ZREM', KEYS[2], id)
  local attempts = tonumber(redis.call('HGET', k, 'attempts') or '0')
  local max = tonumber(redis.call('HGET', k, 'max_attempts') or '0')
  if attempts >= max then
    redis.call('HSET', k, 'state', 'failed', 'token', '', 'lease_until', 0, 'last_error', ARGV[7], 'updated_at', now)
    redis.call('ZADD', KEYS[3], now, id)
    table.insert(out, id)
  else
    redis.call('HSET', k, 'state', 'queued', 'token', '', 'lease_until', 0, 'last_error', ARGV[7], 'run_at', now, 'updated_at', now)
    redis.call('ZADD', KEYS[1], now, id)
  end
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 1)
if #due == 0 then
  return out
end
local id = due[1]
out[1] = id
local k = ARGV[5] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('HINCRBY', k, 'attempts', 1)
redis.call('HSET', k, 'state', 'active', 'token', ARGV[3], 'worker', ARGV[4], 'lease_until', ARGV[2], 'updated_at', now)
redis.call('ZADD', KEYS[2], ARGV[2], id)
return out
`)

func (s *Store) Claim(ctx context.Context, queue, workerID string, lease time.Duration) (*jobqueue.Job, []*jobqueue.Job, error) {
	k := s.keys(queue)
	now := s.now()
	ids, err := claimScript.Run(ctx, s.client,
		[]string{k.waiting, k.active, k.failed},
		ms(now), ms(now.Add(lease)), uuid.NewString(), workerID, k.jobPrefix, reclaimBatch, jobqueue.ErrLeaseExpired.Error(),
	).StringSlice()
	if err != nil {
		return nil, nil, err
	}
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("claim %s: empty script reply", queue)
	}
	var expired []*jobqueue.Job
	if len(ids) > 1 {
		if expired, err = s.getMany(ctx, k, ids[1:]); err != nil {
			return nil, nil, err
		}
	}
	if ids[0] == "" {
		return nil, expired, nil
	}
	job, err := s.Get(ctx, queue, ids[0])
	return job, expired, err
}

// Shared guard: the job must be active under the presented token.
const ownedGuard = `
local k = KEYS[1]
if redis.call('HGET', k, 'state') ~= 'active' or redis.call('HGET', k, 'token') ~= ARGV[1] or ARGV[1] == '' then
  return 0
end
`

// KEYS: job, active. ARGV: token, id, lease deadline, now.
var extendScript = redis.NewScript(ownedGuard + `
redis.call('HSET', k, 'lease_until', ARGV[3], 'updated_at', ARGV[4])
redis.call('ZADD', KEYS[2], 'XX', ARGV[3], ARGV[2])
return 1
`)

// KEYS: job, active, completed. ARGV: token, id, now, retention, job key prefix.
var completeScript = redis.NewScript(ownedGuard + `
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('HSET', k, 'state', 'completed', 'token', '', 'lease_until', 0, 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
local keep = tonumber(ARGV[4])
local n = redis.call('ZCARD', KEYS[3])
if n > keep then
  local old = redis.call('ZRANGE', KEYS[3], 0, n - keep - 1)
  for _, id in ipairs(old) do
    redis.call('DEL', ARGV[5] .. id)
  end
  redis.call('ZREMRANGEBYRANK', KEYS[3], 0, n - keep - 1)
end
return 1
`)

// KEYS: job, active, waiting. ARGV: token, id, now, run_at, last error.
var retryScript = redis.NewScript(ownedGuard + `
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('HSET', k, 'state', 'queued', 'token', '', 'lease_until', 0, 'run_at', ARGV[4], 'last_error', ARGV[5], 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
return 1
`)

// KEYS: job, active, failed. ARGV: token, id, now, last error.
var failScript = redis.NewScript(ownedGuard + `
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('HSET', k, 'state', 'failed', 'token', '', 'lease_until', 0, 'last_error', ARGV[4], 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
return 1
`)

func leaseResult(n int, err error) error {
	if err != nil {
		return err
	}
	if n != 1 {
		return jobqueue.ErrLeaseLost
	}
	return nil
}

func (s *Store) Extend(ctx context.Context, queue, id, token string, lease time.Duration) error {
	k := s.keys(queue)
	now := s.now()
	return leaseResult(extendScript.Run(ctx, s.client,
		[]string{k.jobPrefix + id, k.active},
		token, id, ms(now.Add(lease)), ms(now),
	).Int())
}

func (s *Store) Complete(ctx context.Context, queue, id, token string) error {
	k := s.keys(queue)
	return leaseResult(completeScript.Run(ctx, s.client,
		[]string{k.jobPrefix + id, k.active, k.completed},
		token, id, ms(s.now()), s.retention, k.jobPrefix,
	).Int())
}

func (s *Store) Retry(ctx context.Context, queue, id, token string, runAt time.Time, lastErr string) error {
	k := s.keys(queue)
	return leaseResult(retryScript.Run(ctx, s.client,
		[]string{k.jobPrefix + id, k.active, k.waiting},
		token, id, ms(s.now()), ms(runAt), lastErr,
	).Int())
}

func (s *Store) Fail(ctx context.Context, queue, id, token string, lastErr string) error {
	k := s.keys(queue)
	return leaseResult(failScript.Run(ctx, s.client,
		[]string{k.jobPrefix + id, k.active, k.failed},
		token, id, ms(s.now()), lastErr,
	).Int())
}

func (s *Store) Get(ctx context.Context, queue, id string) (*jobqueue.Job, error) {
	k := s.keys(queue)
	fields, err := s.client.HGetAll(ctx, k.jobPrefix+id).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, jobqueue.ErrNotFound
	}
	return decodeJob(fields)
}

func decodeJob(f map[string]string) (*jobqueue.Job, error) {
	var sp spec
	if err := json.Unmarshal([]byte(f["spec"]), &sp); err != nil {
		return nil, fmt.Errorf("decode job spec: %w", err)
	}
	attempts, _ := strconv.Atoi(f["attempts"])
	return &jobqueue.Job{
		ID:          sp.ID,
		Queue:       sp.Queue,
		Type:        sp.Type,
		Payload:     sp.Payload,
		State:       jobqueue.State(f["state"]),
		Attempts:    attempts,
		MaxAttempts: sp.MaxAttempts,
		Backoff:     sp.Backoff,
		LastError:   f["last_error"],
		RunAt:       fromMS(f["run_at"]),
		LeaseUntil:  fromMS(f["lease_until"]),
		LeaseToken:  f["token"],
		WorkerID:    f["worker"],
		CreatedAt:   sp.CreatedAt,
		UpdatedAt:   fromMS(f["updated_at"]),
	}, nil
}

func (s *Store) Failed(ctx context.Context, queue string, limit int) ([]*jobqueue.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	k := s.keys(queue)
	ids, err := s.client.ZRevRange(ctx, k.failed, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	return s.getMany(ctx, k, ids)
}

// getMany fetches jobs by id in one round trip, skipping ids that vanished.
func (s *Store) getMany(ctx context.Context, k keys, ids []string) ([]*jobqueue.Job, error) {
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, k.jobPrefix+id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*jobqueue.Job, 0, len(ids))
	for _, cmd := range cmds {
		f := cmd.Val()
		if len(f) == 0 {
			continue
		}
		j, err := decodeJob(f)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context, queue string) (jobqueue.Stats, error) {
	k := s.keys(queue)
	var waiting, active, completed, failed *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.ZCard(ctx, k.waiting)
		active = p.ZCard(ctx, k.active)
		completed = p.ZCard(ctx, k.completed)
		failed = p.ZCard(ctx, k.failed)
		return nil
	})
	if err != nil {
		return jobqueue.Stats{}, err
	}
	return jobqueue.Stats{
		Queued:    waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

var _ jobqueue.Store = (*Store)(nil)
