// Package redispresence implements presence.Tracker with one Redis set per
// user so that every worker process observes the same connection counts.
//
// Each instance also keeps a hash of the connections it recorded and a
// liveness key it refreshes with Heartbeat. Sweep releases the connections
// of instances whose liveness key expired, so a crashed process does not
// leave its users online forever.
package redispresence

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/chatfanout/presence"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Second

// Tracker is a Redis-backed presence.Tracker. The client is owned by the
// caller.
type Tracker struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

type Option func(*Tracker)

func WithKeyPrefix(prefix string) Option { return func(t *Tracker) { t.keyPrefix = prefix } }

// WithTTL sets how long an instance's entries survive without a heartbeat.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) *Tracker {
	t := &Tracker{client: client, keyPrefix: "chat:", ttl: defaultTTL}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) userKey(userID string) string { return t.keyPrefix + "presence:" + userID }

func (t *Tracker) connsKey(instanceID string) string {
	return t.keyPrefix + "presence-conns:" + instanceID
}

func (t *Tracker) aliveKey(instanceID string) string {
	return t.keyPrefix + "presence-alive:" + instanceID
}

func (t *Tracker) instancesKey() string { return t.keyPrefix + "presence-instances" }

// Add and count atomically so two processes racing on the same user agree
// on which of them saw the first connection. An instance recording its
// first connection is alive until its first heartbeat.
//
// KEYS: user, instance conns, instances, alive. ARGV: conn key, user,
// instance, ttl ms.
var onlineScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[3])
redis.call('SET', KEYS[4], 1, 'PX', ARGV[4], 'NX')
local n = redis.call('SCARD', KEYS[1])
return {added, n}
`)

// KEYS: user, instance conns, instances. ARGV: conn key, instance.
var offlineScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
local n = redis.call('SCARD', KEYS[1])
if n == 0 then
  redis.call('DEL', KEYS[1])
end
redis.call('HDEL', KEYS[2], ARGV[1])
if redis.call('HLEN', KEYS[2]) == 0 then
  redis.call('DEL', KEYS[2])
  redis.call('SREM', KEYS[3], ARGV[2])
end
return {removed, n}
`)

// KEYS: instance conns, instances, alive. ARGV: instance, user key prefix.
// Returns the users left without a connection.
var sweepScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return {}
end
local conns = redis.call('HGETALL', KEYS[1])
local offline = {}
for i = 1, #conns, 2 do
  local uk = ARGV[2] .. conns[i + 1]
  if redis.call('SREM', uk, conns[i]) == 1 and redis.call('SCARD', uk) == 0 then
    redis.call('DEL', uk)
    table.insert(offline, conns[i + 1])
  end
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return offline
`)

func (t *Tracker) Online(ctx context.Context, userID, connKey string) (bool, error) {
	instance := presence.InstanceOf(connKey)
	changed, n, err := run(ctx, t.client, onlineScript,
		[]string{t.userKey(userID), t.connsKey(instance), t.instancesKey(), t.aliveKey(instance)},
		connKey, userID, instance, t.ttl.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("presence online %s: %w", userID, err)
	}
	return changed == 1 && n == 1, nil
}

func (t *Tracker) Offline(ctx context.Context, userID, connKey string) (bool, error) {
	instance := presence.InstanceOf(connKey)
	changed, n, err := run(ctx, t.client, offlineScript,
		[]string{t.userKey(userID), t.connsKey(instance), t.instancesKey()},
		connKey, instance,
	)
	if err != nil {
		return false, fmt.Errorf("presence offline %s: %w", userID, err)
	}
	return changed == 1 && n == 0, nil
}

func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := t.client.SCard(ctx, t.userKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence lookup %s: %w", userID, err)
	}
	return n > 0, nil
}

func (t *Tracker) Heartbeat(ctx context.Context, instanceID string) error {
	if err := t.client.Set(ctx, t.aliveKey(instanceID), 1, t.ttl).Err(); err != nil {
		return fmt.Errorf("presence heartbeat %s: %w", instanceID, err)
	}
	return nil
}

func (t *Tracker) Sweep(ctx context.Context) ([]string, error) {
	instances, err := t.client.SMembers(ctx, t.instancesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("presence sweep: %w", err)
	}
	var offline []string
	for _, id := range instances {
		users, err := sweepScript.Run(ctx, t.client,
			[]string{t.connsKey(id), t.instancesKey(), t.aliveKey(id)},
			id, t.keyPrefix+"presence:",
		).StringSlice()
		if err != nil {
			return offline, fmt.Errorf("presence sweep %s: %w", id, err)
		}
		offline = append(offline, users...)
	}
	return offline, nil
}

func run(ctx context.Context, c redis.UniversalClient, s *redis.Script, keys []string, args ...interface{}) (changed, n int64, err error) {
	res, err := s.Run(ctx, c, keys, args...).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply %v", res)
	}
	return res[0], res[1], nil
}

var (
	_ presence.Tracker = (*Tracker)(nil)
	_ presence.Reaper  = (*Tracker)(nil)
)
