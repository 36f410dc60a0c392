package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys share the campaign hash tag so each script touches a single slot.
//
//	pending  LIST  record ids in FIFO order
//	entries  HASH  record id -> entry JSON
//	members  SET   user ids ever pushed (dedupe)
//	delayed  ZSET  record id scored by ready-at millis
//	inflight ZSET  record id scored by lease deadline millis
//	dead     LIST  dead-lettered entry JSON
type queueKeys struct {
	pending, entries, members, delayed, inflight, dead string
}

func keysFor(campaignID string) queueKeys {
	p := fmt.Sprintf("queue:{%s}:", campaignID)
	return queueKeys{
		pending:  p + "pending",
		entries:  p + "entries",
		members:  p + "members",
		delayed:  p + "delayed",
		inflight: p + "inflight",
		dead:     p + "dead",
	}
}

// KEYS: pending, entries, members. ARGV: triples of user id, record id, payload.
const pushLuaScript = `
local added = 0
for i = 1, #ARGV, 3 do
    if redis.call("SADD", KEYS[3], ARGV[i]) == 1 then
        redis.call("HSET", KEYS[2], ARGV[i+1], ARGV[i+2])
        redis.call("RPUSH", KEYS[1], ARGV[i+1])
        added = added + 1
    end
end
return added
`

// KEYS: delayed, pending. ARGV: now millis.
const promoteLuaScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(due) do
    redis.call("RPUSH", KEYS[2], id)
end
if #due > 0 then
    redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
end
return #due
`

// KEYS: pending, entries, inflight. ARGV: count, lease deadline millis.
const leaseLuaScript = `
local out = {}
for i = 1, tonumber(ARGV[1]) do
    local id = redis.call("LPOP", KEYS[1])
    if not id then
        break
    end
    local payload = redis.call("HGET", KEYS[2], id)
    if payload then
        redis.call("ZADD", KEYS[3], ARGV[2], id)
        table.insert(out, payload)
    end
end
return out
`

// KEYS: pending, entries, delayed, inflight, dead.
// ARGV: record id, payload, mode (retry|delay|dead), ready-at millis.
const requeueLuaScript = `
if redis.call("ZREM", KEYS[4], ARGV[1]) == 0 then
    return 0
end
if ARGV[3] == "dead" then
    redis.call("HDEL", KEYS[2], ARGV[1])
    redis.call("RPUSH", KEYS[5], ARGV[2])
    return 1
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
if ARGV[3] == "delay" then
    redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
else
    redis.call("RPUSH", KEYS[1], ARGV[1])
end
return 1
`

// KEYS: inflight, entries. ARGV: record id.
const ackLuaScript = `
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
    return 0
end
redis.call("HDEL", KEYS[2], ARGV[1])
return 1
`

// KEYS: pending, entries, members, delayed.
const discardLuaScript = `
local ids = redis.call("LRANGE", KEYS[1], 0, -1)
local later = redis.call("ZRANGE", KEYS[4], 0, -1)
for _, id in ipairs(later) do
    table.insert(ids, id)
end
for _, id in ipairs(ids) do
    redis.call("HDEL", KEYS[2], id)
end
redis.call("DEL", KEYS[1], KEYS[3], KEYS[4])
return #ids
`

const pushChunk = 500

// RedisQueue is the production queue shared by every worker process.
type RedisQueue struct {
	redis   *redis.Client
	source  CampaignSource
	limiter *RateLimiter
	opts    Options

	pushScript    *redis.Script
	promoteScript *redis.Script
	leaseScript   *redis.Script
	requeueScript *redis.Script
	ackScript     *redis.Script
	discardScript *redis.Script
}

// NewRedisQueue creates a queue with pre-compiled Lua scripts.
func NewRedisQueue(client *redis.Client, source CampaignSource, opts Options) *RedisQueue {
	return &RedisQueue{
		redis:         client,
		source:        source,
		limiter:       NewRateLimiter(client),
		opts:          opts.withDefaults(),
		pushScript:    redis.NewScript(pushLuaScript),
		promoteScript: redis.NewScript(promoteLuaScript),
		leaseScript:   redis.NewScript(leaseLuaScript),
		requeueScript: redis.NewScript(requeueLuaScript),
		ackScript:     redis.NewScript(ackLuaScript),
		discardScript: redis.NewScript(discardLuaScript),
	}
}

// Connect opens a Redis client for url and verifies the connection.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Printf("[Queue] Connected to Redis at %s", redisOpts.Addr)
	return client, nil
}

// NewRedisQueueFromURL connects to Redis and builds a queue on the client.
func NewRedisQueueFromURL(ctx context.Context, redisURL string, source CampaignSource, opts Options) (*RedisQueue, error) {
	client, err := Connect(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisQueue(client, source, opts), nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.redis.Close()
}

func (q *RedisQueue) Push(ctx context.Context, campaignID string, entries []Entry) (int, error) {
	k := keysFor(campaignID)
	added := 0
	for start := 0; start < len(entries); start += pushChunk {
		end := start + pushChunk
		if end > len(entries) {
			end = len(entries)
		}
		args := make([]interface{}, 0, (end-start)*3)
		for _, e := range entries[start:end] {
			e.CampaignID = campaignID
			payload, err := json.Marshal(e)
			if err != nil {
				return added, fmt.Errorf("encode entry %s: %w", e.RecordID, err)
			}
			args = append(args, e.UserID, e.RecordID, payload)
		}
		n, err := q.pushScript.Run(ctx, q.redis, []string{k.pending, k.entries, k.members}, args...).Int()
		if err != nil {
			return added, fmt.Errorf("push entries: %w", err)
		}
		added += n
	}
	return added, nil
}

func (q *RedisQueue) Drain(ctx context.Context, campaignID string, maxBatch int) ([]Entry, error) {
	if maxBatch <= 0 {
		return nil, nil
	}
	state, err := q.source.DrainState(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign state: %w", err)
	}
	if !state.Status.Sending() {
		return nil, nil
	}

	k := keysFor(campaignID)
	now := q.opts.Now()
	if err := q.promoteScript.Run(ctx, q.redis, []string{k.delayed, k.pending}, now.UnixMilli()).Err(); err != nil {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}

	available, err := q.redis.LLen(ctx, k.pending).Result()
	if err != nil {
		return nil, fmt.Errorf("pending length: %w", err)
	}
	want := maxBatch
	if int(available) < want {
		want = int(available)
	}
	if want == 0 {
		return nil, nil
	}

	granted, err := q.limiter.Take(ctx, campaignID, state.SendRate, want, now)
	if err != nil {
		return nil, err
	}
	if granted == 0 {
		return nil, nil
	}

	deadline := now.Add(q.opts.LeaseTimeout).UnixMilli()
	raw, err := q.leaseScript.Run(ctx, q.redis, []string{k.pending, k.entries, k.inflight}, granted, deadline).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("lease entries: %w", err)
	}
	batch := make([]Entry, 0, len(raw))
	for _, payload := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			log.Printf("[Queue] Dropping undecodable entry for campaign %s: %v", campaignID, err)
			continue
		}
		batch = append(batch, e)
	}
	return batch, nil
}

func (q *RedisQueue) Ack(ctx context.Context, entry Entry) error {
	k := keysFor(entry.CampaignID)
	n, err := q.ackScript.Run(ctx, q.redis, []string{k.inflight, k.entries}, entry.RecordID).Int()
	if err != nil {
		return fmt.Errorf("ack entry: %w", err)
	}
	if n == 0 {
		return ErrNotLeased
	}
	return nil
}

func (q *RedisQueue) Requeue(ctx context.Context, entry Entry, reason string) (bool, error) {
	next, retry, delay := q.opts.nextAttempt(entry, reason)
	payload, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode entry %s: %w", entry.RecordID, err)
	}

	mode := "dead"
	readyAt := int64(0)
	if retry {
		mode = "retry"
		if delay > 0 {
			mode = "delay"
			readyAt = q.opts.Now().Add(delay).UnixMilli()
		}
	}

	k := keysFor(entry.CampaignID)
	n, err := q.requeueScript.Run(ctx, q.redis,
		[]string{k.pending, k.entries, k.delayed, k.inflight, k.dead},
		entry.RecordID, payload, mode, readyAt).Int()
	if err != nil {
		return false, fmt.Errorf("requeue entry: %w", err)
	}
	if n == 0 {
		return false, ErrNotLeased
	}
	return retry, nil
}

func (q *RedisQueue) DiscardAll(ctx context.Context, campaignID string) (int, error) {
	k := keysFor(campaignID)
	n, err := q.discardScript.Run(ctx, q.redis, []string{k.pending, k.entries, k.members, k.delayed}).Int()
	if err != nil {
		return 0, fmt.Errorf("discard entries: %w", err)
	}
	if err := q.limiter.Reset(ctx, campaignID); err != nil {
		log.Printf("[Queue] Failed to reset rate bucket for campaign %s: %v", campaignID, err)
	}
	return n, nil
}

func (q *RedisQueue) Stats(ctx context.Context, campaignID string) (Stats, error) {
	k := keysFor(campaignID)
	var pending, delayed, inflight, dead *redis.IntCmd
	_, err := q.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.LLen(ctx, k.pending)
		delayed = pipe.ZCard(ctx, k.delayed)
		inflight = pipe.ZCard(ctx, k.inflight)
		dead = pipe.LLen(ctx, k.dead)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Pending:      int(pending.Val()),
		Delayed:      int(delayed.Val()),
		InFlight:     int(inflight.Val()),
		DeadLettered: int(dead.Val()),
	}, nil
}

func (q *RedisQueue) Leased(ctx context.Context, campaignID string) ([]string, error) {
	ids, err := q.redis.ZRange(ctx, keysFor(campaignID).inflight, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("leased entries: %w", err)
	}
	return ids, nil
}

// DeadLetters returns dead-lettered entries for inspection.
func (q *RedisQueue) DeadLetters(ctx context.Context, campaignID string) ([]Entry, error) {
	raw, err := q.redis.LRange(ctx, keysFor(campaignID).dead, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, payload := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (q *RedisQueue) RecoverExpired(ctx context.Context, campaignID string) (int, error) {
	k := keysFor(campaignID)
	now := strconv.FormatInt(q.opts.Now().UnixMilli(), 10)
	ids, err := q.redis.ZRangeByScore(ctx, k.inflight, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("expired leases: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		payload, err := q.redis.HGet(ctx, k.entries, id).Result()
		if err == redis.Nil {
			q.redis.ZRem(ctx, k.inflight, id)
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("load entry %s: %w", id, err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return recovered, fmt.Errorf("decode entry %s: %w", id, err)
		}
		if _, err := q.Requeue(ctx, e, "lease expired"); err != nil {
			if err == ErrNotLeased {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}
