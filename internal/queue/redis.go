package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// RedisQueue binds envelopes to Redis Streams with consumer groups.
// Deferred redeliveries live in a per-stream sorted set scored by due
// time; a pump moves due entries back onto the stream. Dead letters land
// on <stream>:dead.
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedis returns a queue over an existing Redis client.
func NewRedis(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func retryKey(stream string) string { return stream + ":retry" }
func deadKey(stream string) string  { return stream + ":dead" }

// Enqueue serializes the envelope onto the stream.
func (q *RedisQueue) Enqueue(ctx context.Context, stream, kind string, payload any) (uuid.UUID, error) {
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		return uuid.Nil, err
	}
	if err := q.add(ctx, stream, env); err != nil {
		return uuid.Nil, err
	}
	return env.JobID, nil
}

func (q *RedisQueue) add(ctx context.Context, stream string, env Envelope) error {
	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: envelopeValues(env),
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

func envelopeValues(env Envelope) map[string]any {
	return map[string]any{
		"job_id":     env.JobID.String(),
		"kind":       env.Kind,
		"created_at": env.CreatedAt.Format(time.RFC3339Nano),
		"attempt":    env.Attempt,
		"payload":    string(env.Payload),
	}
}

func envelopeFromValues(values map[string]any) (Envelope, error) {
	var env Envelope
	id, _ := values["job_id"].(string)
	jobID, err := uuid.Parse(id)
	if err != nil {
		return env, fmt.Errorf("parse job_id %q: %w", id, err)
	}
	env.JobID = jobID
	env.Kind, _ = values["kind"].(string)
	if ts, ok := values["created_at"].(string); ok {
		env.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if a, ok := values["attempt"].(string); ok {
		env.Attempt, _ = strconv.Atoi(a)
	}
	if p, ok := values["payload"].(string); ok {
		env.Payload = json.RawMessage(p)
	}
	return env, nil
}

// Consume runs the consumer loop until ctx is cancelled. In-flight
// handlers drain before it returns; jobs interrupted mid-handler were
// never acked and redeliver via XAUTOCLAIM on the next run.
func (q *RedisQueue) Consume(ctx context.Context, stream string, opts ConsumeOptions, h Handler) error {
	opts = opts.withDefaults()

	err := q.rdb.XGroupCreateMkStream(ctx, stream, opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", opts.Group, stream, err)
	}

	sem := semaphore.NewWeighted(int64(opts.MaxConcurrent))
	log := slog.With("stream", stream, "group", opts.Group, "consumer", opts.Consumer)
	log.Info("consumer started", "max_concurrent", opts.MaxConcurrent)

	for {
		if ctx.Err() != nil {
			break
		}
		q.pumpRetries(ctx, stream)

		// Claimed messages land in this consumer's pending list, which
		// XREADGROUP ">" never revisits; they must be dispatched here.
		for _, msg := range q.claimStale(ctx, stream, opts) {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			go func(msg redis.XMessage) {
				defer sem.Release(1)
				q.handle(ctx, stream, opts, h, msg)
			}(msg)
		}

		res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    opts.Group,
			Consumer: opts.Consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(opts.MaxConcurrent),
			Block:    opts.Block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn("read failed, backing off", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				if err := sem.Acquire(ctx, 1); err != nil {
					break
				}
				go func(msg redis.XMessage) {
					defer sem.Release(1)
					q.handle(ctx, stream, opts, h, msg)
				}(msg)
			}
		}
	}

	// Drain in-flight handlers before returning.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sem.Acquire(drainCtx, int64(opts.MaxConcurrent)); err != nil {
		log.Warn("shutdown drain timed out; unacked jobs will redeliver")
	}
	log.Info("consumer stopped")
	return ctx.Err()
}

func (q *RedisQueue) handle(ctx context.Context, stream string, opts ConsumeOptions, h Handler, msg redis.XMessage) {
	env, err := envelopeFromValues(msg.Values)
	if err != nil {
		slog.Error("malformed envelope, dead-lettering", "stream", stream, "id", msg.ID, "error", err)
		q.deadLetter(ctx, stream, opts, Envelope{}, "malformed envelope: "+err.Error())
		q.ack(ctx, stream, opts.Group, msg.ID)
		return
	}

	res := h(ctx, env)
	switch res.kind {
	case resultAck:
		q.ack(ctx, stream, opts.Group, msg.ID)
	case resultNack:
		next := env
		next.Attempt++
		if next.Attempt >= opts.Policy.MaxAttempts {
			reason := fmt.Sprintf("retry ceiling of %d attempts reached", opts.Policy.MaxAttempts)
			q.deadLetter(ctx, stream, opts, next, reason)
			q.ack(ctx, stream, opts.Group, msg.ID)
			return
		}
		delay := res.retryAfter
		if delay <= 0 {
			delay = opts.Policy.Delay(env.Attempt)
		}
		q.scheduleRetry(ctx, stream, next, delay)
		q.ack(ctx, stream, opts.Group, msg.ID)
	case resultTerminal:
		q.deadLetter(ctx, stream, opts, env, res.reason)
		q.ack(ctx, stream, opts.Group, msg.ID)
	}
}

func (q *RedisQueue) ack(ctx context.Context, stream, group, id string) {
	if err := q.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		slog.Warn("xack failed", "stream", stream, "id", id, "error", err)
	}
}

func (q *RedisQueue) scheduleRetry(ctx context.Context, stream string, env Envelope, delay time.Duration) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("marshal retry envelope", "job_id", env.JobID, "error", err)
		return
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, retryKey(stream), redis.Z{Score: due, Member: string(data)}).Err(); err != nil {
		slog.Warn("schedule retry failed", "stream", stream, "job_id", env.JobID, "error", err)
	}
}

// pumpRetries moves due deferred envelopes back onto the stream.
func (q *RedisQueue) pumpRetries(ctx context.Context, stream string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, retryKey(stream), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 64,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, m := range members {
		var env Envelope
		if err := json.Unmarshal([]byte(m), &env); err != nil {
			q.rdb.ZRem(ctx, retryKey(stream), m)
			continue
		}
		if err := q.add(ctx, stream, env); err != nil {
			slog.Warn("requeue retry failed", "stream", stream, "job_id", env.JobID, "error", err)
			continue
		}
		q.rdb.ZRem(ctx, retryKey(stream), m)
	}
}

// claimStale reclaims messages another consumer took but never acked,
// which is how crash-mid-job deliveries come back. Claiming resets the
// idle timer, so the caller must process everything returned.
func (q *RedisQueue) claimStale(ctx context.Context, stream string, opts ConsumeOptions) []redis.XMessage {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    opts.Group,
		Consumer: opts.Consumer,
		MinIdle:  opts.StaleAfter,
		Start:    "0-0",
		Count:    16,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return nil
	}
	slog.Info("reclaimed stale deliveries", "stream", stream, "count", len(msgs))
	return msgs
}

func (q *RedisQueue) deadLetter(ctx context.Context, stream string, opts ConsumeOptions, env Envelope, reason string) {
	values := envelopeValues(env)
	values["reason"] = reason
	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{Stream: deadKey(stream), Values: values}).Err(); err != nil {
		slog.Error("dead-letter write failed", "stream", stream, "job_id", env.JobID, "error", err)
	}
	slog.Error("job dead-lettered", "stream", stream, "job_id", env.JobID, "kind", env.Kind, "reason", reason)
	if opts.DeadLetter != nil {
		opts.DeadLetter(ctx, env, reason)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
