package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue with the same delivery semantics as
// the Redis binding: at-least-once, attempt counting, dead-lettering.
// Nacked jobs redeliver immediately (the requested delay is recorded, not
// slept) so tests stay deterministic and fast.
type MemoryQueue struct {
	mu      sync.Mutex
	streams map[string][]Envelope
	dead    map[string][]DeadLetter
	delays  []time.Duration
	wake    chan struct{}
}

// DeadLetter is one dead-lettered envelope plus its reason.
type DeadLetter struct {
	Env    Envelope
	Reason string
}

// NewMemory returns an empty in-process queue.
func NewMemory() *MemoryQueue {
	return &MemoryQueue{
		streams: make(map[string][]Envelope),
		dead:    make(map[string][]DeadLetter),
		wake:    make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, stream, kind string, payload any) (uuid.UUID, error) {
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		return uuid.Nil, err
	}
	q.push(stream, env)
	return env.JobID, nil
}

func (q *MemoryQueue) push(stream string, env Envelope) {
	q.mu.Lock()
	q.streams[stream] = append(q.streams[stream], env)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) pop(stream string) (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.streams[stream]
	if len(items) == 0 {
		return Envelope{}, false
	}
	env := items[0]
	q.streams[stream] = items[1:]
	return env, true
}

func (q *MemoryQueue) Consume(ctx context.Context, stream string, opts ConsumeOptions, h Handler) error {
	opts = opts.withDefaults()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		env, ok := q.pop(stream)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		res := h(ctx, env)
		switch res.kind {
		case resultAck:
		case resultNack:
			next := env
			next.Attempt++
			delay := res.retryAfter
			if delay <= 0 {
				delay = opts.Policy.Delay(env.Attempt)
			}
			q.mu.Lock()
			q.delays = append(q.delays, delay)
			q.mu.Unlock()
			if next.Attempt >= opts.Policy.MaxAttempts {
				q.deadLetter(ctx, stream, opts, next, "retry ceiling reached")
				continue
			}
			q.push(stream, next)
		case resultTerminal:
			q.deadLetter(ctx, stream, opts, env, res.reason)
		}
	}
}

func (q *MemoryQueue) deadLetter(ctx context.Context, stream string, opts ConsumeOptions, env Envelope, reason string) {
	q.mu.Lock()
	q.dead[stream] = append(q.dead[stream], DeadLetter{Env: env, Reason: reason})
	q.mu.Unlock()
	if opts.DeadLetter != nil {
		opts.DeadLetter(ctx, env, reason)
	}
}

// DeadLetters returns the dead-lettered envelopes of a stream.
func (q *MemoryQueue) DeadLetters(stream string) []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead[stream]))
	copy(out, q.dead[stream])
	return out
}

// RecordedDelays returns the backoff delays requested by nacks, in order.
func (q *MemoryQueue) RecordedDelays() []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]time.Duration, len(q.delays))
	copy(out, q.delays)
	return out
}

// Pending reports the number of undelivered envelopes on a stream.
func (q *MemoryQueue) Pending(stream string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.streams[stream])
}
