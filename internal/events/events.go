// Package events publishes best-effort status messages consumed by the
// API layer for UI live updates. Publishing can never fail a job; the
// persisted outcome records remain the authoritative source of status.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/lucasresch/vectra/internal/models"
)

// Channel is the pub/sub channel status events are published on.
const Channel = "vectra:status"

// StatusEvent is one unit status change.
type StatusEvent struct {
	Kind        models.TransformKind `json:"kind"`
	TransformID int64                `json:"transform_id"`
	UnitID      string               `json:"unit_id"`
	NewStatus   string               `json:"new_status"`
	// Stage and ProgressPercent carry intermediate visualization progress.
	Stage           string `json:"stage,omitempty"`
	ProgressPercent int    `json:"progress_percent,omitempty"`
}

// Publisher emits status events.
type Publisher interface {
	Publish(ctx context.Context, ev StatusEvent)
}

// RedisPublisher publishes to a Redis pub/sub channel.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedis returns a publisher over an existing client.
func NewRedis(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev StatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("marshal status event", "error", err)
		return
	}
	if err := p.rdb.Publish(ctx, Channel, data).Err(); err != nil {
		// Best-effort: a publish failure must not fail the job.
		slog.Warn("publish status event failed", "error", err)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, StatusEvent) {}

// Recorder collects events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *Recorder) Publish(_ context.Context, ev StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StatusEvent, len(r.events))
	copy(out, r.events)
	return out
}
