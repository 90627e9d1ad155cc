// Package queue is the durable job envelope and stream binding of the
// pipeline. Delivery is at-least-once: handlers must be idempotent, and
// redelivery after a negative acknowledgement backs off exponentially
// until the attempt ceiling moves the job to a dead-letter stream.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a job payload with delivery metadata. JobID is unique per
// enqueue and serves as the audit key; dedup of actual work keys on the
// target resource plus unit identifier inside the payload.
type Envelope struct {
	JobID     uuid.UUID       `json:"job_id"`
	Kind      string          `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	Attempt   int             `json:"attempt"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// resultKind discriminates handler outcomes.
type resultKind int

const (
	resultAck resultKind = iota
	resultNack
	resultTerminal
)

// Result is the outcome a handler returns for one delivery.
type Result struct {
	kind       resultKind
	retryAfter time.Duration
	reason     string
}

// Ack marks the job done; it is removed from the stream.
func Ack() Result { return Result{kind: resultAck} }

// Nack requests redelivery. A zero retryAfter defers the delay to the
// consumer's retry policy.
func Nack(retryAfter time.Duration) Result {
	return Result{kind: resultNack, retryAfter: retryAfter}
}

// Terminal moves the job straight to the dead-letter stream.
func Terminal(reason string) Result { return Result{kind: resultTerminal, reason: reason} }

// Handler processes one delivered envelope.
type Handler func(ctx context.Context, env Envelope) Result

// Policy is the uniform retry policy applied by the queue layer. Workers
// never reimplement backoff loops.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy mirrors the queue defaults: five attempts, exponential
// backoff from one second capped at one minute.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}
}

// Delay returns the backoff before redelivering attempt n (zero-based):
// BaseDelay doubled per attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// DeadLetterFunc is invoked when a job is dead-lettered, so a terminal
// failure record can be written and stats reflect the loss. Failures are
// never silently dropped.
type DeadLetterFunc func(ctx context.Context, env Envelope, reason string)

// ConsumeOptions configure one consumer loop.
type ConsumeOptions struct {
	Group    string
	Consumer string
	// MaxConcurrent bounds in-flight handler invocations; this is the
	// backpressure mechanism against slow downstream APIs.
	MaxConcurrent int
	// Block is the poll timeout of one read.
	Block time.Duration
	// StaleAfter is how long an unacked delivery may idle in another
	// consumer's pending list before this consumer claims it.
	StaleAfter time.Duration
	Policy     Policy
	DeadLetter DeadLetterFunc
}

func (o ConsumeOptions) withDefaults() ConsumeOptions {
	if o.Group == "" {
		o.Group = "vectra"
	}
	if o.Consumer == "" {
		o.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.Policy.MaxAttempts <= 0 {
		o.Policy = DefaultPolicy()
	}
	return o
}

// Queue is the durable stream binding. Consume blocks until the context
// is cancelled.
type Queue interface {
	Enqueue(ctx context.Context, stream, kind string, payload any) (uuid.UUID, error)
	Consume(ctx context.Context, stream string, opts ConsumeOptions, h Handler) error
}

// NewEnvelope builds an envelope around a payload.
func NewEnvelope(kind string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{
		JobID:     uuid.New(),
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
		Payload:   data,
	}, nil
}
