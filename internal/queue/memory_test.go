package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Name string `json:"name"`
}

func consumeUntil(t *testing.T, q *MemoryQueue, stream string, opts ConsumeOptions, h Handler, done <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, stream, opts, h)
		close(finished)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("consumer did not finish in time")
	}
	cancel()
	<-finished
}

func TestMemoryQueueAck(t *testing.T) {
	q := NewMemory()
	_, err := q.Enqueue(context.Background(), "s", "test", testPayload{Name: "a"})
	require.NoError(t, err)

	done := make(chan struct{})
	var got testPayload
	h := func(ctx context.Context, env Envelope) Result {
		require.NoError(t, env.Decode(&got))
		close(done)
		return Ack()
	}
	consumeUntil(t, q, "s", ConsumeOptions{}, h, done)

	assert.Equal(t, "a", got.Name)
	assert.Equal(t, 0, q.Pending("s"))
	assert.Empty(t, q.DeadLetters("s"))
}

func TestMemoryQueueNackBackoffAndDeadLetter(t *testing.T) {
	q := NewMemory()
	_, err := q.Enqueue(context.Background(), "s", "test", testPayload{Name: "a"})
	require.NoError(t, err)

	opts := ConsumeOptions{
		Policy: Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute},
	}

	done := make(chan struct{})
	deliveries := 0
	var deadReason string
	opts.DeadLetter = func(ctx context.Context, env Envelope, reason string) {
		deadReason = reason
		close(done)
	}
	h := func(ctx context.Context, env Envelope) Result {
		deliveries++
		assert.Equal(t, deliveries-1, env.Attempt)
		return Nack(0)
	}
	consumeUntil(t, q, "s", opts, h, done)

	// Attempts 0, 1, 2; the third nack hits the ceiling.
	assert.Equal(t, 3, deliveries)
	assert.Equal(t, "retry ceiling reached", deadReason)

	dead := q.DeadLetters("s")
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Env.Attempt)

	// Exponential backoff: 1s, 2s, 4s.
	delays := q.RecordedDelays()
	require.Len(t, delays, 3)
	assert.Equal(t, time.Second, delays[0])
	assert.Equal(t, 2*time.Second, delays[1])
	assert.Equal(t, 4*time.Second, delays[2])
}

func TestMemoryQueueTerminalDeadLettersImmediately(t *testing.T) {
	q := NewMemory()
	_, err := q.Enqueue(context.Background(), "s", "test", testPayload{Name: "a"})
	require.NoError(t, err)

	done := make(chan struct{})
	deliveries := 0
	opts := ConsumeOptions{
		DeadLetter: func(ctx context.Context, env Envelope, reason string) {
			assert.Equal(t, "bad payload", reason)
			close(done)
		},
	}
	h := func(ctx context.Context, env Envelope) Result {
		deliveries++
		return Terminal("bad payload")
	}
	consumeUntil(t, q, "s", opts, h, done)

	assert.Equal(t, 1, deliveries)
	require.Len(t, q.DeadLetters("s"), 1)
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{8, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestEnvelopeDecodeError(t *testing.T) {
	env := Envelope{Kind: "test", Payload: []byte("{not json")}
	var p testPayload
	err := env.Decode(&p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test")
}
