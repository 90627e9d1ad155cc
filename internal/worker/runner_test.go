package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasresch/vectra/internal/queue"
)

func TestRunnerDrivesEachStream(t *testing.T) {
	q := queue.NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := q.Enqueue(ctx, "alpha", "noop", map[string]int{"n": 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "beta", "noop", map[string]int{"n": 2})
	require.NoError(t, err)

	var handled int32
	handler := func(context.Context, queue.Envelope) queue.Result {
		if atomic.AddInt32(&handled, 1) == 2 {
			cancel()
		}
		return queue.Ack()
	}

	r := NewRunner(q, testLogger())
	err = r.Run(ctx, []ConsumerSpec{
		{Stream: "alpha", Handler: handler},
		{Stream: "beta", Handler: handler},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&handled))
	assert.Zero(t, q.Pending("alpha"))
	assert.Zero(t, q.Pending("beta"))
}

func TestRunnerRejectsEmptySpecList(t *testing.T) {
	r := NewRunner(queue.NewMemory(), testLogger())
	err := r.Run(context.Background(), nil)
	assert.ErrorContains(t, err, "no consumer roles")
}

// brokenQueue fails every consume loop immediately.
type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, string, string, any) (uuid.UUID, error) {
	return uuid.Nil, nil
}

func (brokenQueue) Consume(context.Context, string, queue.ConsumeOptions, queue.Handler) error {
	return errors.New("connection refused")
}

func TestRunnerPropagatesConsumerFailure(t *testing.T) {
	r := NewRunner(brokenQueue{}, testLogger())
	err := r.Run(context.Background(), []ConsumerSpec{{Stream: "alpha"}})
	assert.ErrorContains(t, err, "consumer alpha: connection refused")
}
