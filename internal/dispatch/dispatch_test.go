package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env := NewRetryEnvelope(model.RetryRequest{FailedMessageID: "f1", RetryWholeBatch: true}, now)

	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindRetryRequest, got.Kind)
	assert.Equal(t, "f1", got.Retry.FailedMessageID)
	assert.True(t, got.Retry.RetryWholeBatch)
	assert.True(t, now.Equal(got.CreatedAt))
}

func TestEnvelope_Validate(t *testing.T) {
	cases := []struct {
		name string
		env  *Envelope
		ok   bool
	}{
		{"batch ok", &Envelope{ID: "1", Kind: KindBatchSubmit, Batch: &model.BatchJob{RequestTaskID: "t"}}, true},
		{"batch missing job", &Envelope{ID: "1", Kind: KindBatchSubmit}, false},
		{"retry missing id", &Envelope{ID: "1", Kind: KindRetryRequest, Retry: &model.RetryRequest{}}, false},
		{"unknown kind", &Envelope{ID: "1", Kind: "nope"}, false},
		{"missing id", &Envelope{Kind: KindBatchSubmit, Batch: &model.BatchJob{RequestTaskID: "t"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestPermanent(t *testing.T) {
	base := errors.New("boom")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestMemory_EnqueueAndConsume(t *testing.T) {
	q := NewMemory(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := model.BatchJob{RequestTaskID: "t1"}
	require.NoError(t, q.Enqueue(ctx, NewBatchEnvelope(job, time.Now())))

	var handled atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, HandlerFunc(func(ctx context.Context, e *Envelope) error {
			handled.Add(1)
			close(done)
			return nil
		}))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("envelope was not consumed")
	}
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, 0, q.Len())
}

func TestMemory_RetriesTransientUntilMaxAttempts(t *testing.T) {
	q := NewMemory(0)
	q.MaxAttempts = 3
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, NewBatchEnvelope(model.BatchJob{RequestTaskID: "t1"}, time.Now())))

	var calls atomic.Int32
	go func() {
		_ = q.Consume(ctx, HandlerFunc(func(ctx context.Context, e *Envelope) error {
			calls.Add(1)
			return errors.New("transient")
		}))
	}()

	assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return calls.Load() > 3 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestMemory_Capacity(t *testing.T) {
	q := NewMemory(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, NewBatchEnvelope(model.BatchJob{RequestTaskID: "t1"}, time.Now())))
	err := q.Enqueue(ctx, NewBatchEnvelope(model.BatchJob{RequestTaskID: "t2"}, time.Now()))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, q.Drain(), 1)
}
