package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetbatch/internal/clock"
	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

func newTestClient(t *testing.T, cfg Config) (*Client, *Local, *Local, *clock.FakeClock) {
	t.Helper()
	fc := newClock()
	main, err := NewLocal(LocalConfig{Name: "batches", Clock: fc})
	require.NoError(t, err)
	dead, err := NewLocal(LocalConfig{Name: "batches-deadletter", Clock: fc})
	require.NoError(t, err)
	return NewClient(main, dead, cfg, WithClock(fc)), main, dead, fc
}

func testParams() types.JobParams {
	return types.JobParams{
		TimeRange: types.TimeRange{
			Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC),
		},
		Scope:       "sub-123",
		WorkspaceID: "ws-1",
	}
}

func TestClientEnqueueReceiveComplete(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestClient(t, Config{})

	batch := types.Batch{JobID: "job-1", BatchIndex: 2, WorkItems: []string{"vm-a", "vm-b"}}
	receipt, err := c.Enqueue(ctx, batch, testParams())
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)
	assert.False(t, receipt.InsertedAt.IsZero())

	deliveries, err := c.Receive(ctx, 5)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	d := deliveries[0]
	require.NoError(t, d.DecodeErr)
	assert.Equal(t, receipt.MessageID, d.MessageID)
	assert.Equal(t, 1, d.DequeueCount)
	assert.Equal(t, "job-1", d.Batch.JobID)
	assert.Equal(t, 2, d.Batch.BatchIndex)
	assert.Equal(t, []string{"vm-a", "vm-b"}, d.Batch.WorkItems)
	assert.Equal(t, "sub-123", d.Batch.JobParams.Scope)
	assert.Equal(t, 0, d.Batch.RetryCount)

	require.NoError(t, c.Complete(ctx, d.MessageID, d.PopReceipt))
	err = c.Complete(ctx, d.MessageID, d.PopReceipt)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestClientCompleteWithStaleReceiptFails(t *testing.T) {
	ctx := context.Background()
	c, _, _, fc := newTestClient(t, Config{VisibilityTimeout: time.Minute})

	_, err := c.Enqueue(ctx, types.Batch{JobID: "job-1"}, testParams())
	require.NoError(t, err)

	first, err := c.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	fc.Advance(time.Minute)
	second, err := c.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 1, second[0].Batch.RetryCount)

	err = c.Complete(ctx, first[0].MessageID, first[0].PopReceipt)
	assert.ErrorIs(t, err, ErrReceiptMismatch)
	require.NoError(t, c.Complete(ctx, second[0].MessageID, second[0].PopReceipt))
}

func TestClientEnqueueAll(t *testing.T) {
	ctx := context.Background()
	c, main, _, _ := newTestClient(t, Config{})

	batches, err := types.Partition("job-9", []string{"a", "b", "c", "d", "e"}, 2, testParams())
	require.NoError(t, err)

	summary, err := c.EnqueueAll(ctx, "job-9", batches, testParams())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.BatchCount)
	assert.Len(t, summary.MessageIDs, 3)

	n, err := main.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestClientEnqueueAllStopsOnForeignBatch(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestClient(t, Config{})

	batches := []types.Batch{
		{JobID: "job-1", BatchIndex: 0},
		{JobID: "other", BatchIndex: 1},
	}
	summary, err := c.EnqueueAll(ctx, "job-1", batches, testParams())
	assert.ErrorIs(t, err, ErrInvalidBatch)
	assert.Equal(t, 1, summary.BatchCount, "enqueue is not transactional")
}

func TestClientEnqueuePropagatesTransportErrors(t *testing.T) {
	ctx := context.Background()
	c, main, _, _ := newTestClient(t, Config{})
	require.NoError(t, main.Close())

	_, err := c.Enqueue(ctx, types.Batch{JobID: "job-1"}, testParams())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = c.Enqueue(ctx, types.Batch{}, testParams())
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestClientShouldRetry(t *testing.T) {
	c, _, _, _ := newTestClient(t, Config{MaxDequeueCount: 3})

	tests := []struct {
		count int
		want  bool
	}{
		{1, true},
		{2, true},
		{3, false},
		{4, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.ShouldRetry(Delivery{DequeueCount: tt.count}), "dequeueCount=%d", tt.count)
	}
}

func TestClientDeadLetter(t *testing.T) {
	ctx := context.Background()
	c, main, _, fc := newTestClient(t, Config{})

	_, err := c.Enqueue(ctx, types.Batch{JobID: "job-1", BatchIndex: 4, WorkItems: []string{"vm"}}, testParams())
	require.NoError(t, err)
	deliveries, err := c.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, c.DeadLetter(ctx, deliveries[0], "boom"))
	c.Wait()

	n, err := main.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "original message must be removed from the main queue")

	records, err := c.ListDeadLettered(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.NotEmpty(t, rec.MessageID)
	assert.Equal(t, "boom", rec.Error)
	assert.Equal(t, deliveries[0].MessageID, rec.OriginalMessageID)
	assert.Equal(t, 1, rec.DequeueCount)
	assert.True(t, rec.FailedAt.Equal(fc.Now().UTC()))
	require.NotNil(t, rec.Batch)
	assert.Equal(t, 4, rec.Batch.BatchIndex)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Queued: 0, DeadLettered: 1}, stats)

	// listing is read-only
	again, err := c.ListDeadLettered(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, again, 1)

	removed, err := c.ClearDeadLetter(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestClientPoisonMessage(t *testing.T) {
	ctx := context.Background()
	c, main, _, _ := newTestClient(t, Config{})

	_, err := main.Send(ctx, []byte("{not json"), time.Hour)
	require.NoError(t, err)

	deliveries, err := c.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.ErrorIs(t, deliveries[0].DecodeErr, ErrInvalidBatch)

	require.NoError(t, c.DeadLetter(ctx, deliveries[0], deliveries[0].DecodeErr.Error()))
	c.Wait()

	records, err := c.ListDeadLettered(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].Batch)
	assert.Equal(t, "{not json", records[0].RawBody)
}

func TestClientPeekDoesNotIncrementDequeueCount(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestClient(t, Config{})

	_, err := c.Enqueue(ctx, types.Batch{JobID: "job-1"}, testParams())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		peeked, err := c.Peek(ctx, 10)
		require.NoError(t, err)
		require.Len(t, peeked, 1)
		assert.Equal(t, 0, peeked[0].DequeueCount)
	}

	deliveries, err := c.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 1, deliveries[0].DequeueCount)
}

type failingTransport struct {
	Transport
	err error
}

func (f failingTransport) Ensure(context.Context) error { return f.err }

func TestClientEnsure(t *testing.T) {
	ctx := context.Background()
	c, main, _, _ := newTestClient(t, Config{})
	require.NoError(t, c.Ensure(ctx))

	unreachable := errors.New("connection refused")
	broken := NewClient(main, failingTransport{err: unreachable}, Config{})
	assert.ErrorIs(t, broken.Ensure(ctx), unreachable)
}
