package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetbatch/internal/clock"
)

const (
	testTTL        = time.Hour
	testVisibility = 30 * time.Second
)

type transportFactory func(t *testing.T, c clock.Clock) Transport

func transports() map[string]transportFactory {
	return map[string]transportFactory{
		"local": func(t *testing.T, c clock.Clock) Transport {
			l, err := NewLocal(LocalConfig{Name: "test", Clock: c})
			require.NoError(t, err)
			return l
		},
		"local-journal": func(t *testing.T, c clock.Clock) Transport {
			l, err := NewLocal(LocalConfig{
				Name:        "test",
				JournalPath: filepath.Join(t.TempDir(), "queue.journal"),
				Clock:       c,
			})
			require.NoError(t, err)
			t.Cleanup(func() { l.Close() })
			return l
		},
		"redis": func(t *testing.T, c clock.Clock) Transport {
			mr := miniredis.RunT(t)
			rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
			t.Cleanup(func() { rdb.Close() })
			return NewRedis(rdb, "test", "batches", c)
		},
	}
}

// newClock starts near wall time so Redis key TTLs stay meaningful.
func newClock() *clock.FakeClock {
	return clock.Fake(time.Now().Truncate(time.Millisecond))
}

func TestTransportConformance(t *testing.T) {
	cases := map[string]func(t *testing.T, tr Transport, fc *clock.FakeClock){
		"receive hides message for visibility window": testVisibilityWindow,
		"stale receipt is rejected":                   testStaleReceipt,
		"peek does not claim":                         testPeekDoesNotClaim,
		"receive is capped per call":                  testReceiveCap,
		"expired messages are dropped":                testExpiry,
		"clear removes everything":                    testClear,
	}

	for name, factory := range transports() {
		t.Run(name, func(t *testing.T) {
			for caseName, fn := range cases {
				t.Run(caseName, func(t *testing.T) {
					fc := newClock()
					tr := factory(t, fc)
					require.NoError(t, tr.Ensure(context.Background()))
					fn(t, tr, fc)
				})
			}
		})
	}
}

func testVisibilityWindow(t *testing.T, tr Transport, fc *clock.FakeClock) {
	ctx := context.Background()
	sent, err := tr.Send(ctx, []byte("payload"), testTTL)
	require.NoError(t, err)
	require.NotEmpty(t, sent.ID)

	first, err := tr.Receive(ctx, 10, testVisibility)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, sent.ID, first[0].ID)
	assert.Equal(t, "payload", string(first[0].Body))
	assert.Equal(t, 1, first[0].DequeueCount)
	assert.NotEmpty(t, first[0].PopReceipt)

	again, err := tr.Receive(ctx, 10, testVisibility)
	require.NoError(t, err)
	assert.Empty(t, again, "leased message must stay invisible")

	fc.Advance(testVisibility)
	second, err := tr.Receive(ctx, 10, testVisibility)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].DequeueCount)
	assert.NotEqual(t, first[0].PopReceipt, second[0].PopReceipt)

	require.NoError(t, tr.Delete(ctx, sent.ID, second[0].PopReceipt))
	assert.ErrorIs(t, tr.Delete(ctx, sent.ID, second[0].PopReceipt), ErrMessageNotFound)
}

func testStaleReceipt(t *testing.T, tr Transport, fc *clock.FakeClock) {
	ctx := context.Background()
	_, err := tr.Send(ctx, []byte("x"), testTTL)
	require.NoError(t, err)

	first, err := tr.Receive(ctx, 1, testVisibility)
	require.NoError(t, err)
	require.Len(t, first, 1)

	fc.Advance(testVisibility + time.Second)
	second, err := tr.Receive(ctx, 1, testVisibility)
	require.NoError(t, err)
	require.Len(t, second, 1)

	err = tr.Delete(ctx, first[0].ID, first[0].PopReceipt)
	assert.ErrorIs(t, err, ErrReceiptMismatch)

	n, err := tr.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "failed delete must not remove the message")
}

func testPeekDoesNotClaim(t *testing.T, tr Transport, fc *clock.FakeClock) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := tr.Send(ctx, []byte(fmt.Sprintf("m%d", i)), testTTL)
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		peeked, err := tr.Peek(ctx, 0)
		require.NoError(t, err)
		require.Len(t, peeked, 3)
		for _, m := range peeked {
			assert.Equal(t, 0, m.DequeueCount)
			assert.Empty(t, m.PopReceipt)
		}
	}

	limited, err := tr.Peek(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	claimed, err := tr.Receive(ctx, 10, testVisibility)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for _, m := range claimed {
		assert.Equal(t, 1, m.DequeueCount)
	}

	peeked, err := tr.Peek(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, peeked, "leased messages are not visible to peek")
}

func testReceiveCap(t *testing.T, tr Transport, fc *clock.FakeClock) {
	ctx := context.Background()
	for i := 0; i < MaxMessagesPerReceive+8; i++ {
		_, err := tr.Send(ctx, []byte("x"), testTTL)
		require.NoError(t, err)
	}

	msgs, err := tr.Receive(ctx, 100, testVisibility)
	require.NoError(t, err)
	assert.Len(t, msgs, MaxMessagesPerReceive)

	rest, err := tr.Receive(ctx, 100, testVisibility)
	require.NoError(t, err)
	assert.Len(t, rest, 8)
}

func testExpiry(t *testing.T, tr Transport, fc *clock.FakeClock) {
	ctx := context.Background()
	_, err := tr.Send(ctx, []byte("short"), time.Minute)
	require.NoError(t, err)
	_, err = tr.Send(ctx, []byte("long"), testTTL)
	require.NoError(t, err)

	fc.Advance(time.Minute)
	msgs, err := tr.Receive(ctx, 10, testVisibility)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "long", string(msgs[0].Body))

	n, err := tr.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testClear(t *testing.T, tr Transport, fc *clock.FakeClock) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := tr.Send(ctx, []byte("x"), testTTL)
		require.NoError(t, err)
	}

	removed, err := tr.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	n, err := tr.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisEnsureFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	tr := NewRedis(rdb, "", "batches", nil)
	assert.Error(t, tr.Ensure(context.Background()))
}

func TestLocalClosedTransport(t *testing.T) {
	l, err := NewLocal(LocalConfig{Name: "closed"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Ensure(context.Background()), ErrClosed)
	_, err = l.Send(context.Background(), []byte("x"), testTTL)
	assert.ErrorIs(t, err, ErrClosed)
}
