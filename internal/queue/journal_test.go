package queue

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLocal(t *testing.T, path string, clk *localClock) *Local {
	t.Helper()
	l, err := NewLocal(LocalConfig{Name: "journal", JournalPath: path, Clock: clk})
	require.NoError(t, err)
	return l
}

// localClock pins every reopened transport to the same fake time source.
type localClock struct{ now time.Time }

func (c *localClock) Now() time.Time { return c.now }

func TestJournalReplayRestoresMessages(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.journal")
	clk := &localClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	l := openLocal(t, path, clk)
	a, err := l.Send(ctx, []byte("a"), testTTL)
	require.NoError(t, err)
	b, err := l.Send(ctx, []byte("b"), testTTL)
	require.NoError(t, err)
	_, err = l.Send(ctx, []byte("c"), testTTL)
	require.NoError(t, err)

	claimed, err := l.Receive(ctx, 2, testVisibility)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, l.Delete(ctx, a.ID, claimed[0].PopReceipt))
	require.NoError(t, l.Close())

	// restart
	reopened := openLocal(t, path, clk)
	defer reopened.Close()

	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	visible, err := reopened.Peek(ctx, 0)
	require.NoError(t, err)
	require.Len(t, visible, 1, "b is still leased after restart")
	assert.Equal(t, "c", string(visible[0].Body))

	clk.now = clk.now.Add(testVisibility)
	redelivered, err := reopened.Receive(ctx, 10, testVisibility)
	require.NoError(t, err)
	require.Len(t, redelivered, 2)

	byID := map[string]Message{}
	for _, m := range redelivered {
		byID[m.ID] = m
	}
	assert.Equal(t, 2, byID[b.ID].DequeueCount, "dequeue count survives restart")
}

func TestJournalIgnoresTornTail(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.journal")
	clk := &localClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	l := openLocal(t, path, clk)
	_, err := l.Send(ctx, []byte("kept"), testTTL)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"SEND","id":"half`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openLocal(t, path, clk)
	defer reopened.Close()

	msgs, err := reopened.Peek(ctx, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", string(msgs[0].Body))
}

func TestJournalRejectsMidFileCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.journal")

	good, err := encodeRecord(record{Op: opSend, ID: "m1", Body: []byte("x"),
		InsertedAt: time.Unix(0, 0).UTC(), ExpiresAt: time.Unix(3600, 0).UTC(), VisibleAt: time.Unix(0, 0).UTC()})
	require.NoError(t, err)

	bad, err := encodeRecord(record{Op: opSend, ID: "m2"})
	require.NoError(t, err)
	bad[10] ^= 0x01 // flip a bit inside the record

	content := append(append(append([]byte{}, good...), bad...), good...)
	require.NoError(t, os.WriteFile(path, content, 0644))

	_, err = NewLocal(LocalConfig{Name: "corrupt", JournalPath: path})
	assert.ErrorIs(t, err, ErrCorruptedJournal)
}

func TestJournalCompaction(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.journal")
	clk := &localClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	l, err := NewLocal(LocalConfig{Name: "compact", JournalPath: path, Clock: clk, CompactEvery: 8})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		msg, err := l.Send(ctx, []byte("x"), testTTL)
		require.NoError(t, err)
		claimed, err := l.Receive(ctx, 1, testVisibility)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, l.Delete(ctx, msg.ID, claimed[0].PopReceipt))
	}
	_, err = l.Send(ctx, []byte("survivor"), testTTL)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Count(string(raw), "\n")
	assert.LessOrEqual(t, lines, 8, "journal should have been compacted")

	reopened, err := NewLocal(LocalConfig{Name: "compact", JournalPath: path, Clock: clk})
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.Peek(ctx, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "survivor", string(msgs[0].Body))
}

func TestRecordChecksum(t *testing.T) {
	line, err := encodeRecord(record{Op: opDelete, ID: "abc"})
	require.NoError(t, err)

	rec, err := decodeRecord(line)
	require.NoError(t, err)
	assert.Equal(t, "abc", rec.ID)

	tampered := []byte(strings.Replace(string(line), "abc", "abd", 1))
	_, err = decodeRecord(tampered)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}
