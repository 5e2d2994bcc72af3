package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/fleetbatch/internal/clock"
)

// Redis layout, all keys share the {name} hash tag:
//
//	<prefix>:{name}:visible    ZSET id -> next visible time (unix ms)
//	<prefix>:{name}:msg:<id>   HASH body, inserted, expires, count, receipt
//
// Claim and delete run as Lua scripts so the receipt check and the lease
// update happen atomically.

// claimScript claims up to ARGV[3] due messages, pruning expired ones.
// ARGV: now ms, visibility ms, max, message key prefix, receipts...
var claimScript = r.NewScript(`
local now = tonumber(ARGV[1])
local vis = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local prefix = ARGV[4]
local out = {}
local n = 0
while n < max do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, max - n)
  if #ids == 0 then break end
  for _, id in ipairs(ids) do
    local key = prefix .. id
    local expires = tonumber(redis.call('HGET', key, 'expires'))
    if (not expires) or expires <= now then
      redis.call('ZREM', KEYS[1], id)
      redis.call('DEL', key)
    else
      n = n + 1
      local receipt = ARGV[4 + n]
      local count = redis.call('HINCRBY', key, 'count', 1)
      redis.call('HSET', key, 'receipt', receipt)
      redis.call('ZADD', KEYS[1], now + vis, id)
      local f = redis.call('HMGET', key, 'body', 'inserted', 'expires')
      out[#out + 1] = {id, f[1], f[2], f[3], count, receipt, now + vis}
    end
  end
end
return out
`)

// deleteScript returns 1 on delete, 0 when missing, -1 on receipt mismatch.
// KEYS: visible zset, message hash. ARGV: id, receipt, now ms.
var deleteScript = r.NewScript(`
local expires = tonumber(redis.call('HGET', KEYS[2], 'expires'))
if (not expires) or expires <= tonumber(ARGV[3]) then
  return 0
end
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[2] then
  return -1
end
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

// Redis is a Transport backed by a Redis server.
type Redis struct {
	rdb     r.UniversalClient
	visible string
	msgKey  string
	clock   clock.Clock
}

// NewRedis creates a transport for the named queue. prefix defaults to
// "fleetbatch".
func NewRedis(rdb r.UniversalClient, prefix, name string, c clock.Clock) *Redis {
	if prefix == "" {
		prefix = "fleetbatch"
	}
	base := fmt.Sprintf("%s:{%s}", prefix, name)
	return &Redis{
		rdb:     rdb,
		visible: base + ":visible",
		msgKey:  base + ":msg:",
		clock:   clock.OrReal(c),
	}
}

// Ensure pings the server.
func (q *Redis) Ensure(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue: redis ping failed: %w", err)
	}
	return nil
}

// Send stores the message and makes it visible immediately until ttl elapses.
func (q *Redis) Send(ctx context.Context, body []byte, ttl time.Duration) (Message, error) {
	if ttl <= 0 {
		return Message{}, fmt.Errorf("queue: message ttl must be positive, got %s", ttl)
	}
	now := q.clock.Now()
	msg := Message{
		ID:            uuid.NewString(),
		Body:          body,
		InsertedAt:    now,
		ExpiresAt:     now.Add(ttl),
		NextVisibleAt: now,
	}

	key := q.msgKey + msg.ID
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"body", body,
		"inserted", now.UnixMilli(),
		"expires", msg.ExpiresAt.UnixMilli(),
		"count", 0,
		"receipt", "",
	)
	pipe.PExpire(ctx, key, ttl)
	pipe.ZAdd(ctx, q.visible, r.Z{Score: float64(now.UnixMilli()), Member: msg.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return Message{}, fmt.Errorf("queue: redis send failed: %w", err)
	}
	return msg, nil
}

// Receive claims up to max visible messages and hides them for visibility.
func (q *Redis) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	max = clampMax(max)
	if max == 0 {
		return nil, nil
	}
	if visibility < time.Millisecond {
		return nil, fmt.Errorf("queue: visibility timeout must be at least 1ms, got %s", visibility)
	}

	args := make([]any, 0, 4+max)
	args = append(args, q.clock.Now().UnixMilli(), visibility.Milliseconds(), max, q.msgKey)
	for i := 0; i < max; i++ {
		args = append(args, uuid.NewString())
	}

	res, err := claimScript.Run(ctx, q.rdb, []string{q.visible}, args...).Slice()
	if err != nil {
		if errors.Is(err, r.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: redis claim failed: %w", err)
	}

	msgs := make([]Message, 0, len(res))
	for _, item := range res {
		fields, ok := item.([]any)
		if !ok || len(fields) != 7 {
			return msgs, fmt.Errorf("queue: unexpected claim reply %v", item)
		}
		msgs = append(msgs, Message{
			ID:            toString(fields[0]),
			Body:          []byte(toString(fields[1])),
			InsertedAt:    time.UnixMilli(toInt64(fields[2])),
			ExpiresAt:     time.UnixMilli(toInt64(fields[3])),
			DequeueCount:  int(toInt64(fields[4])),
			PopReceipt:    toString(fields[5]),
			NextVisibleAt: time.UnixMilli(toInt64(fields[6])),
		})
	}
	return msgs, nil
}

// Delete removes a claimed message if popReceipt is still current.
func (q *Redis) Delete(ctx context.Context, id, popReceipt string) error {
	n, err := deleteScript.Run(ctx, q.rdb,
		[]string{q.visible, q.msgKey + id},
		id, popReceipt, q.clock.Now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("queue: redis delete failed: %w", err)
	}
	switch n {
	case 1:
		return nil
	case -1:
		return ErrReceiptMismatch
	default:
		return ErrMessageNotFound
	}
}

// Peek returns up to max visible messages without claiming them.
func (q *Redis) Peek(ctx context.Context, max int) ([]Message, error) {
	now := q.clock.Now()
	by := &r.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if max > 0 {
		by.Count = int64(max)
	}
	ids, err := q.rdb.ZRangeByScore(ctx, q.visible, by).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: redis peek failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*r.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, q.msgKey+id, "body", "inserted", "expires", "count")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, r.Nil) {
		return nil, fmt.Errorf("queue: redis peek failed: %w", err)
	}

	msgs := make([]Message, 0, len(ids))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) != 4 || vals[0] == nil {
			continue
		}
		expires := time.UnixMilli(parseInt(vals[2]))
		if !now.Before(expires) {
			continue
		}
		msgs = append(msgs, Message{
			ID:            ids[i],
			Body:          []byte(toString(vals[0])),
			InsertedAt:    time.UnixMilli(parseInt(vals[1])),
			ExpiresAt:     expires,
			DequeueCount:  int(parseInt(vals[3])),
			NextVisibleAt: now,
		})
	}
	return msgs, nil
}

// Count returns the number of stored messages. It includes expired messages not yet pruned by a claim.
func (q *Redis) Count(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.visible).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: redis count failed: %w", err)
	}
	return int(n), nil
}

// Clear removes every stored message, claimed or not, and returns how many were removed.
func (q *Redis) Clear(ctx context.Context) (int, error) {
	ids, err := q.rdb.ZRange(ctx, q.visible, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: redis clear failed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, q.msgKey+id)
	}
	pipe.ZRem(ctx, q.visible, toMembers(ids)...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: redis clear failed: %w", err)
	}
	return len(ids), nil
}

// Close is a no-op; the caller owns the client.
func (q *Redis) Close() error { return nil }

func toMembers(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func parseInt(v any) int64 {
	n, _ := strconv.ParseInt(toString(v), 10, 64)
	return n
}
