package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetbatch/internal/clock"
	"github.com/ChuLiYu/fleetbatch/internal/metrics"
	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

// Defaults for Config fields left zero.
const (
	DefaultVisibilityTimeout = 300 * time.Second
	DefaultMessageTTL        = 7 * 24 * time.Hour
	DefaultMaxDequeueCount   = 3

	deadLetterDeleteTimeout = 30 * time.Second
)

// ErrInvalidBatch is returned when a batch cannot be enqueued or a body
// does not decode to a usable batch.
var ErrInvalidBatch = errors.New("queue: invalid batch")

// Config controls message lifetime and retry policy.
type Config struct {
	VisibilityTimeout time.Duration
	MessageTTL        time.Duration
	MaxDequeueCount   int
}

func (c Config) withDefaults() Config {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = DefaultMessageTTL
	}
	if c.MaxDequeueCount <= 0 {
		c.MaxDequeueCount = DefaultMaxDequeueCount
	}
	return c
}

// Receipt is returned by Enqueue.
type Receipt struct {
	MessageID  string
	PopReceipt string
	InsertedAt time.Time
}

// EnqueueSummary is returned by EnqueueAll. On error it describes the
// batches that were enqueued before the failure.
type EnqueueSummary struct {
	BatchCount int      `json:"batchCount"`
	MessageIDs []string `json:"messageIds"`
}

// Delivery is a claimed message with its decoded batch. DecodeErr is set
// for bodies that cannot be decoded; such deliveries still carry their
// receipt so they can be dead-lettered.
type Delivery struct {
	MessageID    string
	PopReceipt   string
	DequeueCount int
	InsertedAt   time.Time
	Batch        types.Batch
	Body         []byte
	DecodeErr    error
}

// DeadLetterRecord is the body written to the dead-letter channel.
type DeadLetterRecord struct {
	// MessageID is the dead-letter message id, set when listing.
	MessageID         string       `json:"-"`
	Batch             *types.Batch `json:"batch,omitempty"`
	Error             string       `json:"error"`
	FailedAt          time.Time    `json:"failedAt"`
	DequeueCount      int          `json:"dequeueCount"`
	OriginalMessageID string       `json:"originalMessageId"`
	RawBody           string       `json:"rawBody,omitempty"`
}

// Stats is an approximate snapshot of both channels.
type Stats struct {
	Queued       int `json:"queued"`
	DeadLettered int `json:"deadLettered"`
}

// Client enforces message shape, TTL and dead-letter routing over a main
// and a dead-letter transport.
type Client struct {
	main    Transport
	dead    Transport
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Collector

	wg sync.WaitGroup // detached dead-letter deletions
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithClock sets the clock used for failure timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client over the main and dead-letter transports.
func NewClient(main, dead Transport, cfg Config, opts ...Option) *Client {
	c := &Client{
		main:  main,
		dead:  dead,
		cfg:   cfg.withDefaults(),
		clock: clock.Real(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "queue")
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Ensure creates or pings both channels.
func (c *Client) Ensure(ctx context.Context) error {
	if err := c.main.Ensure(ctx); err != nil {
		return fmt.Errorf("ensure main queue: %w", err)
	}
	if err := c.dead.Ensure(ctx); err != nil {
		return fmt.Errorf("ensure dead-letter queue: %w", err)
	}
	return nil
}

// Enqueue serializes batch with params and sends it with immediate
// visibility and the configured TTL.
func (c *Client) Enqueue(ctx context.Context, batch types.Batch, params types.JobParams) (Receipt, error) {
	if batch.JobID == "" {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidBatch, types.ErrEmptyJobID)
	}
	if batch.BatchIndex < 0 {
		return Receipt{}, fmt.Errorf("%w: negative batch index %d", ErrInvalidBatch, batch.BatchIndex)
	}
	batch.JobParams = params

	body, err := json.Marshal(batch)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to marshal batch %s: %w", batch.Key(), err)
	}

	msg, err := c.main.Send(ctx, body, c.cfg.MessageTTL)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to enqueue batch %s: %w", batch.Key(), err)
	}
	c.metrics.RecordEnqueue()
	return Receipt{MessageID: msg.ID, PopReceipt: msg.PopReceipt, InsertedAt: msg.InsertedAt}, nil
}

// EnqueueAll enqueues each batch in order. It is not transactional: on
// failure the summary lists what was enqueued and the caller may re-run
// for the missing batch indices.
func (c *Client) EnqueueAll(ctx context.Context, jobID string, batches []types.Batch, params types.JobParams) (EnqueueSummary, error) {
	summary := EnqueueSummary{MessageIDs: make([]string, 0, len(batches))}
	for _, b := range batches {
		if b.JobID != jobID {
			return summary, fmt.Errorf("%w: batch %s does not belong to job %s", ErrInvalidBatch, b.Key(), jobID)
		}
		receipt, err := c.Enqueue(ctx, b, params)
		if err != nil {
			return summary, err
		}
		summary.BatchCount++
		summary.MessageIDs = append(summary.MessageIDs, receipt.MessageID)
	}
	c.log.Info("job enqueued", "job_id", jobID, "batches", summary.BatchCount)
	return summary, nil
}

// Receive claims up to max messages for the visibility window.
func (c *Client) Receive(ctx context.Context, max int) ([]Delivery, error) {
	max = clampMax(max)
	if max == 0 {
		return nil, nil
	}
	msgs, err := c.main.Receive(ctx, max, c.cfg.VisibilityTimeout)
	if err != nil {
		return nil, err
	}
	deliveries := make([]Delivery, len(msgs))
	for i, m := range msgs {
		deliveries[i] = decodeDelivery(m)
	}
	return deliveries, nil
}

func decodeDelivery(m Message) Delivery {
	d := Delivery{
		MessageID:    m.ID,
		PopReceipt:   m.PopReceipt,
		DequeueCount: m.DequeueCount,
		InsertedAt:   m.InsertedAt,
		Body:         m.Body,
	}
	if err := json.Unmarshal(m.Body, &d.Batch); err != nil {
		d.DecodeErr = fmt.Errorf("%w: %v", ErrInvalidBatch, err)
		return d
	}
	if d.Batch.JobID == "" || d.Batch.BatchIndex < 0 {
		d.DecodeErr = fmt.Errorf("%w: missing job id or batch index", ErrInvalidBatch)
		return d
	}
	if m.DequeueCount > 0 {
		d.Batch.RetryCount = m.DequeueCount - 1
	}
	return d
}

// Complete deletes a processed message. A stale receipt fails with
// ErrReceiptMismatch.
func (c *Client) Complete(ctx context.Context, messageID, popReceipt string) error {
	if err := c.main.Delete(ctx, messageID, popReceipt); err != nil {
		return fmt.Errorf("complete message %s: %w", messageID, err)
	}
	return nil
}

// ShouldRetry reports whether the delivery may be left for redelivery.
func (c *Client) ShouldRetry(d Delivery) bool {
	return d.DequeueCount < c.cfg.MaxDequeueCount
}

// DeadLetter copies the delivery with failure metadata into the
// dead-letter channel, then deletes the original in the background.
//
// The copy is synchronous; the deletion error is only logged. If the
// deletion fails the message is redelivered and dead-lettered again.
func (c *Client) DeadLetter(ctx context.Context, d Delivery, errMsg string) error {
	rec := DeadLetterRecord{
		Error:             errMsg,
		FailedAt:          c.clock.Now().UTC(),
		DequeueCount:      d.DequeueCount,
		OriginalMessageID: d.MessageID,
	}
	if d.DecodeErr == nil {
		batch := d.Batch
		rec.Batch = &batch
	} else {
		rec.RawBody = string(d.Body)
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter record: %w", err)
	}
	if _, err := c.dead.Send(ctx, body, c.cfg.MessageTTL); err != nil {
		return fmt.Errorf("failed to dead-letter message %s: %w", d.MessageID, err)
	}
	c.metrics.RecordDeadLettered()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterDeleteTimeout)
		defer cancel()
		if err := c.main.Delete(delCtx, d.MessageID, d.PopReceipt); err != nil {
			c.log.Warn("failed to delete dead-lettered message",
				"message_id", d.MessageID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until background dead-letter deletions finish.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Peek returns up to max visible messages without claiming them.
func (c *Client) Peek(ctx context.Context, max int) ([]Delivery, error) {
	msgs, err := c.main.Peek(ctx, max)
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, len(msgs))
	for i, m := range msgs {
		out[i] = decodeDelivery(m)
		out[i].PopReceipt = ""
	}
	return out, nil
}

// Stats counts both channels.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	queued, err := c.main.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count main queue: %w", err)
	}
	dead, err := c.dead.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count dead-letter queue: %w", err)
	}
	c.metrics.UpdateQueueStats(queued, dead)
	return Stats{Queued: queued, DeadLettered: dead}, nil
}

// ListDeadLettered returns up to max dead-letter records; max <= 0 lists all.
func (c *Client) ListDeadLettered(ctx context.Context, max int) ([]DeadLetterRecord, error) {
	msgs, err := c.dead.Peek(ctx, max)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetterRecord, 0, len(msgs))
	for _, m := range msgs {
		var rec DeadLetterRecord
		if err := json.Unmarshal(m.Body, &rec); err != nil {
			c.log.Warn("skipping unreadable dead-letter record", "message_id", m.ID, "error", err)
			continue
		}
		rec.MessageID = m.ID
		out = append(out, rec)
	}
	return out, nil
}

// ClearDeadLetter removes every dead-letter record.
func (c *Client) ClearDeadLetter(ctx context.Context) (int, error) {
	n, err := c.dead.Clear(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear dead-letter queue: %w", err)
	}
	c.log.Info("dead-letter queue cleared", "removed", n)
	return n, nil
}
