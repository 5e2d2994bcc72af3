// Package queue implements the durable batch queue: the Transport contract
// with its local and Redis backends, and the Client that enforces message
// shape, TTL and dead-letter routing on top of it.
package queue

import (
	"context"
	"errors"
	"time"
)

// MaxMessagesPerReceive is the per-call claim ceiling every transport honours.
const MaxMessagesPerReceive = 32

var (
	// ErrReceiptMismatch is returned when a delete presents a pop receipt
	// that is no longer current, i.e. the message was redelivered.
	ErrReceiptMismatch = errors.New("queue: pop receipt mismatch")
	// ErrMessageNotFound is returned when the message no longer exists.
	ErrMessageNotFound = errors.New("queue: message not found")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("queue: transport closed")
)

// Message is a transport-level message with its delivery metadata.
type Message struct {
	ID           string
	Body         []byte
	PopReceipt   string
	DequeueCount int
	InsertedAt   time.Time
	ExpiresAt    time.Time
	// NextVisibleAt is when the message becomes claimable again.
	NextVisibleAt time.Time
}

// Transport is a durable queue with visibility-timeout leasing.
//
// A claimed message stays invisible for the visibility window; if it is not
// deleted with its current pop receipt before the window elapses it becomes
// claimable again and its dequeue count increases on the next claim.
type Transport interface {
	// Ensure creates the channel if needed and verifies connectivity.
	Ensure(ctx context.Context) error
	// Send stores body, immediately visible, expiring after ttl.
	Send(ctx context.Context, body []byte, ttl time.Duration) (Message, error)
	// Receive claims up to max visible messages for the visibility window.
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error)
	// Delete removes a claimed message. The receipt must be current.
	Delete(ctx context.Context, id, popReceipt string) error
	// Peek returns up to max visible messages without claiming them.
	// max <= 0 means no limit.
	Peek(ctx context.Context, max int) ([]Message, error)
	// Count returns the number of unexpired messages, visible or leased.
	Count(ctx context.Context) (int, error)
	// Clear removes every message and returns how many were removed.
	Clear(ctx context.Context) (int, error)
	Close() error
}

func clampMax(max int) int {
	if max <= 0 {
		return 0
	}
	if max > MaxMessagesPerReceive {
		return MaxMessagesPerReceive
	}
	return max
}
