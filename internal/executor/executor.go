// Package executor provides batch execution callbacks for the processor.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/fleetbatch/internal/cache"
	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

// Defaults for HTTPConfig fields left zero.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultOperation = "telemetry.query"

	maxErrorBody = 512
)

// ErrEndpointStatus is returned for non-2xx responses.
var ErrEndpointStatus = errors.New("executor: query endpoint returned an error status")

// Echo returns one row {name: item} per work item.
func Echo(ctx context.Context, batch types.Batch) ([]types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := make([]types.Row, len(batch.WorkItems))
	for i, item := range batch.WorkItems {
		rows[i] = types.Row{"name": item}
	}
	return rows, nil
}

// HTTPConfig configures the HTTP executor.
type HTTPConfig struct {
	Endpoint  string
	Timeout   time.Duration
	Operation string // cache operation name
}

// Query is the request body posted to the telemetry endpoint. It excludes
// the job identity so identical queries from different jobs share a cache
// entry.
type Query struct {
	WorkItems   []string          `json:"workItems"`
	TimeRange   types.TimeRange   `json:"timeRange"`
	Scope       string            `json:"scope"`
	WorkspaceID string            `json:"workspaceId"`
	Options     map[string]string `json:"options,omitempty"`
}

type queryResponse struct {
	Rows []types.Row `json:"rows"`
}

// HTTP posts each batch to a telemetry query endpoint.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	cache  *cache.Cache
	log    *slog.Logger
}

// Option configures an HTTP executor.
type Option func(*HTTP)

// WithCache reads through c.
func WithCache(c *cache.Cache) Option { return func(h *HTTP) { h.cache = c } }

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option { return func(h *HTTP) { h.client = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(h *HTTP) { h.log = l } }

// NewHTTP creates an HTTP executor.
func NewHTTP(cfg HTTPConfig, opts ...Option) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("executor: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Operation == "" {
		cfg.Operation = DefaultOperation
	}
	h := &HTTP{
		cfg:    cfg,
		client: http.DefaultClient,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With("component", "executor")
	return h, nil
}

// Execute runs the batch's query, reading through the cache when one is set.
func (h *HTTP) Execute(ctx context.Context, batch types.Batch) ([]types.Row, error) {
	q := Query{
		WorkItems:   batch.WorkItems,
		TimeRange:   batch.JobParams.TimeRange,
		Scope:       batch.JobParams.Scope,
		WorkspaceID: batch.JobParams.WorkspaceID,
		Options:     batch.JobParams.Options,
	}
	if h.cache == nil {
		return h.query(ctx, q)
	}

	res, err := cache.WithCache(ctx, h.cache, h.cfg.Operation, q, func(ctx context.Context) ([]types.Row, error) {
		return h.query(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	h.log.Debug("batch query", "batch", batch.Key(), "cache_hit", res.CacheHit, "rows", len(res.Data))
	return res.Data, nil
}

func (h *HTTP) query(ctx context.Context, q Query) ([]types.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: %d %s", ErrEndpointStatus, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	return out.Rows, nil
}
