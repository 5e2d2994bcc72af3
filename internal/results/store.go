// Package results persists per-batch results and job status as individual
// blob objects and merges them into a job result on demand.
//
// Object layout:
//
//	jobs/<jobId>/batch-<index:06d>.json    batch result
//	jobs/<jobId>/failed-<index:06d>.json   dead-letter marker
//	jobs/<jobId>/status.json               job status
//
// (jobId, batchIndex) is the idempotency key: saving the same pair twice
// overwrites.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetbatch/internal/blob"
	"github.com/ChuLiYu/fleetbatch/internal/clock"
	"github.com/ChuLiYu/fleetbatch/internal/metrics"
	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

const (
	// DefaultRetention is how long batch results stay readable.
	DefaultRetention = 24 * time.Hour
	// DefaultFetchConcurrency bounds concurrent reads during aggregation.
	DefaultFetchConcurrency = 8

	rootPrefix    = "jobs/"
	batchPrefix   = "batch-"
	failedPrefix  = "failed-"
	objectSuffix  = ".json"
	statusObject  = "status.json"
	metaExpiresAt = "expiresAt"
	metaKind      = "kind"
)

var (
	// ErrNotFound is returned for missing or expired objects.
	ErrNotFound = errors.New("results: not found")
	// ErrCorrupted is returned when a stored object cannot be decoded.
	ErrCorrupted = errors.New("results: object is corrupted")
	// ErrInvalidJobID is returned for job ids that cannot form a key prefix.
	ErrInvalidJobID = errors.New("results: invalid job id")
)

// Config controls retention and aggregation fan-out.
type Config struct {
	Retention        time.Duration
	FetchConcurrency int
}

// BatchInfo describes one listed batch object.
type BatchInfo struct {
	Index     int
	Key       string
	Size      int64
	CreatedAt time.Time
}

// BatchFailure is the dead-letter marker body.
type BatchFailure struct {
	JobID      string    `json:"jobId"`
	BatchIndex int       `json:"batchIndex"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failedAt"`
}

// Store is the result store.
type Store struct {
	blobs   blob.Store
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Collector

	// advance serializes status recomputation per job within a process
	advance [32]sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for savedAt and expiry checks.
func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(s *Store) { s.metrics = m } }

// New creates a result store over blobs.
func New(blobs blob.Store, cfg Config, opts ...Option) *Store {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = DefaultFetchConcurrency
	}
	s := &Store{
		blobs: blobs,
		cfg:   cfg,
		clock: clock.Real(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "results")
	return s
}

// JobPrefix returns the key prefix of every object belonging to jobID.
func JobPrefix(jobID string) string {
	return rootPrefix + jobID + "/"
}

// BatchKey returns the object key of a batch result.
func BatchKey(jobID string, index int) string {
	return fmt.Sprintf("%s%s%06d%s", JobPrefix(jobID), batchPrefix, index, objectSuffix)
}

// FailureKey returns the object key of a dead-letter marker.
func FailureKey(jobID string, index int) string {
	return fmt.Sprintf("%s%s%06d%s", JobPrefix(jobID), failedPrefix, index, objectSuffix)
}

// StatusKey returns the object key of the job status.
func StatusKey(jobID string) string {
	return JobPrefix(jobID) + statusObject
}

// parseIndex extracts the batch index from the base name of key when it
// has the given prefix, e.g. "batch-000012.json" -> 12.
func parseIndex(key, prefix string) (int, bool) {
	base := key[strings.LastIndex(key, "/")+1:]
	if !strings.HasPrefix(base, prefix) || !strings.HasSuffix(base, objectSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(base, prefix), objectSuffix)
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func validJobID(jobID string) error {
	if jobID == "" {
		return types.ErrEmptyJobID
	}
	if strings.ContainsAny(jobID, "/\\") || jobID == "." || jobID == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return nil
}

// SaveBatchResult writes the result of one batch. SavedAt and ExpiresAt
// are assigned here; VMCount is taken from meta.
func (s *Store) SaveBatchResult(ctx context.Context, jobID string, index int, rows []types.Row, meta types.ResultMetadata) (types.BatchResult, error) {
	if err := validJobID(jobID); err != nil {
		return types.BatchResult{}, err
	}
	if index < 0 {
		return types.BatchResult{}, fmt.Errorf("negative batch index %d", index)
	}
	if rows == nil {
		rows = []types.Row{}
	}

	now := s.clock.Now().UTC()
	result := types.BatchResult{
		JobID:      jobID,
		BatchIndex: index,
		Rows:       rows,
		Metadata: types.ResultMetadata{
			SavedAt:   now,
			ExpiresAt: now.Add(s.cfg.Retention),
			VMCount:   meta.VMCount,
		},
	}

	data, err := json.Marshal(result)
	if err != nil {
		return types.BatchResult{}, fmt.Errorf("failed to marshal batch result: %w", err)
	}
	err = s.blobs.Put(ctx, BatchKey(jobID, index), data, map[string]string{
		metaKind:      "batch",
		metaExpiresAt: result.Metadata.ExpiresAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return types.BatchResult{}, fmt.Errorf("failed to save batch %s/%d: %w", jobID, index, err)
	}
	return result, nil
}

// GetBatchResult reads one batch result. Results past their expiry are
// reported as ErrNotFound.
func (s *Store) GetBatchResult(ctx context.Context, jobID string, index int) (*types.BatchResult, error) {
	return s.getByKey(ctx, BatchKey(jobID, index))
}

func (s *Store) getByKey(ctx context.Context, key string) (*types.BatchResult, error) {
	obj, err := s.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	var result types.BatchResult
	if err := json.Unmarshal(obj.Data, &result); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, key, err)
	}
	if !result.Metadata.ExpiresAt.IsZero() && !s.clock.Now().Before(result.Metadata.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &result, nil
}

// ListBatches lists the batch result objects of a job in index order.
// When two objects map to the same index the most recently written wins.
func (s *Store) ListBatches(ctx context.Context, jobID string) ([]BatchInfo, error) {
	return s.listIndexed(ctx, jobID, batchPrefix)
}

func (s *Store) listFailures(ctx context.Context, jobID string) ([]BatchInfo, error) {
	return s.listIndexed(ctx, jobID, failedPrefix)
}

func (s *Store) listIndexed(ctx context.Context, jobID, prefix string) ([]BatchInfo, error) {
	if err := validJobID(jobID); err != nil {
		return nil, err
	}
	objects, err := s.blobs.List(ctx, JobPrefix(jobID)+prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list job %s: %w", jobID, err)
	}

	byIndex := make(map[int]BatchInfo, len(objects))
	for _, obj := range objects {
		idx, ok := parseIndex(obj.Key, prefix)
		if !ok {
			continue
		}
		if existing, dup := byIndex[idx]; dup && !obj.CreatedAt.After(existing.CreatedAt) {
			continue
		}
		byIndex[idx] = BatchInfo{Index: idx, Key: obj.Key, Size: obj.Size, CreatedAt: obj.CreatedAt}
	}

	infos := make([]BatchInfo, 0, len(byIndex))
	for _, info := range byIndex {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Index < infos[j].Index })
	return infos, nil
}

// SaveJobStatus writes the job status; UpdatedAt is set here.
func (s *Store) SaveJobStatus(ctx context.Context, status types.JobStatus) error {
	_, err := s.putStatus(ctx, status)
	return err
}

func (s *Store) putStatus(ctx context.Context, status types.JobStatus) (types.JobStatus, error) {
	if err := validJobID(status.JobID); err != nil {
		return status, err
	}
	status.UpdatedAt = s.clock.Now().UTC()
	data, err := json.Marshal(status)
	if err != nil {
		return status, fmt.Errorf("failed to marshal job status: %w", err)
	}
	if err := s.blobs.Put(ctx, StatusKey(status.JobID), data, map[string]string{metaKind: "status"}); err != nil {
		return status, fmt.Errorf("failed to save status of job %s: %w", status.JobID, err)
	}
	return status, nil
}

// GetJobStatus reads the job status.
func (s *Store) GetJobStatus(ctx context.Context, jobID string) (*types.JobStatus, error) {
	if err := validJobID(jobID); err != nil {
		return nil, err
	}
	obj, err := s.blobs.Get(ctx, StatusKey(jobID))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status of job %s: %w", jobID, err)
	}
	var status types.JobStatus
	if err := json.Unmarshal(obj.Data, &status); err != nil {
		return nil, fmt.Errorf("%w: status of job %s: %v", ErrCorrupted, jobID, err)
	}
	return &status, nil
}

// SaveBatchFailure writes a dead-letter marker so aggregation and status
// tracking account for the batch.
func (s *Store) SaveBatchFailure(ctx context.Context, jobID string, index int, errMsg string) error {
	if err := validJobID(jobID); err != nil {
		return err
	}
	data, err := json.Marshal(BatchFailure{
		JobID:      jobID,
		BatchIndex: index,
		Error:      errMsg,
		FailedAt:   s.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal batch failure: %w", err)
	}
	if err := s.blobs.Put(ctx, FailureKey(jobID, index), data, map[string]string{metaKind: "failure"}); err != nil {
		return fmt.Errorf("failed to save failure marker %s/%d: %w", jobID, index, err)
	}
	return nil
}

func (s *Store) jobLock(jobID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(jobID))
	return &s.advance[h.Sum32()%uint32(len(s.advance))]
}

// Advance recomputes job progress from stored objects and persists the
// resulting status. A missing status is created as PENDING. Terminal
// statuses are returned unchanged.
//
//	PENDING -> IN_PROGRESS        first batch accounted for
//	        -> COMPLETED          every batch accounted for, at least one succeeded
//	        -> FAILED             every batch accounted for, none succeeded
func (s *Store) Advance(ctx context.Context, jobID string) (*types.JobStatus, error) {
	mu := s.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	status, err := s.GetJobStatus(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		status = &types.JobStatus{JobID: jobID, Status: types.StatePending}
	} else if err != nil {
		return nil, err
	}
	if status.Status.IsTerminal() {
		return status, nil
	}

	batches, err := s.ListBatches(ctx, jobID)
	if err != nil {
		return nil, err
	}
	failures, err := s.listFailures(ctx, jobID)
	if err != nil {
		return nil, err
	}

	succeeded := make(map[int]bool, len(batches))
	for _, b := range batches {
		succeeded[b.Index] = true
	}
	failed := 0
	for _, f := range failures {
		if !succeeded[f.Index] {
			failed++
		}
	}
	done := len(succeeded) + failed

	status.Progress = map[string]any{
		"completedBatches": len(succeeded),
		"failedBatches":    failed,
		"totalBatches":     status.TotalBatches,
	}
	if status.Status == "" {
		status.Status = types.StatePending
	}
	if status.Status == types.StatePending && done > 0 {
		status.Status = types.StateInProgress
	}
	if status.TotalBatches > 0 && done >= status.TotalBatches {
		if len(succeeded) == 0 {
			status.Status = types.StateFailed
		} else {
			status.Status = types.StateCompleted
			status.PartialResults = failed > 0
		}
		s.log.Info("job finished", "job_id", jobID, "status", status.Status,
			"succeeded", len(succeeded), "failed", failed)
	}

	saved, err := s.putStatus(ctx, *status)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}
