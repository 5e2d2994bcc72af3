package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/fleetbatch/internal/blob"
)

// CleanupJob deletes every object of a job and returns how many were removed.
func (s *Store) CleanupJob(ctx context.Context, jobID string) (int, error) {
	if err := validJobID(jobID); err != nil {
		return 0, err
	}
	objects, err := s.blobs.List(ctx, JobPrefix(jobID))
	if err != nil {
		return 0, fmt.Errorf("failed to list job %s: %w", jobID, err)
	}

	deleted := 0
	for _, obj := range objects {
		if err := s.delete(ctx, obj.Key); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info("job cleaned up", "job_id", jobID, "deleted", deleted)
	}
	return deleted, nil
}

// CleanupExpired sweeps every job object past its retention. Batch results
// expire at their recorded expiresAt; status objects and failure markers
// expire one retention period after their last write.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	objects, err := s.blobs.List(ctx, rootPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list results: %w", err)
	}

	now := s.clock.Now()
	deleted := 0
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if !now.Before(s.expiryOf(ctx, obj)) {
			if err := s.delete(ctx, obj.Key); err != nil {
				return deleted, err
			}
			deleted++
		}
	}

	s.metrics.RecordCleanup("results", deleted)
	s.log.Info("expired results swept", "deleted", deleted, "scanned", len(objects))
	return deleted, nil
}

func (s *Store) expiryOf(ctx context.Context, obj blob.ObjectInfo) time.Time {
	if _, isBatch := parseIndex(obj.Key, batchPrefix); isBatch {
		if raw, ok := obj.Metadata[metaExpiresAt]; ok {
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				return t
			}
		}
		// metadata lost, fall back to the body
		if result, err := s.getByKey(ctx, obj.Key); err == nil {
			return result.Metadata.ExpiresAt
		}
	}
	return obj.CreatedAt.Add(s.cfg.Retention)
}

func (s *Store) delete(ctx context.Context, key string) error {
	err := s.blobs.Delete(ctx, key)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
