package results

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

// AggregateResults merges every batch of a job into one result.
//
// Batch objects are fetched concurrently. Missing, expired or unreadable
// batches are counted as failed instead of failing the call, so a partially
// complete job still yields its partial rows. The total is the largest of
// the highest listed index + 1 (results and dead-letter markers) and the
// TotalBatches recorded in the job status.
func (s *Store) AggregateResults(ctx context.Context, jobID string) (*types.AggregateResult, error) {
	batches, err := s.ListBatches(ctx, jobID)
	if err != nil {
		return nil, err
	}
	failures, err := s.listFailures(ctx, jobID)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, b := range batches {
		total = max(total, b.Index+1)
	}
	for _, f := range failures {
		total = max(total, f.Index+1)
	}

	status, err := s.GetJobStatus(ctx, jobID)
	switch {
	case err == nil:
		total = max(total, status.TotalBatches)
	case errors.Is(err, ErrNotFound):
		if len(batches) == 0 && len(failures) == 0 {
			return nil, ErrNotFound
		}
	default:
		s.log.Warn("ignoring unreadable job status during aggregation", "job_id", jobID, "error", err)
	}

	fetched := make([]*types.BatchResult, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchConcurrency)
	for i, b := range batches {
		g.Go(func() error {
			result, err := s.getByKey(gctx, b.Key)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.log.Warn("counting unreadable batch as failed",
					"job_id", jobID, "batch_index", b.Index, "error", err)
				return nil
			}
			fetched[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	agg := &types.AggregateResult{JobID: jobID, Rows: []types.Row{}}
	for _, result := range fetched {
		if result == nil {
			continue
		}
		agg.Rows = append(agg.Rows, result.Rows...)
		agg.Summary.SuccessfulBatches++
	}
	agg.Summary.TotalBatches = total
	agg.Summary.FailedBatches = total - agg.Summary.SuccessfulBatches
	return agg, nil
}
