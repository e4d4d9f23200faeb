package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/trove/internal/metrics"
)

// BatchItem is one document written by BatchSave.
type BatchItem struct {
	PartitionKey string         `json:"partitionKey"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
}

// BatchFailure records why one BatchSave item was not written.
type BatchFailure struct {
	Index int
	Item  BatchItem
	Err   error
}

// BatchError reports the items of a BatchSave that failed. Items not listed
// were written; nothing is rolled back.
type BatchError struct {
	Total    int
	Failures []BatchFailure
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "trove: batch save: %d of %d items failed", len(e.Failures), e.Total)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; [%d] %s: %v", f.Index, DocumentID(f.Item.PartitionKey, f.Item.Type), f.Err)
	}
	return b.String()
}

// Unwrap exposes every item error to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// BatchSave upserts every item concurrently, each with its own retry budget.
// It returns a *BatchError if any item failed.
func (s *Store) BatchSave(ctx context.Context, items []BatchItem) error {
	started := time.Now()
	errs := make([]error, len(items))

	var g errgroup.Group
	if s.config.BatchConcurrency > 0 {
		g.SetLimit(s.config.BatchConcurrency)
	}
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			errs[i] = s.finish("batch_save_item", time.Now(), s.put(ctx, item.PartitionKey, item.Type, item.Payload, ""))
			return nil
		})
	}
	_ = g.Wait()

	var batchErr *BatchError
	for i, err := range errs {
		if err == nil {
			continue
		}
		if batchErr == nil {
			batchErr = &BatchError{Total: len(items)}
		}
		batchErr.Failures = append(batchErr.Failures, BatchFailure{Index: i, Item: items[i], Err: err})
	}
	if batchErr != nil {
		s.logger.Warn("batch save partially failed",
			zap.Int("failed", len(batchErr.Failures)),
			zap.Int("total", len(items)))
		metrics.Operation("batch_save", metrics.OutcomeError, started)
		return batchErr
	}
	return s.finish("batch_save", started, nil)
}
