package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/familypush/internal/db"
	"github.com/lalithlochan/familypush/internal/dispatch"
	"github.com/lalithlochan/familypush/internal/metrics"
)

// DefaultRetryLimit caps how many records one sweep re-dispatches.
const DefaultRetryLimit = 500

// RetrySource lists records eligible for another attempt and claims them.
// *ledger.Ledger implements it.
type RetrySource interface {
	FailedForRetry(ctx context.Context, maxRetry, limit int) ([]*db.PushRecord, error)
	ClaimRetry(ctx context.Context, records []*db.PushRecord, maxRetry int) ([]*db.PushRecord, error)
}

// Dispatcher sends records. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, records []*db.PushRecord) (dispatch.Summary, error)
}

// Coordinator re-dispatches Failed records that still have retries left.
type Coordinator struct {
	records    RetrySource
	dispatcher Dispatcher
	limit      int
	logger     *zap.Logger
}

// NewCoordinator creates a Coordinator. limit <= 0 uses DefaultRetryLimit.
func NewCoordinator(records RetrySource, dispatcher Dispatcher, limit int, logger *zap.Logger) *Coordinator {
	if limit <= 0 {
		limit = DefaultRetryLimit
	}
	return &Coordinator{
		records:    records,
		dispatcher: dispatcher,
		limit:      limit,
		logger:     logger,
	}
}

// RetryFailed re-sends Failed records whose retry count is below
// maxRetry. Records rejected by the local token check are never picked.
// Each record is claimed, bumping its retry count, before it is sent
// again; records a concurrent sweep claimed first are skipped.
func (c *Coordinator) RetryFailed(ctx context.Context, maxRetry int) (dispatch.Summary, error) {
	if maxRetry <= 0 {
		return dispatch.Summary{}, nil
	}

	listed, err := c.records.FailedForRetry(ctx, maxRetry, c.limit)
	if err != nil {
		return dispatch.Summary{}, fmt.Errorf("list failed records: %w", err)
	}
	if len(listed) == 0 {
		c.logger.Debug("no records eligible for retry")
		return dispatch.Summary{}, nil
	}

	records, err := c.records.ClaimRetry(ctx, listed, maxRetry)
	if err != nil {
		return dispatch.Summary{}, fmt.Errorf("claim records for retry: %w", err)
	}
	if skipped := len(listed) - len(records); skipped > 0 {
		c.logger.Info("records claimed by another sweep", zap.Int("skipped", skipped))
	}
	if len(records) == 0 {
		return dispatch.Summary{}, nil
	}

	metrics.RecordRetries(len(records))

	summary, err := c.dispatcher.Dispatch(ctx, records)
	c.logger.Info("retried failed records",
		zap.Int("records", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("max_retry", maxRetry),
	)
	if err != nil {
		return summary, fmt.Errorf("store retry outcomes: %w", err)
	}
	return summary, nil
}
