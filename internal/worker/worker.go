package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/familypush/internal/dispatch"
	"github.com/lalithlochan/familypush/internal/redis"
)

const (
	retryLockName       = "retry-sweep"
	maintenanceLockName = "token-maintenance"
)

// ErrSweepInProgress is returned by Worker.RetryFailed while another
// sweep holds the retry lock.
var ErrSweepInProgress = errors.New("retry sweep already in progress")

// Retrier re-dispatches failed records. *Coordinator implements it.
type Retrier interface {
	RetryFailed(ctx context.Context, maxRetry int) (dispatch.Summary, error)
}

// TokenMaintainer runs device-token housekeeping. *registry.Registry
// implements it.
type TokenMaintainer interface {
	DeactivateFailed(ctx context.Context) (int64, error)
	CleanupInactive(ctx context.Context, retention time.Duration) (int64, error)
}

// Locker hands out cluster-wide locks. *redis.Locker implements it.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (*redis.Lock, error)
}

// Worker periodically retries failed pushes and maintains device tokens.
type Worker struct {
	retrier Retrier
	tokens  TokenMaintainer
	locker  Locker
	config  Config
	logger  *zap.Logger

	lastMaintenance time.Time
	now             func() time.Time
}

// Config tunes the periodic loops.
type Config struct {
	RetryInterval       time.Duration
	MaxRetries          int
	MaintenanceInterval time.Duration
	TokenRetention      time.Duration
	LockTTL             time.Duration
}

// New creates a Worker. locker may be nil, in which case every replica
// sweeps on its own schedule.
func New(retrier Retrier, tokens TokenMaintainer, locker Locker, cfg Config, logger *zap.Logger) *Worker {
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 5 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaintenanceInterval == 0 {
		cfg.MaintenanceInterval = 24 * time.Hour
	}
	if cfg.TokenRetention == 0 {
		cfg.TokenRetention = 90 * 24 * time.Hour
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 2 * time.Minute
	}

	return &Worker{
		retrier: retrier,
		tokens:  tokens,
		locker:  locker,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Start runs until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one retry sweep and, when due, the token maintenance.
func (w *Worker) Tick(ctx context.Context) {
	w.withLock(ctx, retryLockName, w.sweep)

	if w.now().Sub(w.lastMaintenance) >= w.config.MaintenanceInterval {
		w.withLock(ctx, maintenanceLockName, w.maintain)
		w.lastMaintenance = w.now()
	}
}

// RetryFailed runs an on-demand retry under the same lock as the periodic
// sweep, so callers outside the loop cannot race it.
func (w *Worker) RetryFailed(ctx context.Context, maxRetry int) (dispatch.Summary, error) {
	var (
		summary dispatch.Summary
		err     error
	)
	ran := w.withLock(ctx, retryLockName, func(ctx context.Context) {
		summary, err = w.retrier.RetryFailed(ctx, maxRetry)
	})
	if !ran {
		return dispatch.Summary{}, ErrSweepInProgress
	}
	return summary, err
}

func (w *Worker) sweep(ctx context.Context) {
	summary, err := w.retrier.RetryFailed(ctx, w.config.MaxRetries)
	if err != nil {
		w.logger.Error("retry sweep failed", zap.Error(err))
		return
	}
	if summary.Total > 0 {
		w.logger.Info("retry sweep finished",
			zap.Int("records", summary.Total),
			zap.Int("succeeded", summary.Succeeded),
		)
	}
}

func (w *Worker) maintain(ctx context.Context) {
	disabled, err := w.tokens.DeactivateFailed(ctx)
	if err != nil {
		w.logger.Error("failed to deactivate failing tokens", zap.Error(err))
	}

	purged, err := w.tokens.CleanupInactive(ctx, w.config.TokenRetention)
	if err != nil {
		w.logger.Error("failed to purge inactive tokens", zap.Error(err))
	}

	w.logger.Info("token maintenance finished",
		zap.Int64("disabled", disabled),
		zap.Int64("purged", purged),
	)
}

// withLock runs fn while holding name. When another replica holds the
// lock fn is skipped and withLock reports false.
func (w *Worker) withLock(ctx context.Context, name string, fn func(context.Context)) bool {
	if w.locker == nil {
		fn(ctx)
		return true
	}

	lock, err := w.locker.TryLock(ctx, name, w.config.LockTTL)
	if err != nil {
		w.logger.Warn("lock unavailable, running unguarded",
			zap.String("lock", name),
			zap.Error(err),
		)
		fn(ctx)
		return true
	}
	if lock == nil {
		w.logger.Debug("lock held elsewhere, skipping", zap.String("lock", name))
		return false
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			w.logger.Warn("failed to release lock", zap.String("lock", name), zap.Error(err))
		}
	}()

	fn(ctx)
	return true
}
