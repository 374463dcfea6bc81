// Package registry owns device tokens and their health: registration,
// success and failure accounting, and disabling tokens the gateway will
// never deliver to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/familypush/internal/db"
	"github.com/lalithlochan/familypush/internal/expo"
	"github.com/lalithlochan/familypush/internal/metrics"
)

// Store is the persistence the registry needs. *db.TokenRepository
// implements it.
type Store interface {
	UpsertToken(ctx context.Context, t *db.DeviceToken) error
	GetToken(ctx context.Context, token string) (*db.DeviceToken, error)
	GetTokenByID(ctx context.Context, id uuid.UUID) (*db.DeviceToken, error)
	MutateToken(ctx context.Context, token string, fn func(*db.DeviceToken) bool) (*db.DeviceToken, error)
	ListActiveTokens(ctx context.Context, userIDs []uuid.UUID) ([]*db.DeviceToken, error)
	ListTokensByUser(ctx context.Context, userID uuid.UUID) ([]*db.DeviceToken, error)
	DeactivateFailedTokens(ctx context.Context, threshold int, reason string) (int64, error)
	DeleteInactiveTokens(ctx context.Context, before time.Time) (int64, error)
}

// Notifier is told when a token is disabled. Delivery is best effort.
type Notifier interface {
	NotifyTokenDisabled(ctx context.Context, t *db.DeviceToken) error
}

// ErrInvalidInput is returned for registrations missing required fields.
var ErrInvalidInput = errors.New("invalid device registration")

// RegisterInput describes a device announcing its push token.
type RegisterInput struct {
	UserID     uuid.UUID `json:"user_id"`
	Token      string    `json:"device_token"`
	Platform   string    `json:"platform"`
	DeviceInfo string    `json:"device_info,omitempty"`
	AppVersion string    `json:"app_version,omitempty"`
}

// Registry implements the device token lifecycle.
type Registry struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithNotifier publishes disable transitions to n.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry.
func New(store Store, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register upserts a token by raw value. A token already known, even one
// owned by another user or disabled, is handed to the caller and reset to a
// healthy Enabled state.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*db.DeviceToken, error) {
	if in.UserID == uuid.Nil || strings.TrimSpace(in.Token) == "" || in.Platform == "" {
		return nil, fmt.Errorf("%w: user, token and platform are required", ErrInvalidInput)
	}

	t := &db.DeviceToken{
		UserID:     in.UserID,
		Token:      strings.TrimSpace(in.Token),
		Platform:   in.Platform,
		DeviceInfo: in.DeviceInfo,
		AppVersion: in.AppVersion,
	}
	if err := r.store.UpsertToken(ctx, t); err != nil {
		return nil, err
	}

	r.logger.Info("device token registered",
		zap.String("user_id", in.UserID.String()),
		zap.String("platform", in.Platform),
		zap.String("token", expo.MaskToken(t.Token)),
	)
	return t, nil
}

// ActiveTokensFor returns the Enabled tokens of userIDs.
func (r *Registry) ActiveTokensFor(ctx context.Context, userIDs ...uuid.UUID) ([]*db.DeviceToken, error) {
	return r.store.ListActiveTokens(ctx, userIDs)
}

// ListForUser returns the caller's Enabled tokens.
func (r *Registry) ListForUser(ctx context.Context, userID uuid.UUID) ([]*db.DeviceToken, error) {
	return r.store.ListActiveTokens(ctx, []uuid.UUID{userID})
}

// RecordSuccess clears the failure streak. Status is left alone.
func (r *Registry) RecordSuccess(ctx context.Context, token string) (bool, error) {
	now := r.now()
	_, err := r.store.MutateToken(ctx, token, func(t *db.DeviceToken) bool {
		return applySuccess(t, now)
	})
	return r.found(err)
}

// RecordFailure extends the failure streak and disables the token once it
// reaches FailureThreshold.
func (r *Registry) RecordFailure(ctx context.Context, token string) (bool, error) {
	now := r.now()
	disabled := false
	t, err := r.store.MutateToken(ctx, token, func(t *db.DeviceToken) bool {
		disabled = applyFailure(t, now)
		return true
	})
	if ok, err := r.found(err); !ok {
		return false, err
	}

	if disabled {
		r.logger.Warn("device token disabled after repeated failures",
			zap.String("token", expo.MaskToken(token)),
			zap.Int("failed_count", t.FailedCount),
		)
		metrics.RecordTokenDisabled("too_many_failures")
		r.notify(ctx, t)
	}
	return true, nil
}

// Disable marks the token Disabled with reason, whatever its state.
func (r *Registry) Disable(ctx context.Context, token, reason string) (bool, error) {
	wasEnabled := false
	t, err := r.store.MutateToken(ctx, token, func(t *db.DeviceToken) bool {
		wasEnabled = t.Status == db.TokenEnabled
		applyDisable(t, reason)
		return true
	})
	if ok, err := r.found(err); !ok {
		return false, err
	}

	r.logger.Info("device token disabled",
		zap.String("token", expo.MaskToken(token)),
		zap.String("reason", reason),
	)
	if wasEnabled {
		metrics.RecordTokenDisabled(reasonClass(reason))
		r.notify(ctx, t)
	}
	return true, nil
}

// IsValid reports whether token may be pushed to. Unknown tokens are not
// valid.
func (r *Registry) IsValid(ctx context.Context, token string) (bool, error) {
	t, err := r.store.GetToken(ctx, token)
	if ok, err := r.found(err); !ok {
		return false, err
	}
	return isValid(t), nil
}

// Heartbeat refreshes the token's last activity.
func (r *Registry) Heartbeat(ctx context.Context, token string) (bool, error) {
	now := r.now()
	_, err := r.store.MutateToken(ctx, token, func(t *db.DeviceToken) bool {
		applyHeartbeat(t, now)
		return true
	})
	return r.found(err)
}

// Remove disables one of userID's tokens by row id. Tokens owned by
// someone else are reported as not found.
func (r *Registry) Remove(ctx context.Context, userID, tokenID uuid.UUID) (bool, error) {
	t, err := r.store.GetTokenByID(ctx, tokenID)
	if ok, err := r.found(err); !ok {
		return false, err
	}
	if t.UserID != userID {
		return false, nil
	}
	return r.Disable(ctx, t.Token, ReasonRemovedByUser)
}

// TokenStatus is the health view of one token returned to its owner.
type TokenStatus struct {
	Valid           bool       `json:"valid"`
	Platform        string     `json:"platform"`
	FailedCount     int        `json:"failed_count"`
	LastActiveTime  *time.Time `json:"last_active_time,omitempty"`
	LastSuccessTime *time.Time `json:"last_success_time,omitempty"`
	LastFailedTime  *time.Time `json:"last_failed_time,omitempty"`
	InactiveReason  *string    `json:"inactive_reason,omitempty"`
}

// Status returns the health of token. Unknown tokens and tokens of other
// users yield a nil status.
func (r *Registry) Status(ctx context.Context, userID uuid.UUID, token string) (*TokenStatus, error) {
	t, err := r.store.GetToken(ctx, token)
	if ok, err := r.found(err); !ok {
		return nil, err
	}
	if t.UserID != userID {
		return nil, nil
	}

	return &TokenStatus{
		Valid:           isValid(t),
		Platform:        t.Platform,
		FailedCount:     t.FailedCount,
		LastActiveTime:  t.LastActiveTime,
		LastSuccessTime: t.LastSuccessTime,
		LastFailedTime:  t.LastFailedTime,
		InactiveReason:  t.InactiveReason,
	}, nil
}

// DeviceStats summarizes a user's tokens.
type DeviceStats struct {
	Active     int            `json:"active"`
	Total      int            `json:"total"`
	Failed     int            `json:"failed"`
	ByPlatform map[string]int `json:"by_platform"`
}

// Stats counts userID's tokens. Per-platform counts cover Enabled tokens.
func (r *Registry) Stats(ctx context.Context, userID uuid.UUID) (*DeviceStats, error) {
	tokens, err := r.store.ListTokensByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	s := &DeviceStats{Total: len(tokens), ByPlatform: make(map[string]int)}
	for _, t := range tokens {
		if t.Status == db.TokenEnabled {
			s.Active++
			s.ByPlatform[t.Platform]++
		}
		if t.FailedCount >= FailureThreshold {
			s.Failed++
		}
	}
	return s, nil
}

// DeactivateFailed disables every Enabled token at or over the threshold.
func (r *Registry) DeactivateFailed(ctx context.Context) (int64, error) {
	n, err := r.store.DeactivateFailedTokens(ctx, FailureThreshold, ReasonTooManyFailures)
	if err != nil {
		return 0, err
	}
	for i := int64(0); i < n; i++ {
		metrics.RecordTokenDisabled("too_many_failures")
	}
	return n, nil
}

// CleanupInactive deletes tokens idle for longer than retention.
func (r *Registry) CleanupInactive(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", retention)
	}
	return r.store.DeleteInactiveTokens(ctx, r.now().Add(-retention))
}

func (r *Registry) found(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (r *Registry) notify(ctx context.Context, t *db.DeviceToken) {
	if r.notifier == nil || t == nil {
		return
	}
	if err := r.notifier.NotifyTokenDisabled(ctx, t); err != nil {
		r.logger.Warn("failed to publish token event",
			zap.String("token_id", t.ID.String()),
			zap.Error(err),
		)
	}
}

func reasonClass(reason string) string {
	switch {
	case reason == ReasonTooManyFailures:
		return "too_many_failures"
	case reason == ReasonRemovedByUser:
		return "removed"
	case strings.HasPrefix(reason, reasonInvalidPrefix):
		return "invalid"
	default:
		return "other"
	}
}
