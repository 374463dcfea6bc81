package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const tokenColumns = `
	id, user_id, device_token, platform, device_info, app_version,
	push_enabled, status, failed_count, last_active_time, last_failed_time,
	last_success_time, inactive_reason, created_at, updated_at`

// TokenRepository persists device tokens.
type TokenRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewTokenRepository creates a device token repository
func NewTokenRepository(db *DB, logger *zap.Logger) *TokenRepository {
	return &TokenRepository{
		db:     db,
		logger: logger,
	}
}

func scanToken(row pgx.Row) (*DeviceToken, error) {
	var t DeviceToken
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Token,
		&t.Platform,
		&t.DeviceInfo,
		&t.AppVersion,
		&t.PushEnabled,
		&t.Status,
		&t.FailedCount,
		&t.LastActiveTime,
		&t.LastFailedTime,
		&t.LastSuccessTime,
		&t.InactiveReason,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTokens(rows pgx.Rows) ([]*DeviceToken, error) {
	defer rows.Close()

	var tokens []*DeviceToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		tokens = append(tokens, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return tokens, nil
}

// UpsertToken inserts the token or, when the raw value is already known,
// hands it to the new owner and resets its health. t is refreshed from the
// stored row.
func (r *TokenRepository) UpsertToken(ctx context.Context, t *DeviceToken) error {
	query := `
		INSERT INTO device_tokens (
			id, user_id, device_token, platform, device_info, app_version,
			push_enabled, status, failed_count, last_active_time, last_success_time
		) VALUES ($1, $2, $3, $4, $5, $6, TRUE, 1, 0, $7, $7)
		ON CONFLICT (device_token) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			platform = EXCLUDED.platform,
			device_info = EXCLUDED.device_info,
			app_version = EXCLUDED.app_version,
			push_enabled = TRUE,
			status = 1,
			failed_count = 0,
			last_active_time = EXCLUDED.last_active_time,
			last_success_time = EXCLUDED.last_success_time,
			inactive_reason = NULL,
			updated_at = NOW()
		RETURNING ` + tokenColumns

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now()

	stored, err := scanToken(r.db.Pool().QueryRow(ctx, query,
		t.ID,
		t.UserID,
		t.Token,
		t.Platform,
		t.DeviceInfo,
		t.AppVersion,
		now,
	))
	if err != nil {
		r.logger.Error("failed to upsert device token",
			zap.Error(err),
			zap.String("user_id", t.UserID.String()),
		)
		return fmt.Errorf("upsert device token: %w", err)
	}

	*t = *stored
	return nil
}

// GetToken looks a token up by its raw value.
func (r *TokenRepository) GetToken(ctx context.Context, token string) (*DeviceToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM device_tokens WHERE device_token = $1`

	t, err := scanToken(r.db.Pool().QueryRow(ctx, query, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("device token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query device token: %w", err)
	}
	return t, nil
}

// GetTokenByID looks a token up by row id.
func (r *TokenRepository) GetTokenByID(ctx context.Context, id uuid.UUID) (*DeviceToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM device_tokens WHERE id = $1`

	t, err := scanToken(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("device token %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query device token: %w", err)
	}
	return t, nil
}

// MutateToken locks the row for token, lets fn modify it and writes the
// result back when fn reports a change. The updated token is returned.
func (r *TokenRepository) MutateToken(ctx context.Context, token string, fn func(*DeviceToken) bool) (*DeviceToken, error) {
	var result *DeviceToken

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		t, err := scanToken(tx.QueryRow(ctx,
			`SELECT `+tokenColumns+` FROM device_tokens WHERE device_token = $1 FOR UPDATE`, token))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("device token: %w", ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock device token: %w", err)
		}

		result = t
		if !fn(t) {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE device_tokens
			SET push_enabled = $2, status = $3, failed_count = $4,
				last_active_time = $5, last_failed_time = $6, last_success_time = $7,
				inactive_reason = $8, updated_at = NOW()
			WHERE id = $1`,
			t.ID,
			t.PushEnabled,
			t.Status,
			t.FailedCount,
			t.LastActiveTime,
			t.LastFailedTime,
			t.LastSuccessTime,
			t.InactiveReason,
		)
		if err != nil {
			return fmt.Errorf("update device token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ListActiveTokens returns the enabled tokens of the given users.
func (r *TokenRepository) ListActiveTokens(ctx context.Context, userIDs []uuid.UUID) ([]*DeviceToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + tokenColumns + `
		FROM device_tokens
		WHERE user_id = ANY($1) AND status = 1
		ORDER BY user_id, created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("query active tokens: %w", err)
	}
	return collectTokens(rows)
}

// ListTokensByUser returns every token a user owns, newest first.
func (r *TokenRepository) ListTokensByUser(ctx context.Context, userID uuid.UUID) ([]*DeviceToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM device_tokens
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query user tokens: %w", err)
	}
	return collectTokens(rows)
}

// DeactivateFailedTokens disables every enabled token at or above threshold.
func (r *TokenRepository) DeactivateFailedTokens(ctx context.Context, threshold int, reason string) (int64, error) {
	query := `
		UPDATE device_tokens
		SET status = 0, inactive_reason = $2, updated_at = NOW()
		WHERE status = 1 AND failed_count >= $1
	`

	result, err := r.db.Pool().Exec(ctx, query, threshold, reason)
	if err != nil {
		return 0, fmt.Errorf("deactivate failed tokens: %w", err)
	}

	if n := result.RowsAffected(); n > 0 {
		r.logger.Info("failed device tokens deactivated",
			zap.Int64("count", n),
			zap.Int("threshold", threshold),
		)
	}
	return result.RowsAffected(), nil
}

// DeleteInactiveTokens removes tokens with no activity since before.
func (r *TokenRepository) DeleteInactiveTokens(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM device_tokens
		WHERE COALESCE(last_active_time, updated_at) < $1
	`

	result, err := r.db.Pool().Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete inactive tokens: %w", err)
	}

	if n := result.RowsAffected(); n > 0 {
		r.logger.Info("inactive device tokens removed",
			zap.Int64("count", n),
			zap.Time("before", before),
		)
	}
	return result.RowsAffected(), nil
}
