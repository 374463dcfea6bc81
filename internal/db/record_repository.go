package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var recordColumns = []string{
	"id", "template_id", "title", "content", "icon", "sender_id", "receiver_id",
	"family_id", "type", "priority", "is_one_click", "sent_time",
	"device_token_id", "device_token", "platform", "push_status", "push_time",
	"push_response", "error_code", "error_message", "retry_count", "is_read",
	"read_time", "created_at", "updated_at",
}

// RecordRepository persists push records.
type RecordRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRecordRepository creates a push record repository
func NewRecordRepository(db *DB, logger *zap.Logger) *RecordRepository {
	return &RecordRepository{
		db:     db,
		logger: logger,
	}
}

func scanRecord(row pgx.Row) (*PushRecord, error) {
	var rec PushRecord
	err := row.Scan(
		&rec.ID,
		&rec.TemplateID,
		&rec.Title,
		&rec.Content,
		&rec.Icon,
		&rec.SenderID,
		&rec.ReceiverID,
		&rec.FamilyID,
		&rec.Type,
		&rec.Priority,
		&rec.IsOneClick,
		&rec.SentTime,
		&rec.DeviceTokenID,
		&rec.DeviceToken,
		&rec.Platform,
		&rec.PushStatus,
		&rec.PushTime,
		&rec.PushResponse,
		&rec.ErrorCode,
		&rec.ErrorMessage,
		&rec.RetryCount,
		&rec.IsRead,
		&rec.ReadTime,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RecordRepository) queryRecords(ctx context.Context, b sq.SelectBuilder) ([]*PushRecord, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build record query: %w", err)
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query push records: %w", err)
	}
	defer rows.Close()

	var records []*PushRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan push record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

func (r *RecordRepository) count(ctx context.Context, b sq.SelectBuilder) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}

	var n int64
	if err := r.db.Pool().QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count push records: %w", err)
	}
	return n, nil
}

// InsertRecords writes all records in one transaction using COPY, so either
// every record of a send becomes visible or none does.
func (r *RecordRepository) InsertRecords(ctx context.Context, records []*PushRecord) error {
	if len(records) == 0 {
		return nil
	}

	now := time.Now()
	rows := make([][]any, len(records))
	for i, rec := range records {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		rec.CreatedAt = now
		rec.UpdatedAt = now
		rows[i] = []any{
			rec.ID, rec.TemplateID, rec.Title, rec.Content, rec.Icon,
			rec.SenderID, rec.ReceiverID, rec.FamilyID, rec.Type, rec.Priority,
			rec.IsOneClick, rec.SentTime, rec.DeviceTokenID, rec.DeviceToken,
			rec.Platform, rec.PushStatus, rec.PushTime, rec.PushResponse,
			rec.ErrorCode, rec.ErrorMessage, rec.RetryCount, rec.IsRead,
			rec.ReadTime, rec.CreatedAt, rec.UpdatedAt,
		}
	}

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"push_records"}, recordColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy push records: %w", err)
		}
		if int(n) != len(records) {
			return fmt.Errorf("copy push records: wrote %d of %d rows", n, len(records))
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to insert push records",
			zap.Error(err),
			zap.Int("count", len(records)),
		)
		return err
	}

	r.logger.Debug("push records created", zap.Int("count", len(records)))
	return nil
}

// GetRecord retrieves a push record by ID
func (r *RecordRepository) GetRecord(ctx context.Context, id uuid.UUID) (*PushRecord, error) {
	query, args, err := psql.Select(recordColumns...).From("push_records").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build record query: %w", err)
	}

	rec, err := scanRecord(r.db.Pool().QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("push record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query push record: %w", err)
	}
	return rec, nil
}

// MarkRead flips an unread record to read. It reports false when the record
// was already read, which leaves the first read_time in place.
func (r *RecordRepository) MarkRead(ctx context.Context, id uuid.UUID, readAt time.Time) (bool, error) {
	query := `
		UPDATE push_records
		SET is_read = TRUE, read_time = $2, updated_at = NOW()
		WHERE id = $1 AND is_read = FALSE
	`

	result, err := r.db.Pool().Exec(ctx, query, id, readAt)
	if err != nil {
		return false, fmt.Errorf("mark record read: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// UpdatePushStatus overwrites the delivery outcome of a record.
func (r *RecordRepository) UpdatePushStatus(ctx context.Context, id uuid.UUID, upd StatusUpdate) error {
	query := `
		UPDATE push_records
		SET push_status = $2, push_time = $3, push_response = $4,
			error_code = $5, error_message = $6,
			sent_time = COALESCE(sent_time, $3), updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, upd.Status, time.Now(), upd.Response, upd.ErrorCode, upd.ErrorMessage)
	if err != nil {
		r.logger.Error("failed to update push status",
			zap.Error(err),
			zap.String("record_id", id.String()),
		)
		return fmt.Errorf("update push status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("push record %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountUnread counts unread records addressed to userID.
func (r *RecordRepository) CountUnread(ctx context.Context, userID uuid.UUID, familyID *uuid.UUID) (int, error) {
	b := psql.Select("COUNT(*)").From("push_records").
		Where(sq.Eq{"receiver_id": userID, "is_read": false})
	if familyID != nil {
		b = b.Where(sq.Eq{"family_id": *familyID})
	}

	n, err := r.count(ctx, b)
	return int(n), err
}

// ListForReceiver returns the newest records addressed to userID.
func (r *RecordRepository) ListForReceiver(ctx context.Context, userID uuid.UUID, familyID *uuid.UUID, isRead *bool, limit int) ([]*PushRecord, error) {
	b := psql.Select(recordColumns...).From("push_records").
		Where(sq.Eq{"receiver_id": userID}).
		OrderBy("created_at DESC")
	if familyID != nil {
		b = b.Where(sq.Eq{"family_id": *familyID})
	}
	if isRead != nil {
		b = b.Where(sq.Eq{"is_read": *isRead})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}

	return r.queryRecords(ctx, b)
}

// QueryRecords returns one page of records matching q and the total match count.
func (r *RecordRepository) QueryRecords(ctx context.Context, q RecordQuery) ([]*PushRecord, int64, error) {
	where := sq.And{}
	if q.TemplateID != nil {
		where = append(where, sq.Eq{"template_id": *q.TemplateID})
	}
	if q.SenderID != nil {
		where = append(where, sq.Eq{"sender_id": *q.SenderID})
	}
	if q.ReceiverID != nil {
		where = append(where, sq.Eq{"receiver_id": *q.ReceiverID})
	}
	if q.FamilyID != nil {
		where = append(where, sq.Eq{"family_id": *q.FamilyID})
	}
	if q.PushStatus != nil {
		where = append(where, sq.Eq{"push_status": *q.PushStatus})
	}
	if q.IsRead != nil {
		where = append(where, sq.Eq{"is_read": *q.IsRead})
	}
	if q.CreatedAfter != nil {
		where = append(where, sq.GtOrEq{"created_at": *q.CreatedAfter})
	}
	if q.CreatedBefore != nil {
		where = append(where, sq.Lt{"created_at": *q.CreatedBefore})
	}

	total, err := r.count(ctx, psql.Select("COUNT(*)").From("push_records").Where(where))
	if err != nil {
		return nil, 0, err
	}

	b := psql.Select(recordColumns...).From("push_records").
		Where(where).
		OrderBy("created_at DESC").
		Limit(uint64(q.Limit)).
		Offset(uint64(q.Offset))

	records, err := r.queryRecords(ctx, b)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// ListFailedForRetry returns failed records still under maxRetry attempts,
// oldest first, skipping records whose error code is in skipCodes.
func (r *RecordRepository) ListFailedForRetry(ctx context.Context, maxRetry, limit int, skipCodes []string) ([]*PushRecord, error) {
	b := psql.Select(recordColumns...).From("push_records").
		Where(sq.Eq{"push_status": PushFailed}).
		Where(sq.Lt{"retry_count": maxRetry}).
		OrderBy("created_at ASC")
	if len(skipCodes) > 0 {
		b = b.Where(sq.Or{sq.Eq{"error_code": nil}, sq.NotEq{"error_code": skipCodes}})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}

	return r.queryRecords(ctx, b)
}

// ClaimForRetry takes one more attempt on each listed record. A record is
// claimed only while it is still Failed, below maxRetry and at the retry
// count it was listed with, so concurrent sweeps never claim the same
// attempt twice. It returns the ids that were claimed.
func (r *RecordRepository) ClaimForRetry(ctx context.Context, records []*PushRecord, maxRetry int) ([]uuid.UUID, error) {
	if len(records) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(records))
	seen := make([]int32, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		seen[i] = int32(rec.RetryCount)
	}

	query := `
		UPDATE push_records AS p
		SET retry_count = p.retry_count + 1, updated_at = NOW()
		FROM unnest($1::uuid[], $2::int[]) AS c(id, seen)
		WHERE p.id = c.id
		  AND p.retry_count = c.seen
		  AND p.push_status = $3
		  AND p.retry_count < $4
		RETURNING p.id
	`

	rows, err := r.db.Pool().Query(ctx, query, ids, seen, int16(PushFailed), maxRetry)
	if err != nil {
		return nil, fmt.Errorf("claim records for retry: %w", err)
	}
	claimed, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("claim records for retry: %w", err)
	}
	return claimed, nil
}

// TemplateCounts aggregates the records sent from one template.
func (r *RecordRepository) TemplateCounts(ctx context.Context, templateID uuid.UUID) (TemplateCounts, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_read),
			COUNT(*) FILTER (WHERE push_status = 1)
		FROM push_records
		WHERE template_id = $1
	`

	var c TemplateCounts
	if err := r.db.Pool().QueryRow(ctx, query, templateID).Scan(&c.Total, &c.Read, &c.Success); err != nil {
		return TemplateCounts{}, fmt.Errorf("template counts: %w", err)
	}
	return c, nil
}
