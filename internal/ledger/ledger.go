// Package ledger records every push attempt: one row per receiver device,
// its delivery outcome and whether the receiver has read it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/familypush/internal/db"
	"github.com/lalithlochan/familypush/internal/expo"
)

var (
	// ErrPermissionDenied is returned when the caller may not see or change a record.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidNotification is returned for notifications missing a title,
	// content or family, or with an out-of-range type or priority.
	ErrInvalidNotification = errors.New("invalid notification")
)

// Store is the record persistence the ledger needs. *db.RecordRepository
// implements it.
type Store interface {
	InsertRecords(ctx context.Context, records []*db.PushRecord) error
	GetRecord(ctx context.Context, id uuid.UUID) (*db.PushRecord, error)
	MarkRead(ctx context.Context, id uuid.UUID, readAt time.Time) (bool, error)
	UpdatePushStatus(ctx context.Context, id uuid.UUID, upd db.StatusUpdate) error
	CountUnread(ctx context.Context, userID uuid.UUID, familyID *uuid.UUID) (int, error)
	ListForReceiver(ctx context.Context, userID uuid.UUID, familyID *uuid.UUID, isRead *bool, limit int) ([]*db.PushRecord, error)
	QueryRecords(ctx context.Context, q db.RecordQuery) ([]*db.PushRecord, int64, error)
	ListFailedForRetry(ctx context.Context, maxRetry, limit int, skipCodes []string) ([]*db.PushRecord, error)
	ClaimForRetry(ctx context.Context, records []*db.PushRecord, maxRetry int) ([]uuid.UUID, error)
	TemplateCounts(ctx context.Context, templateID uuid.UUID) (db.TemplateCounts, error)
}

// TokenSource lists the Enabled tokens of a set of users.
type TokenSource interface {
	ActiveTokensFor(ctx context.Context, userIDs ...uuid.UUID) ([]*db.DeviceToken, error)
}

// AdminChecker reports family administrators.
type AdminChecker interface {
	IsAdmin(ctx context.Context, familyID, userID uuid.UUID) (bool, error)
}

// Notification is the content shared by every record of one send.
type Notification struct {
	TemplateID *uuid.UUID
	FamilyID   uuid.UUID
	Title      string
	Content    string
	Icon       string
	Type       int
	Priority   int
	IsOneClick bool
}

func (n *Notification) normalize() error {
	n.Title = strings.TrimSpace(n.Title)
	n.Content = strings.TrimSpace(n.Content)
	if n.FamilyID == uuid.Nil || n.Title == "" || n.Content == "" {
		return fmt.Errorf("%w: family, title and content are required", ErrInvalidNotification)
	}
	if n.Type == 0 {
		n.Type = db.TypeUser
	}
	if n.Priority == 0 {
		n.Priority = db.PriorityNormal
	}
	if n.Type < db.TypeSystem || n.Type > db.TypeUrgent {
		return fmt.Errorf("%w: type %d", ErrInvalidNotification, n.Type)
	}
	if n.Priority < db.PriorityLow || n.Priority > db.PriorityHigh {
		return fmt.Errorf("%w: priority %d", ErrInvalidNotification, n.Priority)
	}
	return nil
}

// Ledger is the push record service.
type Ledger struct {
	store  Store
	tokens TokenSource
	admins AdminChecker
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Ledger.
func New(store Store, tokens TokenSource, admins AdminChecker, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		tokens: tokens,
		admins: admins,
		logger: logger,
		now:    time.Now,
	}
}

// CreateRecords creates one Pending record per (receiver, Enabled token)
// pair, grouped by receiver in receiverIDs order. Receivers without tokens
// are skipped. All records are written atomically.
func (l *Ledger) CreateRecords(ctx context.Context, n Notification, senderID uuid.UUID, receiverIDs []uuid.UUID) ([]*db.PushRecord, error) {
	if err := n.normalize(); err != nil {
		return nil, err
	}
	if len(receiverIDs) == 0 {
		return nil, nil
	}

	tokens, err := l.tokens.ActiveTokensFor(ctx, receiverIDs...)
	if err != nil {
		return nil, fmt.Errorf("load receiver tokens: %w", err)
	}

	byUser := make(map[uuid.UUID][]*db.DeviceToken, len(receiverIDs))
	for _, t := range tokens {
		byUser[t.UserID] = append(byUser[t.UserID], t)
	}

	records := make([]*db.PushRecord, 0, len(tokens))
	seen := make(map[uuid.UUID]bool, len(receiverIDs))
	for _, receiver := range receiverIDs {
		if seen[receiver] {
			continue
		}
		seen[receiver] = true

		for _, t := range byUser[receiver] {
			records = append(records, &db.PushRecord{
				ID:            uuid.New(),
				TemplateID:    n.TemplateID,
				Title:         n.Title,
				Content:       n.Content,
				Icon:          n.Icon,
				SenderID:      senderID,
				ReceiverID:    receiver,
				FamilyID:      n.FamilyID,
				Type:          n.Type,
				Priority:      n.Priority,
				IsOneClick:    n.IsOneClick,
				DeviceTokenID: t.ID,
				DeviceToken:   t.Token,
				Platform:      t.Platform,
				PushStatus:    db.PushPending,
			})
		}
	}

	if len(records) == 0 {
		l.logger.Info("no receiver has an active device",
			zap.String("family_id", n.FamilyID.String()),
			zap.Int("receivers", len(receiverIDs)),
		)
		return records, nil
	}

	if err := l.store.InsertRecords(ctx, records); err != nil {
		return nil, err
	}

	l.logger.Info("push records created",
		zap.String("family_id", n.FamilyID.String()),
		zap.Int("receivers", len(receiverIDs)),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// MarkRead marks a record read on behalf of its receiver. Marking an
// already-read record succeeds and keeps the first read time.
func (l *Ledger) MarkRead(ctx context.Context, id, caller uuid.UUID) (bool, error) {
	rec, err := l.store.GetRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.ReceiverID != caller {
		return false, ErrPermissionDenied
	}
	if rec.IsRead {
		return true, nil
	}

	if _, err := l.store.MarkRead(ctx, id, l.now()); err != nil {
		return false, err
	}
	return true, nil
}

// BatchMarkRead marks each id read for caller and returns how many ids are
// read afterwards. Individual failures are logged and skipped.
func (l *Ledger) BatchMarkRead(ctx context.Context, ids []uuid.UUID, caller uuid.UUID) (int, error) {
	marked := 0
	for _, id := range ids {
		ok, err := l.MarkRead(ctx, id, caller)
		if err != nil {
			if ctx.Err() != nil {
				return marked, ctx.Err()
			}
			l.logger.Debug("skipping record in batch read",
				zap.String("record_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		if ok {
			marked++
		}
	}
	return marked, nil
}

// UpdateStatus writes a delivery outcome onto a record.
func (l *Ledger) UpdateStatus(ctx context.Context, id uuid.UUID, upd db.StatusUpdate) error {
	return l.store.UpdatePushStatus(ctx, id, upd)
}

// UnreadCount counts userID's unread records, optionally within one family.
func (l *Ledger) UnreadCount(ctx context.Context, userID uuid.UUID, familyID *uuid.UUID) (int, error) {
	return l.store.CountUnread(ctx, userID, familyID)
}

// ListFilter narrows a receiver's record listing.
type ListFilter struct {
	UserID   uuid.UUID
	FamilyID *uuid.UUID
	IsRead   *bool
	Limit    int
}

// ListFor returns a receiver's records, newest first.
func (l *Ledger) ListFor(ctx context.Context, f ListFilter) ([]*db.PushRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	return l.store.ListForReceiver(ctx, f.UserID, f.FamilyID, f.IsRead, f.Limit)
}

// CanView reports whether caller may see rec: its sender, its receiver or
// an admin of its family.
func (l *Ledger) CanView(ctx context.Context, rec *db.PushRecord, caller uuid.UUID) (bool, error) {
	if rec.SenderID == caller || rec.ReceiverID == caller {
		return true, nil
	}
	if l.admins == nil {
		return false, nil
	}
	return l.admins.IsAdmin(ctx, rec.FamilyID, caller)
}

// Get returns a record caller is allowed to see.
func (l *Ledger) Get(ctx context.Context, id, caller uuid.UUID) (*db.PushRecord, error) {
	rec, err := l.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := l.CanView(ctx, rec, caller)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPermissionDenied
	}
	return rec, nil
}

// Query returns a page of records and the total number of matches.
func (l *Ledger) Query(ctx context.Context, q db.RecordQuery) ([]*db.PushRecord, int64, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return l.store.QueryRecords(ctx, q)
}

// TemplateStats summarizes the sends of one template. Rates are
// percentages rounded to two decimals.
type TemplateStats struct {
	TemplateID   uuid.UUID `json:"template_id"`
	TotalSends   int64     `json:"total_sends"`
	ReadCount    int64     `json:"read_count"`
	SuccessCount int64     `json:"success_count"`
	ReadRate     float64   `json:"read_rate"`
	SuccessRate  float64   `json:"success_rate"`
}

// TemplateStats aggregates the records sent from templateID.
func (l *Ledger) TemplateStats(ctx context.Context, templateID uuid.UUID) (*TemplateStats, error) {
	c, err := l.store.TemplateCounts(ctx, templateID)
	if err != nil {
		return nil, err
	}

	return &TemplateStats{
		TemplateID:   templateID,
		TotalSends:   c.Total,
		ReadCount:    c.Read,
		SuccessCount: c.Success,
		ReadRate:     percent(c.Read, c.Total),
		SuccessRate:  percent(c.Success, c.Total),
	}, nil
}

// FailedForRetry lists Failed records below maxRetry attempts, excluding
// local validation failures.
func (l *Ledger) FailedForRetry(ctx context.Context, maxRetry, limit int) ([]*db.PushRecord, error) {
	return l.store.ListFailedForRetry(ctx, maxRetry, limit, expo.NonRetryableCodes())
}

// ClaimRetry takes one more attempt on each record for the caller and
// returns the records it won, with RetryCount advanced. Records claimed by
// a concurrent sweep, or already at maxRetry, are left out.
func (l *Ledger) ClaimRetry(ctx context.Context, records []*db.PushRecord, maxRetry int) ([]*db.PushRecord, error) {
	ids, err := l.store.ClaimForRetry(ctx, records, maxRetry)
	if err != nil {
		return nil, err
	}

	won := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		won[id] = true
	}
	claimed := make([]*db.PushRecord, 0, len(ids))
	for _, rec := range records {
		if won[rec.ID] {
			rec.RetryCount++
			claimed = append(claimed, rec)
		}
	}
	return claimed, nil
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)*10000/float64(total)) / 100
}
