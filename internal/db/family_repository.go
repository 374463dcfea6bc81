package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// FamilyRepository reads family membership and notification templates.
// Both tables are owned by the surrounding application; the only write made
// here is the template usage counter.
type FamilyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewFamilyRepository creates a family repository
func NewFamilyRepository(db *DB, logger *zap.Logger) *FamilyRepository {
	return &FamilyRepository{
		db:     db,
		logger: logger,
	}
}

// ActiveMembers returns the user ids of active members of a family.
func (r *FamilyRepository) ActiveMembers(ctx context.Context, familyID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT user_id
		FROM family_members
		WHERE family_id = $1 AND status = $2
		ORDER BY joined_at
	`

	rows, err := r.db.Pool().Query(ctx, query, familyID, MemberActive)
	if err != nil {
		return nil, fmt.Errorf("query family members: %w", err)
	}

	members, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("collect family members: %w", err)
	}
	return members, nil
}

// IsMember reports whether userID is an active member of familyID.
func (r *FamilyRepository) IsMember(ctx context.Context, familyID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM family_members
			WHERE family_id = $1 AND user_id = $2 AND status = $3
		)`, familyID, userID, MemberActive).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check family member: %w", err)
	}
	return ok, nil
}

// IsAdmin reports whether userID administers familyID.
func (r *FamilyRepository) IsAdmin(ctx context.Context, familyID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM family_members
			WHERE family_id = $1 AND user_id = $2 AND status = $3 AND is_admin
		)`, familyID, userID, MemberActive).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check family admin: %w", err)
	}
	return ok, nil
}

// GetTemplate retrieves a notification template by ID
func (r *FamilyRepository) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `
		SELECT
			id, family_id, creator_id, title, content, icon, type, category,
			receiver_user_ids, usage_count, is_active, created_at, updated_at
		FROM notification_templates
		WHERE id = $1
	`

	var t Template
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.FamilyID,
		&t.CreatorID,
		&t.Title,
		&t.Content,
		&t.Icon,
		&t.Type,
		&t.Category,
		&t.ReceiverUserIDs,
		&t.UsageCount,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return &t, nil
}

// IncrementUsageCount records one more successful send of a template.
func (r *FamilyRepository) IncrementUsageCount(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_templates
		SET usage_count = usage_count + 1, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment template usage: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return nil
}
