// Package resolver turns a family and an optional receiver list into the
// set of users a notification should reach.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Membership lists the active members of a family. *db.FamilyRepository
// implements it.
type Membership interface {
	ActiveMembers(ctx context.Context, familyID uuid.UUID) ([]uuid.UUID, error)
}

// Resolver computes receiver sets.
type Resolver struct {
	members Membership
	cache   *cache.Cache
	logger  *zap.Logger
}

// New creates a Resolver. Member lists are cached per family for ttl;
// a ttl of zero disables caching.
func New(members Membership, ttl time.Duration, logger *zap.Logger) *Resolver {
	r := &Resolver{members: members, logger: logger}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

// Resolve returns the active members of familyID that appear in explicit,
// without duplicates and in explicit's order. An empty explicit list means
// every active member. A family with no active members resolves to an
// empty, non-nil slice.
func (r *Resolver) Resolve(ctx context.Context, familyID uuid.UUID, explicit []uuid.UUID) ([]uuid.UUID, error) {
	members, err := r.activeMembers(ctx, familyID)
	if err != nil {
		return nil, err
	}

	if len(explicit) == 0 {
		return dedupe(members), nil
	}

	active := make(map[uuid.UUID]struct{}, len(members))
	for _, m := range members {
		active[m] = struct{}{}
	}

	out := make([]uuid.UUID, 0, len(explicit))
	seen := make(map[uuid.UUID]struct{}, len(explicit))
	for _, id := range explicit {
		if _, ok := active[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	if dropped := len(explicit) - len(out); dropped > 0 {
		r.logger.Debug("receivers outside active membership dropped",
			zap.String("family_id", familyID.String()),
			zap.Int("dropped", dropped),
		)
	}
	return out, nil
}

// Invalidate forgets the cached member list of familyID.
func (r *Resolver) Invalidate(familyID uuid.UUID) {
	if r.cache != nil {
		r.cache.Delete(familyID.String())
	}
}

func (r *Resolver) activeMembers(ctx context.Context, familyID uuid.UUID) ([]uuid.UUID, error) {
	key := familyID.String()
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v.([]uuid.UUID), nil
		}
	}

	members, err := r.members.ActiveMembers(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("list family members: %w", err)
	}

	if r.cache != nil {
		r.cache.SetDefault(key, members)
	}
	return members, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
