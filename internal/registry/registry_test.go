package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/familypush/internal/db"
)

// memStore is an in-memory Store keyed by raw token.
type memStore struct {
	mu     sync.Mutex
	tokens map[string]*db.DeviceToken
	err    error
}

func newMemStore() *memStore {
	return &memStore{tokens: make(map[string]*db.DeviceToken)}
}

func (m *memStore) UpsertToken(_ context.Context, t *db.DeviceToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	now := time.Now()
	if existing, ok := m.tokens[t.Token]; ok {
		t.ID = existing.ID
		t.CreatedAt = existing.CreatedAt
	} else if t.ID == uuid.Nil {
		t.ID = uuid.New()
		t.CreatedAt = now
	}
	t.PushEnabled = true
	t.Status = db.TokenEnabled
	t.FailedCount = 0
	t.LastActiveTime = &now
	t.LastSuccessTime = &now
	t.InactiveReason = nil
	cp := *t
	m.tokens[t.Token] = &cp
	return nil
}

func (m *memStore) GetToken(_ context.Context, token string) (*db.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.tokens[token]
	if !ok {
		return nil, fmt.Errorf("device token: %w", db.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) GetTokenByID(_ context.Context, id uuid.UUID) (*db.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("device token %s: %w", id, db.ErrNotFound)
}

func (m *memStore) MutateToken(_ context.Context, token string, fn func(*db.DeviceToken) bool) (*db.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.tokens[token]
	if !ok {
		return nil, fmt.Errorf("device token: %w", db.ErrNotFound)
	}
	cp := *t
	if fn(&cp) {
		m.tokens[token] = &cp
	}
	out := cp
	return &out, nil
}

func (m *memStore) ListActiveTokens(_ context.Context, userIDs []uuid.UUID) ([]*db.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(userIDs))
	for _, id := range userIDs {
		want[id] = true
	}
	var out []*db.DeviceToken
	for _, t := range m.tokens {
		if want[t.UserID] && t.Status == db.TokenEnabled {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListTokensByUser(_ context.Context, userID uuid.UUID) ([]*db.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.DeviceToken
	for _, t := range m.tokens {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) DeactivateFailedTokens(_ context.Context, threshold int, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tokens {
		if t.Status == db.TokenEnabled && t.FailedCount >= threshold {
			r := reason
			t.Status = db.TokenDisabled
			t.InactiveReason = &r
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteInactiveTokens(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, t := range m.tokens {
		last := t.UpdatedAt
		if t.LastActiveTime != nil {
			last = *t.LastActiveTime
		}
		if last.Before(before) {
			delete(m.tokens, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) get(token string) *db.DeviceToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.tokens[token]
	return &cp
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*db.DeviceToken
}

func (n *recordingNotifier) NotifyTokenDisabled(_ context.Context, t *db.DeviceToken) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, t)
	return nil
}

const tokA = "ExponentPushToken[aaaaaaaaaaaaaaaaaaaaaa]"

func registered(t *testing.T, opts ...Option) (*Registry, *memStore, uuid.UUID) {
	t.Helper()
	store := newMemStore()
	reg := New(store, zap.NewNop(), opts...)
	user := uuid.New()
	_, err := reg.Register(context.Background(), RegisterInput{UserID: user, Token: tokA, Platform: "ios"})
	require.NoError(t, err)
	return reg, store, user
}

func TestRegister_NewTokenIsHealthy(t *testing.T) {
	reg, store, user := registered(t)

	got := store.get(tokA)
	assert.Equal(t, user, got.UserID)
	assert.Equal(t, db.TokenEnabled, got.Status)
	assert.True(t, got.PushEnabled)
	assert.Zero(t, got.FailedCount)

	ok, err := reg.IsValid(context.Background(), tokA)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegister_RequiresFields(t *testing.T) {
	reg := New(newMemStore(), zap.NewNop())
	_, err := reg.Register(context.Background(), RegisterInput{Token: tokA, Platform: "ios"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = reg.Register(context.Background(), RegisterInput{UserID: uuid.New(), Token: "  ", Platform: "ios"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegister_RevivesDisabledTokenForNewOwner(t *testing.T) {
	reg, store, _ := registered(t)
	ctx := context.Background()

	_, err := reg.Disable(ctx, tokA, "token invalid: DeviceNotRegistered")
	require.NoError(t, err)

	newOwner := uuid.New()
	_, err = reg.Register(ctx, RegisterInput{UserID: newOwner, Token: tokA, Platform: "android"})
	require.NoError(t, err)

	got := store.get(tokA)
	assert.Equal(t, newOwner, got.UserID)
	assert.Equal(t, db.TokenEnabled, got.Status)
	assert.Nil(t, got.InactiveReason)
	assert.Len(t, store.tokens, 1, "token stays unique")
}

func TestRecordFailure_DisablesAtThreshold(t *testing.T) {
	notifier := &recordingNotifier{}
	reg, store, _ := registered(t, WithNotifier(notifier))
	ctx := context.Background()

	for i := 1; i < FailureThreshold; i++ {
		ok, err := reg.RecordFailure(ctx, tokA)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, db.TokenEnabled, store.get(tokA).Status, "failure %d", i)
	}

	_, err := reg.RecordFailure(ctx, tokA)
	require.NoError(t, err)

	got := store.get(tokA)
	assert.Equal(t, db.TokenDisabled, got.Status)
	assert.Equal(t, FailureThreshold, got.FailedCount)
	require.NotNil(t, got.InactiveReason)
	assert.Equal(t, ReasonTooManyFailures, *got.InactiveReason)
	assert.NotNil(t, got.LastFailedTime)
	assert.Len(t, notifier.events, 1)

	valid, err := reg.IsValid(ctx, tokA)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestRecordFailure_ClampsCount(t *testing.T) {
	reg, store, _ := registered(t)
	for i := 0; i < FailureThreshold+4; i++ {
		_, err := reg.RecordFailure(context.Background(), tokA)
		require.NoError(t, err)
	}
	assert.Equal(t, FailureThreshold, store.get(tokA).FailedCount)
}

func TestRecordSuccess_ResetsCountButNotStatus(t *testing.T) {
	reg, store, _ := registered(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = reg.RecordFailure(ctx, tokA)
	}
	ok, err := reg.RecordSuccess(ctx, tokA)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, store.get(tokA).FailedCount)

	_, _ = reg.Disable(ctx, tokA, "manual")
	_, _ = reg.RecordSuccess(ctx, tokA)
	assert.Equal(t, db.TokenDisabled, store.get(tokA).Status, "success never re-enables")
}

func TestDisable_Unconditional(t *testing.T) {
	notifier := &recordingNotifier{}
	reg, store, _ := registered(t, WithNotifier(notifier))

	ok, err := reg.Disable(context.Background(), tokA, InvalidReason("DeviceNotRegistered"))
	require.NoError(t, err)
	assert.True(t, ok)

	got := store.get(tokA)
	assert.Equal(t, db.TokenDisabled, got.Status)
	assert.Equal(t, "token invalid: DeviceNotRegistered", *got.InactiveReason)
	assert.Len(t, notifier.events, 1)

	_, err = reg.Disable(context.Background(), tokA, "again")
	require.NoError(t, err)
	assert.Len(t, notifier.events, 1, "already disabled tokens are not re-announced")
}

func TestUnknownTokenReturnsFalse(t *testing.T) {
	reg := New(newMemStore(), zap.NewNop())
	ctx := context.Background()
	unknown := "ExponentPushToken[nope]"

	for name, op := range map[string]func() (bool, error){
		"success":   func() (bool, error) { return reg.RecordSuccess(ctx, unknown) },
		"failure":   func() (bool, error) { return reg.RecordFailure(ctx, unknown) },
		"disable":   func() (bool, error) { return reg.Disable(ctx, unknown, "x") },
		"valid":     func() (bool, error) { return reg.IsValid(ctx, unknown) },
		"heartbeat": func() (bool, error) { return reg.Heartbeat(ctx, unknown) },
	} {
		t.Run(name, func(t *testing.T) {
			ok, err := op()
			assert.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection reset")
	reg := New(store, zap.NewNop())

	ok, err := reg.RecordFailure(context.Background(), tokA)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestActiveTokensFor_ExcludesDisabled(t *testing.T) {
	reg, _, user := registered(t)
	ctx := context.Background()
	other := "ExponentPushToken[bbbbbbbbbbbbbbbbbbbbbb]"
	_, err := reg.Register(ctx, RegisterInput{UserID: user, Token: other, Platform: "android"})
	require.NoError(t, err)
	_, _ = reg.Disable(ctx, other, "manual")

	tokens, err := reg.ActiveTokensFor(ctx, user)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, tokA, tokens[0].Token)
}

func TestRemove_OwnerOnly(t *testing.T) {
	reg, store, user := registered(t)
	ctx := context.Background()
	id := store.get(tokA).ID

	ok, err := reg.Remove(ctx, uuid.New(), id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, db.TokenEnabled, store.get(tokA).Status)

	ok, err = reg.Remove(ctx, user, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ReasonRemovedByUser, *store.get(tokA).InactiveReason)
}

func TestStatusAndStats(t *testing.T) {
	reg, _, user := registered(t)
	ctx := context.Background()
	second := "ExponentPushToken[cccccccccccccccccccccc]"
	_, err := reg.Register(ctx, RegisterInput{UserID: user, Token: second, Platform: "android"})
	require.NoError(t, err)
	for i := 0; i < FailureThreshold; i++ {
		_, _ = reg.RecordFailure(ctx, second)
	}

	st, err := reg.Status(ctx, user, second)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.False(t, st.Valid)
	assert.Equal(t, FailureThreshold, st.FailedCount)

	st, err = reg.Status(ctx, uuid.New(), tokA)
	require.NoError(t, err)
	assert.Nil(t, st, "other users cannot inspect the token")

	stats, err := reg.Stats(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, map[string]int{"ios": 1}, stats.ByPlatform)
}

func TestCleanupInactive(t *testing.T) {
	fixed := time.Now().Add(200 * 24 * time.Hour)
	reg, store, _ := registered(t, WithClock(func() time.Time { return fixed }))

	n, err := reg.CleanupInactive(context.Background(), 90*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Empty(t, store.tokens)

	_, err = reg.CleanupInactive(context.Background(), 0)
	assert.Error(t, err)
}

func TestDeactivateFailed(t *testing.T) {
	reg, store, _ := registered(t)
	store.mu.Lock()
	store.tokens[tokA].FailedCount = FailureThreshold
	store.mu.Unlock()

	n, err := reg.DeactivateFailed(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, db.TokenDisabled, store.get(tokA).Status)
}

func TestConcurrentFailuresSerialize(t *testing.T) {
	reg, store, _ := registered(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.RecordFailure(context.Background(), tokA)
		}()
	}
	wg.Wait()

	got := store.get(tokA)
	assert.Equal(t, FailureThreshold, got.FailedCount)
	assert.Equal(t, db.TokenDisabled, got.Status)
}

func TestApplyFailure_Pure(t *testing.T) {
	now := time.Now()
	tok := &db.DeviceToken{Status: db.TokenEnabled, PushEnabled: true, FailedCount: FailureThreshold - 1}
	assert.True(t, applyFailure(tok, now))
	assert.False(t, applyFailure(tok, now), "already disabled")
	assert.Equal(t, FailureThreshold, tok.FailedCount)
}
