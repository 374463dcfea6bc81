package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/familypush/internal/db"
)

type memStore struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*db.PushRecord
	insertErr error
	inserts   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[uuid.UUID]*db.PushRecord)}
}

func (m *memStore) InsertRecords(_ context.Context, records []*db.PushRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserts++
	now := time.Now()
	for _, r := range records {
		r.CreatedAt = now
		cp := *r
		m.records[r.ID] = &cp
	}
	return nil
}

func (m *memStore) GetRecord(_ context.Context, id uuid.UUID) (*db.PushRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("push record %s: %w", id, db.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) MarkRead(_ context.Context, id uuid.UUID, readAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.records[id]
	if r == nil || r.IsRead {
		return false, nil
	}
	r.IsRead = true
	r.ReadTime = &readAt
	return true, nil
}

func (m *memStore) UpdatePushStatus(_ context.Context, id uuid.UUID, upd db.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.records[id]
	if r == nil {
		return fmt.Errorf("push record %s: %w", id, db.ErrNotFound)
	}
	r.PushStatus = upd.Status
	r.ErrorCode = upd.ErrorCode
	r.ErrorMessage = upd.ErrorMessage
	r.PushResponse = upd.Response
	return nil
}

func (m *memStore) CountUnread(_ context.Context, userID uuid.UUID, familyID *uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.ReceiverID == userID && !r.IsRead && (familyID == nil || r.FamilyID == *familyID) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListForReceiver(_ context.Context, userID uuid.UUID, familyID *uuid.UUID, isRead *bool, limit int) ([]*db.PushRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.PushRecord
	for _, r := range m.records {
		if r.ReceiverID != userID {
			continue
		}
		if familyID != nil && r.FamilyID != *familyID {
			continue
		}
		if isRead != nil && r.IsRead != *isRead {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) QueryRecords(_ context.Context, q db.RecordQuery) ([]*db.PushRecord, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.PushRecord
	for _, r := range m.records {
		if q.SenderID != nil && r.SenderID != *q.SenderID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	total := int64(len(out))
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, total, nil
}

func (m *memStore) ListFailedForRetry(_ context.Context, maxRetry, limit int, skipCodes []string) ([]*db.PushRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	skip := make(map[string]bool)
	for _, c := range skipCodes {
		skip[c] = true
	}
	var out []*db.PushRecord
	for _, r := range m.records {
		if r.PushStatus != db.PushFailed || r.RetryCount >= maxRetry {
			continue
		}
		if r.ErrorCode != nil && skip[*r.ErrorCode] {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ClaimForRetry(_ context.Context, records []*db.PushRecord, maxRetry int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []uuid.UUID
	for _, rec := range records {
		r := m.records[rec.ID]
		if r == nil || r.PushStatus != db.PushFailed || r.RetryCount != rec.RetryCount || r.RetryCount >= maxRetry {
			continue
		}
		r.RetryCount++
		claimed = append(claimed, r.ID)
	}
	return claimed, nil
}

func (m *memStore) TemplateCounts(_ context.Context, templateID uuid.UUID) (db.TemplateCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c db.TemplateCounts
	for _, r := range m.records {
		if r.TemplateID == nil || *r.TemplateID != templateID {
			continue
		}
		c.Total++
		if r.IsRead {
			c.Read++
		}
		if r.PushStatus == db.PushSuccess {
			c.Success++
		}
	}
	return c, nil
}

type stubTokens struct {
	tokens []*db.DeviceToken
}

func (s *stubTokens) ActiveTokensFor(_ context.Context, userIDs ...uuid.UUID) ([]*db.DeviceToken, error) {
	want := make(map[uuid.UUID]bool)
	for _, id := range userIDs {
		want[id] = true
	}
	var out []*db.DeviceToken
	for _, t := range s.tokens {
		if want[t.UserID] && t.Status == db.TokenEnabled {
			out = append(out, t)
		}
	}
	return out, nil
}

type stubAdmins map[uuid.UUID]bool

func (s stubAdmins) IsAdmin(_ context.Context, _ uuid.UUID, userID uuid.UUID) (bool, error) {
	return s[userID], nil
}

func token(user uuid.UUID, raw string, status db.TokenStatus) *db.DeviceToken {
	return &db.DeviceToken{ID: uuid.New(), UserID: user, Token: raw, Platform: "ios", Status: status, PushEnabled: true}
}

func notification(family uuid.UUID) Notification {
	return Notification{FamilyID: family, Title: "Dinner", Content: "Come downstairs"}
}

func TestCreateRecords_OnePerActiveToken(t *testing.T) {
	family, sender := uuid.New(), uuid.New()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	tokens := &stubTokens{tokens: []*db.DeviceToken{
		token(alice, "ExponentPushToken[a1]", db.TokenEnabled),
		token(alice, "ExponentPushToken[a2]", db.TokenEnabled),
		token(bob, "ExponentPushToken[b1]", db.TokenDisabled),
	}}
	store := newMemStore()
	l := New(store, tokens, nil, zap.NewNop())

	records, err := l.CreateRecords(context.Background(), notification(family), sender, []uuid.UUID{alice, bob, carol})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1, store.inserts, "one atomic insert")

	for _, r := range records {
		assert.Equal(t, alice, r.ReceiverID)
		assert.Equal(t, db.PushPending, r.PushStatus)
		assert.Equal(t, db.TypeUser, r.Type)
		assert.Equal(t, db.PriorityNormal, r.Priority)
		assert.False(t, r.IsRead)
		assert.Zero(t, r.RetryCount)
	}
	assert.Equal(t, "ExponentPushToken[a1]", records[0].DeviceToken)
	assert.Equal(t, "ExponentPushToken[a2]", records[1].DeviceToken)
}

func TestCreateRecords_NoTokensIsEmptyNotError(t *testing.T) {
	store := newMemStore()
	l := New(store, &stubTokens{}, nil, zap.NewNop())

	records, err := l.CreateRecords(context.Background(), notification(uuid.New()), uuid.New(), []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, store.inserts)
}

func TestCreateRecords_InsertFailureLeavesNothing(t *testing.T) {
	user := uuid.New()
	store := newMemStore()
	store.insertErr = errors.New("copy failed")
	l := New(store, &stubTokens{tokens: []*db.DeviceToken{token(user, "ExponentPushToken[x]", db.TokenEnabled)}}, nil, zap.NewNop())

	_, err := l.CreateRecords(context.Background(), notification(uuid.New()), uuid.New(), []uuid.UUID{user})
	require.Error(t, err)
	assert.Empty(t, store.records)
}

func TestCreateRecords_Validation(t *testing.T) {
	l := New(newMemStore(), &stubTokens{}, nil, zap.NewNop())
	ctx := context.Background()

	bad := []Notification{
		{FamilyID: uuid.New(), Content: "x"},
		{FamilyID: uuid.New(), Title: "x"},
		{Title: "x", Content: "y"},
		{FamilyID: uuid.New(), Title: "x", Content: "y", Type: 7},
		{FamilyID: uuid.New(), Title: "x", Content: "y", Priority: 4},
	}
	for i, n := range bad {
		_, err := l.CreateRecords(ctx, n, uuid.New(), []uuid.UUID{uuid.New()})
		assert.ErrorIs(t, err, ErrInvalidNotification, "case %d", i)
	}
}

func seedRecord(t *testing.T, store *memStore, receiver uuid.UUID) *db.PushRecord {
	t.Helper()
	rec := &db.PushRecord{ID: uuid.New(), ReceiverID: receiver, SenderID: uuid.New(), FamilyID: uuid.New()}
	require.NoError(t, store.InsertRecords(context.Background(), []*db.PushRecord{rec}))
	return rec
}

func TestMarkRead_ReceiverOnlyAndIdempotent(t *testing.T) {
	store := newMemStore()
	l := New(store, &stubTokens{}, nil, zap.NewNop())
	receiver := uuid.New()
	rec := seedRecord(t, store, receiver)
	ctx := context.Background()

	_, err := l.MarkRead(ctx, rec.ID, uuid.New())
	assert.ErrorIs(t, err, ErrPermissionDenied)

	first := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return first }
	ok, err := l.MarkRead(ctx, rec.ID, receiver)
	require.NoError(t, err)
	assert.True(t, ok)

	l.now = func() time.Time { return first.Add(time.Hour) }
	ok, err = l.MarkRead(ctx, rec.ID, receiver)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := store.GetRecord(ctx, rec.ID)
	assert.True(t, got.IsRead)
	assert.Equal(t, first, *got.ReadTime, "read time is stable")
}

func TestMarkRead_UnknownRecord(t *testing.T) {
	l := New(newMemStore(), &stubTokens{}, nil, zap.NewNop())
	_, err := l.MarkRead(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestBatchMarkRead_SkipsForeignAndUnknown(t *testing.T) {
	store := newMemStore()
	l := New(store, &stubTokens{}, nil, zap.NewNop())
	me := uuid.New()
	mine1 := seedRecord(t, store, me)
	mine2 := seedRecord(t, store, me)
	theirs := seedRecord(t, store, uuid.New())

	n, err := l.BatchMarkRead(context.Background(), []uuid.UUID{mine1.ID, theirs.ID, uuid.New(), mine2.ID}, me)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := l.UnreadCount(context.Background(), me, nil)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGet_Permissions(t *testing.T) {
	store := newMemStore()
	admin := uuid.New()
	l := New(store, &stubTokens{}, stubAdmins{admin: true}, zap.NewNop())
	rec := seedRecord(t, store, uuid.New())
	ctx := context.Background()

	for name, caller := range map[string]uuid.UUID{"sender": rec.SenderID, "receiver": rec.ReceiverID, "admin": admin} {
		t.Run(name, func(t *testing.T) {
			got, err := l.Get(ctx, rec.ID, caller)
			require.NoError(t, err)
			assert.Equal(t, rec.ID, got.ID)
		})
	}

	_, err := l.Get(ctx, rec.ID, uuid.New())
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestTemplateStats(t *testing.T) {
	store := newMemStore()
	l := New(store, &stubTokens{}, nil, zap.NewNop())
	tpl := uuid.New()

	stats, err := l.TemplateStats(context.Background(), tpl)
	require.NoError(t, err)
	assert.Zero(t, stats.ReadRate)
	assert.Zero(t, stats.SuccessRate)

	recs := []*db.PushRecord{
		{ID: uuid.New(), TemplateID: &tpl, PushStatus: db.PushSuccess, IsRead: true},
		{ID: uuid.New(), TemplateID: &tpl, PushStatus: db.PushSuccess},
		{ID: uuid.New(), TemplateID: &tpl, PushStatus: db.PushFailed},
	}
	require.NoError(t, store.InsertRecords(context.Background(), recs))

	stats, err = l.TemplateStats(context.Background(), tpl)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalSends)
	assert.Equal(t, 33.33, stats.ReadRate)
	assert.Equal(t, 66.67, stats.SuccessRate)
}

func TestFailedForRetry_SkipsValidationFailures(t *testing.T) {
	store := newMemStore()
	l := New(store, &stubTokens{}, nil, zap.NewNop())
	transport, format := "TransportError", "InvalidTokenFormat"

	retryable := &db.PushRecord{ID: uuid.New(), PushStatus: db.PushFailed, ErrorCode: &transport}
	invalid := &db.PushRecord{ID: uuid.New(), PushStatus: db.PushFailed, ErrorCode: &format}
	exhausted := &db.PushRecord{ID: uuid.New(), PushStatus: db.PushFailed, RetryCount: 3}
	require.NoError(t, store.InsertRecords(context.Background(), []*db.PushRecord{retryable, invalid, exhausted}))

	got, err := l.FailedForRetry(context.Background(), 3, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, retryable.ID, got[0].ID)

	claimed, err := l.ClaimRetry(context.Background(), got, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].RetryCount)
	after, _ := store.GetRecord(context.Background(), retryable.ID)
	assert.Equal(t, 1, after.RetryCount)
}

func TestClaimRetry_StaleListingLosesClaim(t *testing.T) {
	store := newMemStore()
	l := New(store, &stubTokens{}, nil, zap.NewNop())
	rec := &db.PushRecord{ID: uuid.New(), PushStatus: db.PushFailed, RetryCount: 2}
	require.NoError(t, store.InsertRecords(context.Background(), []*db.PushRecord{rec}))

	first, err := l.FailedForRetry(context.Background(), 3, 100)
	require.NoError(t, err)
	second, err := l.FailedForRetry(context.Background(), 3, 100)
	require.NoError(t, err)

	won, err := l.ClaimRetry(context.Background(), first, 3)
	require.NoError(t, err)
	require.Len(t, won, 1)

	lost, err := l.ClaimRetry(context.Background(), second, 3)
	require.NoError(t, err)
	assert.Empty(t, lost)

	after, _ := store.GetRecord(context.Background(), rec.ID)
	assert.Equal(t, 3, after.RetryCount)
}

func TestQuery_DefaultsLimit(t *testing.T) {
	store := newMemStore()
	l := New(store, &stubTokens{}, nil, zap.NewNop())
	for i := 0; i < 25; i++ {
		seedRecord(t, store, uuid.New())
	}

	page, total, err := l.Query(context.Background(), db.RecordQuery{})
	require.NoError(t, err)
	assert.Len(t, page, 20)
	assert.EqualValues(t, 25, total)
}
