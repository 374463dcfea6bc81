package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed send is replayed for a
	// client-provided Idempotency-Key.
	IdempotencyTTL = 24 * time.Hour

	// reservationTTL bounds how long an in-flight send holds its key.
	reservationTTL = 2 * time.Minute

	inFlightMarker = "in-flight"
)

// ErrDuplicateRequest is returned while another request with the same key
// is still being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key is in use")

// StoredResponse is the response replayed for a repeated key.
type StoredResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	StoredAt   int64           `json:"stored_at"`
}

// IdempotencyService remembers send responses by (scope, key). The scope
// is the acting user, so two users never collide on the same key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func idempotencyKey(scope, key string) string {
	return "familypush:idem:" + scope + ":" + key
}

// Begin either returns the stored response for (scope, key), or reserves
// the key and returns nil. A key reserved by a request still in flight
// yields ErrDuplicateRequest.
func (s *IdempotencyService) Begin(ctx context.Context, scope, key string) (*StoredResponse, error) {
	k := idempotencyKey(scope, key)

	reserved, err := s.client.rdb.SetNX(ctx, k, inFlightMarker, reservationTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if reserved {
		return nil, nil
	}

	val, err := s.client.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; treat as still contended.
		return nil, ErrDuplicateRequest
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if val == inFlightMarker {
		return nil, ErrDuplicateRequest
	}

	var resp StoredResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		s.logger.Error("corrupt idempotency entry", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("invalid stored response: %w", err)
	}

	s.logger.Debug("idempotency replay",
		zap.String("scope", scope),
		zap.Int("status", resp.StatusCode),
	)
	return &resp, nil
}

// Complete stores the final response for a reserved key.
func (s *IdempotencyService) Complete(ctx context.Context, scope, key string, resp *StoredResponse) error {
	if resp.StoredAt == 0 {
		resp.StoredAt = time.Now().Unix()
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if err := s.client.rdb.Set(ctx, idempotencyKey(scope, key), data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Abort drops a reservation so the client can retry with the same key.
func (s *IdempotencyService) Abort(ctx context.Context, scope, key string) error {
	if err := s.client.rdb.Del(ctx, idempotencyKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
