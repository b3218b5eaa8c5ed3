package ussd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/payment-gateway/pkg/redis"
)

const (
	sessionKeyPrefix = "ussd:session:"
	activeSetKey     = "ussd:active"
)

// RedisStore keeps sessions as JSON documents. Terminal sessions are kept
// for the retention period so late input can be answered; open sessions are
// also indexed in a set walked by the sweep.
type RedisStore struct {
	redis     redis.RedisAdapter
	retention time.Duration
}

func NewRedisStore(adapter redis.RedisAdapter, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{redis: adapter, retention: retention}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.redis.Get(ctx, sessionKeyPrefix+id)
	if errors.Is(err, redis.NilError) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ussd session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode ussd session %s: %w", id, err)
	}
	return &session, nil
}

func (s *RedisStore) Save(ctx context.Context, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode ussd session: %w", err)
	}
	if err := s.redis.Set(ctx, sessionKeyPrefix+session.ID, raw, s.retention); err != nil {
		return fmt.Errorf("save ussd session: %w", err)
	}
	if session.Step.Terminal() {
		return s.redis.SRem(ctx, activeSetKey, session.ID)
	}
	return s.redis.SAdd(ctx, activeSetKey, session.ID)
}

// Active lists the ids of sessions that have not reached a terminal step.
func (s *RedisStore) Active(ctx context.Context) ([]string, error) {
	return s.redis.SMembers(ctx, activeSetKey)
}

// Forget drops a stale id from the active index.
func (s *RedisStore) Forget(ctx context.Context, id string) error {
	return s.redis.SRem(ctx, activeSetKey, id)
}
