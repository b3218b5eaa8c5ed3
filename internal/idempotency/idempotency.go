package idempotency

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/redis"
)

var (
	ErrAlreadyProcessed   = errors.New("already processed")
	ErrLockAcquireFailed  = errors.New("failed to acquire processing lock")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrLeaseHeld          = errors.New("lease is held by another worker")
	ErrLeaseLost          = errors.New("lease expired or was taken over")
)

type Config struct {
	LockTTL            time.Duration
	ProcessedTTL       time.Duration
	MaxRetries         int
	RetryKeyPrefix     string
	LockKeyPrefix      string
	ProcessedKeyPrefix string
	LeaseKeyPrefix     string
}

func DefaultConfig() Config {
	return Config{
		LockTTL:            30 * time.Second,
		ProcessedTTL:       24 * time.Hour,
		MaxRetries:         3,
		RetryKeyPrefix:     "retry:",
		LockKeyPrefix:      "lock:",
		ProcessedKeyPrefix: "processed:",
		LeaseKeyPrefix:     "lease:",
	}
}

// Service keeps at-most-once markers and short leases in Redis. Markers
// dedupe redelivered events; leases serialize work on one key across
// processes.
type Service struct {
	redis  redis.RedisAdapter
	config Config
}

func NewService(redisAdapter redis.RedisAdapter, config Config) *Service {
	return &Service{
		redis:  redisAdapter,
		config: config,
	}
}

type ProcessingContext struct {
	Key          string
	RetryCount   int
	IsRetry      bool
	lockAcquired bool
}

// AcquireProcessingLock claims key for processing unless it was already
// processed or exhausted its retries.
func (s *Service) AcquireProcessingLock(ctx context.Context, key string) (*ProcessingContext, error) {
	processedKey := s.config.ProcessedKeyPrefix + key
	exists, err := s.redis.Exist(ctx, processedKey)
	if err != nil {
		// a failed check must not block processing; the lock below still applies
		logger.Warn("failed to check processed status", "key", key, "error", err)
	} else if exists > 0 {
		logger.Debug("already processed, skipping", "key", key)
		return nil, ErrAlreadyProcessed
	}

	retryCount, err := s.GetRetryCount(ctx, key)
	if err != nil {
		logger.Warn("failed to read retry counter", "key", key, "error", err)
	}

	if s.config.MaxRetries > 0 && retryCount >= s.config.MaxRetries {
		return nil, fmt.Errorf("%w: key=%s, retries=%d", ErrMaxRetriesExceeded, key, retryCount)
	}

	lockKey := s.config.LockKeyPrefix + key
	acquired, err := s.redis.SetNX(ctx, lockKey, []byte(strconv.FormatInt(time.Now().UnixNano(), 10)), s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		return nil, ErrLockAcquireFailed
	}

	return &ProcessingContext{
		Key:          key,
		RetryCount:   retryCount,
		IsRetry:      retryCount > 0,
		lockAcquired: true,
	}, nil
}

func (s *Service) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	if err := s.redis.Set(ctx, s.config.ProcessedKeyPrefix+pc.Key, []byte("1"), s.config.ProcessedTTL); err != nil {
		return fmt.Errorf("failed to mark as processed: %w", err)
	}
	s.cleanup(ctx, pc)
	return nil
}

func (s *Service) MarkFailure(ctx context.Context, pc *ProcessingContext, reason error) error {
	newRetryCount := pc.RetryCount + 1
	err := s.redis.Set(ctx, s.config.RetryKeyPrefix+pc.Key, []byte(strconv.Itoa(newRetryCount)), s.config.ProcessedTTL)
	if err != nil {
		logger.Error("failed to increment retry counter", "key", pc.Key, "error", err)
	}

	if err := s.redis.Del(ctx, s.config.LockKeyPrefix+pc.Key); err != nil {
		logger.Warn("failed to remove lock", "key", pc.Key, "error", err)
	}
	pc.lockAcquired = false

	logger.Warn("processing failed, will retry",
		"key", pc.Key,
		"retry_count", newRetryCount,
		"max_retries", s.config.MaxRetries,
		"reason", reason)
	return err
}

func (s *Service) ReleaseLock(ctx context.Context, pc *ProcessingContext) error {
	if pc == nil || !pc.lockAcquired {
		return nil
	}
	if err := s.redis.Del(ctx, s.config.LockKeyPrefix+pc.Key); err != nil {
		return err
	}
	pc.lockAcquired = false
	return nil
}

func (s *Service) cleanup(ctx context.Context, pc *ProcessingContext) {
	if err := s.redis.Del(ctx, s.config.LockKeyPrefix+pc.Key); err != nil {
		logger.Warn("failed to cleanup lock", "key", pc.Key, "error", err)
	}
	if err := s.redis.Del(ctx, s.config.RetryKeyPrefix+pc.Key); err != nil {
		logger.Warn("failed to cleanup retry counter", "key", pc.Key, "error", err)
	}
	pc.lockAcquired = false
}

func (s *Service) GetRetryCount(ctx context.Context, key string) (int, error) {
	b, err := s.redis.Get(ctx, s.config.RetryKeyPrefix+key)
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Lease is an exclusive, expiring claim on a key.
type Lease struct {
	key   string
	token []byte
	s     *Service

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// AcquireLease claims key for ttl, polling until wait elapses. A zero wait
// tries once.
func (s *Service) AcquireLease(ctx context.Context, key string, ttl, wait time.Duration) (*Lease, error) {
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return nil, err
	}
	value := []byte(hex.EncodeToString(token))
	leaseKey := s.config.LeaseKeyPrefix + key
	deadline := time.Now().Add(wait)

	for {
		ok, err := s.redis.SetNX(ctx, leaseKey, value, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lease{key: leaseKey, token: value, s: s}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLeaseHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Extend resets the lease to expire ttl from now.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	ok, err := l.s.redis.ExpireIfEqual(ctx, l.key, l.token, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// KeepAlive extends the lease every third of ttl until it is released, so
// work outlasting ttl keeps its exclusion.
func (l *Lease) KeepAlive(ttl time.Duration) {
	if l == nil || ttl <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.renew(ttl, l.stop, l.done)
}

func (l *Lease) renew(ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
			err := l.Extend(ctx, ttl)
			cancel()
			if errors.Is(err, ErrLeaseLost) {
				logger.Warn("lease lost before release", "key", l.key)
				return
			}
			if err != nil {
				logger.Warn("failed to extend lease", "key", l.key, "error", err)
			}
		}
	}
}

// Release stops renewal and drops the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.stop != nil {
		close(l.stop)
		<-l.done
		l.stop = nil
	}
	l.mu.Unlock()
	_, err := l.s.redis.DelIfEqual(ctx, l.key, l.token)
	return err
}
