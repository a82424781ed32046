package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrTrustNotFound = errors.New("device trust record not found")
	ErrTrustExpired  = errors.New("device trust record expired")
	ErrTrustBackend  = errors.New("device trust backend unavailable")
)

const (
	trustFieldToken     = "token"
	trustFieldExpiresAt = "expires_at"
	trustFieldIssuedAt  = "issued_at"
)

// TrustRecord is an account's remembered-device grant. A record whose
// ExpiresAt is at or before the current instant is expired.
type TrustRecord struct {
	AccountID string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TrustStore keeps one trust record per account in a Redis hash with
// human-readable timestamp fields. Expiry is checked on read; expired
// records are purged lazily, never renewed.
type TrustStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewTrustStore(redisClient redis.UniversalClient, prefix string) *TrustStore {
	if prefix == "" {
		prefix = "dtr"
	}
	return &TrustStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *TrustStore) key(accountID string) string {
	return s.prefix + ":" + accountID
}

// Save overwrites the account's trust record. The Redis key expiry is a
// backstop; the authoritative boundary is the expires_at field.
func (s *TrustStore) Save(ctx context.Context, record *TrustRecord) error {
	key := s.key(record.AccountID)
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("%w: trust record already expired", ErrTrustBackend)
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			trustFieldToken:     record.Token,
			trustFieldExpiresAt: record.ExpiresAt.UTC().Format(time.RFC3339),
			trustFieldIssuedAt:  record.IssuedAt.UTC().Format(time.RFC3339),
		})
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTrustBackend, err)
	}
	return nil
}

// Get returns the account's live trust record. A record at or past its
// expiry instant is deleted and reported as expired.
func (s *TrustStore) Get(ctx context.Context, accountID string, now time.Time) (*TrustRecord, error) {
	key := s.key(accountID)

	fields, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrustBackend, err)
	}
	if len(fields) == 0 {
		return nil, ErrTrustNotFound
	}

	expiresAt, err := time.Parse(time.RFC3339, fields[trustFieldExpiresAt])
	if err != nil {
		_, _ = s.redis.Del(ctx, key).Result()
		return nil, ErrTrustNotFound
	}
	if !expiresAt.After(now) {
		_, _ = s.redis.Del(ctx, key).Result()
		return nil, ErrTrustExpired
	}

	record := &TrustRecord{
		AccountID: accountID,
		Token:     fields[trustFieldToken],
		ExpiresAt: expiresAt,
	}
	if issuedAt, err := time.Parse(time.RFC3339, fields[trustFieldIssuedAt]); err == nil {
		record.IssuedAt = issuedAt
	}
	return record, nil
}

// Delete removes the account's trust record regardless of expiry.
func (s *TrustStore) Delete(ctx context.Context, accountID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(accountID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTrustBackend, err)
	}
	return n > 0, nil
}
