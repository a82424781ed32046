package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	challengeRecordVersion1 = 1

	// Retry ceiling for WATCH transactions on the account pointer key.
	challengeTxRetries = 4
)

var (
	ErrChallengeNotFound = errors.New("mfa challenge not found")
	ErrChallengeExpired  = errors.New("mfa challenge expired")
	ErrChallengeBackend  = errors.New("mfa challenge backend unavailable")
)

// Challenge is a pending second-factor verification. FailureMode is copied
// from the account at creation time and never re-read afterwards.
type Challenge struct {
	AccountID   string
	FailureMode bool
	Attempts    uint16
	ExpiresAt   int64
}

// ChallengeStore keeps pending challenges in Redis. Each challenge lives
// under its own id key; an account pointer key tracks the current challenge
// so a new login can replace it.
type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewChallengeStore(redisClient redis.UniversalClient, prefix string) *ChallengeStore {
	if prefix == "" {
		prefix = "chl"
	}
	return &ChallengeStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *ChallengeStore) key(challengeID string) string {
	return s.prefix + ":" + challengeID
}

func (s *ChallengeStore) accountKey(accountID string) string {
	return s.prefix + ":acct:" + accountID
}

// Save writes a new challenge and repoints the account at it, deleting any
// previous challenge for the same account. The read of the previous pointer
// and the replacement run under WATCH on the pointer key, so two racing
// logins cannot both leave a live challenge behind. One challenge per
// account.
func (s *ChallengeStore) Save(
	ctx context.Context,
	challengeID string,
	record *Challenge,
	ttl time.Duration,
) error {
	encoded, err := encodeChallenge(record)
	if err != nil {
		return err
	}
	acctKey := s.accountKey(record.AccountID)

	for i := 0; i < challengeTxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			prev, err := tx.Get(ctx, acctKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if prev != "" && prev != challengeID {
					pipe.Del(ctx, s.key(prev))
				}
				pipe.Set(ctx, s.key(challengeID), encoded, ttl)
				pipe.Set(ctx, acctKey, challengeID, ttl)
				return nil
			})
			return err
		}, acctKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
		return nil
	}

	return fmt.Errorf("%w: transaction retries exhausted", ErrChallengeBackend)
}

func (s *ChallengeStore) Get(ctx context.Context, challengeID string) (*Challenge, error) {
	data, err := s.redis.Get(ctx, s.key(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	record, err := decodeChallenge(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(challengeID)).Result()
		return nil, ErrChallengeExpired
	}
	return record, nil
}

// Delete removes a challenge. The account pointer is removed only while it
// still names this challenge; deleting a stale id leaves a newer
// challenge's pointer intact.
func (s *ChallengeStore) Delete(ctx context.Context, challengeID, accountID string) (bool, error) {
	acctKey := s.accountKey(accountID)

	for i := 0; i < challengeTxRetries; i++ {
		var removed bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, acctKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			cmds, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, s.key(challengeID))
				if current == challengeID {
					pipe.Del(ctx, acctKey)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if del, ok := cmds[0].(*redis.IntCmd); ok {
				removed = del.Val() > 0
			}
			return nil
		}, acctKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
		return removed, nil
	}

	return false, fmt.Errorf("%w: transaction retries exhausted", ErrChallengeBackend)
}

// DeleteForAccount removes whatever challenge is currently pending for the
// account, if any.
func (s *ChallengeStore) DeleteForAccount(ctx context.Context, accountID string) (bool, error) {
	current, err := s.redis.Get(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return s.Delete(ctx, current, accountID)
}

// Bump atomically increments the attempt counter and reports whether the
// attempt ceiling was reached. The ceiling applies only to failure-mode
// challenges; when it is reached the challenge is destroyed in the same
// transaction. The returned record reflects the post-increment state.
func (s *ChallengeStore) Bump(
	ctx context.Context,
	challengeID string,
	maxAttempts int,
) (*Challenge, bool, error) {
	key := s.key(challengeID)

	for i := 0; i < challengeTxRetries; i++ {
		var (
			record   *Challenge
			exceeded bool
		)
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err = decodeChallenge(data)
			if err != nil {
				return err
			}
			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.Del(ctx, s.accountKey(record.AccountID))
					return nil
				})
				if err != nil {
					return err
				}
				return ErrChallengeExpired
			}

			record.Attempts++
			if record.FailureMode && int(record.Attempts) >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.Del(ctx, s.accountKey(record.AccountID))
					return nil
				})
				return err
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.Del(ctx, s.accountKey(record.AccountID))
					return nil
				})
				if err != nil {
					return err
				}
				return ErrChallengeExpired
			}

			updated, err := encodeChallenge(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, false, ErrChallengeNotFound
			}
			if errors.Is(err, ErrChallengeExpired) {
				return nil, false, err
			}
			return nil, false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
		return record, exceeded, nil
	}

	return nil, false, fmt.Errorf("%w: transaction retries exhausted", ErrChallengeBackend)
}

func encodeChallenge(record *Challenge) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(challengeRecordVersion1)

	var flags byte
	if record.FailureMode {
		flags |= 1
	}
	buf.WriteByte(flags)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.AccountID) > 65535 {
		return nil, errors.New("challenge account id length exceeded")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.AccountID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.AccountID)

	return buf.Bytes(), nil
}

func decodeChallenge(data []byte) (*Challenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersion1 {
		return nil, errors.New("invalid challenge record version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &Challenge{
		FailureMode: flags&1 != 0,
	}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var accountLen uint16
	if err := binary.Read(reader, binary.BigEndian, &accountLen); err != nil {
		return nil, err
	}
	account := make([]byte, accountLen)
	if _, err := io.ReadFull(reader, account); err != nil {
		return nil, err
	}
	record.AccountID = string(account)

	return record, nil
}
