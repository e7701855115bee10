package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kbukum/authkit/errors"
	"github.com/kbukum/authkit/password"
)

const (
	redisSessionPrefix = "authkit:session:"
	redisSubjectPrefix = "authkit:subject:"
)

// RedisStore persists sessions in Redis. Each session lives under a key
// derived from the token hash with a native TTL, and a per-subject set
// indexes the hashes so DestroyAllFor stays O(sessions of subject).
type RedisStore struct {
	client       redis.UniversalClient
	rotateWithin time.Duration
	now          func() time.Time
}

type redisSession struct {
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// NewRedisStore builds a store over an existing Redis client.
func NewRedisStore(client redis.UniversalClient, rotateWithin time.Duration) *RedisStore {
	return &RedisStore{client: client, rotateWithin: rotateWithin, now: time.Now}
}

func sessionKey(tokenHash string) string { return redisSessionPrefix + tokenHash }

func subjectKey(subjectType, subjectID string) string {
	return redisSubjectPrefix + subjectType + ":" + subjectID
}

// Issue implements Store.
func (s *RedisStore) Issue(ctx context.Context, subjectType, subjectID string, ttl time.Duration, device *DeviceInfo) (*Session, error) {
	token, err := password.GenerateToken(tokenBytes)
	if err != nil {
		return nil, errors.Internal(err)
	}

	now := s.now().UTC()
	rec := redisSession{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if device != nil {
		rec.IPAddress = device.IPAddress
		rec.UserAgent = device.UserAgent
	}

	hash := password.HashSHA256(token)
	if err := s.write(ctx, hash, rec, ttl); err != nil {
		return nil, err
	}
	return &Session{
		Token:       token,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

func (s *RedisStore) write(ctx context.Context, tokenHash string, rec redisSession, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Internal(err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(tokenHash), raw, ttl)
	pipe.SAdd(ctx, subjectKey(rec.SubjectType, rec.SubjectID), tokenHash)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.DatabaseError(err)
	}
	return nil
}

// Check implements Store. Redis expires dead sessions on its own;
// rotation near expiry reissues under a fresh key and drops the old one.
func (s *RedisStore) Check(ctx context.Context, token string) (*Session, error) {
	hash := password.HashSHA256(token)
	raw, err := s.client.Get(ctx, sessionKey(hash)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError(err)
	}

	var rec redisSession
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Internal(err)
	}

	now := s.now().UTC()
	if !rec.ExpiresAt.After(now) {
		_ = s.Destroy(ctx, token)
		return nil, nil
	}

	sess := &Session{
		Token:       token,
		SubjectType: rec.SubjectType,
		SubjectID:   rec.SubjectID,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		Payload:     rec.Payload,
	}

	if s.rotateWithin > 0 && rec.ExpiresAt.Sub(now) < s.rotateWithin {
		fresh, err := password.GenerateToken(tokenBytes)
		if err != nil {
			return nil, errors.Internal(err)
		}
		ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
		rec.CreatedAt = now
		rec.ExpiresAt = now.Add(ttl)

		freshHash := password.HashSHA256(fresh)
		if err := s.write(ctx, freshHash, rec, ttl); err != nil {
			return nil, err
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, sessionKey(hash))
		pipe.SRem(ctx, subjectKey(rec.SubjectType, rec.SubjectID), hash)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, errors.DatabaseError(err)
		}

		sess.Token = fresh
		sess.CreatedAt = rec.CreatedAt
		sess.ExpiresAt = rec.ExpiresAt
	}
	return sess, nil
}

// Destroy implements Store.
func (s *RedisStore) Destroy(ctx context.Context, token string) error {
	hash := password.HashSHA256(token)
	raw, err := s.client.Get(ctx, sessionKey(hash)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errors.DatabaseError(err)
	}

	var rec redisSession
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(hash))
	if json.Unmarshal(raw, &rec) == nil {
		pipe.SRem(ctx, subjectKey(rec.SubjectType, rec.SubjectID), hash)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.DatabaseError(err)
	}
	return nil
}

// DestroyAllFor implements Store.
func (s *RedisStore) DestroyAllFor(ctx context.Context, subjectType, subjectID string) (int64, error) {
	idx := subjectKey(subjectType, subjectID)
	hashes, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return 0, errors.DatabaseError(err)
	}

	var destroyed int64
	for _, hash := range hashes {
		n, err := s.client.Del(ctx, sessionKey(hash)).Result()
		if err != nil {
			return destroyed, errors.DatabaseError(err)
		}
		destroyed += n
	}
	if err := s.client.Del(ctx, idx).Err(); err != nil {
		return destroyed, errors.DatabaseError(err)
	}
	return destroyed, nil
}
