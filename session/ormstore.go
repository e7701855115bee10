package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/authkit/errors"
	"github.com/kbukum/authkit/orm"
	"github.com/kbukum/authkit/password"
)

const sessionsTable = "sessions"

// tokenBytes is the random length of opaque session tokens (hex doubles it).
const tokenBytes = 32

// OrmStore persists sessions in the "sessions" logical table. Tokens are
// stored as SHA-256 hashes; the raw token exists only in the response
// that carries it to the client.
type OrmStore struct {
	db orm.Orm

	// rotateWithin is the window before expiry in which a checked token
	// is replaced with a fresh one.
	rotateWithin time.Duration

	now func() time.Time
}

// NewOrmStore builds a store over the given Orm.
func NewOrmStore(db orm.Orm, rotateWithin time.Duration) *OrmStore {
	return &OrmStore{db: db, rotateWithin: rotateWithin, now: time.Now}
}

// Issue implements Store.
func (s *OrmStore) Issue(ctx context.Context, subjectType, subjectID string, ttl time.Duration, device *DeviceInfo) (*Session, error) {
	token, err := password.GenerateToken(tokenBytes)
	if err != nil {
		return nil, errors.Internal(err)
	}

	now := s.now().UTC()
	row := orm.Row{
		"id":           uuid.NewString(),
		"subject_type": subjectType,
		"subject_id":   subjectID,
		"token_hash":   password.HashSHA256(token),
		"created_at":   now,
		"expires_at":   now.Add(ttl),
	}
	if device != nil {
		row["ip_address"] = device.IPAddress
		row["user_agent"] = device.UserAgent
	}

	if _, err := s.db.Create(ctx, sessionsTable, row); err != nil {
		return nil, errors.DatabaseError(err)
	}
	return &Session{
		Token:       token,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// Check implements Store. Expired rows are deleted on sight. Tokens
// inside the rotation window are replaced: the row is rewritten with a
// fresh token hash and a fresh full lifetime, and the new token is
// returned to the caller.
func (s *OrmStore) Check(ctx context.Context, token string) (*Session, error) {
	hash := password.HashSHA256(token)
	row, err := s.db.FindFirst(ctx, sessionsTable, orm.Query{
		Where: orm.Where{orm.Eq("token_hash", hash)},
	})
	if err != nil {
		return nil, errors.DatabaseError(err)
	}
	if row == nil {
		return nil, nil
	}

	now := s.now().UTC()
	expiresAt := row.Time("expires_at")
	if !expiresAt.After(now) {
		_, _ = s.db.DeleteMany(ctx, sessionsTable, orm.Where{orm.Eq("token_hash", hash)})
		return nil, nil
	}

	sess := &Session{
		Token:       token,
		SubjectType: row.String("subject_type"),
		SubjectID:   row.String("subject_id"),
		CreatedAt:   row.Time("created_at"),
		ExpiresAt:   expiresAt,
		Payload:     decodePayload(row["payload"]),
	}

	createdAt := row.Time("created_at")
	ttl := expiresAt.Sub(createdAt)
	if s.rotateWithin > 0 && expiresAt.Sub(now) < s.rotateWithin {
		fresh, err := password.GenerateToken(tokenBytes)
		if err != nil {
			return nil, errors.Internal(err)
		}
		_, err = s.db.UpdateMany(ctx, sessionsTable,
			orm.Where{orm.Eq("token_hash", hash)},
			orm.Row{
				"token_hash": password.HashSHA256(fresh),
				"created_at": now,
				"expires_at": now.Add(ttl),
			})
		if err != nil {
			return nil, errors.DatabaseError(err)
		}
		sess.Token = fresh
		sess.CreatedAt = now
		sess.ExpiresAt = now.Add(ttl)
	}
	return sess, nil
}

// Destroy implements Store.
func (s *OrmStore) Destroy(ctx context.Context, token string) error {
	_, err := s.db.DeleteMany(ctx, sessionsTable, orm.Where{
		orm.Eq("token_hash", password.HashSHA256(token)),
	})
	if err != nil {
		return errors.DatabaseError(err)
	}
	return nil
}

// DestroyAllFor implements Store.
func (s *OrmStore) DestroyAllFor(ctx context.Context, subjectType, subjectID string) (int64, error) {
	n, err := s.db.DeleteMany(ctx, sessionsTable, orm.Where{
		orm.Eq("subject_type", subjectType),
		orm.Eq("subject_id", subjectID),
	})
	if err != nil {
		return 0, errors.DatabaseError(err)
	}
	return n, nil
}

// PurgeExpired deletes all expired session rows and returns the count.
// The cleanup scheduler calls this periodically.
func (s *OrmStore) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.db.DeleteMany(ctx, sessionsTable, orm.Where{
		orm.Lte("expires_at", s.now().UTC()),
	})
	if err != nil {
		return 0, errors.DatabaseError(err)
	}
	return n, nil
}

func decodePayload(v any) map[string]any {
	switch p := v.(type) {
	case map[string]any:
		return p
	case string:
		if p == "" {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(p), &m); err == nil {
			return m
		}
	}
	return nil
}
