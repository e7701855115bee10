package session

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kbukum/authkit/errors"
)

// JWTStore is the stateless token strategy: sessions are self-contained
// signed tokens and nothing is persisted.
//
// Trade-offs relative to the store-backed strategies: no rotation, and
// Destroy/DestroyAllFor cannot revoke outstanding tokens. Hosts that
// need revocation should use the opaque strategy.
type JWTStore struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTStore builds a stateless store signing with HMAC-SHA256.
func NewJWTStore(secret, issuer string) *JWTStore {
	return &JWTStore{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue implements Store.
func (s *JWTStore) Issue(ctx context.Context, subjectType, subjectID string, ttl time.Duration, device *DeviceInfo) (*Session, error) {
	now := s.now().UTC()
	expiresAt := now.Add(ttl)

	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": subjectID,
		"typ": subjectType,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"jti": uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, errors.Internal(err)
	}
	return &Session{
		Token:       token,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}, nil
}

// Check implements Store. Malformed, mis-signed, and expired tokens all
// resolve to (nil, nil).
func (s *JWTStore) Check(ctx context.Context, token string) (*Session, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil || !parsed.Valid {
		return nil, nil
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, nil
	}
	sub, _ := claims["sub"].(string)
	typ, _ := claims["typ"].(string)
	if sub == "" || typ == "" {
		return nil, nil
	}

	sess := &Session{Token: token, SubjectType: typ, SubjectID: sub}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		sess.CreatedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		sess.ExpiresAt = exp.Time
	}
	return sess, nil
}

// Destroy implements Store. Stateless tokens cannot be revoked; the call
// succeeds so that logout stays idempotent across strategies.
func (s *JWTStore) Destroy(ctx context.Context, token string) error { return nil }

// DestroyAllFor implements Store. No sessions are persisted, so there is
// nothing to destroy.
func (s *JWTStore) DestroyAllFor(ctx context.Context, subjectType, subjectID string) (int64, error) {
	return 0, nil
}
