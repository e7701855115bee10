// Package session implements the session and subject-resolution service.
//
// The service mints opaque tokens bound to a (subjectType, subjectId)
// pair through a pluggable Store. Subject lookup and sensitive-field
// sanitization are delegated to a Resolver registered per subject type.
//
// Token rotation: a Store may return a different token when a session is
// checked close to expiry. Callers must always propagate the returned
// token to the client, even when they sent a different one.
package session

import (
	"context"
	"time"
)

// DeviceInfo carries transport-level request metadata into the session
// layer. It is informational: stores persist it for auditing but never
// use it to authenticate.
type DeviceInfo struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Session is a live session as seen by the service.
type Session struct {
	Token       string         `json:"token"`
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Store is the token strategy behind the service.
//
// Check returns (nil, nil) for unknown, malformed, or expired tokens;
// failures to resolve a token are not errors. The returned session's
// Token may differ from the input when the store rotates near expiry.
type Store interface {
	Issue(ctx context.Context, subjectType, subjectID string, ttl time.Duration, device *DeviceInfo) (*Session, error)
	Check(ctx context.Context, token string) (*Session, error)
	Destroy(ctx context.Context, token string) error
	DestroyAllFor(ctx context.Context, subjectType, subjectID string) (int64, error)
}

// Resolver loads and sanitizes the subject bound to a session. The
// returned map must not contain sensitive fields (password hashes,
// encrypted tokens); the service passes it to callers verbatim.
type Resolver interface {
	ResolveSubject(ctx context.Context, subjectID string) (map[string]any, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, subjectID string) (map[string]any, error)

// ResolveSubject implements Resolver.
func (f ResolverFunc) ResolveSubject(ctx context.Context, subjectID string) (map[string]any, error) {
	return f(ctx, subjectID)
}

// CheckResult is the outcome of validating a token.
type CheckResult struct {
	Valid bool `json:"valid"`

	// Subject is the sanitized subject record, nil when no resolver is
	// registered for the subject type.
	Subject map[string]any `json:"subject,omitempty"`

	// Token is the token the caller must hand back to the client. It may
	// differ from the checked token when the store rotated it.
	Token string `json:"token,omitempty"`

	// Payload is the session payload stored at issuance.
	Payload map[string]any `json:"payload,omitempty"`

	// Type is the subject type bound to the session.
	Type string `json:"type,omitempty"`
}

// SanitizeSubject removes the named fields from a subject record.
// Resolvers use it to strip secrets before returning.
func SanitizeSubject(subject map[string]any, sensitive ...string) map[string]any {
	if subject == nil {
		return nil
	}
	out := make(map[string]any, len(subject))
	for k, v := range subject {
		out[k] = v
	}
	for _, f := range sensitive {
		delete(out, f)
	}
	return out
}
