// Package oauth implements the generic OAuth subsystem: provider
// configuration lookup, the OAuth 2.0 authorization-code flow with
// PKCE, the OAuth 1.0a three-legged flow, and the connection records
// that bind provider identities to local subjects.
//
// Provider tokens are encrypted before they reach storage and are never
// logged. Handshake state (authorization sessions, request tokens) is
// short-lived and single-use.
package oauth

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kbukum/authkit/config"
	"github.com/kbukum/authkit/encryption"
	"github.com/kbukum/authkit/errors"
	"github.com/kbukum/authkit/logger"
	"github.com/kbukum/authkit/orm"
)

// Logical table names used by the subsystem.
const (
	authSessionsTable  = "generic_oauth_authorization_sessions"
	requestTokensTable = "generic_oauth1_request_tokens"
	connectionsTable   = "generic_oauth_connections"
	subjectsTable      = "subjects"
)

// Service owns the OAuth state machines.
type Service struct {
	cfg       config.OAuthConfig
	db        orm.Orm
	enc       encryption.Encryptor
	transport ProviderTransport
	log       *logger.Logger
	now       func() time.Time
}

// NewService wires the subsystem. enc may be nil only in tests; with
// providers configured, config validation demands an encryption key.
func NewService(cfg config.OAuthConfig, db orm.Orm, enc encryption.Encryptor, transport ProviderTransport, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	if transport == nil {
		transport = NewHTTPTransport(nil)
	}
	return &Service{
		cfg:       cfg,
		db:        db,
		enc:       enc,
		transport: transport,
		log:       log.WithComponent("oauth"),
		now:       time.Now,
	}
}

// provider resolves a configured, active provider of the given version.
// Unknown, inactive, and wrong-version providers are indistinguishable
// to callers: all are provider_not_found.
func (s *Service) provider(id, version string) (config.OAuthProvider, *FlowError) {
	p, ok := s.cfg.Providers[id]
	if !ok || !p.IsActive() || p.Version != version {
		return config.OAuthProvider{}, flowErr(StatusProviderNotFound, fmt.Sprintf("no active OAuth %s provider %q", version, id))
	}
	return p, nil
}

// Providers lists the configured active provider ids and versions, for
// discovery. Secrets never leave this package.
func (s *Service) Providers() map[string]string {
	out := make(map[string]string, len(s.cfg.Providers))
	for id, p := range s.cfg.Providers {
		if p.IsActive() {
			out[id] = p.Version
		}
	}
	return out
}

func (s *Service) authorizationTTL() time.Duration {
	return time.Duration(s.cfg.AuthorizationTTLSeconds) * time.Second
}

// encrypt protects a secret for storage. A nil encryptor passes values
// through; configuration validation prevents that outside of tests.
func (s *Service) encrypt(plain string) (string, error) {
	if s.enc == nil || plain == "" {
		return plain, nil
	}
	return s.enc.Encrypt(plain)
}

func (s *Service) decrypt(stored string) (string, error) {
	if s.enc == nil || stored == "" {
		return stored, nil
	}
	return s.enc.Decrypt(stored)
}

// Profile is the normalized view of a provider's user-info payload.
type Profile struct {
	ID     string `json:"id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// defaultProfileMap is used when a provider configures no profile_map.
var defaultProfileMap = map[string]string{
	"id":     "id",
	"email":  "email",
	"name":   "name",
	"avatar": "avatar_url",
}

// mapProfile normalizes a raw user-info payload through the provider's
// profile map. Paths are dotted: "data.user.id" descends nested objects.
func mapProfile(raw map[string]any, profileMap map[string]string) Profile {
	pm := profileMap
	if len(pm) == 0 {
		pm = defaultProfileMap
	}
	get := func(field string) string {
		path, ok := pm[field]
		if !ok {
			path = defaultProfileMap[field]
		}
		return lookupPath(raw, path)
	}
	return Profile{
		ID:     get("id"),
		Email:  get("email"),
		Name:   get("name"),
		Avatar: get("avatar"),
	}
}

// lookupPath resolves a dotted path into nested maps and stringifies
// the leaf. Missing segments yield "".
func lookupPath(raw map[string]any, path string) string {
	if path == "" {
		return ""
	}
	var current any = raw
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = m[seg]
		if !ok {
			return ""
		}
	}
	return stringify(current)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; provider user ids are integral.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// dbErr wraps a storage failure.
func dbErr(err error) error {
	if appErr, ok := err.(*errors.AppError); ok {
		return appErr
	}
	return errors.DatabaseError(err)
}
