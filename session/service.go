package session

import (
	"context"
	"sync"
	"time"

	"github.com/kbukum/authkit/errors"
	"github.com/kbukum/authkit/logger"
)

// Service is the session authority. It issues, checks, and destroys
// sessions through a Store, and resolves subjects through the resolvers
// registered per subject type.
type Service struct {
	store      Store
	defaultTTL time.Duration
	log        *logger.Logger

	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewService builds a session service on top of a Store.
func NewService(store Store, defaultTTL time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:      store,
		defaultTTL: defaultTTL,
		log:        log.WithComponent("session"),
		resolvers:  make(map[string]Resolver),
	}
}

// RegisterResolver registers the subject resolver for a subject type.
// Registering the same type twice is a programming error and fails with
// RESOLVER_ALREADY_REGISTERED; the first registration stays in effect.
func (s *Service) RegisterResolver(subjectType string, r Resolver) error {
	if subjectType == "" {
		return errors.Validation("subject type must not be empty")
	}
	if r == nil {
		return errors.Validation("resolver must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resolvers[subjectType]; ok {
		return errors.ResolverAlreadyRegistered(subjectType)
	}
	s.resolvers[subjectType] = r
	return nil
}

// Resolver returns the resolver registered for a subject type, if any.
func (s *Service) Resolver(subjectType string) (Resolver, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resolvers[subjectType]
	return r, ok
}

// CreateFor issues a session for an arbitrary subject. A zero ttl uses
// the service default.
func (s *Service) CreateFor(ctx context.Context, subjectType, subjectID string, ttl time.Duration, device *DeviceInfo) (*Session, error) {
	if subjectType == "" || subjectID == "" {
		return nil, errors.Validation("subject type and id are required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	sess, err := s.store.Issue(ctx, subjectType, subjectID, ttl, device)
	if err != nil {
		return nil, err
	}
	s.log.Debug("session issued", logger.Fields(
		logger.FieldSubjectType, subjectType,
		logger.FieldSubjectID, subjectID,
	))
	return sess, nil
}

// Check validates a token and resolves its subject. Invalid, expired,
// or unknown tokens produce {Valid: false}, never an error: failing to
// authenticate is an outcome, not a fault.
func (s *Service) Check(ctx context.Context, token string) (*CheckResult, error) {
	if token == "" {
		return &CheckResult{Valid: false}, nil
	}

	sess, err := s.store.Check(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return &CheckResult{Valid: false}, nil
	}

	res := &CheckResult{
		Valid:   true,
		Token:   sess.Token,
		Payload: sess.Payload,
		Type:    sess.SubjectType,
	}

	if r, ok := s.Resolver(sess.SubjectType); ok {
		subject, err := r.ResolveSubject(ctx, sess.SubjectID)
		if err != nil {
			return nil, err
		}
		if subject == nil {
			// The subject vanished under the session. Treat the token as dead.
			_ = s.store.Destroy(ctx, token)
			return &CheckResult{Valid: false}, nil
		}
		res.Subject = subject
	}
	return res, nil
}

// Destroy invalidates a session. Destroying an unknown or already
// destroyed token succeeds: the post-condition holds either way.
func (s *Service) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.store.Destroy(ctx, token)
}

// DestroyAllFor invalidates every session bound to a subject and
// returns how many were destroyed.
func (s *Service) DestroyAllFor(ctx context.Context, subjectType, subjectID string) (int64, error) {
	n, err := s.store.DestroyAllFor(ctx, subjectType, subjectID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("sessions destroyed for subject", logger.Fields(
			logger.FieldSubjectType, subjectType,
			logger.FieldSubjectID, subjectID,
			"count", n,
		))
	}
	return n, nil
}

// DefaultTTL returns the service's default session lifetime.
func (s *Service) DefaultTTL() time.Duration { return s.defaultTTL }
