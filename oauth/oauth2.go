package oauth

import (
	"context"
	"crypto/subtle"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/authkit/logger"
	"github.com/kbukum/authkit/orm"
)

// BeginAuthorizationInput starts an OAuth 2.0 handshake.
type BeginAuthorizationInput struct {
	ProviderID  string
	RedirectURI string

	// Scopes override the provider's configured scopes when non-empty.
	Scopes []string

	// SubjectType and SubjectID are set when a logged-in subject is
	// linking a new provider rather than logging in.
	SubjectType string
	SubjectID   string
}

// BeginAuthorizationResult is what the client needs to continue the
// handshake at the provider.
type BeginAuthorizationResult struct {
	SessionID        string `json:"session_id"`
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

// BeginAuthorization starts the OAuth 2.0 authorization-code flow:
// it mints state and a PKCE pair, persists the handshake, and builds
// the provider authorization URL.
func (s *Service) BeginAuthorization(ctx context.Context, in BeginAuthorizationInput) (*BeginAuthorizationResult, error) {
	p, ferr := s.provider(in.ProviderID, "2.0")
	if ferr != nil {
		return nil, ferr
	}

	state, err := generateState()
	if err != nil {
		return nil, err
	}

	var pkce *pkcePair
	if !p.DisablePKCE {
		pkce, err = generatePKCE()
		if err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	row := orm.Row{
		"id":           uuid.NewString(),
		"provider_id":  in.ProviderID,
		"state":        state,
		"redirect_uri": in.RedirectURI,
		"created_at":   now,
		"expires_at":   now.Add(s.authorizationTTL()),
	}
	if pkce != nil {
		verifier, err := s.encrypt(pkce.Verifier)
		if err != nil {
			return nil, err
		}
		row["code_verifier"] = verifier
	}
	if in.SubjectType != "" && in.SubjectID != "" {
		row["subject_type"] = in.SubjectType
		row["subject_id"] = in.SubjectID
	}
	created, err := s.db.Create(ctx, authSessionsTable, row)
	if err != nil {
		return nil, dbErr(err)
	}

	scopes := in.Scopes
	if len(scopes) == 0 {
		scopes = p.Scopes
	}
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {p.ClientID},
		"state":         {state},
	}
	if in.RedirectURI != "" {
		q.Set("redirect_uri", in.RedirectURI)
	}
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}
	if pkce != nil {
		q.Set("code_challenge", pkce.Challenge)
		q.Set("code_challenge_method", pkce.Method)
	}

	s.log.Debug("authorization started", logger.Fields(logger.FieldProvider, in.ProviderID))
	return &BeginAuthorizationResult{
		SessionID:        created.String("id"),
		AuthorizationURL: appendQuery(p.AuthorizationURL, q),
		State:            state,
	}, nil
}

// appendQuery joins query parameters onto a URL that may already carry some.
func appendQuery(rawURL string, q url.Values) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + q.Encode()
}

// CompleteAuthorizationInput finishes an OAuth 2.0 handshake with the
// provider's callback parameters.
type CompleteAuthorizationInput struct {
	// SessionID addresses the handshake directly when the client kept
	// it; otherwise the handshake is located by State.
	SessionID string
	State     string
	Code      string

	// Error and ErrorDescription echo the provider's callback error
	// parameters. A non-empty Error fails the handshake immediately.
	Error            string
	ErrorDescription string
}

// CompleteAuthorizationResult reports the established connection.
type CompleteAuthorizationResult struct {
	ConnectionID string  `json:"connection_id"`
	SubjectType  string  `json:"subject_type"`
	SubjectID    string  `json:"subject_id"`
	ProviderID   string  `json:"provider_id"`
	Profile      Profile `json:"profile"`

	// SubjectCreated reports whether a new local subject was minted for
	// this provider identity.
	SubjectCreated bool `json:"subject_created"`
}

// CompleteAuthorization finishes the OAuth 2.0 flow: it consumes the
// handshake (single use), exchanges the code, fetches and normalizes
// the profile, upserts the connection, and encrypts tokens at rest.
func (s *Service) CompleteAuthorization(ctx context.Context, in CompleteAuthorizationInput) (*CompleteAuthorizationResult, error) {
	// Provider-reported errors fail before any lookup or exchange.
	if in.Error != "" {
		return nil, flowErr(StatusExchangeFailed, providerCallbackError(in.Error, in.ErrorDescription))
	}

	row, ferr := s.consumeAuthSession(ctx, in.SessionID, in.State)
	if ferr != nil {
		return nil, ferr
	}
	providerID := row.String("provider_id")
	p, ferr := s.provider(providerID, "2.0")
	if ferr != nil {
		return nil, ferr
	}

	verifier, err := s.decrypt(row.String("code_verifier"))
	if err != nil {
		return nil, err
	}

	tokens, xerr := s.transport.ExchangeCode(ctx, p, in.Code, row.String("redirect_uri"), verifier)
	if xerr != nil {
		s.log.Warn("token exchange failed", logger.Fields(logger.FieldProvider, providerID, logger.FieldError, xerr.Error()))
		return nil, flowErrCause(StatusExchangeFailed, "token exchange failed", xerr)
	}

	var raw map[string]any
	if p.UserInfoURL != "" {
		raw, err = s.transport.FetchProfile(ctx, p, tokens.AccessToken)
		if err != nil {
			return nil, flowErrCause(StatusExchangeFailed, "profile fetch failed", err)
		}
	}
	profile := mapProfile(raw, p.ProfileMap)
	if profile.ID == "" {
		return nil, flowErr(StatusExchangeFailed, "provider profile carries no usable id")
	}

	conn, err := s.linkConnection(ctx, linkInput{
		ProviderID:     providerID,
		ProviderUserID: profile.ID,
		Profile:        profile,
		Tokens:         tokens,
		SubjectType:    row.String("subject_type"),
		SubjectID:      row.String("subject_id"),
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("authorization completed", logger.Fields(
		logger.FieldProvider, providerID,
		logger.FieldSubjectType, conn.SubjectType,
		logger.FieldSubjectID, conn.SubjectID,
	))
	return &CompleteAuthorizationResult{
		ConnectionID:   conn.ID,
		SubjectType:    conn.SubjectType,
		SubjectID:      conn.SubjectID,
		ProviderID:     providerID,
		Profile:        profile,
		SubjectCreated: conn.SubjectCreated,
	}, nil
}

func providerCallbackError(code, description string) string {
	if description != "" {
		return "provider returned " + code + ": " + description
	}
	return "provider returned " + code
}

// consumeAuthSession locates the handshake, verifies state byte for
// byte, checks expiry, and marks it completed exactly once.
func (s *Service) consumeAuthSession(ctx context.Context, sessionID, state string) (orm.Row, *FlowError) {
	var (
		row orm.Row
		err error
	)
	if sessionID != "" {
		row, err = s.db.FindFirst(ctx, authSessionsTable, orm.Query{
			Where: orm.Where{orm.Eq("id", sessionID)},
		})
	} else {
		row, err = s.db.FindFirst(ctx, authSessionsTable, orm.Query{
			Where: orm.Where{orm.Eq("state", state)},
		})
	}
	if err != nil {
		return nil, flowErrCause(StatusSessionNotFound, "authorization session lookup failed", err)
	}
	if row == nil {
		return nil, flowErr(StatusSessionNotFound, "no authorization session for this callback")
	}

	stored := row.String("state")
	if subtle.ConstantTimeCompare([]byte(stored), []byte(state)) != 1 {
		return nil, flowErr(StatusInvalidState, "state does not match the authorization session")
	}

	now := s.now().UTC()
	if !row.Time("expires_at").After(now) {
		_, _ = s.db.DeleteMany(ctx, authSessionsTable, orm.Where{orm.Eq("id", row.String("id"))})
		return nil, flowErr(StatusSessionExpired, "authorization session expired")
	}

	// Single use: the first completion wins, replays lose.
	updated, err := s.db.UpdateMany(ctx, authSessionsTable,
		orm.Where{orm.Eq("id", row.String("id")), orm.IsNull("completed_at")},
		orm.Row{"completed_at": now})
	if err != nil {
		return nil, flowErrCause(StatusSessionNotFound, "authorization session update failed", err)
	}
	if updated == 0 {
		return nil, flowErr(StatusSessionNotFound, "authorization session already completed")
	}
	return row, nil
}

// RefreshConnectionResult reports a completed token refresh.
type RefreshConnectionResult struct {
	ConnectionID string    `json:"connection_id"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// RefreshConnection exchanges a connection's refresh token for fresh
// tokens and rewrites the stored (encrypted) values.
func (s *Service) RefreshConnection(ctx context.Context, connectionID string) (*RefreshConnectionResult, error) {
	row, err := s.db.FindFirst(ctx, connectionsTable, orm.Query{
		Where: orm.Where{orm.Eq("id", connectionID)},
	})
	if err != nil {
		return nil, dbErr(err)
	}
	if row == nil {
		return nil, flowErr(StatusConnectionNotFound, "no such connection")
	}

	p, ferr := s.provider(row.String("provider_id"), "2.0")
	if ferr != nil {
		return nil, ferr
	}

	refreshToken, err := s.decrypt(row.String("refresh_token"))
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, flowErr(StatusExchangeFailed, "connection has no refresh token")
	}

	tokens, xerr := s.transport.RefreshToken(ctx, p, refreshToken)
	if xerr != nil {
		return nil, flowErrCause(StatusExchangeFailed, "token refresh failed", xerr)
	}

	set, expiresAt, err := s.tokenColumns(tokens)
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		// Providers that do not rotate refresh tokens omit them; keep the old one.
		delete(set, "refresh_token")
	}
	set["updated_at"] = s.now().UTC()
	if _, err := s.db.UpdateMany(ctx, connectionsTable, orm.Where{orm.Eq("id", connectionID)}, set); err != nil {
		return nil, dbErr(err)
	}
	return &RefreshConnectionResult{ConnectionID: connectionID, ExpiresAt: expiresAt}, nil
}

// tokenColumns builds the encrypted token column set for a connection row.
func (s *Service) tokenColumns(tokens *TokenResponse) (orm.Row, time.Time, error) {
	access, err := s.encrypt(tokens.AccessToken)
	if err != nil {
		return nil, time.Time{}, err
	}
	refresh, err := s.encrypt(tokens.RefreshToken)
	if err != nil {
		return nil, time.Time{}, err
	}
	set := orm.Row{
		"access_token":  access,
		"refresh_token": refresh,
		"scope":         tokens.Scope,
	}
	var expiresAt time.Time
	if tokens.ExpiresIn > 0 {
		expiresAt = s.now().UTC().Add(time.Duration(tokens.ExpiresIn) * time.Second)
		set["token_expires_at"] = expiresAt
	}
	return set, expiresAt, nil
}
