package oauth

import (
	"context"
	"net/url"

	"github.com/google/uuid"

	"github.com/kbukum/authkit/logger"
	"github.com/kbukum/authkit/orm"
)

// BeginOAuth1Input starts an OAuth 1.0a handshake.
type BeginOAuth1Input struct {
	ProviderID  string
	CallbackURL string

	// SubjectType and SubjectID are set for link flows, as in OAuth 2.0.
	SubjectType string
	SubjectID   string
}

// BeginOAuth1Result is what the client needs to continue at the provider.
type BeginOAuth1Result struct {
	AuthorizationURL string `json:"authorization_url"`
	RequestToken     string `json:"request_token"`
}

// BeginOAuth1 performs the request-token leg of the three-legged flow
// and persists the request token pair for the callback.
func (s *Service) BeginOAuth1(ctx context.Context, in BeginOAuth1Input) (*BeginOAuth1Result, error) {
	p, ferr := s.provider(in.ProviderID, "1.0a")
	if ferr != nil {
		return nil, ferr
	}

	rt, err := s.transport.ObtainRequestToken(ctx, p, in.CallbackURL)
	if err != nil {
		s.log.Warn("request token leg failed", logger.Fields(logger.FieldProvider, in.ProviderID, logger.FieldError, err.Error()))
		return nil, flowErrCause(StatusExchangeFailed, "request token leg failed", err)
	}
	// RFC 5849 2.1: proceeding without a confirmed callback would let
	// the provider redirect the verifier anywhere.
	if !rt.CallbackConfirmed {
		return nil, flowErr(StatusExchangeFailed, "provider did not confirm the callback")
	}

	encSecret, err := s.encrypt(rt.TokenSecret)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	row := orm.Row{
		"id":                   uuid.NewString(),
		"provider_id":          in.ProviderID,
		"request_token":        rt.Token,
		"request_token_secret": encSecret,
		"callback_confirmed":   rt.CallbackConfirmed,
		"created_at":           now,
		"expires_at":           now.Add(s.authorizationTTL()),
	}
	if in.SubjectType != "" && in.SubjectID != "" {
		row["subject_type"] = in.SubjectType
		row["subject_id"] = in.SubjectID
	}
	if _, err := s.db.Create(ctx, requestTokensTable, row); err != nil {
		return nil, dbErr(err)
	}

	q := url.Values{"oauth_token": {rt.Token}}
	return &BeginOAuth1Result{
		AuthorizationURL: appendQuery(p.AuthorizeURL, q),
		RequestToken:     rt.Token,
	}, nil
}

// CompleteOAuth1Input finishes an OAuth 1.0a handshake with the
// provider's callback parameters.
type CompleteOAuth1Input struct {
	OAuthToken    string
	OAuthVerifier string
}

// CompleteOAuth1 finishes the three-legged flow: it consumes the stored
// request token (single use), exchanges it for an access token pair,
// and links the connection like the 2.0 flow does.
func (s *Service) CompleteOAuth1(ctx context.Context, in CompleteOAuth1Input) (*CompleteAuthorizationResult, error) {
	row, err := s.db.FindFirst(ctx, requestTokensTable, orm.Query{
		Where: orm.Where{orm.Eq("request_token", in.OAuthToken)},
	})
	if err != nil {
		return nil, dbErr(err)
	}
	if row == nil {
		return nil, flowErr(StatusSessionNotFound, "no pending handshake for this token")
	}

	now := s.now().UTC()
	if !row.Time("expires_at").After(now) {
		_, _ = s.db.DeleteMany(ctx, requestTokensTable, orm.Where{orm.Eq("id", row.String("id"))})
		return nil, flowErr(StatusSessionExpired, "handshake expired")
	}

	updated, err := s.db.UpdateMany(ctx, requestTokensTable,
		orm.Where{orm.Eq("id", row.String("id")), orm.IsNull("completed_at")},
		orm.Row{"completed_at": now})
	if err != nil {
		return nil, dbErr(err)
	}
	if updated == 0 {
		return nil, flowErr(StatusSessionNotFound, "handshake already completed")
	}

	providerID := row.String("provider_id")
	p, ferr := s.provider(providerID, "1.0a")
	if ferr != nil {
		return nil, ferr
	}

	requestSecret, err := s.decrypt(row.String("request_token_secret"))
	if err != nil {
		return nil, err
	}

	token, secret, extras, xerr := s.transport.ExchangeRequestToken(ctx, p, in.OAuthToken, requestSecret, in.OAuthVerifier)
	if xerr != nil {
		s.log.Warn("access token leg failed", logger.Fields(logger.FieldProvider, providerID, logger.FieldError, xerr.Error()))
		return nil, flowErrCause(StatusExchangeFailed, "access token leg failed", xerr)
	}

	// OAuth 1.0a providers return the user identity alongside the token.
	providerUserID := extras["user_id"]
	if providerUserID == "" {
		providerUserID = extras["screen_name"]
	}
	if providerUserID == "" {
		return nil, flowErr(StatusExchangeFailed, "provider returned no user identity")
	}
	profile := Profile{ID: providerUserID, Name: extras["screen_name"]}

	conn, err := s.linkConnection(ctx, linkInput{
		ProviderID:     providerID,
		ProviderUserID: providerUserID,
		Profile:        profile,
		Tokens:         &TokenResponse{AccessToken: token},
		TokenSecret:    secret,
		SubjectType:    row.String("subject_type"),
		SubjectID:      row.String("subject_id"),
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("oauth1 handshake completed", logger.Fields(
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
