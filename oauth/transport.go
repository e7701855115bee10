package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kbukum/authkit/config"
)

// TokenResponse is a provider's token endpoint response, normalized
// across JSON and form-encoded bodies.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	ExpiresIn    int64
	Scope        string
}

// RequestTokenResponse is a provider's OAuth 1.0a request-token leg
// response. CallbackConfirmed reflects oauth_callback_confirmed; RFC
// 5849 requires clients to verify it before redirecting the user.
type RequestTokenResponse struct {
	Token             string
	TokenSecret       string
	CallbackConfirmed bool
}

// ProviderTransport is the HTTP surface of the OAuth flows. The state
// machines in this package never talk to providers directly; they go
// through this interface so tests can substitute a fake provider.
type ProviderTransport interface {
	// ExchangeCode swaps an OAuth 2.0 authorization code for tokens.
	ExchangeCode(ctx context.Context, p config.OAuthProvider, code, redirectURI, codeVerifier string) (*TokenResponse, error)

	// RefreshToken obtains fresh tokens from a refresh token.
	RefreshToken(ctx context.Context, p config.OAuthProvider, refreshToken string) (*TokenResponse, error)

	// FetchProfile retrieves the raw user-info payload with a bearer token.
	FetchProfile(ctx context.Context, p config.OAuthProvider, accessToken string) (map[string]any, error)

	// ObtainRequestToken performs the OAuth 1.0a request-token leg.
	ObtainRequestToken(ctx context.Context, p config.OAuthProvider, callbackURL string) (*RequestTokenResponse, error)

	// ExchangeRequestToken performs the OAuth 1.0a access-token leg. The
	// returned values map carries provider extras such as user_id.
	ExchangeRequestToken(ctx context.Context, p config.OAuthProvider, requestToken, requestSecret, verifier string) (token, secret string, values map[string]string, err error)
}

// HTTPTransport is the production ProviderTransport over net/http.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds a transport; a nil client gets a 30 second
// timeout default.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{client: client}
}

// ExchangeCode implements ProviderTransport.
func (t *HTTPTransport) ExchangeCode(ctx context.Context, p config.OAuthProvider, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {p.ClientID},
		"redirect_uri": {redirectURI},
	}
	if p.ClientSecret != "" {
		form.Set("client_secret", p.ClientSecret)
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	return t.tokenRequest(ctx, p.TokenURL, form)
}

// RefreshToken implements ProviderTransport.
func (t *HTTPTransport) RefreshToken(ctx context.Context, p config.OAuthProvider, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.ClientID},
	}
	if p.ClientSecret != "" {
		form.Set("client_secret", p.ClientSecret)
	}
	return t.tokenRequest(ctx, p.TokenURL, form)
}

func (t *HTTPTransport) tokenRequest(ctx context.Context, endpoint string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, contentType, err := t.do(req)
	if err != nil {
		return nil, err
	}
	return parseTokenResponse(body, contentType)
}

// FetchProfile implements ProviderTransport.
func (t *HTTPTransport) FetchProfile(ctx context.Context, p config.OAuthProvider, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	body, _, err := t.do(req)
	if err != nil {
		return nil, err
	}
	var profile map[string]any
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("oauth: decode profile: %w", err)
	}
	return profile, nil
}

// ObtainRequestToken implements ProviderTransport.
func (t *HTTPTransport) ObtainRequestToken(ctx context.Context, p config.OAuthProvider, callbackURL string) (*RequestTokenResponse, error) {
	s := newSigner(p.ClientID, p.ClientSecret, p.SignatureMethod)
	extra := map[string]string{"oauth_callback": callbackURL}
	if callbackURL == "" {
		extra["oauth_callback"] = "oob"
	}

	values, err := t.signedPost(ctx, p.RequestTokenURL, s.authorizationHeader(http.MethodPost, p.RequestTokenURL, extra, ""))
	if err != nil {
		return nil, err
	}
	token, secret := values.Get("oauth_token"), values.Get("oauth_token_secret")
	if token == "" || secret == "" {
		return nil, fmt.Errorf("oauth: request token response missing oauth_token")
	}
	return &RequestTokenResponse{
		Token:             token,
		TokenSecret:       secret,
		CallbackConfirmed: values.Get("oauth_callback_confirmed") == "true",
	}, nil
}

// ExchangeRequestToken implements ProviderTransport.
func (t *HTTPTransport) ExchangeRequestToken(ctx context.Context, p config.OAuthProvider, requestToken, requestSecret, verifier string) (string, string, map[string]string, error) {
	s := newSigner(p.ClientID, p.ClientSecret, p.SignatureMethod)
	extra := map[string]string{
		"oauth_token":    requestToken,
		"oauth_verifier": verifier,
	}

	values, err := t.signedPost(ctx, p.AccessTokenURL, s.authorizationHeader(http.MethodPost, p.AccessTokenURL, extra, requestSecret))
	if err != nil {
		return "", "", nil, err
	}
	token, secret := values.Get("oauth_token"), values.Get("oauth_token_secret")
	if token == "" || secret == "" {
		return "", "", nil, fmt.Errorf("oauth: access token response missing oauth_token")
	}

	extras := make(map[string]string, len(values))
	for k := range values {
		extras[k] = values.Get(k)
	}
	return token, secret, extras, nil
}

func (t *HTTPTransport) signedPost(ctx context.Context, endpoint, authorization string) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authorization)

	body, _, err := t.do(req)
	if err != nil {
		return nil, err
	}
	return url.ParseQuery(string(body))
}

func (t *HTTPTransport) do(req *http.Request) ([]byte, string, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("oauth: provider returned %d: %s", resp.StatusCode, truncate(string(body), 256))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// parseTokenResponse handles both JSON and form-encoded token bodies;
// several large providers still answer with the latter.
func parseTokenResponse(body []byte, contentType string) (*TokenResponse, error) {
	if strings.Contains(contentType, "application/json") || (len(body) > 0 && body[0] == '{') {
		var raw struct {
			AccessToken  string      `json:"access_token"`
			TokenType    string      `json:"token_type"`
			RefreshToken string      `json:"refresh_token"`
			ExpiresIn    json.Number `json:"expires_in"`
			Scope        string      `json:"scope"`
			Error        string      `json:"error"`
			ErrorDesc    string      `json:"error_description"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("oauth: decode token response: %w", err)
		}
		if raw.Error != "" {
			return nil, fmt.Errorf("oauth: provider error %s: %s", raw.Error, raw.ErrorDesc)
		}
		if raw.AccessToken == "" {
			return nil, fmt.Errorf("oauth: token response missing access_token")
		}
		expires, _ := raw.ExpiresIn.Int64()
		return &TokenResponse{
			AccessToken:  raw.AccessToken,
			TokenType:    raw.TokenType,
			RefreshToken: raw.RefreshToken,
			ExpiresIn:    expires,
			Scope:        raw.Scope,
		}, nil
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("oauth: decode token response: %w", err)
	}
	if e := values.Get("error"); e != "" {
		return nil, fmt.Errorf("oauth: provider error %s: %s", e, values.Get("error_description"))
	}
	if values.Get("access_token") == "" {
		return nil, fmt.Errorf("oauth: token response missing access_token")
	}
	expires, _ := strconv.ParseInt(values.Get("expires_in"), 10, 64)
	return &TokenResponse{
		AccessToken:  values.Get("access_token"),
		TokenType:    values.Get("token_type"),
		RefreshToken: values.Get("refresh_token"),
		ExpiresIn:    expires,
		Scope:        values.Get("scope"),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
