package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kbukum/authkit/config"
	"github.com/kbukum/authkit/encryption"
	"github.com/kbukum/authkit/orm"
)

// fakeTransport is a scripted provider. Tests set the canned responses
// and inspect the recorded calls.
type fakeTransport struct {
	tokens     *TokenResponse
	tokenErr   error
	profile    map[string]any
	profileErr error

	requestToken        string
	requestSecret       string
	callbackUnconfirmed bool
	requestErr          error

	accessToken  string
	accessSecret string
	accessExtras map[string]string
	accessErr    error

	exchangedCode     string
	exchangedVerifier string
	refreshedWith     string
	calls             int
}

func (f *fakeTransport) ExchangeCode(ctx context.Context, p config.OAuthProvider, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	f.calls++
	f.exchangedCode = code
	f.exchangedVerifier = codeVerifier
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return f.tokens, nil
}

func (f *fakeTransport) RefreshToken(ctx context.Context, p config.OAuthProvider, refreshToken string) (*TokenResponse, error) {
	f.calls++
	f.refreshedWith = refreshToken
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return f.tokens, nil
}

func (f *fakeTransport) FetchProfile(ctx context.Context, p config.OAuthProvider, accessToken string) (map[string]any, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return f.profile, nil
}

func (f *fakeTransport) ObtainRequestToken(ctx context.Context, p config.OAuthProvider, callbackURL string) (*RequestTokenResponse, error) {
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	return &RequestTokenResponse{
		Token:             f.requestToken,
		TokenSecret:       f.requestSecret,
		CallbackConfirmed: !f.callbackUnconfirmed,
	}, nil
}

func (f *fakeTransport) ExchangeRequestToken(ctx context.Context, p config.OAuthProvider, requestToken, requestSecret, verifier string) (string, string, map[string]string, error) {
	if f.accessErr != nil {
		return "", "", nil, f.accessErr
	}
	return f.accessToken, f.accessSecret, f.accessExtras, nil
}

func testProviders() config.OAuthConfig {
	cfg := config.OAuthConfig{Providers: map[string]config.OAuthProvider{
		"github": {
			Version:          "2.0",
			ClientID:         "client-id",
			ClientSecret:     "client-secret",
			AuthorizationURL: "https://github.example/authorize",
			TokenURL:         "https://github.example/token",
			UserInfoURL:      "https://github.example/user",
			Scopes:           []string{"read:user", "user:email"},
		},
		"legacy": {
			Version:         "1.0a",
			ClientID:        "consumer-key",
			ClientSecret:    "consumer-secret",
			RequestTokenURL: "https://legacy.example/request_token",
			AccessTokenURL:  "https://legacy.example/access_token",
			AuthorizeURL:    "https://legacy.example/authorize",
		},
	}}
	cfg.ApplyDefaults()
	return cfg
}

func newTestService(t *testing.T, transport ProviderTransport) (*Service, orm.Orm) {
	t.Helper()
	enc, err := encryption.New("test-at-rest-key")
	if err != nil {
		t.Fatal(err)
	}
	db := orm.NewMemory(orm.WithUniqueIndex(connectionsTable, "provider_id", "provider_user_id"))
	return NewService(testProviders(), db, enc, transport, nil), db
}

func githubProfile() map[string]any {
	return map[string]any{
		"id":         float64(42),
		"email":      "dev@example.com",
		"name":       "Dev",
		"avatar_url": "https://github.example/a.png",
	}
}

func happyTransport() *fakeTransport {
	return &fakeTransport{
		tokens: &TokenResponse{
			AccessToken:  "provider-access",
			RefreshToken: "provider-refresh",
			ExpiresIn:    3600,
			Scope:        "read:user",
		},
		profile: githubProfile(),
	}
}

func TestBeginAuthorization(t *testing.T) {
	svc, db := newTestService(t, happyTransport())
	ctx := context.Background()

	res, err := svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
	if err != nil {
		t.Fatalf("BeginAuthorization failed: %v", err)
	}

	u, err := url.Parse(res.AuthorizationURL)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("client_id") != "client-id" || q.Get("response_type") != "code" {
		t.Errorf("unexpected authorization URL: %s", res.AuthorizationURL)
	}
	if q.Get("state") != res.State || len(res.State) < 32 {
		t.Errorf("unexpected state: %q", res.State)
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("expected PKCE parameters, got %s", res.AuthorizationURL)
	}
	if q.Get("scope") != "read:user user:email" {
		t.Errorf("unexpected scope: %q", q.Get("scope"))
	}

	row, err := db.FindFirst(ctx, authSessionsTable, orm.Query{})
	if err != nil || row == nil {
		t.Fatalf("expected persisted handshake, got (%v, %v)", row, err)
	}
	if row.String("state") != res.State {
		t.Error("persisted state must match the returned state")
	}
	// The verifier is at-rest encrypted: it must not equal any URL parameter.
	if v := row.String("code_verifier"); v == "" || strings.Contains(res.AuthorizationURL, v) {
		t.Error("verifier must be stored encrypted")
	}
	ttl := row.Time("expires_at").Sub(row.Time("created_at"))
	if ttl != 10*time.Minute {
		t.Errorf("expected 10 minute handshake TTL, got %v", ttl)
	}
}

func TestBeginAuthorizationUnknownProvider(t *testing.T) {
	svc, _ := newTestService(t, happyTransport())

	for _, id := range []string{"missing", "legacy"} { // legacy is 1.0a, not 2.0
		_, err := svc.BeginAuthorization(context.Background(), BeginAuthorizationInput{ProviderID: id})
		ferr, ok := err.(*FlowError)
		if !ok || ferr.Status != StatusProviderNotFound {
			t.Errorf("provider %q: expected provider_not_found, got %v", id, err)
		}
	}
}

func TestBeginAuthorizationInactiveProvider(t *testing.T) {
	cfg := testProviders()
	inactive := false
	p := cfg.Providers["github"]
	p.Active = &inactive
	cfg.Providers["github"] = p

	svc := NewService(cfg, orm.NewMemory(), nil, happyTransport(), nil)
	_, err := svc.BeginAuthorization(context.Background(), BeginAuthorizationInput{ProviderID: "github"})
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusProviderNotFound {
		t.Errorf("expected provider_not_found for inactive provider, got %v", err)
	}
}

func TestBeginAuthorizationRespectsDisablePKCE(t *testing.T) {
	cfg := testProviders()
	p := cfg.Providers["github"]
	p.DisablePKCE = true
	cfg.Providers["github"] = p

	svc := NewService(cfg, orm.NewMemory(), nil, happyTransport(), nil)
	res, err := svc.BeginAuthorization(context.Background(), BeginAuthorizationInput{ProviderID: "github"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.AuthorizationURL, "code_challenge") {
		t.Errorf("PKCE must be off: %s", res.AuthorizationURL)
	}
}

func TestPKCERoundTrip(t *testing.T) {
	ft := happyTransport()
	svc, _ := newTestService(t, ft)
	ctx := context.Background()

	begin, err := svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(begin.AuthorizationURL)
	if err != nil {
		t.Fatal(err)
	}
	challenge := u.Query().Get("code_challenge")
	if challenge == "" {
		t.Fatal("expected a code_challenge")
	}

	if _, err := svc.CompleteAuthorization(ctx, CompleteAuthorizationInput{
		SessionID: begin.SessionID, State: begin.State, Code: "auth-code",
	}); err != nil {
		t.Fatal(err)
	}

	// The verifier handed to the token exchange must hash back to the
	// challenge advertised in the authorization URL.
	sum := sha256.Sum256([]byte(ft.exchangedVerifier))
	if got := base64.RawURLEncoding.EncodeToString(sum[:]); got != challenge {
		t.Errorf("challenge does not match SHA-256 of the verifier: %q vs %q", got, challenge)
	}
}

func TestCompleteAuthorizationLogin(t *testing.T) {
	ft := happyTransport()
	svc, db := newTestService(t, ft)
	ctx := context.Background()

	begin, err := svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.CompleteAuthorization(ctx, CompleteAuthorizationInput{
		SessionID: begin.SessionID,
		State:     begin.State,
		Code:      "auth-code",
	})
	if err != nil {
		t.Fatalf("CompleteAuthorization failed: %v", err)
	}
	if !res.SubjectCreated || res.SubjectID == "" {
		t.Errorf("expected a minted subject, got %+v", res)
	}
	if res.Profile.ID != "42" || res.Profile.Email != "dev@example.com" {
		t.Errorf("unexpected profile: %+v", res.Profile)
	}
	if ft.exchangedCode != "auth-code" || ft.exchangedVerifier == "" {
		t.Errorf("exchange must carry code and decrypted verifier, got %q / %q", ft.exchangedCode, ft.exchangedVerifier)
	}

	// Tokens are encrypted at rest.
	conn, err := db.FindFirst(ctx, connectionsTable, orm.Query{})
	if err != nil || conn == nil {
		t.Fatalf("expected a connection row, got (%v, %v)", conn, err)
	}
	if conn.String("access_token") == "provider-access" || conn.String("refresh_token") == "provider-refresh" {
		t.Error("provider tokens must not be stored in plaintext")
	}
	if got, err := svc.AccessToken(ctx, res.ConnectionID); err != nil || got != "provider-access" {
		t.Errorf("AccessToken = (%q, %v)", got, err)
	}

	subject, _ := db.FindFirst(ctx, subjectsTable, orm.Query{})
	if subject == nil || subject.String("email") != "dev@example.com" {
		t.Errorf("expected subject row from profile, got %v", subject)
	}
}

func TestCompleteAuthorizationIsSingleUse(t *testing.T) {
	svc, _ := newTestService(t, happyTransport())
	ctx := context.Background()

	begin, _ := svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
	in := CompleteAuthorizationInput{SessionID: begin.SessionID, State: begin.State, Code: "c"}

	if _, err := svc.CompleteAuthorization(ctx, in); err != nil {
		t.Fatalf("first completion failed: %v", err)
	}
	_, err := svc.CompleteAuthorization(ctx, in)
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusSessionNotFound {
		t.Errorf("replay must fail with session_not_found, got %v", err)
	}
}

func TestCompleteAuthorizationStateMismatch(t *testing.T) {
	svc, _ := newTestService(t, happyTransport())
	ctx := context.Background()

	begin, _ := svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
	_, err := svc.CompleteAuthorization(ctx, CompleteAuthorizationInput{
		SessionID: begin.SessionID,
		State:     "tampered-state",
		Code:      "c",
	})
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusInvalidState {
		t.Errorf("expected invalid_state, got %v", err)
	}

	// The handshake survives a state mismatch and still completes once.
	if _, err := svc.CompleteAuthorization(ctx, CompleteAuthorizationInput{
		SessionID: begin.SessionID, State: begin.State, Code: "c",
	}); err != nil {
		t.Errorf("legitimate completion after mismatch failed: %v", err)
	}
}

func TestCompleteAuthorizationExpired(t *testing.T) {
	svc, _ := newTestService(t, happyTransport())
	ctx := context.Background()

	begin, _ := svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
	svc.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	_, err := svc.CompleteAuthorization(ctx, CompleteAuthorizationInput{
		SessionID: begin.SessionID, State: begin.State, Code: "c",
	})
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusSessionExpired {
		t.Errorf("expected session_expired, got %v", err)
	}
}

func TestCompleteAuthorizationProviderErrorFailsFast(t *testing.T) {
	ft := happyTransport()
	svc, _ := newTestService(t, ft)

	_, err := svc.CompleteAuthorization(context.Background(), CompleteAuthorizationInput{
		State: "irrelevant",
		Error: "access_denied",
	})
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusExchangeFailed {
		t.Errorf("expected token_exchange_failed, got %v", err)
	}
	if ft.calls != 0 {
		t.Error("provider errors must fail before any exchange")
	}
}

func TestCompleteAuthorizationUnknownState(t *testing.T) {
	svc, _ := newTestService(t, happyTransport())
	_, err := svc.CompleteAuthorization(context.Background(), CompleteAuthorizationInput{State: "never-issued", Code: "c"})
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusSessionNotFound {
		t.Errorf("expected session_not_found, got %v", err)
	}
}

func TestCompleteAuthorizationExchangeFailure(t *testing.T) {
	ft := happyTransport()
	ft.tokenErr = fmt.Errorf("provider says no")
	svc, _ := newTestService(t, ft)
	ctx := context.Background()

	begin, _ := svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
	_, err := svc.CompleteAuthorization(ctx, CompleteAuthorizationInput{
		SessionID: begin.SessionID, State: begin.State, Code: "c",
	})
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusExchangeFailed {
		t.Errorf("expected token_exchange_failed, got %v", err)
	}
}

func TestConnectionDedupAcrossLogins(t *testing.T) {
	svc, db := newTestService(t, happyTransport())
	ctx := context.Background()

	login := func() *CompleteAuthorizationResult {
		begin, _ := svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
		res, err := svc.CompleteAuthorization(ctx, CompleteAuthorizationInput{
			SessionID: begin.SessionID, State: begin.State, Code: "c",
		})
		if err != nil {
			t.Fatalf("completion failed: %v", err)
		}
		return res
	}

	first := login()
	second := login()

	if second.SubjectCreated {
		t.Error("second login with the same provider identity must not mint a subject")
	}
	if first.SubjectID != second.SubjectID || first.ConnectionID != second.ConnectionID {
		t.Errorf("expected dedup on (provider, provider_user_id): %+v vs %+v", first, second)
	}
	if n, _ := db.Count(ctx, connectionsTable, nil); n != 1 {
		t.Errorf("expected exactly one connection, got %d", n)
	}
}

func TestLinkConflict(t *testing.T) {
	svc, _ := newTestService(t, happyTransport())
	ctx := context.Background()

	// The provider identity logs in and gets its own subject.
	begin, _ := svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
	if _, err := svc.CompleteAuthorization(ctx, CompleteAuthorizationInput{
		SessionID: begin.SessionID, State: begin.State, Code: "c",
	}); err != nil {
		t.Fatal(err)
	}

	// A different logged-in subject tries to link the same identity.
	begin, _ = svc.BeginAuthorization(ctx, BeginAuthorizationInput{
		ProviderID: "github", SubjectType: "user", SubjectID: "someone-else",
	})
	_, err := svc.CompleteAuthorization(ctx, CompleteAuthorizationInput{
		SessionID: begin.SessionID, State: begin.State, Code: "c",
	})
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusConflict {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestRefreshConnection(t *testing.T) {
	ft := happyTransport()
	svc, db := newTestService(t, ft)
	ctx := context.Background()

	begin, _ := svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
	done, err := svc.CompleteAuthorization(ctx, CompleteAuthorizationInput{
		SessionID: begin.SessionID, State: begin.State, Code: "c",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Provider rotates the access token but omits the refresh token.
	ft.tokens = &TokenResponse{AccessToken: "rotated-access", ExpiresIn: 1800}
	res, err := svc.RefreshConnection(ctx, done.ConnectionID)
	if err != nil {
		t.Fatalf("RefreshConnection failed: %v", err)
	}
	if ft.refreshedWith != "provider-refresh" {
		t.Errorf("refresh must use the decrypted stored token, got %q", ft.refreshedWith)
	}
	if res.ExpiresAt.IsZero() {
		t.Error("expected a new expiry")
	}

	if got, _ := svc.AccessToken(ctx, done.ConnectionID); got != "rotated-access" {
		t.Errorf("stored access token not rotated: %q", got)
	}
	row, _ := db.FindFirst(ctx, connectionsTable, orm.Query{})
	if refresh, _ := svc.decrypt(row.String("refresh_token")); refresh != "provider-refresh" {
		t.Errorf("omitted refresh token must keep the previous value, got %q", refresh)
	}
}

func TestRefreshConnectionWithoutRefreshToken(t *testing.T) {
	ft := happyTransport()
	ft.tokens = &TokenResponse{AccessToken: "only-access"}
	svc, _ := newTestService(t, ft)
	ctx := context.Background()

	begin, _ := svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
	done, err := svc.CompleteAuthorization(ctx, CompleteAuthorizationInput{
		SessionID: begin.SessionID, State: begin.State, Code: "c",
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.RefreshConnection(ctx, done.ConnectionID)
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusExchangeFailed {
		t.Errorf("expected token_exchange_failed without a refresh token, got %v", err)
	}
}

func TestUnknownConnectionStatus(t *testing.T) {
	svc, _ := newTestService(t, happyTransport())
	ctx := context.Background()

	_, err := svc.RefreshConnection(ctx, "00000000-0000-0000-0000-000000000000")
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusConnectionNotFound {
		t.Errorf("refresh: expected connection_not_found, got %v", err)
	}

	err = svc.UnlinkConnection(ctx, "00000000-0000-0000-0000-000000000000", "user", "u1")
	ferr, ok = err.(*FlowError)
	if !ok || ferr.Status != StatusConnectionNotFound {
		t.Errorf("unlink: expected connection_not_found, got %v", err)
	}
}

func TestBackgroundTokenRefresh(t *testing.T) {
	ft := happyTransport()
	svc, _ := newTestService(t, ft)
	ctx := context.Background()

	p := svc.cfg.Providers["github"]
	p.AutoRefresh = true
	svc.cfg.Providers["github"] = p

	begin, _ := svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
	done, err := svc.CompleteAuthorization(ctx, CompleteAuthorizationInput{
		SessionID: begin.SessionID, State: begin.State, Code: "c",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Far from expiry: the task leaves the connection alone.
	res, err := svc.refreshExpiring(ctx)
	if err != nil || res.Cleaned != 0 {
		t.Fatalf("expected a no-op run, got (%+v, %v)", res, err)
	}

	// Inside the refresh window the token is renewed.
	svc.now = func() time.Time { return time.Now().Add(55 * time.Minute) }
	ft.tokens = &TokenResponse{AccessToken: "renewed-access", ExpiresIn: 3600}
	res, err = svc.refreshExpiring(ctx)
	if err != nil {
		t.Fatalf("refreshExpiring failed: %v", err)
	}
	if res.Cleaned != 1 || res.Counts["refreshed"] != 1 {
		t.Errorf("expected one refreshed connection, got %+v", res)
	}
	if got, _ := svc.AccessToken(ctx, done.ConnectionID); got != "renewed-access" {
		t.Errorf("stored access token not renewed: %q", got)
	}

	// Without auto_refresh the task ignores the provider entirely.
	p.AutoRefresh = false
	svc.cfg.Providers["github"] = p
	svc.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	before := ft.calls
	if res, _ := svc.refreshExpiring(ctx); res.Cleaned != 0 || ft.calls != before {
		t.Errorf("auto_refresh disabled must be a no-op, got %+v", res)
	}
}

func TestMapProfile(t *testing.T) {
	raw := map[string]any{
		"data": map[string]any{
			"user": map[string]any{"id": float64(7), "mail": "n@example.com"},
		},
		"display_name": "N",
	}
	profile := mapProfile(raw, map[string]string{
		"id":    "data.user.id",
		"email": "data.user.mail",
		"name":  "display_name",
	})
	if profile.ID != "7" || profile.Email != "n@example.com" || profile.Name != "N" {
		t.Errorf("unexpected profile: %+v", profile)
	}

	// Default map against a GitHub-shaped payload.
	profile = mapProfile(githubProfile(), nil)
	if profile.ID != "42" || profile.Avatar != "https://github.example/a.png" {
		t.Errorf("unexpected default-mapped profile: %+v", profile)
	}
}

func TestCleanupPurgesHandshakes(t *testing.T) {
	svc, db := newTestService(t, happyTransport())
	ctx := context.Background()

	// One stale, one live handshake.
	svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	svc.BeginAuthorization(ctx, BeginAuthorizationInput{ProviderID: "github"})
	svc.now = time.Now

	for _, task := range svc.CleanupTasks() {
		if task.Name != "oauth.authorization_sessions" {
			continue
		}
		res, err := task.Run(ctx, db, nil)
		if err != nil {
			t.Fatalf("cleanup failed: %v", err)
		}
		if res.Cleaned != 1 || res.Counts["expired"] != 1 {
			t.Errorf("expected 1 expired handshake purged, got %+v", res)
		}
	}

	if n, _ := db.Count(ctx, authSessionsTable, nil); n != 1 {
		t.Errorf("expected the live handshake to survive, got %d rows", n)
	}
}
