package oauth

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kbukum/authkit/orm"
)

func oauth1Transport() *fakeTransport {
	return &fakeTransport{
		requestToken:  "rt-token",
		requestSecret: "rt-secret",
		accessToken:   "at-token",
		accessSecret:  "at-secret",
		accessExtras: map[string]string{
			"oauth_token":        "at-token",
			"oauth_token_secret": "at-secret",
			"user_id":            "1001",
			"screen_name":        "dev",
		},
	}
}

func TestBeginOAuth1(t *testing.T) {
	svc, db := newTestService(t, oauth1Transport())
	ctx := context.Background()

	res, err := svc.BeginOAuth1(ctx, BeginOAuth1Input{ProviderID: "legacy", CallbackURL: "https://app.example/cb"})
	if err != nil {
		t.Fatalf("BeginOAuth1 failed: %v", err)
	}
	if !strings.HasPrefix(res.AuthorizationURL, "https://legacy.example/authorize?") ||
		!strings.Contains(res.AuthorizationURL, "oauth_token=rt-token") {
		t.Errorf("unexpected authorization URL: %s", res.AuthorizationURL)
	}

	row, err := db.FindFirst(ctx, requestTokensTable, orm.Query{})
	if err != nil || row == nil {
		t.Fatalf("expected persisted request token, got (%v, %v)", row, err)
	}
	if row.String("request_token_secret") == "rt-secret" {
		t.Error("request token secret must be stored encrypted")
	}
	if !row.Bool("callback_confirmed") {
		t.Error("expected callback_confirmed to be persisted")
	}
}

func TestBeginOAuth1UnconfirmedCallback(t *testing.T) {
	ft := oauth1Transport()
	ft.callbackUnconfirmed = true
	svc, db := newTestService(t, ft)
	ctx := context.Background()

	_, err := svc.BeginOAuth1(ctx, BeginOAuth1Input{ProviderID: "legacy", CallbackURL: "https://app.example/cb"})
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusExchangeFailed {
		t.Fatalf("expected token_exchange_failed for an unconfirmed callback, got %v", err)
	}
	if n, _ := db.Count(ctx, requestTokensTable, nil); n != 0 {
		t.Errorf("unconfirmed handshake must not be persisted, got %d rows", n)
	}
}

func TestBeginOAuth1WrongVersion(t *testing.T) {
	svc, _ := newTestService(t, oauth1Transport())
	_, err := svc.BeginOAuth1(context.Background(), BeginOAuth1Input{ProviderID: "github"})
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusProviderNotFound {
		t.Errorf("expected provider_not_found for a 2.0 provider, got %v", err)
	}
}

func TestBeginOAuth1RequestTokenFailure(t *testing.T) {
	ft := oauth1Transport()
	ft.requestErr = fmt.Errorf("signature rejected")
	svc, _ := newTestService(t, ft)

	_, err := svc.BeginOAuth1(context.Background(), BeginOAuth1Input{ProviderID: "legacy"})
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusExchangeFailed {
		t.Errorf("expected token_exchange_failed, got %v", err)
	}
}

func TestCompleteOAuth1(t *testing.T) {
	svc, db := newTestService(t, oauth1Transport())
	ctx := context.Background()

	if _, err := svc.BeginOAuth1(ctx, BeginOAuth1Input{ProviderID: "legacy"}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.CompleteOAuth1(ctx, CompleteOAuth1Input{OAuthToken: "rt-token", OAuthVerifier: "v"})
	if err != nil {
		t.Fatalf("CompleteOAuth1 failed: %v", err)
	}
	if res.Profile.ID != "1001" || !res.SubjectCreated {
		t.Errorf("unexpected result: %+v", res)
	}

	conn, _ := db.FindFirst(ctx, connectionsTable, orm.Query{})
	if conn == nil {
		t.Fatal("expected a connection row")
	}
	if conn.String("access_token") == "at-token" || conn.String("token_secret") == "at-secret" {
		t.Error("oauth1 credentials must be stored encrypted")
	}

	// Single use.
	_, err = svc.CompleteOAuth1(ctx, CompleteOAuth1Input{OAuthToken: "rt-token", OAuthVerifier: "v"})
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusSessionNotFound {
		t.Errorf("replay must fail with session_not_found, got %v", err)
	}
}

func TestCompleteOAuth1UnknownToken(t *testing.T) {
	svc, _ := newTestService(t, oauth1Transport())
	_, err := svc.CompleteOAuth1(context.Background(), CompleteOAuth1Input{OAuthToken: "never-issued", OAuthVerifier: "v"})
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusSessionNotFound {
		t.Errorf("expected session_not_found, got %v", err)
	}
}

func TestCompleteOAuth1Expired(t *testing.T) {
	svc, _ := newTestService(t, oauth1Transport())
	ctx := context.Background()

	if _, err := svc.BeginOAuth1(ctx, BeginOAuth1Input{ProviderID: "legacy"}); err != nil {
		t.Fatal(err)
	}
	svc.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	_, err := svc.CompleteOAuth1(ctx, CompleteOAuth1Input{OAuthToken: "rt-token", OAuthVerifier: "v"})
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusSessionExpired {
		t.Errorf("expected session_expired, got %v", err)
	}
}

func TestListAndUnlinkConnections(t *testing.T) {
	svc, _ := newTestService(t, oauth1Transport())
	ctx := context.Background()

	svc.BeginOAuth1(ctx, BeginOAuth1Input{ProviderID: "legacy"})
	res, err := svc.CompleteOAuth1(ctx, CompleteOAuth1Input{OAuthToken: "rt-token", OAuthVerifier: "v"})
	if err != nil {
		t.Fatal(err)
	}

	conns, err := svc.ListConnections(ctx, res.SubjectType, res.SubjectID)
	if err != nil || len(conns) != 1 {
		t.Fatalf("expected one connection, got (%v, %v)", conns, err)
	}
	if conns[0].ProviderID != "legacy" || conns[0].Profile.ID != "1001" {
		t.Errorf("unexpected connection: %+v", conns[0])
	}

	// A stranger cannot unlink it.
	err = svc.UnlinkConnection(ctx, conns[0].ID, "user", "stranger")
	ferr, ok := err.(*FlowError)
	if !ok || ferr.Status != StatusConflict {
		t.Errorf("expected conflict, got %v", err)
	}

	// The owner can.
	if err := svc.UnlinkConnection(ctx, conns[0].ID, res.SubjectType, res.SubjectID); err != nil {
		t.Fatalf("owner unlink failed: %v", err)
	}
	conns, _ = svc.ListConnections(ctx, res.SubjectType, res.SubjectID)
	if len(conns) != 0 {
		t.Errorf("expected no connections after unlink, got %v", conns)
	}
}
