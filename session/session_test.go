package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kbukum/authkit/errors"
	"github.com/kbukum/authkit/orm"
)

func newOrmStore(t *testing.T, rotateWithin time.Duration) (*OrmStore, *orm.Memory) {
	t.Helper()
	db := orm.NewMemory()
	store := NewOrmStore(db, rotateWithin)
	return store, db
}

func TestOrmStoreIssueAndCheck(t *testing.T) {
	ctx := context.Background()
	store, db := newOrmStore(t, 0)

	sess, err := store.Issue(ctx, "user", "u-1", time.Hour, &DeviceInfo{IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if sess.Token == "" {
		t.Fatal("expected a token")
	}

	// Raw tokens must never hit the store.
	row, err := db.FindFirst(ctx, sessionsTable, orm.Query{})
	if err != nil || row == nil {
		t.Fatalf("expected a session row, got %v, %v", row, err)
	}
	if row.String("token_hash") == sess.Token {
		t.Error("store must hold the token hash, not the raw token")
	}
	if row.String("ip_address") != "10.0.0.1" {
		t.Errorf("expected device info persisted, got %q", row.String("ip_address"))
	}

	got, err := store.Check(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if got == nil || got.SubjectID != "u-1" || got.SubjectType != "user" {
		t.Errorf("unexpected session: %+v", got)
	}
	if got.Token != sess.Token {
		t.Error("token must not rotate outside the rotation window")
	}
}

func TestOrmStoreUnknownAndExpired(t *testing.T) {
	ctx := context.Background()
	store, _ := newOrmStore(t, 0)

	if got, err := store.Check(ctx, "no-such-token"); err != nil || got != nil {
		t.Errorf("unknown token: expected (nil, nil), got (%v, %v)", got, err)
	}

	sess, err := store.Issue(ctx, "user", "u-1", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if got, err := store.Check(ctx, sess.Token); err != nil || got != nil {
		t.Errorf("expired token: expected (nil, nil), got (%v, %v)", got, err)
	}
}

func TestOrmStoreRotation(t *testing.T) {
	ctx := context.Background()
	store, _ := newOrmStore(t, 15*time.Minute)

	sess, err := store.Issue(ctx, "user", "u-1", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Move inside the rotation window.
	store.now = func() time.Time { return time.Now().Add(50 * time.Minute) }
	rotated, err := store.Check(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if rotated == nil || rotated.Token == sess.Token {
		t.Fatal("expected a rotated token inside the window")
	}

	// The old token is dead, the new one is live with a fresh lifetime.
	if got, _ := store.Check(ctx, sess.Token); got != nil {
		t.Error("old token must be invalid after rotation")
	}
	got, err := store.Check(ctx, rotated.Token)
	if err != nil || got == nil {
		t.Fatalf("rotated token must be valid, got (%v, %v)", got, err)
	}
	if got.Token != rotated.Token {
		t.Error("freshly rotated token must not rotate again immediately")
	}
}

func TestOrmStoreDestroy(t *testing.T) {
	ctx := context.Background()
	store, _ := newOrmStore(t, 0)

	sess, _ := store.Issue(ctx, "user", "u-1", time.Hour, nil)
	if err := store.Destroy(ctx, sess.Token); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if got, _ := store.Check(ctx, sess.Token); got != nil {
		t.Error("destroyed token must be invalid")
	}
	// Idempotent.
	if err := store.Destroy(ctx, sess.Token); err != nil {
		t.Errorf("second Destroy must succeed, got %v", err)
	}
}

func TestOrmStoreDestroyAllFor(t *testing.T) {
	ctx := context.Background()
	store, _ := newOrmStore(t, 0)

	a, _ := store.Issue(ctx, "user", "u-1", time.Hour, nil)
	b, _ := store.Issue(ctx, "user", "u-1", time.Hour, nil)
	other, _ := store.Issue(ctx, "user", "u-2", time.Hour, nil)

	n, err := store.DestroyAllFor(ctx, "user", "u-1")
	if err != nil {
		t.Fatalf("DestroyAllFor failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 destroyed, got %d", n)
	}
	if got, _ := store.Check(ctx, a.Token); got != nil {
		t.Error("u-1 session a must be gone")
	}
	if got, _ := store.Check(ctx, b.Token); got != nil {
		t.Error("u-1 session b must be gone")
	}
	if got, _ := store.Check(ctx, other.Token); got == nil {
		t.Error("u-2 session must survive")
	}
}

func TestOrmStorePurgeExpired(t *testing.T) {
	ctx := context.Background()
	store, _ := newOrmStore(t, 0)

	store.Issue(ctx, "user", "u-1", time.Minute, nil)
	live, _ := store.Issue(ctx, "user", "u-2", time.Hour, nil)

	store.now = func() time.Time { return time.Now().Add(30 * time.Minute) }
	n, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if got, _ := store.Check(ctx, live.Token); got == nil {
		t.Error("live session must survive the purge")
	}
}

func newRedisStore(t *testing.T, rotateWithin time.Duration) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, rotateWithin)
}

func TestRedisStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t, 0)

	sess, err := store.Issue(ctx, "user", "u-1", time.Hour, nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	got, err := store.Check(ctx, sess.Token)
	if err != nil || got == nil {
		t.Fatalf("Check failed: (%v, %v)", got, err)
	}
	if got.SubjectID != "u-1" {
		t.Errorf("unexpected subject: %+v", got)
	}

	if err := store.Destroy(ctx, sess.Token); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if got, _ := store.Check(ctx, sess.Token); got != nil {
		t.Error("destroyed token must be invalid")
	}
	if err := store.Destroy(ctx, sess.Token); err != nil {
		t.Errorf("second Destroy must succeed, got %v", err)
	}
}

func TestRedisStoreDestroyAllFor(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t, 0)

	a, _ := store.Issue(ctx, "user", "u-1", time.Hour, nil)
	store.Issue(ctx, "user", "u-1", time.Hour, nil)
	other, _ := store.Issue(ctx, "user", "u-2", time.Hour, nil)

	n, err := store.DestroyAllFor(ctx, "user", "u-1")
	if err != nil {
		t.Fatalf("DestroyAllFor failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 destroyed, got %d", n)
	}
	if got, _ := store.Check(ctx, a.Token); got != nil {
		t.Error("u-1 session must be gone")
	}
	if got, _ := store.Check(ctx, other.Token); got == nil {
		t.Error("u-2 session must survive")
	}
}

func TestRedisStoreRotation(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t, 15*time.Minute)

	sess, err := store.Issue(ctx, "user", "u-1", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}

	store.now = func() time.Time { return time.Now().Add(50 * time.Minute) }
	rotated, err := store.Check(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if rotated == nil || rotated.Token == sess.Token {
		t.Fatal("expected a rotated token inside the window")
	}
	if got, _ := store.Check(ctx, sess.Token); got != nil {
		t.Error("old token must be invalid after rotation")
	}
	if got, _ := store.Check(ctx, rotated.Token); got == nil {
		t.Error("rotated token must be valid")
	}
}

func TestJWTStore(t *testing.T) {
	ctx := context.Background()
	store := NewJWTStore("test-secret", "authkit")

	sess, err := store.Issue(ctx, "user", "u-1", time.Hour, nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	got, err := store.Check(ctx, sess.Token)
	if err != nil || got == nil {
		t.Fatalf("Check failed: (%v, %v)", got, err)
	}
	if got.SubjectID != "u-1" || got.SubjectType != "user" {
		t.Errorf("unexpected session: %+v", got)
	}

	// Garbage and foreign-key tokens are invalid, not errors.
	if got, err := store.Check(ctx, "not-a-jwt"); err != nil || got != nil {
		t.Errorf("garbage token: expected (nil, nil), got (%v, %v)", got, err)
	}
	foreign := NewJWTStore("other-secret", "authkit")
	fsess, _ := foreign.Issue(ctx, "user", "u-1", time.Hour, nil)
	if got, err := store.Check(ctx, fsess.Token); err != nil || got != nil {
		t.Errorf("mis-signed token: expected (nil, nil), got (%v, %v)", got, err)
	}

	// Expired.
	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if got, err := store.Check(ctx, sess.Token); err != nil || got != nil {
		t.Errorf("expired token: expected (nil, nil), got (%v, %v)", got, err)
	}
}

func TestServiceCheckResolvesSubject(t *testing.T) {
	ctx := context.Background()
	store, _ := newOrmStore(t, 0)
	svc := NewService(store, time.Hour, nil)

	err := svc.RegisterResolver("user", ResolverFunc(func(ctx context.Context, subjectID string) (map[string]any, error) {
		if subjectID != "u-1" {
			return nil, nil
		}
		return SanitizeSubject(map[string]any{
			"id": "u-1", "email": "a@example.com", "password_hash": "secret",
		}, "password_hash"), nil
	}))
	if err != nil {
		t.Fatalf("RegisterResolver failed: %v", err)
	}

	sess, err := svc.CreateFor(ctx, "user", "u-1", 0, nil)
	if err != nil {
		t.Fatalf("CreateFor failed: %v", err)
	}

	res, err := svc.Check(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !res.Valid || res.Type != "user" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Subject["email"] != "a@example.com" {
		t.Errorf("expected resolved subject, got %v", res.Subject)
	}
	if _, leaked := res.Subject["password_hash"]; leaked {
		t.Error("sensitive fields must be sanitized out of the subject")
	}
}

func TestServiceInvalidTokenIsOutcomeNotError(t *testing.T) {
	ctx := context.Background()
	store, _ := newOrmStore(t, 0)
	svc := NewService(store, time.Hour, nil)

	for _, token := range []string{"", "bogus"} {
		res, err := svc.Check(ctx, token)
		if err != nil {
			t.Errorf("token %q: expected no error, got %v", token, err)
		}
		if res == nil || res.Valid {
			t.Errorf("token %q: expected invalid result, got %+v", token, res)
		}
	}
}

func TestServiceVanishedSubjectInvalidatesSession(t *testing.T) {
	ctx := context.Background()
	store, _ := newOrmStore(t, 0)
	svc := NewService(store, time.Hour, nil)

	svc.RegisterResolver("user", ResolverFunc(func(ctx context.Context, subjectID string) (map[string]any, error) {
		return nil, nil // subject deleted out from under the session
	}))

	sess, _ := svc.CreateFor(ctx, "user", "gone", 0, nil)
	res, err := svc.Check(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Valid {
		t.Error("session for a vanished subject must be invalid")
	}
	if got, _ := store.Check(ctx, sess.Token); got != nil {
		t.Error("session must be destroyed once its subject vanishes")
	}
}

func TestDuplicateResolverRejected(t *testing.T) {
	store, _ := newOrmStore(t, 0)
	svc := NewService(store, time.Hour, nil)

	noop := ResolverFunc(func(ctx context.Context, subjectID string) (map[string]any, error) {
		return map[string]any{"id": subjectID}, nil
	})
	if err := svc.RegisterResolver("user", noop); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}

	err := svc.RegisterResolver("user", noop)
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if !errors.IsCode(err, errors.ErrCodeConfiguration) {
		t.Errorf("unexpected error code: %v", err)
	}

	// The first resolver stays in effect.
	if _, ok := svc.Resolver("user"); !ok {
		t.Error("first resolver must remain registered")
	}
}
