package credentials

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/authkit/cleanup"
	"github.com/kbukum/authkit/engine"
	"github.com/kbukum/authkit/logger"
	"github.com/kbukum/authkit/orm"
	"github.com/kbukum/authkit/password"
)

// Code purposes.
const (
	purposeVerify = "verify"
	purposeReset  = "reset"
)

// codeBytes is the random length of verification and reset codes.
const codeBytes = 16

// issueCode creates a single-use code for a subject, voiding any prior
// unconsumed code of the same purpose. Only the hash is stored.
func issueCode(ctx context.Context, db orm.Orm, subjectID, purpose string, ttl time.Duration) (string, error) {
	code, err := password.GenerateToken(codeBytes)
	if err != nil {
		return "", err
	}

	_, err = db.DeleteMany(ctx, codesTable, orm.Where{
		orm.Eq("subject_id", subjectID),
		orm.Eq("purpose", purpose),
	})
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	_, err = db.Create(ctx, codesTable, orm.Row{
		"id":         uuid.NewString(),
		"subject_id": subjectID,
		"purpose":    purpose,
		"code_hash":  password.HashSHA256(code),
		"created_at": now,
		"expires_at": now.Add(ttl),
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// consumeCode validates a code and consumes it exactly once. It reports
// false for unknown, expired, mismatched, and replayed codes alike.
func consumeCode(ctx context.Context, db orm.Orm, subjectID, purpose, code string) (bool, error) {
	row, err := db.FindFirst(ctx, codesTable, orm.Query{
		Where: orm.Where{
			orm.Eq("subject_id", subjectID),
			orm.Eq("purpose", purpose),
			orm.Eq("code_hash", password.HashSHA256(code)),
		},
	})
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}
	if !row.Time("expires_at").After(time.Now().UTC()) {
		return false, nil
	}

	updated, err := db.UpdateMany(ctx, codesTable,
		orm.Where{orm.Eq("id", row.String("id")), orm.IsNull("consumed_at")},
		orm.Row{"consumed_at": time.Now().UTC()})
	if err != nil {
		return false, err
	}
	return updated == 1, nil
}

// requestCode is the shared body of the two request-* steps. It answers
// "su" whether or not the email exists: code requests must not be an
// account enumeration oracle.
func requestCode(ctx context.Context, pc *engine.PluginContext, email, purpose, ttlKey string) (*engine.Result, error) {
	subject, err := findSubjectByEmail(ctx, pc.Orm(), normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	result := engine.OK(StatusSuccess)
	if subject == nil {
		return result, nil
	}

	ttl := time.Duration(pc.ConfigInt(ttlKey, 900)) * time.Second
	code, err := issueCode(ctx, pc.Orm(), subject.String("id"), purpose, ttl)
	if err != nil {
		return nil, err
	}

	pc.Logger.Info("code issued", logger.Fields(
		logger.FieldSubjectID, subject.String("id"),
		"purpose", purpose,
	))
	if pc.ConfigBool("expose_codes", false) {
		result.WithData(map[string]any{"code": code})
	}
	return result, nil
}

func requestVerification(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
	in := input.(*requestCodeInput)
	return requestCode(ctx, pc, in.Email, purposeVerify, "verification_ttl_seconds")
}

func verify(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
	in := input.(*verifyInput)
	db := pc.Orm()

	subject, err := findSubjectByEmail(ctx, db, normalizeEmail(in.Email))
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return engine.Fail(StatusInvalidCode, "invalid code"), nil
	}

	ok, err := consumeCode(ctx, db, subject.String("id"), purposeVerify, in.Code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return engine.Fail(StatusInvalidCode, "invalid code"), nil
	}

	if _, err := db.UpdateMany(ctx, subjectsTable,
		orm.Where{orm.Eq("id", subject.String("id"))},
		orm.Row{"email_verified": true, "updated_at": time.Now().UTC()}); err != nil {
		return nil, err
	}
	return engine.OK(StatusSuccess), nil
}

func requestPasswordReset(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
	in := input.(*requestCodeInput)
	return requestCode(ctx, pc, in.Email, purposeReset, "reset_ttl_seconds")
}

func resetPassword(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
	in := input.(*resetPasswordInput)
	db := pc.Orm()

	subject, err := findSubjectByEmail(ctx, db, normalizeEmail(in.Email))
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return engine.Fail(StatusInvalidCode, "invalid code"), nil
	}
	subjectID := subject.String("id")

	ok, err := consumeCode(ctx, db, subjectID, purposeReset, in.Code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return engine.Fail(StatusInvalidCode, "invalid code"), nil
	}

	if res := rejectBreached(pc, in.NewPassword); res != nil {
		return res, nil
	}
	hash, err := pc.Hasher().Hash(in.NewPassword)
	if err != nil {
		return engine.Fail(StatusInvalidPassword, err.Error()), nil
	}
	now := time.Now().UTC()
	updated, err := db.UpdateMany(ctx, credentialsTable,
		orm.Where{orm.Eq("subject_id", subjectID)},
		orm.Row{"password_hash": hash, "updated_at": now})
	if err != nil {
		return nil, err
	}
	if updated == 0 {
		// OAuth-only accounts gain a password through reset.
		if _, err := db.Create(ctx, credentialsTable, orm.Row{
			"id":            uuid.NewString(),
			"subject_id":    subjectID,
			"password_hash": hash,
			"updated_at":    now,
		}); err != nil {
			return nil, err
		}
	}

	// A reset proves the old sessions may be hostile.
	if _, err := pc.Sessions().DestroyAllFor(ctx, SubjectType, subjectID); err != nil {
		return nil, err
	}

	pc.Logger.Info("password reset", logger.Fields(logger.FieldSubjectID, subjectID))
	return engine.OK(StatusSuccess), nil
}

// cleanupTasks purge expired sessions and dead verification codes.
func cleanupTasks() []cleanup.Task {
	return []cleanup.Task{
		{
			Name:       "credentials.sessions",
			PluginName: PluginName,
			Interval:   time.Hour,
			Enabled:    true,
			Run: func(ctx context.Context, db orm.Orm, _ map[string]any) (cleanup.Result, error) {
				n, err := db.DeleteMany(ctx, "sessions", orm.Where{
					orm.Lte("expires_at", time.Now().UTC()),
				})
				return cleanup.Result{Cleaned: n}, err
			},
		},
		{
			Name:       "credentials.codes",
			PluginName: PluginName,
			Interval:   time.Hour,
			Enabled:    true,
			Run: func(ctx context.Context, db orm.Orm, _ map[string]any) (cleanup.Result, error) {
				now := time.Now().UTC()
				expired, err := db.DeleteMany(ctx, codesTable, orm.Where{orm.Lte("expires_at", now)})
				if err != nil {
					return cleanup.Result{}, err
				}
				consumed, err := db.DeleteMany(ctx, codesTable, orm.Where{orm.NotNull("consumed_at")})
				return cleanup.Result{
					Cleaned: expired + consumed,
					Counts:  map[string]int64{"expired": expired, "consumed": consumed},
				}, err
			},
		},
	}
}
