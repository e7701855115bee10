// Package credentials implements the email/password authentication
// plugin: registration, login, logout, password change, email
// verification, and password reset, all driven through the engine's
// step pipeline.
//
// Logical statuses: "su" success, "ip" invalid password, "unf" unknown
// user or session, "ic" invalid code, "eq" email already taken.
package credentials

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/authkit/engine"
	"github.com/kbukum/authkit/logger"
	"github.com/kbukum/authkit/orm"
	"github.com/kbukum/authkit/password"
	"github.com/kbukum/authkit/session"
)

// PluginName is the registry name of this plugin.
const PluginName = "email-password"

// SubjectType is the subject type this plugin authenticates.
const SubjectType = "user"

// Logical statuses.
const (
	StatusSuccess         = "su"
	StatusInvalidPassword = "ip"
	StatusUserNotFound    = "unf"
	StatusInvalidCode     = "ic"
	StatusEmailTaken      = "eq"
)

// Logical tables.
const (
	subjectsTable    = "subjects"
	credentialsTable = "credentials"
	codesTable       = "verification_codes"
)

var statusCodes = map[string]int{
	StatusSuccess:         http.StatusOK,
	StatusInvalidPassword: http.StatusUnauthorized,
	StatusUserNotFound:    http.StatusUnauthorized,
	StatusInvalidCode:     http.StatusBadRequest,
	StatusEmailTaken:      http.StatusConflict,
}

type registerInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"omitempty,max=200"`
}

type loginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type logoutInput struct {
	Token string `json:"token" validate:"required"`
}

type changePasswordInput struct {
	Token           string `json:"token" validate:"required"`
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

type requestCodeInput struct {
	Email string `json:"email" validate:"required,email"`
}

type verifyInput struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required"`
}

type resetPasswordInput struct {
	Email       string `json:"email" validate:"required,email"`
	Code        string `json:"code" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

// Plugin builds the email/password plugin.
func Plugin() *engine.Plugin {
	return &engine.Plugin{
		Name: PluginName,
		Defaults: map[string]any{
			// login_on_register issues a session from the register step.
			"login_on_register": true,
			// expose_codes returns verification codes in step results
			// instead of delivering them out of band. Development only.
			"expose_codes": false,
			// verification_ttl_seconds bounds email verification codes.
			"verification_ttl_seconds": 900,
			// reset_ttl_seconds bounds password reset codes.
			"reset_ttl_seconds": 900,
		},
		Initialize: func(ctx context.Context, pc *engine.PluginContext) error {
			if err := pc.Engine().RegisterSessionResolver(SubjectType, resolver(pc)); err != nil {
				return err
			}
			for _, task := range cleanupTasks() {
				if err := pc.Engine().RegisterCleanupTask(task); err != nil {
					return err
				}
			}
			return nil
		},
		Steps: []*engine.Step{
			{
				Name:        "register",
				Schema:      func() any { return &registerInput{} },
				StatusCodes: statusCodes,
				Run:         register,
			},
			{
				Name:        "login",
				Schema:      func() any { return &loginInput{} },
				StatusCodes: statusCodes,
				Run:         login,
			},
			{
				Name:        "logout",
				Schema:      func() any { return &logoutInput{} },
				StatusCodes: statusCodes,
				Run:         logout,
			},
			{
				Name:        "change-password",
				Schema:      func() any { return &changePasswordInput{} },
				StatusCodes: statusCodes,
				Run:         changePassword,
			},
			{
				Name:        "request-verification",
				Schema:      func() any { return &requestCodeInput{} },
				StatusCodes: statusCodes,
				Run:         requestVerification,
			},
			{
				Name:        "verify",
				Schema:      func() any { return &verifyInput{} },
				StatusCodes: statusCodes,
				Run:         verify,
			},
			{
				Name:        "request-password-reset",
				Schema:      func() any { return &requestCodeInput{} },
				StatusCodes: statusCodes,
				Run:         requestPasswordReset,
			},
			{
				Name:        "reset-password",
				Schema:      func() any { return &resetPasswordInput{} },
				StatusCodes: statusCodes,
				Run:         resetPassword,
			},
		},
	}
}

// resolver loads the sanitized subject record for session checks.
func resolver(pc *engine.PluginContext) session.Resolver {
	db := pc.Orm()
	return session.ResolverFunc(func(ctx context.Context, subjectID string) (map[string]any, error) {
		row, err := db.FindFirst(ctx, subjectsTable, orm.Query{
			Where: orm.Where{orm.Eq("id", subjectID)},
		})
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, nil
		}
		return session.SanitizeSubject(row, "password_hash"), nil
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// rejectBreached applies the configured breach policy before a new
// password is hashed. A nil result means the password is acceptable.
func rejectBreached(pc *engine.PluginContext, plaintext string) *engine.Result {
	if !pc.EngineConfig().Password.BreachCheckEnabled() {
		return nil
	}
	checker, ok := pc.Hasher().(password.BreachChecker)
	if !ok {
		return nil
	}
	if checker.IsCompromised(plaintext) {
		return engine.Fail(StatusInvalidPassword, "this password appears in known breaches, choose a different one")
	}
	return nil
}

func findSubjectByEmail(ctx context.Context, db orm.Orm, email string) (orm.Row, error) {
	return db.FindFirst(ctx, subjectsTable, orm.Query{
		Where: orm.Where{orm.Eq("email", email), orm.Eq("type", SubjectType)},
	})
}

func register(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
	in := input.(*registerInput)
	db := pc.Orm()
	email := normalizeEmail(in.Email)

	existing, err := findSubjectByEmail(ctx, db, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return engine.Fail(StatusEmailTaken, "an account with this email already exists"), nil
	}

	if res := rejectBreached(pc, in.Password); res != nil {
		return res, nil
	}
	hash, err := pc.Hasher().Hash(in.Password)
	if err != nil {
		// Weak or breached passwords are an outcome, not a fault.
		return engine.Fail(StatusInvalidPassword, err.Error()), nil
	}

	now := time.Now().UTC()
	subjectID := uuid.NewString()
	if _, err := db.Create(ctx, subjectsTable, orm.Row{
		"id":             subjectID,
		"type":           SubjectType,
		"email":          email,
		"name":           in.Name,
		"email_verified": false,
		"created_at":     now,
		"updated_at":     now,
	}); err != nil {
		return nil, err
	}
	if _, err := db.Create(ctx, credentialsTable, orm.Row{
		"id":            uuid.NewString(),
		"subject_id":    subjectID,
		"password_hash": hash,
		"updated_at":    now,
	}); err != nil {
		return nil, err
	}

	pc.Logger.Info("subject registered", logger.Fields(logger.FieldSubjectID, subjectID))
	result := engine.OK(StatusSuccess).WithData(map[string]any{
		"subject_id": subjectID,
		"email":      email,
	})

	if pc.ConfigBool("login_on_register", true) {
		sess, err := pc.Sessions().CreateFor(ctx, SubjectType, subjectID, 0, pc.Device)
		if err != nil {
			return nil, err
		}
		result.WithToken(sess.Token)
	}
	return result, nil
}

func login(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
	in := input.(*loginInput)
	db := pc.Orm()

	subject, err := findSubjectByEmail(ctx, db, normalizeEmail(in.Email))
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return engine.Fail(StatusUserNotFound, "no account with this email"), nil
	}

	cred, err := db.FindFirst(ctx, credentialsTable, orm.Query{
		Where: orm.Where{orm.Eq("subject_id", subject.String("id"))},
	})
	if err != nil {
		return nil, err
	}
	if cred == nil {
		// Subject exists but has no password (for example OAuth-only).
		return engine.Fail(StatusInvalidPassword, "password login is not enabled for this account"), nil
	}
	if err := pc.Hasher().Verify(in.Password, cred.String("password_hash")); err != nil {
		return engine.Fail(StatusInvalidPassword, "wrong password"), nil
	}

	sess, err := pc.Sessions().CreateFor(ctx, SubjectType, subject.String("id"), 0, pc.Device)
	if err != nil {
		return nil, err
	}
	return engine.OK(StatusSuccess).
		WithData(map[string]any{"subject_id": subject.String("id")}).
		WithToken(sess.Token), nil
}

func logout(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
	in := input.(*logoutInput)
	if err := pc.Sessions().Destroy(ctx, in.Token); err != nil {
		return nil, err
	}
	return engine.OK(StatusSuccess), nil
}

func changePassword(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
	in := input.(*changePasswordInput)
	db := pc.Orm()

	check, err := pc.Sessions().Check(ctx, in.Token)
	if err != nil {
		return nil, err
	}
	if !check.Valid || check.Type != SubjectType {
		return engine.Fail(StatusUserNotFound, "not logged in"), nil
	}
	subjectID, _ := check.Subject["id"].(string)
	if subjectID == "" {
		return engine.Fail(StatusUserNotFound, "not logged in"), nil
	}

	cred, err := db.FindFirst(ctx, credentialsTable, orm.Query{
		Where: orm.Where{orm.Eq("subject_id", subjectID)},
	})
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return engine.Fail(StatusInvalidPassword, "password login is not enabled for this account"), nil
	}
	if err := pc.Hasher().Verify(in.CurrentPassword, cred.String("password_hash")); err != nil {
		return engine.Fail(StatusInvalidPassword, "wrong password"), nil
	}

	if res := rejectBreached(pc, in.NewPassword); res != nil {
		return res, nil
	}
	hash, err := pc.Hasher().Hash(in.NewPassword)
	if err != nil {
		return engine.Fail(StatusInvalidPassword, err.Error()), nil
	}
	if _, err := db.UpdateMany(ctx, credentialsTable,
		orm.Where{orm.Eq("subject_id", subjectID)},
		orm.Row{"password_hash": hash, "updated_at": time.Now().UTC()}); err != nil {
		return nil, err
	}

	// Changing the password invalidates every session, then re-issues
	// one for the caller.
	if _, err := pc.Sessions().DestroyAllFor(ctx, SubjectType, subjectID); err != nil {
		return nil, err
	}
	sess, err := pc.Sessions().CreateFor(ctx, SubjectType, subjectID, 0, pc.Device)
	if err != nil {
		return nil, err
	}

	pc.Logger.Info("password changed", logger.Fields(logger.FieldSubjectID, subjectID))
	return engine.OK(StatusSuccess).WithToken(sess.Token), nil
}
