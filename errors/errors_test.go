package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorString(t *testing.T) {
	err := PluginNotFound("email-password")
	want := `PLUGIN_NOT_FOUND: Plugin "email-password" is not registered.`
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestAppErrorStringWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := DatabaseError(cause)
	got := err.Error()
	if got != "DATABASE_ERROR: A database error occurred. Please try again. (cause: connection refused)" {
		t.Errorf("unexpected error string: %q", got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Internal(cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestConstructorsSetStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"validation", Validation("bad"), ErrCodeInvalidInput, http.StatusBadRequest},
		{"missing field", MissingField("email"), ErrCodeMissingField, http.StatusBadRequest},
		{"not found", NotFound("subject", "abc"), ErrCodeNotFound, http.StatusNotFound},
		{"already exists", AlreadyExists("identity"), ErrCodeAlreadyExists, http.StatusConflict},
		{"conflict", Conflict("connection owned by another account"), ErrCodeConflict, http.StatusConflict},
		{"unauthorized", Unauthorized(""), ErrCodeUnauthorized, http.StatusUnauthorized},
		{"token expired", TokenExpired(), ErrCodeTokenExpired, http.StatusUnauthorized},
		{"invalid token", InvalidToken(), ErrCodeInvalidToken, http.StatusUnauthorized},
		{"duplicate plugin", DuplicatePlugin("oauth"), ErrCodeDuplicatePlugin, http.StatusConflict},
		{"plugin not found", PluginNotFound("x"), ErrCodePluginNotFound, http.StatusNotFound},
		{"step not found", StepNotFound("x", "y"), ErrCodeStepNotFound, http.StatusNotFound},
		{"provider", Provider("github", "token exchange", nil), ErrCodeProvider, http.StatusBadGateway},
		{"configuration", Configuration("missing client_id"), ErrCodeConfiguration, http.StatusInternalServerError},
		{"internal", Internal(nil), ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Code != tc.code {
				t.Errorf("expected code %s, got %s", tc.code, tc.err.Code)
			}
			if tc.err.HTTPStatus != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, tc.err.HTTPStatus)
			}
		})
	}
}

func TestWithDetail(t *testing.T) {
	err := Conflict("taken").WithDetail("identifier", "a@b.com")
	if err.Details["identifier"] != "a@b.com" {
		t.Errorf("expected detail to be set, got %v", err.Details)
	}
}

func TestIsCode(t *testing.T) {
	if !IsCode(DuplicatePlugin("p"), ErrCodeDuplicatePlugin) {
		t.Error("expected IsCode to match")
	}
	if IsCode(fmt.Errorf("plain"), ErrCodeInternal) {
		t.Error("expected IsCode to reject plain errors")
	}
}
