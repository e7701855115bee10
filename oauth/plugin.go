package oauth

import (
	"context"
	"net/http"

	"github.com/kbukum/authkit/engine"
)

// PluginName is the registry name of the generic OAuth plugin.
const PluginName = "generic-oauth"

var flowStatusCodes = map[string]int{
	StatusSuccess:             http.StatusOK,
	StatusProviderNotFound:    http.StatusNotFound,
	StatusInvalidState:        http.StatusBadRequest,
	StatusSessionNotFound:     http.StatusNotFound,
	StatusConnectionNotFound:  http.StatusNotFound,
	StatusSessionExpired:      http.StatusBadRequest,
	StatusExchangeFailed:      http.StatusBadGateway,
	StatusConflict:            http.StatusConflict,
	engine.StatusInvalidInput: http.StatusBadRequest,
}

type beginOAuth2Input struct {
	Provider    string   `json:"provider" validate:"required"`
	RedirectURI string   `json:"redirect_uri" validate:"omitempty,url"`
	Scopes      []string `json:"scopes"`
	SubjectType string   `json:"subject_type"`
	SubjectID   string   `json:"subject_id"`
}

type completeOAuth2Input struct {
	SessionID        string `json:"session_id"`
	State            string `json:"state" validate:"required"`
	Code             string `json:"code"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type beginOAuth1Input struct {
	Provider    string `json:"provider" validate:"required"`
	CallbackURL string `json:"callback_url" validate:"omitempty,url"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
}

type completeOAuth1Input struct {
	OAuthToken    string `json:"oauth_token" validate:"required"`
	OAuthVerifier string `json:"oauth_verifier" validate:"required"`
}

type refreshConnectionInput struct {
	ConnectionID string `json:"connection_id" validate:"required,uuid4"`
}

type connectionsInput struct {
	SubjectType string `json:"subject_type" validate:"required"`
	SubjectID   string `json:"subject_id" validate:"required"`
}

type unlinkConnectionInput struct {
	ConnectionID string `json:"connection_id" validate:"required,uuid4"`
	SubjectType  string `json:"subject_type" validate:"required"`
	SubjectID    string `json:"subject_id" validate:"required"`
}

// Plugin wraps the service as an engine plugin. Its Initialize hook
// registers the subsystem's cleanup tasks.
func Plugin(svc *Service) *engine.Plugin {
	return &engine.Plugin{
		Name: PluginName,
		Initialize: func(ctx context.Context, pc *engine.PluginContext) error {
			for _, task := range svc.CleanupTasks() {
				if err := pc.Engine().RegisterCleanupTask(task); err != nil {
					return err
				}
			}
			return nil
		},
		Steps: []*engine.Step{
			{
				Name:        "begin-oauth2",
				Schema:      func() any { return &beginOAuth2Input{} },
				StatusCodes: flowStatusCodes,
				Run: func(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
					in := input.(*beginOAuth2Input)
					res, err := svc.BeginAuthorization(ctx, BeginAuthorizationInput{
						ProviderID:  in.Provider,
						RedirectURI: in.RedirectURI,
						Scopes:      in.Scopes,
						SubjectType: in.SubjectType,
						SubjectID:   in.SubjectID,
					})
					if err != nil {
						return flowResult(err)
					}
					return engine.OK(StatusSuccess).WithData(map[string]any{
						"session_id":        res.SessionID,
						"authorization_url": res.AuthorizationURL,
						"state":             res.State,
					}), nil
				},
			},
			{
				Name:        "complete-oauth2",
				Schema:      func() any { return &completeOAuth2Input{} },
				StatusCodes: flowStatusCodes,
				Run: func(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
					in := input.(*completeOAuth2Input)
					res, err := svc.CompleteAuthorization(ctx, CompleteAuthorizationInput{
						SessionID:        in.SessionID,
						State:            in.State,
						Code:             in.Code,
						Error:            in.Error,
						ErrorDescription: in.ErrorDescription,
					})
					if err != nil {
						return flowResult(err)
					}
					return completionResult(ctx, pc, res)
				},
			},
			{
				Name:        "begin-oauth1",
				Schema:      func() any { return &beginOAuth1Input{} },
				StatusCodes: flowStatusCodes,
				Run: func(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
					in := input.(*beginOAuth1Input)
					res, err := svc.BeginOAuth1(ctx, BeginOAuth1Input{
						ProviderID:  in.Provider,
						CallbackURL: in.CallbackURL,
						SubjectType: in.SubjectType,
						SubjectID:   in.SubjectID,
					})
					if err != nil {
						return flowResult(err)
					}
					return engine.OK(StatusSuccess).WithData(map[string]any{
						"authorization_url": res.AuthorizationURL,
						"request_token":     res.RequestToken,
					}), nil
				},
			},
			{
				Name:        "complete-oauth1",
				Schema:      func() any { return &completeOAuth1Input{} },
				StatusCodes: flowStatusCodes,
				Run: func(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
					in := input.(*completeOAuth1Input)
					res, err := svc.CompleteOAuth1(ctx, CompleteOAuth1Input{
						OAuthToken:    in.OAuthToken,
						OAuthVerifier: in.OAuthVerifier,
					})
					if err != nil {
						return flowResult(err)
					}
					return completionResult(ctx, pc, res)
				},
			},
			{
				Name:        "refresh-connection",
				Schema:      func() any { return &refreshConnectionInput{} },
				StatusCodes: flowStatusCodes,
				Run: func(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
					in := input.(*refreshConnectionInput)
					res, err := svc.RefreshConnection(ctx, in.ConnectionID)
					if err != nil {
						return flowResult(err)
					}
					data := map[string]any{"connection_id": res.ConnectionID}
					if !res.ExpiresAt.IsZero() {
						data["expires_at"] = res.ExpiresAt
					}
					return engine.OK(StatusSuccess).WithData(data), nil
				},
			},
			{
				Name:        "connections",
				Method:      "GET",
				Schema:      func() any { return &connectionsInput{} },
				StatusCodes: flowStatusCodes,
				Run: func(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
					in := input.(*connectionsInput)
					conns, err := svc.ListConnections(ctx, in.SubjectType, in.SubjectID)
					if err != nil {
						return flowResult(err)
					}
					return engine.OK(StatusSuccess).WithData(map[string]any{"connections": conns}), nil
				},
			},
			{
				Name:        "unlink-connection",
				Schema:      func() any { return &unlinkConnectionInput{} },
				StatusCodes: flowStatusCodes,
				Run: func(ctx context.Context, pc *engine.PluginContext, input any) (*engine.Result, error) {
					in := input.(*unlinkConnectionInput)
					if err := svc.UnlinkConnection(ctx, in.ConnectionID, in.SubjectType, in.SubjectID); err != nil {
						return flowResult(err)
					}
					return engine.OK(StatusSuccess), nil
				},
			},
		},
	}
}

// completionResult turns a finished handshake into a step result and
// establishes a session for the resolved subject.
func completionResult(ctx context.Context, pc *engine.PluginContext, res *CompleteAuthorizationResult) (*engine.Result, error) {
	out := engine.OK(StatusSuccess).WithData(map[string]any{
		"connection_id":   res.ConnectionID,
		"subject_type":    res.SubjectType,
		"subject_id":      res.SubjectID,
		"provider":        res.ProviderID,
		"profile":         res.Profile,
		"subject_created": res.SubjectCreated,
	})

	sess, err := pc.Sessions().CreateFor(ctx, res.SubjectType, res.SubjectID, 0, pc.Device)
	if err != nil {
		return nil, err
	}
	return out.WithToken(sess.Token), nil
}

// flowResult translates expected flow failures into structured results
// and lets genuine faults propagate as errors.
func flowResult(err error) (*engine.Result, error) {
	if ferr, ok := err.(*FlowError); ok {
		return engine.Fail(ferr.Status, ferr.Message), nil
	}
	return nil, err
}
