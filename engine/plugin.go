package engine

import (
	"context"
	"net/http"

	"github.com/kbukum/authkit/config"
	"github.com/kbukum/authkit/encryption"
	"github.com/kbukum/authkit/logger"
	"github.com/kbukum/authkit/orm"
	"github.com/kbukum/authkit/password"
	"github.com/kbukum/authkit/session"
)

// DeviceInfo carries transport metadata into step execution.
type DeviceInfo = session.DeviceInfo

// StatusInvalidInput is the logical status the pipeline assigns when a
// step's input fails schema validation.
const StatusInvalidInput = "ic"

// Result is a structured step outcome. Expected domain outcomes (wrong
// password, unknown user, invalid code) are Results, never errors:
// errors are reserved for faults.
type Result struct {
	// Success reports whether the step achieved its goal.
	Success bool `json:"success"`

	// Status is the step's logical status token ("su", "ip", ...).
	// Steps translate it to an HTTP code through their status map.
	Status string `json:"status"`

	// Message is an optional human-readable explanation.
	Message string `json:"message,omitempty"`

	// Data is the step's payload.
	Data map[string]any `json:"data,omitempty"`

	// Token is a session token to surface to the client, set by steps
	// that establish a session.
	Token string `json:"token,omitempty"`

	// HTTPCode is resolved by the pipeline from the step's status map.
	HTTPCode int `json:"-"`
}

// OK builds a successful result.
func OK(status string) *Result {
	return &Result{Success: true, Status: status}
}

// Fail builds a failed result.
func Fail(status, message string) *Result {
	return &Result{Success: false, Status: status, Message: message}
}

// WithData attaches payload data and returns the receiver.
func (r *Result) WithData(data map[string]any) *Result {
	r.Data = data
	return r
}

// WithToken attaches a session token and returns the receiver.
func (r *Result) WithToken(token string) *Result {
	r.Token = token
	return r
}

// WithMessage sets the message and returns the receiver.
func (r *Result) WithMessage(message string) *Result {
	r.Message = message
	return r
}

// RunFunc is the body of a step. input is the decoded schema value when
// the step declares a Schema, otherwise the raw input map.
type RunFunc func(ctx context.Context, pc *PluginContext, input any) (*Result, error)

// BeforeHook runs before every step of a plugin. It may replace the
// input, or short-circuit the step by returning a non-nil Result.
type BeforeHook func(ctx context.Context, pc *PluginContext, step *Step, input any) (any, *Result, error)

// AfterHook runs after every step of a plugin and may replace the result.
type AfterHook func(ctx context.Context, pc *PluginContext, step *Step, result *Result) (*Result, error)

// InitializeFunc runs once when the engine initializes, in plugin
// registration order. It is where plugins register session resolvers
// and cleanup tasks. Returning an error aborts engine initialization.
type InitializeFunc func(ctx context.Context, pc *PluginContext) error

// Step is a named operation exposed by a plugin.
type Step struct {
	// Name identifies the step within its plugin.
	Name string

	// Version distinguishes incompatible revisions of a step (default 1).
	Version int

	// Method is the transport method hint ("POST" unless set).
	Method string

	// Schema returns a fresh pointer to the step's input struct. The
	// pipeline decodes and validates input into it before Run. Nil means
	// the step takes the raw input map unvalidated.
	Schema func() any

	// StatusCodes maps logical statuses to HTTP codes. Statuses not in
	// the map fall back to 200 for success and 500 for failure.
	StatusCodes map[string]int

	// Run executes the step.
	Run RunFunc
}

// Plugin bundles an authentication method's steps and lifecycle hooks.
type Plugin struct {
	// Name is the registry key; also the key for per-plugin configuration.
	Name string

	// Defaults is the plugin's built-in configuration, overridden
	// key-by-key by the host's plugins.<name> config.
	Defaults map[string]any

	// Steps are the operations the plugin exposes.
	Steps []*Step

	// Initialize, Before, and After are optional lifecycle hooks.
	Initialize InitializeFunc
	Before     BeforeHook
	After      AfterHook
}

func (p *Plugin) step(name string) *Step {
	for _, s := range p.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// PluginContext is the view of the engine handed to plugin code. It
// exposes engine capabilities but never the raw transport.
type PluginContext struct {
	engine *Engine
	plugin *Plugin

	// Config is the plugin's effective configuration: defaults merged
	// with the host's plugins.<name> section.
	Config map[string]any

	// Logger is tagged with the plugin name.
	Logger *logger.Logger

	// Device is the transport metadata for the current request; nil
	// during Initialize.
	Device *DeviceInfo
}

// Orm returns the engine's data access.
func (pc *PluginContext) Orm() orm.Orm { return pc.engine.db }

// Sessions returns the engine's session service.
func (pc *PluginContext) Sessions() *session.Service { return pc.engine.sessions }

// Hasher returns the engine's password hasher.
func (pc *PluginContext) Hasher() password.Hasher { return pc.engine.hasher }

// Encryptor returns the engine's at-rest encryptor, or nil when no
// encryption key is configured.
func (pc *PluginContext) Encryptor() encryption.Encryptor { return pc.engine.encryptor }

// EngineConfig returns the resolved engine configuration.
func (pc *PluginContext) EngineConfig() *config.Config { return pc.engine.cfg }

// Engine returns the engine handle, for session issuance and
// cross-plugin lookups.
func (pc *PluginContext) Engine() *Engine { return pc.engine }

// ConfigBool reads a boolean from the plugin configuration.
func (pc *PluginContext) ConfigBool(key string, def bool) bool {
	if v, ok := pc.Config[key].(bool); ok {
		return v
	}
	return def
}

// ConfigString reads a string from the plugin configuration.
func (pc *PluginContext) ConfigString(key, def string) string {
	if v, ok := pc.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigInt reads an integer from the plugin configuration, accepting
// the numeric types that YAML and JSON decoding produce.
func (pc *PluginContext) ConfigInt(key string, def int) int {
	switch v := pc.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// httpCode resolves the HTTP code for a result against a step's status
// map, defaulting to 200 for success and 500 for failure.
func httpCode(step *Step, r *Result) int {
	if step != nil && step.StatusCodes != nil {
		if code, ok := step.StatusCodes[r.Status]; ok {
			return code
		}
	}
	if r.Success {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}
