// Package engine implements the pluggable authentication engine: a
// write-once plugin registry, the step execution pipeline, and the
// wiring that hands plugins their capabilities (data access, sessions,
// hashing, encryption, cleanup scheduling).
//
// Hosts build an Engine, register plugins, call Initialize once, and
// then drive it exclusively through ExecuteStep and the session
// methods. Transport layers stay thin: they translate requests into
// ExecuteStep calls and Results back into responses.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/kbukum/authkit/cleanup"
	"github.com/kbukum/authkit/config"
	"github.com/kbukum/authkit/encryption"
	"github.com/kbukum/authkit/errors"
	"github.com/kbukum/authkit/logger"
	"github.com/kbukum/authkit/orm"
	"github.com/kbukum/authkit/password"
	"github.com/kbukum/authkit/session"
)

// Options configure engine construction. Config and Orm are required;
// everything else is derived from Config when omitted.
type Options struct {
	Config *config.Config
	Orm    orm.Orm

	// Logger overrides the logger built from Config.Logging.
	Logger *logger.Logger

	// SessionStore overrides the store derived from Config.Session
	// (for example a Redis-backed store).
	SessionStore session.Store

	// Hasher overrides the hasher built from Config.Password.
	Hasher password.Hasher

	// Encryptor overrides the encryptor built from Config.Encryption.
	Encryptor encryption.Encryptor
}

// Engine is the authentication engine.
type Engine struct {
	cfg       *config.Config
	db        orm.Orm
	log       *logger.Logger
	hasher    password.Hasher
	encryptor encryption.Encryptor
	sessions  *session.Service
	scheduler *cleanup.Scheduler

	mu          sync.RWMutex
	plugins     map[string]*Plugin
	order       []string
	initialized bool

	metrics *pipelineMetrics
}

// New builds an engine from resolved configuration. The configuration
// must already have passed ApplyDefaults and Validate.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.Configuration("engine requires a configuration")
	}
	if opts.Orm == nil {
		return nil, errors.Configuration("engine requires a data store")
	}
	cfg := opts.Config

	log := opts.Logger
	if log == nil {
		log = logger.New(&cfg.Logging, "authkit")
	}

	hasher := opts.Hasher
	if hasher == nil {
		hasher = password.NewHasher(cfg.Password)
	}

	encryptor := opts.Encryptor
	if encryptor == nil && cfg.Encryption.Key != "" {
		var err error
		encryptor, err = encryption.New(cfg.Encryption.Key, encryption.WithAlgorithm(cfg.Encryption.Algorithm))
		if err != nil {
			return nil, errors.Configuration("invalid encryption configuration").WithCause(err)
		}
	}

	ttl := time.Duration(cfg.Session.TTLSeconds) * time.Second
	store := opts.SessionStore
	if store == nil {
		switch cfg.Session.Strategy {
		case "jwt":
			store = session.NewJWTStore(cfg.Session.JWTSecret, cfg.Session.Issuer)
		default:
			rotate := time.Duration(cfg.Session.RotateWithinSeconds) * time.Second
			store = session.NewOrmStore(opts.Orm, rotate)
		}
	}

	e := &Engine{
		cfg:       cfg,
		db:        opts.Orm,
		log:       log.WithComponent("engine"),
		hasher:    hasher,
		encryptor: encryptor,
		sessions:  session.NewService(store, ttl, log),
		plugins:   make(map[string]*Plugin),
		metrics:   newPipelineMetrics(),
	}
	e.scheduler = cleanup.NewScheduler(opts.Orm, log, cfg.PluginConfig)
	return e, nil
}

// Register adds a plugin to the registry. The registry is write-once:
// a second plugin with the same name fails with DUPLICATE_PLUGIN and
// the first registration stays in effect. Plugins must be registered
// before Initialize.
func (e *Engine) Register(p *Plugin) error {
	if p == nil || p.Name == "" {
		return errors.Validation("plugin must have a name")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return errors.Configuration("plugins must be registered before engine initialization")
	}
	if _, dup := e.plugins[p.Name]; dup {
		return errors.DuplicatePlugin(p.Name)
	}
	e.plugins[p.Name] = p
	e.order = append(e.order, p.Name)
	e.log.Info("plugin registered", logger.Fields(logger.FieldPlugin, p.Name))
	return nil
}

// Initialize runs every plugin's Initialize hook in registration order
// and starts the cleanup scheduler. It runs at most once; any plugin
// error aborts initialization and is returned as a configuration error.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return errors.Configuration("engine is already initialized")
	}
	e.initialized = true
	order := make([]string, len(e.order))
	copy(order, e.order)
	e.mu.Unlock()

	for _, name := range order {
		p := e.plugins[name]
		if p.Initialize == nil {
			continue
		}
		if err := p.Initialize(ctx, e.contextFor(p, nil)); err != nil {
			if appErr, ok := err.(*errors.AppError); ok {
				return appErr
			}
			return errors.Configuration("plugin " + name + " failed to initialize").WithCause(err)
		}
		e.log.Debug("plugin initialized", logger.Fields(logger.FieldPlugin, name))
	}

	e.scheduler.Start(ctx)
	return nil
}

// Shutdown stops the cleanup scheduler and waits for in-flight tasks.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.scheduler.Stop()
	return nil
}

func (e *Engine) contextFor(p *Plugin, device *DeviceInfo) *PluginContext {
	cfg := make(map[string]any, len(p.Defaults))
	for k, v := range p.Defaults {
		cfg[k] = v
	}
	for k, v := range e.cfg.PluginConfig(p.Name) {
		cfg[k] = v
	}
	return &PluginContext{
		engine: e,
		plugin: p,
		Config: cfg,
		Logger: e.log.WithFields(logger.Fields(logger.FieldPlugin, p.Name)),
		Device: device,
	}
}

// GetPlugin returns a registered plugin by name.
func (e *Engine) GetPlugin(name string) (*Plugin, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.plugins[name]
	return p, ok
}

// GetAllPlugins returns the registered plugins in registration order.
func (e *Engine) GetAllPlugins() []*Plugin {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Plugin, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.plugins[name])
	}
	return out
}

// SessionService exposes the session authority for hosts that manage
// sessions outside of step execution.
func (e *Engine) SessionService() *session.Service { return e.sessions }

// RegisterSessionResolver registers a subject resolver. Typically
// called from plugin Initialize hooks.
func (e *Engine) RegisterSessionResolver(subjectType string, r session.Resolver) error {
	return e.sessions.RegisterResolver(subjectType, r)
}

// RegisterCleanupTask registers a periodic maintenance task. Typically
// called from plugin Initialize hooks, before the scheduler starts.
func (e *Engine) RegisterCleanupTask(t cleanup.Task) error {
	return e.scheduler.Register(t)
}

// RunCleanupTask runs a registered cleanup task immediately.
func (e *Engine) RunCleanupTask(ctx context.Context, name string) (cleanup.Result, error) {
	return e.scheduler.RunOnce(ctx, name)
}

// CreateSessionFor issues a session for an arbitrary subject. A zero
// ttl uses the configured default.
func (e *Engine) CreateSessionFor(ctx context.Context, subjectType, subjectID string, ttl time.Duration, device *DeviceInfo) (*session.Session, error) {
	return e.sessions.CreateFor(ctx, subjectType, subjectID, ttl, device)
}

// CheckSession validates a token and resolves its subject. Invalid
// tokens produce {Valid: false}, never an error.
func (e *Engine) CheckSession(ctx context.Context, token string) (*session.CheckResult, error) {
	return e.sessions.Check(ctx, token)
}

// DestroySession invalidates a session token. Idempotent.
func (e *Engine) DestroySession(ctx context.Context, token string) error {
	return e.sessions.Destroy(ctx, token)
}
