// Package config defines the engine configuration and its loader.
//
// Configuration is resolved exactly once, before the engine is built:
// ApplyDefaults fills zero values, Validate rejects inconsistent input,
// and the resulting Config is treated as immutable. Contradictory values
// (for example a deprecated top-level session TTL that disagrees with the
// nested one) are a validation error, never silently preferred.
package config

import (
	"fmt"

	"github.com/kbukum/authkit/encryption"
	"github.com/kbukum/authkit/logger"
	"github.com/kbukum/authkit/password"
)

// Config is the fully-resolved engine configuration.
type Config struct {
	// Logging configures the engine logger.
	Logging logger.Config `mapstructure:"logging"`

	// Session configures token issuance and validation.
	Session SessionConfig `mapstructure:"session"`

	// SessionTTLSeconds is the deprecated top-level spelling of
	// session.ttl_seconds. If both are set they must agree.
	//
	// Deprecated: set session.ttl_seconds instead.
	SessionTTLSeconds int `mapstructure:"session_ttl_seconds"`

	// Password configures the password hasher.
	Password password.Config `mapstructure:"password"`

	// Encryption configures token-at-rest encryption.
	Encryption EncryptionConfig `mapstructure:"encryption"`

	// OAuth configures the generic OAuth subsystem.
	OAuth OAuthConfig `mapstructure:"oauth"`

	// Plugins holds per-plugin configuration keyed by plugin name.
	Plugins map[string]map[string]any `mapstructure:"plugins"`
}

// SessionConfig configures the session service.
type SessionConfig struct {
	// Strategy selects the token strategy: "opaque" (store-backed,
	// default) or "jwt" (stateless).
	Strategy string `mapstructure:"strategy"`

	// TTLSeconds is the default session lifetime (default: 7 days).
	TTLSeconds int `mapstructure:"ttl_seconds"`

	// RotateWithinSeconds is the window before expiry in which opaque
	// tokens are rotated on check. Zero means one quarter of the TTL.
	RotateWithinSeconds int `mapstructure:"rotate_within_seconds"`

	// JWTSecret signs tokens when Strategy is "jwt".
	JWTSecret string `mapstructure:"jwt_secret"`

	// Issuer is the "iss" claim for JWT sessions (default: "authkit").
	Issuer string `mapstructure:"issuer"`
}

// EncryptionConfig configures token-at-rest encryption.
type EncryptionConfig struct {
	// Key is the symmetric key. Required whenever OAuth providers are configured.
	Key string `mapstructure:"key"`

	// Algorithm selects the AEAD: "aes-256-gcm" (default) or "chacha20-poly1305".
	Algorithm encryption.Algorithm `mapstructure:"algorithm"`
}

// ApplyDefaults sets sensible defaults for zero-valued fields.
func (c *Config) ApplyDefaults() {
	c.Logging.ApplyDefaults()
	c.Password.ApplyDefaults()

	if c.Session.Strategy == "" {
		c.Session.Strategy = "opaque"
	}
	if c.Session.TTLSeconds == 0 {
		if c.SessionTTLSeconds != 0 {
			c.Session.TTLSeconds = c.SessionTTLSeconds
		} else {
			c.Session.TTLSeconds = 7 * 24 * 3600
		}
	}
	if c.Session.RotateWithinSeconds == 0 {
		c.Session.RotateWithinSeconds = c.Session.TTLSeconds / 4
	}
	if c.Session.Issuer == "" {
		c.Session.Issuer = "authkit"
	}
	if c.Encryption.Algorithm == "" {
		c.Encryption.Algorithm = encryption.AlgorithmAESGCM
	}
	c.OAuth.ApplyDefaults()
}

// Validate checks the configuration. It must be called after ApplyDefaults.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Password.Validate(); err != nil {
		return fmt.Errorf("password: %w", err)
	}

	// Reject the contradiction instead of silently preferring one value.
	if c.SessionTTLSeconds != 0 && c.SessionTTLSeconds != c.Session.TTLSeconds {
		return fmt.Errorf("session_ttl_seconds (%d) contradicts session.ttl_seconds (%d): set only session.ttl_seconds",
			c.SessionTTLSeconds, c.Session.TTLSeconds)
	}

	switch c.Session.Strategy {
	case "opaque":
	case "jwt":
		if c.Session.JWTSecret == "" {
			return fmt.Errorf("session.jwt_secret is required for the jwt strategy")
		}
	default:
		return fmt.Errorf("session.strategy must be opaque or jwt (got: %s)", c.Session.Strategy)
	}

	if c.Session.TTLSeconds <= 0 {
		return fmt.Errorf("session.ttl_seconds must be positive (got: %d)", c.Session.TTLSeconds)
	}
	if c.Session.RotateWithinSeconds < 0 || c.Session.RotateWithinSeconds >= c.Session.TTLSeconds {
		return fmt.Errorf("session.rotate_within_seconds must be in [0, ttl) (got: %d)", c.Session.RotateWithinSeconds)
	}

	switch c.Encryption.Algorithm {
	case encryption.AlgorithmAESGCM, encryption.AlgorithmChaCha20:
	default:
		return fmt.Errorf("encryption.algorithm must be %s or %s (got: %s)",
			encryption.AlgorithmAESGCM, encryption.AlgorithmChaCha20, c.Encryption.Algorithm)
	}

	if len(c.OAuth.Providers) > 0 && c.Encryption.Key == "" {
		return fmt.Errorf("encryption.key is required when oauth providers are configured")
	}

	return c.OAuth.Validate()
}

// PluginConfig returns the raw configuration map for a plugin, or nil.
func (c *Config) PluginConfig(name string) map[string]any {
	if c.Plugins == nil {
		return nil
	}
	return c.Plugins[name]
}
