package config

import "fmt"

// OAuthConfig configures the generic OAuth subsystem.
type OAuthConfig struct {
	// Providers maps provider ids ("github", "twitter", ...) to their wiring.
	Providers map[string]OAuthProvider `mapstructure:"providers"`

	// AuthorizationTTLSeconds bounds in-flight OAuth handshakes
	// (default: 600, ten minutes).
	AuthorizationTTLSeconds int `mapstructure:"authorization_ttl_seconds"`
}

// OAuthProvider is the per-provider endpoint and credential wiring.
// This is configuration data: the state machines in the oauth package
// treat it as opaque input.
type OAuthProvider struct {
	// Version is the protocol version: "2.0" or "1.0a".
	Version string `mapstructure:"version"`

	// Active disables the provider without removing its configuration.
	Active *bool `mapstructure:"active"`

	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	// OAuth 2.0 endpoints.
	AuthorizationURL string `mapstructure:"authorization_url"`
	TokenURL         string `mapstructure:"token_url"`
	UserInfoURL      string `mapstructure:"user_info_url"`

	// OAuth 1.0a endpoints.
	RequestTokenURL string `mapstructure:"request_token_url"`
	AccessTokenURL  string `mapstructure:"access_token_url"`
	AuthorizeURL    string `mapstructure:"authorize_url"`

	// Scopes requested during authorization (OAuth 2.0 only).
	Scopes []string `mapstructure:"scopes"`

	// DisablePKCE turns off PKCE for providers that reject it.
	DisablePKCE bool `mapstructure:"disable_pkce"`

	// AutoRefresh enables refresh of near-expiry access tokens.
	AutoRefresh bool `mapstructure:"auto_refresh"`

	// SignatureMethod is the OAuth 1.0a signing method (default: "HMAC-SHA1").
	SignatureMethod string `mapstructure:"signature_method"`

	// ProfileMap maps normalized profile fields (id, email, name, avatar)
	// to dotted paths into the provider's user-info payload.
	ProfileMap map[string]string `mapstructure:"profile_map"`
}

// IsActive reports whether the provider is enabled (default: true).
func (p OAuthProvider) IsActive() bool {
	return p.Active == nil || *p.Active
}

// ApplyDefaults sets sensible defaults for zero-valued fields.
func (c *OAuthConfig) ApplyDefaults() {
	if c.AuthorizationTTLSeconds == 0 {
		c.AuthorizationTTLSeconds = 600
	}
	for id, p := range c.Providers {
		if p.Version == "" {
			p.Version = "2.0"
		}
		if p.SignatureMethod == "" {
			p.SignatureMethod = "HMAC-SHA1"
		}
		c.Providers[id] = p
	}
}

// Validate checks every configured provider.
func (c *OAuthConfig) Validate() error {
	for id, p := range c.Providers {
		if err := p.validate(); err != nil {
			return fmt.Errorf("oauth provider %q: %w", id, err)
		}
	}
	return nil
}

func (p OAuthProvider) validate() error {
	switch p.Version {
	case "2.0":
		if p.ClientID == "" {
			return fmt.Errorf("client_id is required")
		}
		if p.AuthorizationURL == "" || p.TokenURL == "" {
			return fmt.Errorf("authorization_url and token_url are required for version 2.0")
		}
	case "1.0a":
		if p.ClientID == "" || p.ClientSecret == "" {
			return fmt.Errorf("client_id and client_secret are required for version 1.0a")
		}
		if p.RequestTokenURL == "" || p.AccessTokenURL == "" || p.AuthorizeURL == "" {
			return fmt.Errorf("request_token_url, access_token_url and authorize_url are required for version 1.0a")
		}
		if p.SignatureMethod != "HMAC-SHA1" && p.SignatureMethod != "PLAINTEXT" {
			return fmt.Errorf("unsupported signature_method: %s", p.SignatureMethod)
		}
	default:
		return fmt.Errorf("version must be 2.0 or 1.0a (got: %s)", p.Version)
	}
	return nil
}
