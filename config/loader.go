package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LoaderOptions control where configuration is read from.
type LoaderOptions struct {
	// ConfigFile is an explicit path to a YAML config file.
	// When empty, standard locations are searched.
	ConfigFile string

	// EnvFile is an explicit path to a .env file. When empty, "./.env"
	// is loaded if present.
	EnvFile string

	// EnvPrefix namespaces environment overrides (default: "AUTHKIT").
	// AUTHKIT_SESSION_TTL_SECONDS overrides session.ttl_seconds.
	EnvPrefix string
}

// Load reads configuration from file and environment, applies defaults,
// and validates the result. The returned Config is fully resolved.
func Load(opts LoaderOptions) (*Config, error) {
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "AUTHKIT"
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("authkit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("config: read: %w", err)
			}
			// No file is fine: defaults plus env cover the minimal setup.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
