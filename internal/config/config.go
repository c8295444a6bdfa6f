package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kilometers.ai/authlayer/internal/logging"
)

// EnvPrefix prefixes every environment variable, e.g. AUTHLAYER_BASE_URL
const EnvPrefix = "AUTHLAYER"

// Credential store kinds
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Refresh exchange kinds
const (
	ExchangeJSON   = "json"
	ExchangeOAuth2 = "oauth2"
)

// Config holds all configuration for the access layer and its CLI
type Config struct {
	// API
	BaseURL        string        `mapstructure:"base-url"`
	LoginPath      string        `mapstructure:"login-path"`
	RefreshPath    string        `mapstructure:"refresh-path"`
	RefreshTimeout time.Duration `mapstructure:"refresh-timeout"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`

	// Credential persistence
	Store       string `mapstructure:"store"`
	StorePath   string `mapstructure:"store-path"`
	RedisAddr   string `mapstructure:"redis-addr"`
	RedisPrefix string `mapstructure:"redis-prefix"`

	// Refresh exchange
	Exchange           string `mapstructure:"exchange"`
	OAuth2ClientID     string `mapstructure:"oauth2-client-id"`
	OAuth2ClientSecret string `mapstructure:"oauth2-client-secret"`

	// Logging
	LogLevel string `mapstructure:"log-level"`
	LogJSON  bool   `mapstructure:"log-json"`

	// Metrics endpoint, e.g. ":9090". Empty disables it.
	MetricsAddr string `mapstructure:"metrics-addr"`
}

// SetupFlags registers the persistent flags on cmd and binds them,
// together with AUTHLAYER_* environment variables, to v
func SetupFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()

	flags.String("config", "", "Config file (default $HOME/.config/authlayer/config.yaml)")

	// API flags
	flags.String("base-url", "", "API base URL")
	flags.String("login-path", "/auth/login", "Password login endpoint")
	flags.String("refresh-path", "/auth/refresh", "Token refresh endpoint")
	flags.Duration("refresh-timeout", 10*time.Second, "Upper bound for one token refresh")
	flags.Duration("request-timeout", 30*time.Second, "Upper bound for one request attempt")

	// Store flags
	flags.String("store", StoreFile, "Credential store: memory, file or redis")
	flags.String("store-path", "~/.config/authlayer/credentials", "Credential file for the file store")
	flags.String("redis-addr", "", "Redis address for the redis store")
	flags.String("redis-prefix", "authlayer:credential", "Key prefix for the redis store")

	// Exchange flags
	flags.String("exchange", ExchangeJSON, "Refresh exchange: json or oauth2")
	flags.String("oauth2-client-id", "", "OAuth2 client id for the oauth2 exchange")
	flags.String("oauth2-client-secret", "", "OAuth2 client secret for the oauth2 exchange")

	// Other flags
	flags.String("log-level", "warn", "Log level: trace, debug, info, warn, error or off")
	flags.Bool("log-json", false, "Log as JSON")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	v.BindPFlags(flags)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// Load reads the optional config file, then unmarshals and validates
func Load(v *viper.Viper) (*Config, error) {
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(v *viper.Viper) error {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.AddConfigPath("$HOME/.config/authlayer")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("base-url must be an absolute http or https URL, got %q", c.BaseURL)
		}
	}
	if !strings.HasPrefix(c.RefreshPath, "/") {
		return fmt.Errorf("refresh-path must start with /")
	}
	if !strings.HasPrefix(c.LoginPath, "/") {
		return fmt.Errorf("login-path must start with /")
	}
	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("refresh-timeout must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request-timeout must be positive")
	}

	switch c.Store {
	case StoreMemory:
	case StoreFile:
		if c.StorePath == "" {
			return fmt.Errorf("store-path is required for the file store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis-addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store %q: use memory, file or redis", c.Store)
	}

	switch c.Exchange {
	case ExchangeJSON:
	case ExchangeOAuth2:
		if c.OAuth2ClientID == "" {
			return fmt.Errorf("oauth2-client-id is required for the oauth2 exchange")
		}
	default:
		return fmt.Errorf("unknown exchange %q: use json or oauth2", c.Exchange)
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// RequireBaseURL fails when no API base URL is configured
func (c *Config) RequireBaseURL() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base-url is required (flag --base-url or %s_BASE_URL)", EnvPrefix)
	}
	return nil
}

// RefreshURL is the absolute refresh endpoint
func (c *Config) RefreshURL() string {
	return c.BaseURL + c.RefreshPath
}
