package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Hardcoded credential and login defaults
const (
	DefaultSessionTTL      = 24 * time.Hour
	DefaultLoginStateTTL   = 10 * time.Minute
	DefaultMaxPendingLogin = 10000
	DefaultProviderTimeout = 10 * time.Second
	DefaultChatTimeout     = 15 * time.Second

	// DevSigningSecret is only ever used when dev_mode is on and no secret is configured.
	DevSigningSecret = "dev_jwt_secret"

	minSigningSecretLen = 32
)

// Login state store kinds
const (
	LoginStoreMemory = "memory"
	LoginStoreCookie = "cookie"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Provider    ProviderConfig    `yaml:"provider"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Login       LoginConfig       `yaml:"login"`
	CORS        CORSConfig        `yaml:"cors"`
	Chat        ChatConfig        `yaml:"chat"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url" env:"PUBLIC_URL"`
	FrontendURL     string    `yaml:"frontend_url" env:"FRONTEND_URL"`
	DevListenAddr   string    `yaml:"dev_listen_addr" env:"DEV_LISTEN_ADDR"`
	HTTPListenAddr  string    `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string    `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	DevMode         bool      `yaml:"dev_mode" env:"DEV_MODE"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"TLS_DOMAINS"`
	Email      string   `yaml:"email" env:"TLS_EMAIL"`
	CacheDir   string   `yaml:"cache_dir" env:"TLS_CACHE_DIR"`
	MinVersion string   `yaml:"min_version" env:"TLS_MIN_VERSION"`
	HSTSMaxAge int      `yaml:"hsts_max_age" env:"HSTS_MAX_AGE"`
}

// ProviderConfig describes the single upstream OpenID Connect provider.
type ProviderConfig struct {
	Name         string        `yaml:"name" env:"PROVIDER_NAME"`
	Issuer       string        `yaml:"issuer" env:"OIDC_ISSUER"`
	ClientID     string        `yaml:"client_id" env:"GOOGLE_CLIENT_ID"`
	ClientSecret string        `yaml:"client_secret" env:"GOOGLE_CLIENT_SECRET"`
	Scopes       []string      `yaml:"scopes" env:"OIDC_SCOPES"`
	UserInfoURL  string        `yaml:"userinfo_url" env:"USERINFO_URL"`
	Timeout      time.Duration `yaml:"timeout" env:"PROVIDER_TIMEOUT"`
}

// CredentialsConfig controls the locally minted session credential.
type CredentialsConfig struct {
	Secret string        `yaml:"secret" env:"JWT_SECRET"`
	Issuer string        `yaml:"issuer" env:"JWT_ISSUER"`
	TTL    time.Duration `yaml:"ttl" env:"SESSION_TTL"`
}

// LoginConfig controls how per-login provider state is kept between redirect and callback.
type LoginConfig struct {
	Store      string        `yaml:"store" env:"LOGIN_STATE_STORE"`
	TTL        time.Duration `yaml:"ttl" env:"LOGIN_STATE_TTL"`
	CookieName string        `yaml:"cookie_name" env:"LOGIN_COOKIE_NAME"`
	MaxPending int           `yaml:"max_pending" env:"LOGIN_MAX_PENDING"`
}

// CORSConfig is the browser cross-origin policy for the frontend.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	AllowedMethods   []string `yaml:"allowed_methods" env:"CORS_ALLOWED_METHODS"`
	AllowedHeaders   []string `yaml:"allowed_headers" env:"CORS_ALLOWED_HEADERS"`
	AllowCredentials bool     `yaml:"allow_credentials" env:"CORS_ALLOW_CREDENTIALS"`
}

// ChatConfig points /api/chat at an optional upstream reply service.
type ChatConfig struct {
	UpstreamURL string        `yaml:"upstream_url" env:"CHAT_UPSTREAM_URL"`
	Timeout     time.Duration `yaml:"timeout" env:"CHAT_TIMEOUT"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		slog.Error("Failed to parse environment overrides", "error", err)
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:5000",
			FrontendURL:     "http://localhost:3000",
			DevListenAddr:   "127.0.0.1:5000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".secrets/tls",
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Provider: ProviderConfig{
			Name:    "google",
			Issuer:  "https://accounts.google.com",
			Scopes:  []string{"openid", "email", "profile"},
			Timeout: DefaultProviderTimeout,
		},
		Credentials: CredentialsConfig{
			Issuer: "mathnarrator",
			TTL:    DefaultSessionTTL,
		},
		Login: LoginConfig{
			Store:      LoginStoreMemory,
			TTL:        DefaultLoginStateTTL,
			CookieName: "mn_login",
			MaxPending: DefaultMaxPendingLogin,
		},
		CORS: CORSConfig{
			AllowedMethods:   DefaultCORSAllowedMethods,
			AllowedHeaders:   DefaultCORSAllowedHeaders,
			AllowCredentials: true,
		},
		Chat: ChatConfig{
			Timeout: DefaultChatTimeout,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// applyDerivedDefaults fills values that depend on other settings.
func (c *Config) applyDerivedDefaults() {
	if c.Server.DevMode && c.Credentials.Secret == "" {
		slog.Warn("Using development signing secret", "field", "credentials.secret", "reason", "dev_mode without JWT_SECRET")
		c.Credentials.Secret = DevSigningSecret
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		if origin := extractOrigin(c.Server.FrontendURL); origin != "" {
			c.CORS.AllowedOrigins = []string{origin}
		}
	}
}

// CallbackURL is the redirect URI registered with the provider.
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/auth/callback"
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if err := validateHTTPURL("server.public_url", c.Server.PublicURL); err != nil {
		return err
	}
	if err := validateHTTPURL("server.frontend_url", c.Server.FrontendURL); err != nil {
		return err
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if err := validateHTTPURL("provider.issuer", c.Provider.Issuer); err != nil {
		return err
	}
	if !c.Server.DevMode && c.Provider.ClientID == "" {
		slog.Error("Missing required provider configuration", "field", "provider.client_id", "reason", "required in production mode")
		return errors.New("provider.client_id is required in production mode")
	}
	if c.Provider.UserInfoURL != "" {
		if err := validateHTTPURL("provider.userinfo_url", c.Provider.UserInfoURL); err != nil {
			return err
		}
	}
	if c.Provider.Timeout <= 0 {
		slog.Error("Invalid provider timeout", "field", "provider.timeout", "value", c.Provider.Timeout)
		return fmt.Errorf("provider.timeout must be positive, got: %s", c.Provider.Timeout)
	}

	if c.Credentials.Secret == "" {
		slog.Error("Missing required configuration", "field", "credentials.secret")
		return errors.New("credentials.secret is required (set JWT_SECRET)")
	}
	if !c.Server.DevMode && len(c.Credentials.Secret) < minSigningSecretLen {
		slog.Error("Signing secret too short for production", "field", "credentials.secret", "min_length", minSigningSecretLen)
		return fmt.Errorf("credentials.secret must be at least %d bytes in production", minSigningSecretLen)
	}
	if !c.Server.DevMode && c.Credentials.Secret == DevSigningSecret {
		slog.Error("Development signing secret used in production", "field", "credentials.secret")
		return errors.New("credentials.secret must not be the development default in production")
	}
	if c.Server.DevMode && c.Credentials.Secret == DevSigningSecret && !isLocalURL(c.Server.PublicURL) {
		slog.Error("Development signing secret on a non-local public URL", "field", "credentials.secret", "public_url", c.Server.PublicURL)
		return fmt.Errorf("credentials.secret must be set when server.public_url is not local, got: %s", c.Server.PublicURL)
	}
	if c.Credentials.TTL <= 0 {
		slog.Error("Invalid credential ttl", "field", "credentials.ttl", "value", c.Credentials.TTL)
		return fmt.Errorf("credentials.ttl must be positive, got: %s", c.Credentials.TTL)
	}

	switch c.Login.Store {
	case LoginStoreMemory, LoginStoreCookie:
	default:
		slog.Error("Invalid login state store", "field", "login.store", "value", c.Login.Store, "valid_values", []string{LoginStoreMemory, LoginStoreCookie})
		return fmt.Errorf("login.store must be %q or %q, got: %s", LoginStoreMemory, LoginStoreCookie, c.Login.Store)
	}
	if c.Login.TTL <= 0 {
		slog.Error("Invalid login state ttl", "field", "login.ttl", "value", c.Login.TTL)
		return fmt.Errorf("login.ttl must be positive, got: %s", c.Login.TTL)
	}
	if c.Login.Store == LoginStoreMemory && c.Login.MaxPending <= 0 {
		slog.Error("Invalid pending login limit", "field", "login.max_pending", "value", c.Login.MaxPending)
		return fmt.Errorf("login.max_pending must be positive, got: %d", c.Login.MaxPending)
	}
	if c.Login.CookieName == "" {
		slog.Error("Missing required configuration", "field", "login.cookie_name")
		return errors.New("login.cookie_name is required")
	}

	for i, origin := range c.CORS.AllowedOrigins {
		if origin == "*" && c.CORS.AllowCredentials {
			slog.Error("Wildcard CORS origin with credentials", "field", "cors.allowed_origins", "index", i)
			return errors.New("cors.allowed_origins cannot contain '*' when cors.allow_credentials is true")
		}
	}

	if c.Chat.UpstreamURL != "" {
		if err := validateHTTPURL("chat.upstream_url", c.Chat.UpstreamURL); err != nil {
			return err
		}
		if c.Chat.Timeout <= 0 {
			slog.Error("Invalid chat timeout", "field", "chat.timeout", "value", c.Chat.Timeout)
			return fmt.Errorf("chat.timeout must be positive, got: %s", c.Chat.Timeout)
		}
	}

	return nil
}

func validateHTTPURL(field, raw string) error {
	if raw == "" {
		slog.Error("Missing required configuration", "field", field)
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slog.Error("Invalid configuration value", "field", field, "value", raw, "reason", "must be an absolute http:// or https:// URL")
		return fmt.Errorf("%s must be an absolute http:// or https:// URL, got: %s", field, raw)
	}
	return nil
}

// isLocalURL reports whether rawURL points at this machine.
func isLocalURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(rawURL string) string {
	if rawURL == "" || rawURL == "*" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
