package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Hardcoded session and provider defaults
const (
	DefaultSessionTTL      = 12 * time.Hour
	DefaultProviderTimeout = 10 * time.Second
	DefaultHSTSMaxAge      = 31536000
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

const envPrefix = "KCFRONT_"

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Auth     AuthConfig     `yaml:"auth"`
	Admin    AdminConfig    `yaml:"admin"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string        `yaml:"public_url"`
	DevListenAddr   string        `yaml:"dev_listen_addr"`
	HTTPListenAddr  string        `yaml:"http_listen_addr"`
	HTTPSListenAddr string        `yaml:"https_listen_addr"`
	DevMode         bool          `yaml:"dev_mode"`
	CookieDomain    string        `yaml:"cookie_domain"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	SecretsPath     string        `yaml:"secrets_path"`
	TLS             TLSConfig     `yaml:"tls"`
	CORS            CORSConfig    `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists the browser origins allowed to call the API. When
// AllowedOrigins is empty the origins of the configured redirect URIs are used.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// ProviderConfig points at the identity provider.
type ProviderConfig struct {
	BaseURI       string        `yaml:"base_uri"`
	Timeout       time.Duration `yaml:"timeout"`
	VerifyIDToken bool          `yaml:"verify_id_token"`
}

// AuthConfig holds the relying-party client settings.
type AuthConfig struct {
	DefaultRealm      string   `yaml:"default_realm"`
	DefaultClientID   string   `yaml:"default_client_id"`
	ClientSecret      string   `yaml:"client_secret"`
	RedirectURI       string   `yaml:"redirect_uri"`
	LogoutRedirectURI string   `yaml:"logout_redirect_uri"`
	AllowedRealms     []string `yaml:"allowed_realms"`
	AllowedClients    []string `yaml:"allowed_clients"`
}

// AdminConfig enables the read-only realm listing.
type AdminConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Realm    string `yaml:"realm"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SessionTTL:      DefaultSessionTTL,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Provider: ProviderConfig{
			BaseURI: "http://localhost:8180",
			Timeout: DefaultProviderTimeout,
		},
		Auth: AuthConfig{
			DefaultRealm:      "master",
			DefaultClientID:   "web",
			RedirectURI:       "http://127.0.0.1:8080/auth/callback",
			LogoutRedirectURI: "http://127.0.0.1:8080/",
		},
		Admin: AdminConfig{
			Realm:    "master",
			ClientID: "admin-cli",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"SERVER_SESSION_TTL":       func(v string) { cfg.Server.SessionTTL = parseDuration(v, cfg.Server.SessionTTL) },
		"SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"SERVER_CORS_ORIGINS":      func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },

		"PROVIDER_BASE_URI":        func(v string) { cfg.Provider.BaseURI = v },
		"PROVIDER_TIMEOUT":         func(v string) { cfg.Provider.Timeout = parseDuration(v, cfg.Provider.Timeout) },
		"PROVIDER_VERIFY_ID_TOKEN": func(v string) { cfg.Provider.VerifyIDToken = parseBool(v, cfg.Provider.VerifyIDToken) },

		"AUTH_DEFAULT_REALM":       func(v string) { cfg.Auth.DefaultRealm = v },
		"AUTH_DEFAULT_CLIENT_ID":   func(v string) { cfg.Auth.DefaultClientID = v },
		"AUTH_CLIENT_SECRET":       func(v string) { cfg.Auth.ClientSecret = v },
		"AUTH_REDIRECT_URI":        func(v string) { cfg.Auth.RedirectURI = v },
		"AUTH_LOGOUT_REDIRECT_URI": func(v string) { cfg.Auth.LogoutRedirectURI = v },
		"AUTH_ALLOWED_REALMS":      func(v string) { cfg.Auth.AllowedRealms = splitAndTrim(v) },
		"AUTH_ALLOWED_CLIENTS":     func(v string) { cfg.Auth.AllowedClients = splitAndTrim(v) },

		"ADMIN_ENABLED":   func(v string) { cfg.Admin.Enabled = parseBool(v, cfg.Admin.Enabled) },
		"ADMIN_REALM":     func(v string) { cfg.Admin.Realm = v },
		"ADMIN_CLIENT_ID": func(v string) { cfg.Admin.ClientID = v },
		"ADMIN_USERNAME":  func(v string) { cfg.Admin.Username = v },
		"ADMIN_PASSWORD":  func(v string) { cfg.Admin.Password = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(envPrefix + key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the config and reports every problem found.
func (c Config) Validate() error {
	var result *multierror.Error

	if err := requireHTTPURL("server.public_url", c.Server.PublicURL); err != nil {
		result = multierror.Append(result, err)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		result = multierror.Append(result, errors.New("server.tls.domains must be provided in production"))
	}

	if v := c.Server.TLS.MinVersion; v != "" && v != "1.2" && v != "1.3" {
		result = multierror.Append(result, fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", v))
	}

	if c.Server.SessionTTL <= 0 {
		result = multierror.Append(result, errors.New("server.session_ttl must be positive"))
	}

	// Cookie domain should be a suffix of the public URL host
	// e.g., public_url: app.dev.example.com -> cookie_domain: .dev.example.com (valid)
	if c.Server.CookieDomain != "" {
		if u, err := url.Parse(c.Server.PublicURL); err == nil && u.Hostname() != "" {
			cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
			if !strings.HasSuffix(u.Hostname(), cookieDomain) {
				result = multierror.Append(result, fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, u.Hostname()))
			}
		}
	}

	// Responses carry Access-Control-Allow-Credentials, so origins must be explicit.
	for _, origin := range c.Server.CORS.AllowedOrigins {
		if origin == "*" {
			result = multierror.Append(result, errors.New("server.cors.allowed_origins must list explicit origins, '*' is not allowed with credentials"))
			break
		}
	}

	if err := requireHTTPURL("provider.base_uri", c.Provider.BaseURI); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Provider.Timeout <= 0 {
		result = multierror.Append(result, errors.New("provider.timeout must be positive"))
	}

	if c.Auth.DefaultRealm == "" {
		result = multierror.Append(result, errors.New("auth.default_realm is required"))
	}
	if c.Auth.DefaultClientID == "" {
		result = multierror.Append(result, errors.New("auth.default_client_id is required"))
	}
	if err := requireRedirectURI("auth.redirect_uri", c.Auth.RedirectURI); err != nil {
		result = multierror.Append(result, err)
	}
	if err := requireRedirectURI("auth.logout_redirect_uri", c.Auth.LogoutRedirectURI); err != nil {
		result = multierror.Append(result, err)
	}
	if len(c.Auth.AllowedRealms) > 0 && !contains(c.Auth.AllowedRealms, c.Auth.DefaultRealm) {
		result = multierror.Append(result, fmt.Errorf("auth.allowed_realms must include auth.default_realm %q", c.Auth.DefaultRealm))
	}
	if len(c.Auth.AllowedClients) > 0 && !contains(c.Auth.AllowedClients, c.Auth.DefaultClientID) {
		result = multierror.Append(result, fmt.Errorf("auth.allowed_clients must include auth.default_client_id %q", c.Auth.DefaultClientID))
	}

	if c.Admin.Enabled {
		if c.Admin.Realm == "" {
			result = multierror.Append(result, errors.New("admin.realm is required when admin is enabled"))
		}
		if c.Admin.ClientID == "" {
			result = multierror.Append(result, errors.New("admin.client_id is required when admin is enabled"))
		}
		if c.Admin.Username == "" || c.Admin.Password == "" {
			result = multierror.Append(result, errors.New("admin.username and admin.password are required when admin is enabled"))
		}
	}

	return result.ErrorOrNil()
}

func requireHTTPURL(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		return fmt.Errorf("%s must start with http:// or https://, got: %s", field, value)
	}
	return nil
}

func requireRedirectURI(field, value string) error {
	if err := requireHTTPURL(field, value); err != nil {
		return err
	}
	if !isSafeRedirectURI(value) {
		return fmt.Errorf("%s is not a safe redirect target: %s", field, value)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// CORSOrigins returns the configured origins, or those inferred from the
// redirect URIs when none are configured.
func (c Config) CORSOrigins() []string {
	if len(c.Server.CORS.AllowedOrigins) > 0 {
		return c.Server.CORS.AllowedOrigins
	}
	seen := make(map[string]bool)
	origins := []string{}
	for _, raw := range []string{c.Auth.RedirectURI, c.Auth.LogoutRedirectURI, c.Server.PublicURL} {
		if origin := extractOrigin(raw); origin != "" && !seen[origin] {
			seen[origin] = true
			origins = append(origins, origin)
		}
	}
	return origins
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(raw string) string {
	if raw == "" || raw == "*" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
