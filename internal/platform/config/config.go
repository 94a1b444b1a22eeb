package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile         = ".env"
	defaultPort            = "8080"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultEnvironment     = "local"
	defaultBasePath        = "/history"
	defaultPageSize        = 20
	defaultCacheTTL        = 5 * time.Minute
	defaultSessionCookie   = "history_session"
	defaultCSRFCookie      = "history_csrf"
	defaultLanguage        = "ja"
	defaultAuthMode        = "firebase"
	defaultStore           = "memory"
	defaultSQLiteDSN       = "file:history.db?_foreign_keys=on"
	defaultRequestTimeout  = 10 * time.Second
	defaultSessionIdleTime = 8 * time.Hour
)

// Service selects which command's requirements Load validates.
type Service string

const (
	ServiceHistory    Service = "history"
	ServiceContentAPI Service = "contentapi"
)

// Config captures runtime configuration for both commands, organised by concern.
type Config struct {
	Environment string
	LogLevel    string
	Server      ServerConfig
	History     HistoryConfig
	ContentAPI  ContentAPIConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Secrets     SecretsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// HistoryConfig configures the history workspace.
type HistoryConfig struct {
	ContentAPIURL   string
	ServiceToken    string
	RequestTimeout  time.Duration
	BasePath        string
	PageSize        int
	CacheTTL        time.Duration
	AuthMode        string
	SessionHashKey  string
	SessionBlockKey string
	SessionCookie   string
	SessionIdleTime time.Duration
	CSRFCookie      string
	DefaultLanguage string

	// AllowedEmailDomains restricts Firebase sign-in. Empty admits any verified user.
	AllowedEmailDomains []string
}

// ContentAPIConfig configures the reference content service.
type ContentAPIConfig struct {
	Store         string
	SQLiteDSN     string
	Tokens        []string
	SeedFile      string
	ExportBucket  string
	PubSubProject string
	PubSubTopic   string
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// SecretsConfig points at the Secret Manager project used for sm:// references.
type SecretsConfig struct {
	ProjectID string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
	service      Service
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// ForService validates the fields the given command needs. Without it only
// the shared server settings are checked.
func ForService(service Service) Option {
	return func(o *loaderOptions) {
		o.service = service
	}
}

// Lookup returns a single raw value using the same precedence as Load
// (dotenv < OS env < explicit map). Commands use it to bootstrap the secret
// fetcher before calling Load.
func Lookup(key string, opts ...Option) (string, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	lookup, err := newLookup(options)
	if err != nil {
		return "", err
	}
	value, _ := lookup(key)
	return strings.TrimSpace(value), nil
}

// Load assembles configuration from defaults, .env overrides, environment
// variables and Secret Manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	lookup, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "ENVIRONMENT", defaultEnvironment)),
		LogLevel:    stringWithDefault(lookup, "LOG_LEVEL", ""),
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		History: HistoryConfig{
			ContentAPIURL:   stringWithDefault(lookup, "HISTORY_CONTENT_API_URL", ""),
			ServiceToken:    stringWithDefault(lookup, "HISTORY_SERVICE_TOKEN", ""),
			RequestTimeout:  durationWithDefault(lookup, "HISTORY_REQUEST_TIMEOUT", defaultRequestTimeout),
			BasePath:        normalizeBasePath(stringWithDefault(lookup, "HISTORY_BASE_PATH", defaultBasePath)),
			PageSize:        intWithDefault(lookup, "HISTORY_PAGE_SIZE", defaultPageSize),
			CacheTTL:        durationWithDefault(lookup, "HISTORY_CACHE_TTL", defaultCacheTTL),
			AuthMode:        strings.ToLower(stringWithDefault(lookup, "HISTORY_AUTH_MODE", defaultAuthMode)),
			SessionHashKey:  stringWithDefault(lookup, "HISTORY_SESSION_HASH_KEY", ""),
			SessionBlockKey: stringWithDefault(lookup, "HISTORY_SESSION_BLOCK_KEY", ""),
			SessionCookie:   stringWithDefault(lookup, "HISTORY_SESSION_COOKIE", defaultSessionCookie),
			SessionIdleTime: durationWithDefault(lookup, "HISTORY_SESSION_IDLE_TIMEOUT", defaultSessionIdleTime),
			CSRFCookie:      stringWithDefault(lookup, "HISTORY_CSRF_COOKIE", defaultCSRFCookie),
			DefaultLanguage: stringWithDefault(lookup, "HISTORY_DEFAULT_LANGUAGE", defaultLanguage),

			AllowedEmailDomains: csvWithDefault(lookup, "HISTORY_ALLOWED_EMAIL_DOMAINS"),
		},
		ContentAPI: ContentAPIConfig{
			Store:         strings.ToLower(stringWithDefault(lookup, "CONTENTAPI_STORE", defaultStore)),
			SQLiteDSN:     stringWithDefault(lookup, "CONTENTAPI_SQLITE_DSN", defaultSQLiteDSN),
			Tokens:        csvWithDefault(lookup, "CONTENTAPI_TOKENS"),
			SeedFile:      stringWithDefault(lookup, "CONTENTAPI_SEED_FILE", ""),
			ExportBucket:  stringWithDefault(lookup, "CONTENTAPI_EXPORT_BUCKET", ""),
			PubSubProject: stringWithDefault(lookup, "CONTENTAPI_PUBSUB_PROJECT_ID", ""),
			PubSubTopic:   stringWithDefault(lookup, "CONTENTAPI_PUBSUB_TOPIC", ""),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "FIRESTORE_EMULATOR_HOST", ""),
		},
		Secrets: SecretsConfig{
			ProjectID: stringWithDefault(lookup, "SECRETS_PROJECT_ID", ""),
		},
	}

	// Google projects default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Secrets.ProjectID == "" {
		cfg.Secrets.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.ContentAPI.PubSubProject == "" {
		cfg.ContentAPI.PubSubProject = cfg.Firebase.ProjectID
	}

	secretFields := []*string{
		&cfg.History.ServiceToken,
		&cfg.History.SessionHashKey,
		&cfg.History.SessionBlockKey,
	}
	for i := range cfg.ContentAPI.Tokens {
		secretFields = append(secretFields, &cfg.ContentAPI.Tokens[i])
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg, options.service); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsLocal reports whether the process runs outside a deployed environment.
func (c Config) IsLocal() bool {
	return c.Environment == "" || c.Environment == defaultEnvironment
}

func defaultOptions() loaderOptions {
	return loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", errSecretResolverNotConfigured
		}),
	}
}

func newLookup(options loaderOptions) (func(string) (string, bool), error) {
	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnvValues[key]
		return value, ok
	}, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func validateConfig(cfg Config, service Service) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}

	switch service {
	case ServiceHistory:
		if cfg.History.ContentAPIURL == "" {
			missing = append(missing, "History.ContentAPIURL")
		}
		if cfg.History.PageSize < 1 || cfg.History.PageSize > 100 {
			missing = append(missing, "History.PageSize")
		}
		if cfg.History.CacheTTL <= 0 {
			missing = append(missing, "History.CacheTTL")
		}
		switch cfg.History.AuthMode {
		case "firebase":
			if cfg.Firebase.ProjectID == "" {
				missing = append(missing, "Firebase.ProjectID")
			}
		case "local":
			if !cfg.IsLocal() {
				missing = append(missing, "History.AuthMode")
			}
		default:
			missing = append(missing, "History.AuthMode")
		}
		if !cfg.IsLocal() {
			if len(cfg.History.SessionHashKey) < 32 {
				missing = append(missing, "History.SessionHashKey")
			}
			if cfg.History.SessionBlockKey != "" && !validBlockKey(cfg.History.SessionBlockKey) {
				missing = append(missing, "History.SessionBlockKey")
			}
		}
	case ServiceContentAPI:
		switch cfg.ContentAPI.Store {
		case "memory":
		case "sqlite":
			if cfg.ContentAPI.SQLiteDSN == "" {
				missing = append(missing, "ContentAPI.SQLiteDSN")
			}
		case "firestore":
			if cfg.Firestore.ProjectID == "" {
				missing = append(missing, "Firestore.ProjectID")
			}
		default:
			missing = append(missing, "ContentAPI.Store")
		}
		if !cfg.IsLocal() && len(cfg.ContentAPI.Tokens) == 0 {
			missing = append(missing, "ContentAPI.Tokens")
		}
		if cfg.ContentAPI.PubSubTopic != "" && cfg.ContentAPI.PubSubProject == "" {
			missing = append(missing, "ContentAPI.PubSubProject")
		}
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func validBlockKey(key string) bool {
	switch len(key) {
	case 16, 24, 32:
		return true
	}
	return false
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func normalizeBasePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path == "/" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(path, "/")
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
