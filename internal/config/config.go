// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, the SQLite store, the direct-message
// master key, real-time session limits, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Application environments recognised by APP_ENV.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "roomchat")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StoreConfig defines the SQLite store and its contention policy.
type StoreConfig struct {
	Path          string        // DB_PATH
	BusyTimeout   time.Duration // DB_BUSY_TIMEOUT, engine-level wait before SQLITE_BUSY
	RetryInitial  time.Duration // STORE_RETRY_INITIAL, first backoff step
	RetryAttempts int           // STORE_RETRY_ATTEMPTS, total attempts including the first
}

// CryptoConfig carries the direct-message key material inputs.
type CryptoConfig struct {
	MasterKeyHex string // MASTER_KEY, 64 hex chars
	AppSecret    string // APP_SECRET, dev-only fallback source for the master key
	KeyCacheSize int    // KEY_CACHE_SIZE, LRU capacity for derived conversation keys
}

// RealtimeConfig defines limits for WebSocket sessions.
type RealtimeConfig struct {
	AllowedOrigins       []string      // WS_ALLOWED_ORIGINS; empty allows same-host only
	SessionTTL           time.Duration // SESSION_TTL, freshness window before re-verification
	MessagesPerMinute    int           // WS_MESSAGES_PER_MINUTE
	DisconnectAfter      int           // WS_RATE_DISCONNECT_AFTER, consecutive rejections before close
	SendBuffer           int           // WS_SEND_BUFFER, per-recipient queue length
	MaxMessageRunes      int           // MAX_MESSAGE_RUNES
	MaxDirectMessageRune int           // MAX_DM_RUNES
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	Env       string // development|production
	UploadDir string // consumed by the upload collaborator; validated here only

	Store    StoreConfig
	Crypto   CryptoConfig
	Realtime RealtimeConfig

	// Identity tokens issued by the session collaborator.
	AuthSigningKey string

	// Rate limiting (HTTP)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// IsProduction reports whether the process runs in production mode.
func (c Config) IsProduction() bool { return c.Env == EnvProduction }

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		Env:       strings.ToLower(getenv("APP_ENV", EnvDevelopment)),
		UploadDir: getenv("UPLOAD_DIR", "uploads"),

		Store: StoreConfig{
			Path:          getenv("DB_PATH", "roomchat.db"),
			BusyTimeout:   getdur("DB_BUSY_TIMEOUT", time.Second),
			RetryInitial:  getdur("STORE_RETRY_INITIAL", 50*time.Millisecond),
			RetryAttempts: getint("STORE_RETRY_ATTEMPTS", 5),
		},
		Crypto: CryptoConfig{
			MasterKeyHex: strings.TrimSpace(getenv("MASTER_KEY", "")),
			AppSecret:    getenv("APP_SECRET", ""),
			KeyCacheSize: getint("KEY_CACHE_SIZE", 1024),
		},
		Realtime: RealtimeConfig{
			AllowedOrigins:       splitCSV(getenv("WS_ALLOWED_ORIGINS", "")),
			SessionTTL:           getdur("SESSION_TTL", 5*time.Minute),
			MessagesPerMinute:    getint("WS_MESSAGES_PER_MINUTE", 60),
			DisconnectAfter:      getint("WS_RATE_DISCONNECT_AFTER", 20),
			SendBuffer:           getint("WS_SEND_BUFFER", 256),
			MaxMessageRunes:      getint("MAX_MESSAGE_RUNES", 2000),
			MaxDirectMessageRune: getint("MAX_DM_RUNES", 4000),
		},

		AuthSigningKey: getenv("AUTH_SIGNING_KEY", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "roomchat"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	switch cfg.Env {
	case "prod":
		cfg.Env = EnvProduction
	case "dev", "":
		cfg.Env = EnvDevelopment
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if cfg.Env != EnvDevelopment && cfg.Env != EnvProduction {
		return cfg, errors.New("APP_ENV must be one of: development, production")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.Store.Path) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.Store.BusyTimeout < 0 {
		return cfg, errors.New("DB_BUSY_TIMEOUT must be >= 0")
	}
	if cfg.Store.RetryInitial <= 0 {
		return cfg, errors.New("STORE_RETRY_INITIAL must be > 0")
	}
	if cfg.Store.RetryAttempts < 1 {
		return cfg, errors.New("STORE_RETRY_ATTEMPTS must be >= 1")
	}
	if cfg.Crypto.KeyCacheSize < 1 {
		return cfg, errors.New("KEY_CACHE_SIZE must be >= 1")
	}
	if cfg.Realtime.SessionTTL <= 0 {
		return cfg, errors.New("SESSION_TTL must be > 0")
	}
	if cfg.Realtime.MessagesPerMinute < 1 {
		return cfg, errors.New("WS_MESSAGES_PER_MINUTE must be >= 1")
	}
	if cfg.Realtime.SendBuffer < 1 {
		return cfg, errors.New("WS_SEND_BUFFER must be >= 1")
	}
	if cfg.Realtime.MaxMessageRunes < 1 || cfg.Realtime.MaxDirectMessageRune < 1 {
		return cfg, errors.New("MAX_MESSAGE_RUNES and MAX_DM_RUNES must be >= 1")
	}
	if strings.TrimSpace(cfg.UploadDir) == "" {
		return cfg, errors.New("UPLOAD_DIR must not be empty")
	}
	if cfg.IsProduction() && len(cfg.AuthSigningKey) < 32 {
		return cfg, errors.New("AUTH_SIGNING_KEY must be at least 32 bytes in production")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
