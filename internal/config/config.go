// Package config loads the negotiator settings from environment variables,
// applies defaults and validates the result. Every process (API server,
// worker, migrate) reads the same Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
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
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// LogFileConfig enables rotated file output next to stdout.
type LogFileConfig struct {
	Path       string // LOG_FILE; empty disables file output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DBConfig selects the database backend.
type DBConfig struct {
	Driver string // sqlite|postgres
	Path   string // SQLite file
	URL    string // postgres DSN
}

// AIConfig configures the assistant and the speech-to-text model.
type AIConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	Timeout         time.Duration
	TranscribeModel string
}

// StorageConfig selects where audio and contract documents are stored.
type StorageConfig struct {
	Driver string // s3|local

	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UsePathStyle    bool
	S3PublicBaseURL   string

	LocalDir     string
	LocalBaseURL string
}

// MailConfig configures outgoing invitation mail. An empty SMTPHost logs
// messages instead of sending them.
type MailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	From         string
	AppURL       string
}

// QueueConfig configures the job queue, the worker and the outbox sweeper.
type QueueConfig struct {
	Driver         string // memory|nats|inline
	NATSURL        string
	MaxRetries     int
	WorkerEmbedded bool // run job handlers inside the API process
	SweepCron      string
	BatchSize      int
}

// AuthConfig selects how the API resolves the caller.
type AuthConfig struct {
	Mode          string // header|hmac|jwks
	JWTSecret     string
	JWKSURL       string
	Issuer        string
	Audience      string
	InternalToken string // guards /internal routes
}

// WorkflowConfig tunes the negotiation flow.
type WorkflowConfig struct {
	AudioInEmailState  bool
	InviteArtifactMode string // render|copy
	DailyChatLimit     int    // 0 = unlimited
	MaxAudioBytes      int
	MaxTextRunes       int
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // turns wait on the assistant, so this is generous
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	LogFile        LogFileConfig
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig

	DB       DBConfig
	AI       AIConfig
	Storage  StorageConfig
	Mail     MailConfig
	Queue    QueueConfig
	Auth     AuthConfig
	Workflow WorkflowConfig
}

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
		WriteTimeout:      getdur("WRITE_TIMEOUT", 150*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),
		LogFile: LogFileConfig{
			Path:       getenv("LOG_FILE", ""),
			MaxSizeMB:  getint("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getint("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getint("LOG_MAX_AGE_DAYS", 28),
		},
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

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
			ServiceName: getenv("OTEL_SERVICE_NAME", "negotiator"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "negotiator.db"),
			URL:    getenv("DATABASE_URL", ""),
		},
		AI: AIConfig{
			APIKey:          getenv("OPENAI_API_KEY", ""),
			BaseURL:         getenv("OPENAI_BASE_URL", ""),
			Model:           getenv("AI_MODEL", "o3"),
			Timeout:         getdur("AI_TIMEOUT", 120*time.Second),
			TranscribeModel: getenv("TRANSCRIBE_MODEL", "whisper-1"),
		},
		Storage: StorageConfig{
			Driver:            strings.ToLower(getenv("STORAGE_DRIVER", "local")),
			S3Bucket:          getenv("S3_BUCKET", ""),
			S3Region:          getenv("S3_REGION", "us-east-1"),
			S3Endpoint:        getenv("S3_ENDPOINT", ""),
			S3AccessKeyID:     getenv("S3_ACCESS_KEY_ID", ""),
			S3SecretAccessKey: getenv("S3_SECRET_ACCESS_KEY", ""),
			S3UsePathStyle:    getbool("S3_USE_PATH_STYLE", false),
			S3PublicBaseURL:   getenv("S3_PUBLIC_BASE_URL", ""),
			LocalDir:          getenv("LOCAL_STORAGE_DIR", "files"),
			LocalBaseURL:      getenv("LOCAL_STORAGE_BASE_URL", "http://localhost:8080/files"),
		},
		Mail: MailConfig{
			SMTPHost:     getenv("SMTP_HOST", ""),
			SMTPPort:     getint("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			From:         getenv("MAIL_FROM", "no-reply@localhost"),
			AppURL:       strings.TrimRight(getenv("APP_URL", "http://localhost:3000"), "/"),
		},
		Queue: QueueConfig{
			Driver:         strings.ToLower(getenv("QUEUE_DRIVER", "memory")),
			NATSURL:        getenv("NATS_URL", "nats://localhost:4222"),
			MaxRetries:     getint("JOB_MAX_RETRIES", 3),
			WorkerEmbedded: getbool("WORKER_EMBEDDED", true),
			SweepCron:      getenv("OUTBOX_SWEEP_CRON", "* * * * *"),
			BatchSize:      getint("OUTBOX_BATCH_SIZE", 50),
		},
		Auth: AuthConfig{
			Mode:          strings.ToLower(getenv("AUTH_MODE", "header")),
			JWTSecret:     getenv("JWT_SECRET", ""),
			JWKSURL:       getenv("JWKS_URL", ""),
			Issuer:        getenv("JWT_ISSUER", ""),
			Audience:      getenv("JWT_AUDIENCE", ""),
			InternalToken: getenv("INTERNAL_API_TOKEN", ""),
		},
		Workflow: WorkflowConfig{
			AudioInEmailState:  getbool("AUDIO_IN_EMAIL_STATE", false),
			InviteArtifactMode: strings.ToLower(getenv("INVITE_ARTIFACT_MODE", "render")),
			DailyChatLimit:     getint("DAILY_CHAT_LIMIT", 0),
			MaxAudioBytes:      getint("MAX_AUDIO_BYTES", 25<<20),
			MaxTextRunes:       getint("MAX_TEXT_RUNES", 1000),
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

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return errors.New("DATABASE_URL is required for DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", cfg.DB.Driver)
	}

	if cfg.AI.Timeout <= 0 {
		return errors.New("AI_TIMEOUT must be > 0")
	}

	switch cfg.Storage.Driver {
	case "s3":
		if strings.TrimSpace(cfg.Storage.S3Bucket) == "" {
			return errors.New("S3_BUCKET is required for STORAGE_DRIVER=s3")
		}
	case "local":
		if strings.TrimSpace(cfg.Storage.LocalDir) == "" {
			return errors.New("LOCAL_STORAGE_DIR must not be empty")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be s3 or local, got %q", cfg.Storage.Driver)
	}

	if cfg.Mail.SMTPHost != "" && (cfg.Mail.SMTPPort <= 0 || cfg.Mail.SMTPPort > 65535) {
		return errors.New("SMTP_PORT must be a valid port")
	}

	switch cfg.Queue.Driver {
	case "memory", "inline":
	case "nats":
		if strings.TrimSpace(cfg.Queue.NATSURL) == "" {
			return errors.New("NATS_URL is required for QUEUE_DRIVER=nats")
		}
	default:
		return fmt.Errorf("QUEUE_DRIVER must be memory, nats or inline, got %q", cfg.Queue.Driver)
	}
	if cfg.Queue.MaxRetries < 0 {
		return errors.New("JOB_MAX_RETRIES must be >= 0")
	}
	if cfg.Queue.BatchSize < 1 {
		return errors.New("OUTBOX_BATCH_SIZE must be >= 1")
	}

	switch cfg.Auth.Mode {
	case "header":
	case "hmac":
		if cfg.Auth.JWTSecret == "" {
			return errors.New("JWT_SECRET is required for AUTH_MODE=hmac")
		}
	case "jwks":
		if cfg.Auth.JWKSURL == "" {
			return errors.New("JWKS_URL is required for AUTH_MODE=jwks")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be header, hmac or jwks, got %q", cfg.Auth.Mode)
	}

	switch cfg.Workflow.InviteArtifactMode {
	case "render", "copy":
	default:
		return errors.New("INVITE_ARTIFACT_MODE must be render or copy")
	}
	if cfg.Workflow.DailyChatLimit < 0 {
		return errors.New("DAILY_CHAT_LIMIT must be >= 0")
	}
	if cfg.Workflow.MaxAudioBytes <= 0 || cfg.Workflow.MaxTextRunes <= 0 {
		return errors.New("MAX_AUDIO_BYTES and MAX_TEXT_RUNES must be > 0")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (cfg Config) Addr() string {
	return ":" + strings.TrimPrefix(cfg.Port, ":")
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
