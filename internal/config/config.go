// Package config provides the configuration schema, loader, hot-reload
// watcher and transcription backend registry for the voice bot.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DatabaseDriver selects the persistence backend.
type DatabaseDriver string

const (
	DriverMemory   DatabaseDriver = "memory"
	DriverPostgres DatabaseDriver = "postgres"
	DriverMongo    DatabaseDriver = "mongo"
)

// IsValid reports whether d is a recognised driver.
func (d DatabaseDriver) IsValid() bool {
	switch d {
	case DriverMemory, DriverPostgres, DriverMongo:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	WhatsApp      WhatsAppConfig      `yaml:"whatsapp"`
	Auth          AuthConfig          `yaml:"auth"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Media         MediaConfig         `yaml:"media"`
	Database      DatabaseConfig      `yaml:"database"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Observe       ObserveConfig       `yaml:"observe"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the webhook server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// WhatsAppConfig configures the Cloud API client and webhook.
type WhatsAppConfig struct {
	// BaseURL overrides the Graph API host. Leave empty for the default.
	BaseURL    string `yaml:"base_url"`
	APIVersion string `yaml:"api_version"`

	AccessToken   string `yaml:"access_token"`
	PhoneNumberID string `yaml:"phone_number_id"`

	// VerifyToken answers the webhook subscription handshake.
	VerifyToken string `yaml:"verify_token"`

	// AppSecret enables X-Hub-Signature-256 verification when set.
	AppSecret string `yaml:"app_secret"`

	// RecipientRewrites are applied in order to outbound numbers; the first
	// matching prefix wins.
	RecipientRewrites []RewriteConfig `yaml:"recipient_rewrites"`

	Timeout time.Duration `yaml:"timeout"`
}

// RewriteConfig replaces a leading Prefix of a recipient number with
// Replace. An empty prefix matches every number.
type RewriteConfig struct {
	Prefix  string `yaml:"prefix"`
	Replace string `yaml:"replace"`
}

// AuthConfig holds the shared secret senders must type.
type AuthConfig struct {
	// Password is hot-reloadable.
	Password string `yaml:"password"`
}

// ConversationConfig tunes the conversation engine.
type ConversationConfig struct {
	// Timezone is the IANA zone message timestamps and media directories are
	// expressed in (e.g., "Asia/Almaty").
	Timezone string `yaml:"timezone"`

	// CatalogPath points at a YAML message catalog replacing the built-in
	// one. Hot-reloadable.
	CatalogPath string `yaml:"catalog_path"`

	// DedupeWindow is how many recent message IDs are remembered. Zero
	// selects the default; a negative value disables duplicate suppression.
	DedupeWindow int `yaml:"dedupe_window"`
}

// MediaConfig configures attachment storage.
type MediaConfig struct {
	// Root is the directory attachments are stored under.
	Root string `yaml:"root"`

	// AuditDir holds the per-sender plain-text message logs. Empty disables
	// the audit log.
	AuditDir string `yaml:"audit_dir"`

	FFmpegPath   string `yaml:"ffmpeg_path"`
	AudioBitrate string `yaml:"audio_bitrate"`

	// MaxBytes caps a single attachment. Zero means unlimited.
	MaxBytes int64 `yaml:"max_bytes"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	Driver DatabaseDriver `yaml:"driver"`

	// DSN is the PostgreSQL connection string or MongoDB URI.
	DSN string `yaml:"dsn"`

	// Database is the MongoDB database name. Ignored by other drivers.
	Database string `yaml:"database"`
}

// TranscriptionConfig declares the speech recognition backends. Primary is
// tried first, then each fallback in order.
type TranscriptionConfig struct {
	Primary   ProviderEntry   `yaml:"primary"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Timeout is the default per-call timeout of every backend.
	Timeout time.Duration `yaml:"timeout"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the per-backend breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProviderEntry is the common configuration block shared by all
// transcription backends. The Name field is used to look up the constructor
// in the [Registry].
type ProviderEntry struct {
	// Name selects the registered backend (e.g., "detection", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the backend's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL is the backend endpoint. Required by "detection" and
	// "whisper"; overrides the default for "openai".
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the backend (e.g., "whisper-1").
	Model string `yaml:"model"`

	// Timeout bounds one call. Defaults to transcription.timeout.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds backend-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// Backends returns the primary followed by the fallbacks, skipping unnamed
// entries.
func (t TranscriptionConfig) Backends() []ProviderEntry {
	out := make([]ProviderEntry, 0, 1+len(t.Fallbacks))
	if t.Primary.Name != "" {
		out = append(out, t.Primary)
	}
	for _, f := range t.Fallbacks {
		if f.Name != "" {
			out = append(out, f)
		}
	}
	return out
}

// ObserveConfig configures telemetry.
type ObserveConfig struct {
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where Prometheus metrics are served.
	MetricsPath string `yaml:"metrics_path"`

	// TraceSampleRatio is the fraction of webhook deliveries traced, in
	// (0, 1]. Zero traces everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
