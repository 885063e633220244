package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr           = ":3000"
	DefaultTimezone             = "Asia/Yekaterinburg"
	DefaultMediaRoot            = "media"
	DefaultAuditDir             = "messages"
	DefaultFFmpegPath           = "ffmpeg"
	DefaultAudioBitrate         = "192k"
	DefaultMongoDatabase        = "voicebot"
	DefaultServiceName          = "voicebot"
	DefaultMetricsPath          = "/metrics"
	DefaultWhatsAppTimeout      = 30 * time.Second
	DefaultTranscriptionTimeout = 60 * time.Second
	DefaultBreakerFailures      = 5
	DefaultBreakerReset         = 30 * time.Second
)

// ValidBackendNames lists the transcription backends registered by the
// binary. Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = []string{"detection", "whisper", "openai", "google", "mock"}

// LoadEnv loads KEY=VALUE pairs from the given .env files into the process
// environment. Variables already set are left alone. Missing files are
// skipped so a checked-in config works without one.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			slog.Debug("env file not found, skipping", "path", f)
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load env %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references from the environment, decodes a
// YAML config from r, fills in defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.WhatsApp.Timeout == 0 {
		cfg.WhatsApp.Timeout = DefaultWhatsAppTimeout
	}
	if cfg.Conversation.Timezone == "" {
		cfg.Conversation.Timezone = DefaultTimezone
	}
	if cfg.Media.Root == "" {
		cfg.Media.Root = DefaultMediaRoot
	}
	if cfg.Media.AuditDir == "" {
		cfg.Media.AuditDir = DefaultAuditDir
	}
	if cfg.Media.FFmpegPath == "" {
		cfg.Media.FFmpegPath = DefaultFFmpegPath
	}
	if cfg.Media.AudioBitrate == "" {
		cfg.Media.AudioBitrate = DefaultAudioBitrate
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverMemory
	}
	if cfg.Database.Driver == DriverMongo && cfg.Database.Database == "" {
		cfg.Database.Database = DefaultMongoDatabase
	}

	tc := &cfg.Transcription
	if tc.Timeout == 0 {
		tc.Timeout = DefaultTranscriptionTimeout
	}
	if tc.CircuitBreaker.MaxFailures == 0 {
		tc.CircuitBreaker.MaxFailures = DefaultBreakerFailures
	}
	if tc.CircuitBreaker.ResetTimeout == 0 {
		tc.CircuitBreaker.ResetTimeout = DefaultBreakerReset
	}
	if tc.Primary.Timeout == 0 {
		tc.Primary.Timeout = tc.Timeout
	}
	for i := range tc.Fallbacks {
		if tc.Fallbacks[i].Timeout == 0 {
			tc.Fallbacks[i].Timeout = tc.Timeout
		}
	}

	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
	if cfg.Observe.MetricsPath == "" {
		cfg.Observe.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// WhatsApp
	if cfg.WhatsApp.AccessToken == "" {
		errs = append(errs, errors.New("whatsapp.access_token is required"))
	}
	if cfg.WhatsApp.PhoneNumberID == "" {
		errs = append(errs, errors.New("whatsapp.phone_number_id is required"))
	}
	if cfg.WhatsApp.VerifyToken == "" {
		errs = append(errs, errors.New("whatsapp.verify_token is required"))
	}
	if cfg.WhatsApp.Timeout < 0 {
		errs = append(errs, fmt.Errorf("whatsapp.timeout %s must not be negative", cfg.WhatsApp.Timeout))
	}
	if cfg.WhatsApp.AppSecret == "" {
		slog.Warn("whatsapp.app_secret is empty; webhook signatures will not be verified")
	}

	// Auth
	if cfg.Auth.Password == "" {
		errs = append(errs, errors.New("auth.password is required"))
	}

	// Conversation
	if cfg.Conversation.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Conversation.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("conversation.timezone %q: %w", cfg.Conversation.Timezone, err))
		}
	}

	// Media
	if cfg.Media.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("media.max_bytes %d must not be negative", cfg.Media.MaxBytes))
	}

	// Database
	switch {
	case !cfg.Database.Driver.IsValid():
		errs = append(errs, fmt.Errorf("database.driver %q is invalid; valid values: memory, postgres, mongo", cfg.Database.Driver))
	case cfg.Database.Driver != DriverMemory && cfg.Database.DSN == "":
		errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", cfg.Database.Driver))
	case cfg.Database.Driver == DriverMemory:
		slog.Warn("database.driver is memory; stored messages will not survive a restart")
	}

	// Transcription
	tc := cfg.Transcription
	if tc.Primary.Name == "" {
		errs = append(errs, errors.New("transcription.primary.name is required"))
	}
	if tc.Timeout < 0 {
		errs = append(errs, fmt.Errorf("transcription.timeout %s must not be negative", tc.Timeout))
	}
	if tc.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("transcription.circuit_breaker.max_failures %d must not be negative", tc.CircuitBreaker.MaxFailures))
	}
	type named struct {
		path  string
		entry ProviderEntry
	}
	entries := []named{{"transcription.primary", tc.Primary}}
	for i, f := range tc.Fallbacks {
		entries = append(entries, named{fmt.Sprintf("transcription.fallbacks[%d]", i), f})
	}
	seen := make(map[string]string, len(entries))
	for i, n := range entries {
		if n.entry.Name == "" {
			if i > 0 {
				errs = append(errs, fmt.Errorf("%s.name is required", n.path))
			}
			continue
		}
		if prev, ok := seen[n.entry.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s", n.path, n.entry.Name, prev))
		}
		seen[n.entry.Name] = n.path
		validateBackendName(n.entry.Name)
		if (n.entry.Name == "detection" || n.entry.Name == "whisper") && n.entry.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for backend %q", n.path, n.entry.Name))
		}
	}

	// Observe
	if r := cfg.Observe.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio %g must be between 0 and 1", r))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is not one of
// [ValidBackendNames].
func validateBackendName(name string) {
	if slices.Contains(ValidBackendNames, name) {
		return
	}
	slog.Warn("unknown transcription backend; may be a typo",
		"name", name,
		"known", ValidBackendNames,
	)
}

// decodeBytes is LoadFromReader over an in-memory file.
func decodeBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}
