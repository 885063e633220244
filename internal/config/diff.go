package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart, which drops every conversation session.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PasswordChanged bool
	NewPassword     string

	CatalogChanged bool
	NewCatalogPath string

	// RestartRequired lists the sections that changed but are not
	// hot-reloadable.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PasswordChanged || d.CatalogChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Auth.Password != new.Auth.Password {
		d.PasswordChanged = true
		d.NewPassword = new.Auth.Password
	}
	if old.Conversation.CatalogPath != new.Conversation.CatalogPath {
		d.CatalogChanged = true
		d.NewCatalogPath = new.Conversation.CatalogPath
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameWhatsApp(old.WhatsApp, new.WhatsApp) {
		d.RestartRequired = append(d.RestartRequired, "whatsapp")
	}
	if old.Conversation.Timezone != new.Conversation.Timezone ||
		old.Conversation.DedupeWindow != new.Conversation.DedupeWindow {
		d.RestartRequired = append(d.RestartRequired, "conversation")
	}
	if old.Media != new.Media {
		d.RestartRequired = append(d.RestartRequired, "media")
	}
	if old.Database != new.Database {
		d.RestartRequired = append(d.RestartRequired, "database")
	}
	if !sameTranscription(old.Transcription, new.Transcription) {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameWhatsApp(a, b WhatsAppConfig) bool {
	return slices.Equal(a.RecipientRewrites, b.RecipientRewrites) &&
		a.BaseURL == b.BaseURL && a.APIVersion == b.APIVersion &&
		a.AccessToken == b.AccessToken && a.PhoneNumberID == b.PhoneNumberID &&
		a.VerifyToken == b.VerifyToken && a.AppSecret == b.AppSecret &&
		a.Timeout == b.Timeout
}

func sameTranscription(a, b TranscriptionConfig) bool {
	if a.Timeout != b.Timeout || a.CircuitBreaker != b.CircuitBreaker {
		return false
	}
	ab, bb := a.Backends(), b.Backends()
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		x, y := ab[i], bb[i]
		if x.Name != y.Name || x.APIKey != y.APIKey || x.BaseURL != y.BaseURL ||
			x.Model != y.Model || x.Timeout != y.Timeout || !reflect.DeepEqual(x.Options, y.Options) {
			return false
		}
	}
	return true
}
