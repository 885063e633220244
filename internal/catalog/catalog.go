// Package catalog holds every user-facing string the bot sends, keyed by
// message key and language code, together with the localized control tokens
// (language selectors, start keywords, yes/no answers).
//
// The default catalog is embedded from messages.yaml. Deployments may ship
// their own file via [LoadFile]; it must define every [Key] for every
// language it declares.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var embedded string

// Language is a catalog language code such as "kk" or "ru".
type Language string

// Key names one user-facing message.
type Key string

const (
	LanguagePrompt         Key = "language_prompt"
	LanguageInvalid        Key = "language_invalid"
	AuthenticationPrompt   Key = "authentication_prompt"
	AuthenticationSuccess  Key = "authentication_success"
	IncorrectCode          Key = "incorrect_code"
	AuthenticationRequired Key = "authentication_required"
	ConfirmationQuestion   Key = "confirmation_question"
	ConfirmationThanks     Key = "confirmation_thanks"
	ConfirmationRetry      Key = "confirmation_retry"
	CorrectionPrompt       Key = "correction_prompt"
	CorrectionThanks       Key = "correction_thanks"
	TextReceived           Key = "text_received"
	MediaSaved             Key = "media_saved"
	MediaSaveError         Key = "media_save_error"
	TranscriptionFailed    Key = "transcription_failed"
)

// Keys lists every message key the bot resolves.
var Keys = []Key{
	LanguagePrompt, LanguageInvalid,
	AuthenticationPrompt, AuthenticationSuccess, IncorrectCode, AuthenticationRequired,
	ConfirmationQuestion, ConfirmationThanks, ConfirmationRetry,
	CorrectionPrompt, CorrectionThanks,
	TextReceived, MediaSaved, MediaSaveError, TranscriptionFailed,
}

// Answer classifies a reply to a confirmation question.
type Answer int

const (
	AnswerUnknown Answer = iota
	AnswerYes
	AnswerNo
)

// LanguageSpec describes one supported language.
type LanguageSpec struct {
	Code         Language `yaml:"code"`
	Name         string   `yaml:"name"`
	Selector     string   `yaml:"selector"`
	SpeechLocale string   `yaml:"speech_locale"`
	Affirmative  []string `yaml:"affirmative"`
	Negative     []string `yaml:"negative"`
}

type document struct {
	StartKeywords []string                    `yaml:"start_keywords"`
	Languages     []LanguageSpec              `yaml:"languages"`
	Messages      map[Key]map[Language]string `yaml:"messages"`
}

// Catalog is an immutable, validated message catalog. It is safe for
// concurrent use.
type Catalog struct {
	languages []LanguageSpec
	byCode    map[Language]LanguageSpec
	start     map[string]struct{}
	messages  map[Key]map[Language]string
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the embedded catalog. It panics if the embedded file is
// invalid, which only a broken build can cause.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load(strings.NewReader(embedded))
		if err != nil {
			panic("catalog: embedded messages.yaml: " + err.Error())
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// LoadFile reads a catalog from path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses and validates a catalog document.
func Load(r io.Reader) (*Catalog, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if err := validate(&doc); err != nil {
		return nil, err
	}

	c := &Catalog{
		languages: doc.Languages,
		byCode:    make(map[Language]LanguageSpec, len(doc.Languages)),
		start:     make(map[string]struct{}, len(doc.StartKeywords)),
		messages:  doc.Messages,
	}
	for _, l := range doc.Languages {
		l.Affirmative = normalizeAll(l.Affirmative)
		l.Negative = normalizeAll(l.Negative)
		c.byCode[l.Code] = l
	}
	for _, kw := range doc.StartKeywords {
		c.start[Normalize(kw)] = struct{}{}
	}
	return c, nil
}

func validate(doc *document) error {
	var errs []error
	if len(doc.StartKeywords) == 0 {
		errs = append(errs, errors.New("catalog: start_keywords must not be empty"))
	}
	if len(doc.Languages) == 0 {
		errs = append(errs, errors.New("catalog: at least one language is required"))
	}

	codes := make(map[Language]bool)
	selectors := make(map[string]Language)
	for i, l := range doc.Languages {
		prefix := fmt.Sprintf("catalog: languages[%d]", i)
		if l.Code == "" {
			errs = append(errs, fmt.Errorf("%s: code is required", prefix))
			continue
		}
		if codes[l.Code] {
			errs = append(errs, fmt.Errorf("%s: duplicate code %q", prefix, l.Code))
		}
		codes[l.Code] = true
		sel := Normalize(l.Selector)
		if sel == "" {
			errs = append(errs, fmt.Errorf("%s (%s): selector is required", prefix, l.Code))
		} else if other, dup := selectors[sel]; dup {
			errs = append(errs, fmt.Errorf("%s (%s): selector %q already used by %s", prefix, l.Code, l.Selector, other))
		} else {
			selectors[sel] = l.Code
		}
		if len(l.Affirmative) == 0 || len(l.Negative) == 0 {
			errs = append(errs, fmt.Errorf("%s (%s): affirmative and negative tokens are required", prefix, l.Code))
		}
	}

	for _, k := range Keys {
		texts, ok := doc.Messages[k]
		if !ok {
			errs = append(errs, fmt.Errorf("catalog: missing message %q", k))
			continue
		}
		for code := range codes {
			if strings.TrimSpace(texts[code]) == "" {
				errs = append(errs, fmt.Errorf("catalog: message %q has no %s text", k, code))
			}
		}
	}
	return errors.Join(errs...)
}

// Normalize lower-cases a reply and strips surrounding blanks and trailing
// punctuation, so "Да." and " да " compare equal.
func Normalize(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), " .!?,"))
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, Normalize(s))
	}
	return out
}

// Languages returns the supported languages in declaration order.
func (c *Catalog) Languages() []LanguageSpec {
	out := make([]LanguageSpec, len(c.languages))
	copy(out, c.languages)
	return out
}

// Supports reports whether lang is declared by the catalog.
func (c *Catalog) Supports(lang Language) bool {
	_, ok := c.byCode[lang]
	return ok
}

// SpeechLocale returns the recognizer locale for lang, or "" when unknown.
func (c *Catalog) SpeechLocale(lang Language) string {
	return c.byCode[lang].SpeechLocale
}

// SelectLanguage maps a selection reply to a language.
func (c *Catalog) SelectLanguage(body string) (Language, bool) {
	token := Normalize(body)
	for _, l := range c.languages {
		if Normalize(l.Selector) == token {
			return l.Code, true
		}
	}
	return "", false
}

// IsStart reports whether body is one of the start keywords.
func (c *Catalog) IsStart(body string) bool {
	_, ok := c.start[Normalize(body)]
	return ok
}

// Classify interprets body as an answer to a confirmation question asked in
// lang.
func (c *Catalog) Classify(lang Language, body string) Answer {
	l, ok := c.byCode[lang]
	if !ok {
		return AnswerUnknown
	}
	token := Normalize(body)
	for _, t := range l.Affirmative {
		if t == token {
			return AnswerYes
		}
	}
	for _, t := range l.Negative {
		if t == token {
			return AnswerNo
		}
	}
	return AnswerUnknown
}

// Text resolves key in lang. Placeholders written as {name} are replaced
// from vars, given as alternating name/value pairs.
func (c *Catalog) Text(key Key, lang Language, vars ...string) string {
	texts := c.messages[key]
	s, ok := texts[lang]
	if !ok && len(c.languages) > 0 {
		s = texts[c.languages[0].Code]
	}
	if s == "" {
		return string(key)
	}
	if len(vars) == 0 {
		return s
	}
	pairs := make([]string, 0, len(vars))
	for i := 0; i+1 < len(vars); i += 2 {
		pairs = append(pairs, "{"+vars[i]+"}", vars[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
