// Package i18n localizes user-facing messages: job error descriptions, API
// errors and CLI summaries.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"

	"github.com/pavelanni/papergrader/internal/model"
)

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

var (
	mu          sync.RWMutex
	bundle      *i18n.Bundle
	defaultLang = "en"
)

// Init loads the translation bundle with lang as the default language.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}
	b, err := load(tag)
	if err != nil {
		return err
	}
	mu.Lock()
	bundle, defaultLang = b, lang
	mu.Unlock()
	return nil
}

func load(tag language.Tag) (*i18n.Bundle, error) {
	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("read locales dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read locale file %s: %w", e.Name(), err)
		}
		if _, err := b.ParseMessageFileBytes(data, e.Name()); err != nil {
			return nil, fmt.Errorf("parse locale file %s: %w", e.Name(), err)
		}
		slog.Debug("loaded locale file", "file", e.Name())
	}
	return b, nil
}

// current returns the bundle, loading the English default on first use.
func current() (*i18n.Bundle, string) {
	mu.RLock()
	b, lang := bundle, defaultLang
	mu.RUnlock()
	if b != nil {
		return b, lang
	}
	if err := Init("en"); err != nil {
		panic(err) // embedded locales are broken
	}
	return current()
}

// NewLocalizer creates a localizer preferring langs, in order. Each entry
// may be a tag or an Accept-Language header value. The default language is
// always the last fallback.
func NewLocalizer(langs ...string) *i18n.Localizer {
	b, def := current()
	return i18n.NewLocalizer(b, append(langs, def)...)
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(ctxKey{}).(*i18n.Localizer); ok {
		return loc
	}
	return NewLocalizer()
}

func localize(ctx context.Context, cfg *i18n.LocalizeConfig) string {
	s, err := localizerFromCtx(ctx).Localize(cfg)
	if err != nil {
		slog.Warn("missing translation", "id", cfg.MessageID, "error", err)
		return cfg.MessageID
	}
	return s
}

// T translates a message by ID.
func T(ctx context.Context, msgID string) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID})
}

// Td translates a message by ID with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID, TemplateData: data})
}

// Tp translates a pluralized message by ID.
func Tp(ctx context.Context, msgID string, count int) string {
	return localize(ctx, &i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}

var kindMessages = map[model.ErrorKind]string{
	model.KindExtractionEmpty:      "ErrExtractionEmpty",
	model.KindExtractionQualityLow: "ErrExtractionQualityLow",
	model.KindGradingParseFailure:  "ErrGradingParseFailure",
	model.KindRateLimited:          "ErrRateLimited",
	model.KindJobNotFound:          "ErrJobNotFound",
	model.KindExamNotFound:         "ErrExamNotFound",
	model.KindSubmissionNotFound:   "ErrSubmissionNotFound",
	model.KindInvalidPaper:         "ErrInvalidPaper",
	model.KindInternal:             "ErrInternal",
}

// Kind describes an error kind in the context language.
func Kind(ctx context.Context, kind model.ErrorKind) string {
	id, ok := kindMessages[kind]
	if !ok {
		id = kindMessages[model.KindInternal]
	}
	return T(ctx, id)
}

// JobError builds a localized job error for err. question is zero for
// paper-level failures.
func JobError(ctx context.Context, err error, question int) model.JobError {
	kind := model.KindOf(err)
	msg := Kind(ctx, kind)
	if question > 0 {
		msg = Td(ctx, "QuestionFailed", map[string]any{"Number": question, "Reason": msg})
	}
	return model.JobError{
		QuestionNumber: question,
		Kind:           kind,
		Retryable:      kind.Retryable(),
		Message:        msg + ": " + err.Error(),
	}
}
