package conversation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/patrickmn/go-cache"
)

// DefaultLocalizationTTL is how long a localized string is reused.
const DefaultLocalizationTTL = 24 * time.Hour

// Translator renders English bot text in another language.
type Translator interface {
	Localize(ctx context.Context, text, toLang string) (string, error)
}

// Localizer translates the fixed English replies and caches the results, so
// every prompt and caption is translated once per language.
type Localizer struct {
	tr    Translator
	cache *cache.Cache
}

// NewLocalizer wraps tr. A nil tr leaves every text in English.
func NewLocalizer(tr Translator, ttl time.Duration) *Localizer {
	if ttl <= 0 {
		ttl = DefaultLocalizationTTL
	}
	return &Localizer{tr: tr, cache: cache.New(ttl, ttl)}
}

func localizationKey(lang, text string) string {
	return lang + "\x00" + text
}

// Text returns text in lang. Failures fall back to the English text.
func (l *Localizer) Text(ctx context.Context, text, lang string) string {
	if l == nil || l.tr == nil || lang == "" || lang == "en" || strings.TrimSpace(text) == "" {
		return text
	}
	key := localizationKey(lang, text)
	if v, ok := l.cache.Get(key); ok {
		return v.(string)
	}
	out, err := l.tr.Localize(ctx, text, lang)
	if err != nil {
		slog.Warn("Localizer.Text: localization failed, sending English", "lang", lang, "error", err)
		return text
	}
	l.cache.SetDefault(key, out)
	return out
}

// Interactive localizes the body, button titles and list labels of a prompt.
// IDs and list rows are left untouched: IDs are UI-action tokens and rows
// hold dates, times and menu names.
func (l *Localizer) Interactive(ctx context.Context, in models.Interactive, lang string) models.Interactive {
	out := models.Interactive{Body: l.Text(ctx, in.Body, lang)}
	if len(in.Buttons) > 0 {
		out.Buttons = make([]models.Button, len(in.Buttons))
		for i, b := range in.Buttons {
			out.Buttons[i] = models.Button{ID: b.ID, Title: l.Text(ctx, b.Title, lang)}
		}
	}
	if in.List != nil {
		list := models.List{
			Body:        out.Body,
			ButtonLabel: l.Text(ctx, in.List.ButtonLabel, lang),
			Sections:    make([]models.ListSection, len(in.List.Sections)),
		}
		for i, s := range in.List.Sections {
			list.Sections[i] = models.ListSection{Title: l.Text(ctx, s.Title, lang), Rows: s.Rows}
		}
		out.List = &list
	}
	return out
}

// Len returns the number of cached translations.
func (l *Localizer) Len() int {
	return l.cache.ItemCount()
}
