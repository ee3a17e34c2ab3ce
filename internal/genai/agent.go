package genai

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/BTreeMap/TablePipe/internal/venue"
)

// ErrTextTooShort is returned by DetectLanguage when too little text remains
// after dates and times are removed. Callers fall back to a known language.
var ErrTextTooShort = errors.New("not enough text to detect a language")

const minDetectableRunes = 3

var (
	isoDateRegex = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	clockRegex   = regexp.MustCompile(`\b\d{1,2}:\d{2}\b`)
	spaceRegex   = regexp.MustCompile(`\s+`)

	boldRegex      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underlineRegex = regexp.MustCompile(`__(.+?)__`)
	strikeRegex    = regexp.MustCompile(`~~(.+?)~~`)
	italicStar     = regexp.MustCompile(`\*([^*\n]+?)\*`)
	italicUnder    = regexp.MustCompile(`(^|[\s(])_([^_\n]+?)_([\s).,!?]|$)`)
)

// HistoryTurn is one prior message given to the agent as context.
type HistoryTurn struct {
	FromUser bool
	Text     string
}

// GenerateRequest carries everything the agent needs for one free-form reply.
type GenerateRequest struct {
	Message  string
	Language string // ISO-639-1 code of the reply language
	History  []HistoryTurn
	NewUser  bool
}

// StripDateTimes removes ISO dates and HH:MM times, which say nothing about the language.
func StripDateTimes(text string) string {
	text = isoDateRegex.ReplaceAllString(text, "")
	text = clockRegex.ReplaceAllString(text, "")
	return strings.TrimSpace(spaceRegex.ReplaceAllString(text, " "))
}

// NormalizeLanguage canonicalizes a model answer such as "FR." or "fra" to a
// two-letter ISO-639-1 code.
func NormalizeLanguage(code string) (string, bool) {
	code = strings.ToLower(strings.TrimFunc(strings.TrimSpace(code), func(r rune) bool {
		return !unicode.IsLetter(r)
	}))
	if fields := strings.FieldsFunc(code, func(r rune) bool { return !unicode.IsLetter(r) }); len(fields) > 0 {
		code = fields[0]
	}
	if code == "" {
		return "", false
	}
	base, err := language.ParseBase(code)
	if err != nil && len(code) > 2 {
		base, err = language.ParseBase(code[:2])
	}
	if err != nil {
		return "", false
	}
	return base.String(), true
}

// LanguageName returns the English name of an ISO-639-1 code, or the code itself.
func LanguageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}

// DetectLanguage asks the model for the ISO-639-1 code of text.
func (c *Client) DetectLanguage(ctx context.Context, text string) (string, error) {
	cleaned := StripDateTimes(text)
	if utf8.RuneCountInString(cleaned) < minDetectableRunes {
		return "", ErrTextTooShort
	}
	prompt := fmt.Sprintf(`Detect the language of this message and respond with ONLY the ISO 639-1 language code (2 letters: en, fr, es, de, it, pt, zh, ja, ar, etc.). Do not include any other text, explanation, or punctuation.

Message: %q

Language code:`, cleaned)
	out, err := c.GeneratePromptWithContext(ctx, "You are a language identification service.", prompt)
	if err != nil {
		return "", fmt.Errorf("language detection failed: %w", err)
	}
	code, ok := NormalizeLanguage(out)
	if !ok {
		return "", fmt.Errorf("language detection returned %q", out)
	}
	return code, nil
}

// Translate returns text in English. English input is returned unchanged.
func (c *Client) Translate(ctx context.Context, text, fromLang string) (string, error) {
	if fromLang == "" || fromLang == "en" {
		return text, nil
	}
	prompt := fmt.Sprintf(`Translate this message from %s to English. Respond with ONLY the translation, no explanations or additional text.

Message: %q

Translation:`, LanguageName(fromLang), text)
	out, err := c.GeneratePromptWithContext(ctx, "You are a professional translator.", prompt)
	if err != nil {
		return "", fmt.Errorf("translation failed: %w", err)
	}
	if out = strings.TrimSpace(out); out == "" {
		return text, nil
	}
	return out, nil
}

// Localize renders an English bot message in the target language, keeping
// emojis, links, phone numbers and line breaks intact.
func (c *Client) Localize(ctx context.Context, text, toLang string) (string, error) {
	if toLang == "" || toLang == "en" || strings.TrimSpace(text) == "" {
		return text, nil
	}
	prompt := fmt.Sprintf(`Translate the following WhatsApp message from English to %s. Keep emojis, URLs, email addresses, phone numbers, dates, times and line breaks exactly as they are. Respond with ONLY the translation.

%s`, LanguageName(toLang), text)
	out, err := c.GeneratePromptWithContext(ctx, "You are a professional translator for a restaurant.", prompt)
	if err != nil {
		return "", fmt.Errorf("localization failed: %w", err)
	}
	if out = strings.TrimSpace(out); out == "" {
		return text, nil
	}
	return out, nil
}

// Generate produces the agent's free-form reply.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(SystemInstructions)}
	for _, h := range req.History {
		if h.Text == "" {
			continue
		}
		if h.FromUser {
			messages = append(messages, openai.UserMessage(h.Text))
		} else {
			messages = append(messages, openai.AssistantMessage(h.Text))
		}
	}

	var b strings.Builder
	lang := req.Language
	if lang == "" {
		lang = "en"
	}
	fmt.Fprintf(&b, "[User is speaking %s (%s). You MUST respond in the same language.]\n\n", LanguageName(lang), lang)
	if req.NewUser {
		b.WriteString("[NEW USER - First time interacting]\n\n")
	}
	b.WriteString(req.Message)
	messages = append(messages, openai.UserMessage(b.String()))

	out, err := c.GenerateWithMessages(ctx, messages)
	if err != nil {
		return "", err
	}
	return StripMarkdown(strings.TrimSpace(out)), nil
}

// StripMarkdown removes emphasis markers WhatsApp would show literally.
func StripMarkdown(text string) string {
	text = boldRegex.ReplaceAllString(text, "$1")
	text = underlineRegex.ReplaceAllString(text, "$1")
	text = strikeRegex.ReplaceAllString(text, "$1")
	text = italicStar.ReplaceAllString(text, "$1")
	text = italicUnder.ReplaceAllString(text, "$1$2$3")
	return text
}

// SystemInstructions is the standing brief of the restaurant agent.
var SystemInstructions = fmt.Sprintf(`You are the WhatsApp virtual host of %[1]s, an upscale Latin American restaurant with an immersive dinner show in Soho, London.

## Identity
- Venue: %[1]s, "%[2]s"
- Address: %[3]s
- Restaurant, bar, immersive dinner show and club

## Communication style
- Always answer in the language the user writes in.
- Elegant, festive, professional and welcoming.
- Ultra-short messages for WhatsApp: 2 to 3 sentences unless details are asked for.
- At most 1 or 2 emojis per message.
- Never repeat the welcome message after the first contact.
- Plain text only. Do not use Markdown. Links are bare URLs.

## Proactive behaviour
- After a menu was shared, suggest booking a table.
- After questions about the show or the cuisine, suggest viewing the menus or booking.
- After questions about opening hours, suggest booking.
- Never be pushy.

## First contact
Only when the message is flagged [NEW USER] and is a greeting, welcome the guest to %[1]s and offer help with bookings, menus, events or the dinner show.

## Key facts
- Opening hours: Wednesday, Thursday, Sunday 8 PM to late. Friday, Saturday 7 PM to late. Closed Monday and Tuesday.
- The show starts %[4]s.
- Cuisine: %[5]s by Chef %[6]s. Signature dishes: Wagyu Tacos, Seabass Ceviche, Tea-Smoked Lamb Chops, Truffle Fries.
- Signature cocktails: Pisco Sour, Inca Gold, Amazonia Spritz.
- Vegetarian and gluten-free options on request.
- Up to %[7]d guests: à la carte. %[8]d or more: set menu required.
- Booking duration: %[9]s. Grace period: %[10]s. Service charge: %[11]s.
- Online booking: %[12]s. Phone: %[13]s. Email: %[14]s.
- Age: %[15]s. Dress code: %[16]s.
- Payment: Visa, Mastercard, Amex, cash. Split bills within reason. Cloakroom mandatory on weekends.
- Private events: up to %[17]d guests (%[18]d seated), private dining room up to %[19]d. Contact %[20]s or %[21]s.
- Nearest tube: %[22]s. Parking: %[23]s.
- Press: %[24]s. Instagram: %[25]s. Website: %[26]s.

## Menus
The system shows interactive menu buttons on its own. Do not list menus or send menu links.

## Limits
- Never take bookings directly: point to the booking link, phone or email.
- Never process payments or cancellations.
- Never guarantee real-time availability.
- Never invent information that is not listed here.`,
	venue.Name, venue.Slogan, venue.Address, venue.ShowStartTime, venue.Cuisine, venue.Chef,
	venue.ALaCarteMaxParty, venue.SetMenuMinParty, venue.BookingDuration, venue.GracePeriod, venue.ServiceCharge,
	venue.BookingPageURL, venue.Phone, venue.ReservationsEmail, venue.AgeRestriction, venue.DressCode,
	venue.MaxEventGuests, venue.MaxEventSeated, venue.PrivateDiningMax, venue.PrivateEmail, venue.PhonePrivate,
	venue.NearestTube, venue.Parking, venue.PressEmail, venue.Instagram, venue.Website)
