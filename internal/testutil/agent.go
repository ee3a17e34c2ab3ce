package testutil

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/BTreeMap/TablePipe/internal/genai"
)

// FakeAgent stands in for genai.Client. Language detection is driven by the
// Languages table; Localize prefixes text with "[lang] " for non-English
// targets so tests can tell localized text apart.
type FakeAgent struct {
	mu sync.Mutex

	// Languages maps exact input text to a detected code. Unknown text is DefaultLanguage.
	Languages       map[string]string
	DefaultLanguage string
	DetectErr       error

	// Translations maps input text to its English translation.
	Translations map[string]string
	LocalizeErr  error

	Reply       string
	GenerateErr error

	Transcript    string
	TranscribeErr error

	Requests       []genai.GenerateRequest
	Detected       []string
	LocalizeCalls  int
	TranscribeHint string
}

// NewFakeAgent returns an agent that detects English and replies with reply.
func NewFakeAgent(reply string) *FakeAgent {
	return &FakeAgent{
		Languages:       make(map[string]string),
		DefaultLanguage: "en",
		Translations:    make(map[string]string),
		Reply:           reply,
	}
}

func (a *FakeAgent) DetectLanguage(_ context.Context, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Detected = append(a.Detected, text)
	if a.DetectErr != nil {
		return "", a.DetectErr
	}
	if len([]rune(genai.StripDateTimes(text))) < 3 {
		return "", genai.ErrTextTooShort
	}
	if code, ok := a.Languages[text]; ok {
		return code, nil
	}
	return a.DefaultLanguage, nil
}

func (a *FakeAgent) Translate(_ context.Context, text, fromLang string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if out, ok := a.Translations[text]; ok {
		return out, nil
	}
	return text, nil
}

func (a *FakeAgent) Localize(_ context.Context, text, toLang string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.LocalizeCalls++
	if a.LocalizeErr != nil {
		return "", a.LocalizeErr
	}
	if toLang == "" || toLang == "en" || strings.TrimSpace(text) == "" {
		return text, nil
	}
	return "[" + toLang + "] " + text, nil
}

func (a *FakeAgent) Generate(_ context.Context, req genai.GenerateRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Requests = append(a.Requests, req)
	if a.GenerateErr != nil {
		return "", a.GenerateErr
	}
	return a.Reply, nil
}

func (a *FakeAgent) Transcribe(_ context.Context, audio io.Reader, _ string, language string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.TranscribeHint = language
	if a.TranscribeErr != nil {
		return "", a.TranscribeErr
	}
	if _, err := io.Copy(io.Discard, audio); err != nil {
		return "", err
	}
	return a.Transcript, nil
}

// LastRequest returns the most recent Generate request, or false if none was made.
func (a *FakeAgent) LastRequest() (genai.GenerateRequest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.Requests) == 0 {
		return genai.GenerateRequest{}, false
	}
	return a.Requests[len(a.Requests)-1], true
}
