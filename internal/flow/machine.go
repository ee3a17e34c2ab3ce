// Package flow implements the reservation form: a per-user sequence of
// questions (party size, date, time, duration) kept in the session store.
// Each valid answer advances exactly one step; the last one yields a booking
// deep link and a summary.
package flow

import (
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TablePipe/internal/intent"
	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/BTreeMap/TablePipe/internal/session"
	"github.com/BTreeMap/TablePipe/internal/venue"
)

// DefaultMaxReprompts bounds consecutive invalid answers at one step.
const DefaultMaxReprompts = 3

// ErrNoActiveFlow is returned by Advance when the user has no flow in progress.
var ErrNoActiveFlow = errors.New("no active reservation flow")

var (
	freeDateRegex = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	freeTimeRegex = regexp.MustCompile(`\b(\d{1,2})[:h.](\d{2})\b`)
	integerRegex  = regexp.MustCompile(`\d+`)
)

// cancelWords end the flow when they appear as a word of a free-text answer.
var cancelWords = map[string]bool{"cancel": true, "stop": true, "annuler": true, "cancelar": true}

// Opts holds configuration options for the Machine.
type Opts struct {
	BookingURL   string
	MaxReprompts int // <= 0 means unlimited
	Now          func() time.Time
}

// Option defines a configuration option for the Machine.
type Option func(*Opts)

// WithBookingURL sets the base of the confirmation deep link.
func WithBookingURL(u string) Option {
	return func(o *Opts) {
		o.BookingURL = u
	}
}

// WithMaxReprompts sets how many invalid answers in a row are tolerated before the flow is abandoned.
func WithMaxReprompts(n int) Option {
	return func(o *Opts) {
		o.MaxReprompts = n
	}
}

// WithClock overrides the time source used for the date picker.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Machine drives reservation flows stored in a session.Store.
type Machine struct {
	sessions     session.Store
	bookingURL   string
	maxReprompts int
	now          func() time.Time
}

// NewMachine creates a Machine over the given session store.
func NewMachine(sessions session.Store, opts ...Option) *Machine {
	cfg := Opts{
		BookingURL:   venue.BookingSearchURL,
		MaxReprompts: DefaultMaxReprompts,
		Now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BookingURL == "" {
		cfg.BookingURL = venue.BookingSearchURL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{
		sessions:     sessions,
		bookingURL:   cfg.BookingURL,
		maxReprompts: cfg.MaxReprompts,
		now:          cfg.Now,
	}
}

// Confirmation is produced when the last step is answered.
type Confirmation struct {
	Data     models.ReservationData
	DeepLink string
	Summary  string
}

// Outcome describes what a flow operation did and what to ask next.
// Prompt and Notice are in English.
type Outcome struct {
	Step         models.FlowStep
	Prompt       *models.Interactive
	Reprompt     bool
	Notice       string
	Confirmation *Confirmation
	Cancelled    bool
	Abandoned    bool
}

// Start begins a fresh flow at the party-size step, discarding any previous one.
func (m *Machine) Start(userID string) Outcome {
	m.sessions.Update(userID, func(s *models.Session) {
		s.ReservationFlow = &models.ReservationFlow{Active: true, Step: models.StepPartySize}
	})
	slog.Debug("flow.Machine.Start: reservation flow started", "user", userID)
	return Outcome{Step: models.StepPartySize, Prompt: PartySizePrompt()}
}

// Cancel clears the user's flow entirely.
func (m *Machine) Cancel(userID string) Outcome {
	m.sessions.Update(userID, func(s *models.Session) {
		s.ReservationFlow = nil
	})
	slog.Debug("flow.Machine.Cancel: reservation flow cancelled", "user", userID)
	return Outcome{Cancelled: true}
}

// Active reports whether the user has a flow in progress.
func (m *Machine) Active(userID string) bool {
	return m.sessions.Get(userID).FlowActive()
}

// Advance feeds one answer to the current step. cmd is the parsed UI-action
// token, if any; otherwise text is interpreted for the current step. Invalid
// answers leave the step unchanged and re-issue its prompt. The read, the
// transition and the write happen in one session update.
func (m *Machine) Advance(userID string, cmd *models.Command, text string) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	m.sessions.Update(userID, func(s *models.Session) {
		rf := s.ReservationFlow
		if rf == nil || !rf.Active {
			err = ErrNoActiveFlow
			return
		}

		if isCancel(cmd, text) {
			s.ReservationFlow = nil
			out = Outcome{Cancelled: true}
			return
		}

		notice, ok := m.apply(rf, cmd, text)
		if !ok {
			rf.Reprompts++
			if m.maxReprompts > 0 && rf.Reprompts > m.maxReprompts {
				slog.Info("flow.Machine.Advance: too many invalid answers, abandoning", "user", userID, "step", rf.Step)
				s.ReservationFlow = nil
				out = Outcome{Cancelled: true, Abandoned: true}
				return
			}
			out = Outcome{Step: rf.Step, Prompt: m.Prompt(rf.Step), Reprompt: true}
			return
		}

		rf.Reprompts = 0
		rf.Step = rf.Step.Next()
		out = Outcome{Step: rf.Step, Notice: notice}
		if rf.Step == models.StepComplete {
			rf.Active = false
			out.Confirmation = &Confirmation{
				Data:     rf.Data,
				DeepLink: DeepLink(m.bookingURL, rf.Data),
				Summary:  Summary(rf.Data),
			}
			return
		}
		out.Prompt = m.Prompt(rf.Step)
	})
	if err != nil {
		return Outcome{}, err
	}
	slog.Debug("flow.Machine.Advance", "user", userID, "step", out.Step, "reprompt", out.Reprompt, "cancelled", out.Cancelled)
	return out, nil
}

// Prompt returns the question for a step, or nil for StepComplete.
func (m *Machine) Prompt(step models.FlowStep) *models.Interactive {
	switch step {
	case models.StepPartySize:
		return PartySizePrompt()
	case models.StepDate:
		return DatePrompt(m.now())
	case models.StepTime:
		return TimePrompt()
	case models.StepDuration:
		return DurationPrompt()
	}
	return nil
}

func isCancel(cmd *models.Command, text string) bool {
	if cmd != nil {
		return cmd.Kind == models.CommandCancelReservation
	}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?'
	}) {
		if cancelWords[w] {
			return true
		}
	}
	return false
}

// apply stores the answer for the current step. It returns false when the
// answer does not fit the step; data is untouched in that case.
func (m *Machine) apply(rf *models.ReservationFlow, cmd *models.Command, text string) (string, bool) {
	switch rf.Step {
	case models.StepPartySize:
		n, ok := parsePartySize(cmd, text)
		if !ok {
			return "", false
		}
		rf.Data.PartySize = n
		return "", true

	case models.StepDate:
		date, ok := parseDate(cmd, text)
		if !ok {
			return "", false
		}
		rf.Data.Date = date
		if t, err := time.Parse(venue.DateLayout, date); err == nil && venue.IsClosedOn(t) {
			return ClosedDayNotice(t), true
		}
		return "", true

	case models.StepTime:
		hhmm, ok := parseTime(cmd, text)
		if !ok {
			return "", false
		}
		rf.Data.Time = hhmm
		return "", true

	case models.StepDuration:
		d, ok := parseDuration(cmd, text)
		if !ok {
			return "", false
		}
		rf.Data.Duration = d
		return "", true
	}
	return "", false
}

// answer returns the command value when cmd is of the wanted kind. ok is false
// when a command of another kind was given, which never matches the step.
func answer(cmd *models.Command, kind models.CommandKind) (value string, isCmd, ok bool) {
	if cmd == nil {
		return "", false, true
	}
	if cmd.Kind != kind {
		return "", true, false
	}
	return cmd.Value, true, true
}

func parsePartySize(cmd *models.Command, text string) (int, bool) {
	v, isCmd, ok := answer(cmd, models.CommandPartySize)
	if !ok {
		return 0, false
	}
	if !isCmd {
		if strings.Contains(text, intent.PartyNinePlus) {
			return venue.SetMenuMinParty, true
		}
		v = integerRegex.FindString(text)
	}
	if v == intent.PartyNinePlus {
		return venue.SetMenuMinParty, true
	}
	n, err := strconv.Atoi(v)
	if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(v, "-") {
		return venue.SetMenuMinParty, true
	}
	if err != nil || n < 1 {
		return 0, false
	}
	if n >= venue.SetMenuMinParty {
		n = venue.SetMenuMinParty
	}
	return n, true
}

func parseDate(cmd *models.Command, text string) (string, bool) {
	v, isCmd, ok := answer(cmd, models.CommandDate)
	if !ok {
		return "", false
	}
	if isCmd {
		return v, freeDateRegex.MatchString(v)
	}
	v = freeDateRegex.FindString(text)
	return v, v != ""
}

func parseTime(cmd *models.Command, text string) (string, bool) {
	v, isCmd, ok := answer(cmd, models.CommandTime)
	if !ok {
		return "", false
	}
	if !isCmd {
		match := freeTimeRegex.FindStringSubmatch(text)
		if match == nil {
			return "", false
		}
		h, _ := strconv.Atoi(match[1])
		v = strconv.Itoa(h)
		if h < 10 {
			v = "0" + v
		}
		v += ":" + match[2]
	}
	return v, venue.IsTimeSlot(v)
}

func parseDuration(cmd *models.Command, text string) (int, bool) {
	v, isCmd, ok := answer(cmd, models.CommandDuration)
	if !ok {
		return 0, false
	}
	if !isCmd {
		normalized := strings.ToLower(strings.ReplaceAll(text, " ", ""))
		// Longest durations first so "2h30" is not read as "2h".
		for i := len(venue.Durations) - 1; i >= 0; i-- {
			d := venue.Durations[i]
			if strings.Contains(normalized, venue.FormatDuration(d)) {
				return d, true
			}
		}
		v = integerRegex.FindString(text)
	}
	n, err := strconv.Atoi(v)
	if err != nil || !venue.IsDuration(n) {
		return 0, false
	}
	return n, true
}
