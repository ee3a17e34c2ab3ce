package flow

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TablePipe/internal/intent"
	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/BTreeMap/TablePipe/internal/venue"
)

// maxDateRows is the number of dates offered by the picker (the platform caps list rows at 10).
const maxDateRows = 10

// PartySizePrompt asks for the number of guests.
func PartySizePrompt() *models.Interactive {
	body := "How many guests will be joining you?"
	rows := make([]models.ListRow, 0, venue.ALaCarteMaxParty+1)
	for n := 1; n <= venue.ALaCarteMaxParty; n++ {
		title := fmt.Sprintf("%d guests", n)
		if n == 1 {
			title = "1 guest"
		}
		rows = append(rows, models.ListRow{
			ID:    intent.Token(models.Command{Kind: models.CommandPartySize, Value: strconv.Itoa(n)}),
			Title: title,
		})
	}
	rows = append(rows, models.ListRow{
		ID:          intent.Token(models.Command{Kind: models.CommandPartySize, Value: intent.PartyNinePlus}),
		Title:       "9+ guests",
		Description: "Set menu required for groups of 9 or more",
	})
	return &models.Interactive{
		Body: body,
		List: &models.List{
			Body:        body,
			ButtonLabel: "Party size",
			Sections:    []models.ListSection{{Title: "Guests", Rows: rows}},
		},
	}
}

// DatePrompt offers the next open dates from now. Typed YYYY-MM-DD dates are accepted too.
func DatePrompt(now time.Time) *models.Interactive {
	body := "Which date would you like to book? Pick one below or type it as YYYY-MM-DD."
	dates := venue.UpcomingOpenDates(now, venue.BookingDays)
	if len(dates) > maxDateRows {
		dates = dates[:maxDateRows]
	}
	rows := make([]models.ListRow, 0, len(dates))
	for _, d := range dates {
		h, _ := venue.Hours(d.Weekday())
		rows = append(rows, models.ListRow{
			ID:          intent.Token(models.Command{Kind: models.CommandDate, Value: d.Format(venue.DateLayout)}),
			Title:       d.Format("Mon 2 Jan"),
			Description: h,
		})
	}
	return &models.Interactive{
		Body: body,
		List: &models.List{
			Body:        body,
			ButtonLabel: "Choose date",
			Sections:    []models.ListSection{{Title: "Dates", Rows: rows}},
		},
	}
}

// TimePrompt lists the bookable arrival times.
func TimePrompt() *models.Interactive {
	body := "What time would you like to arrive?"
	slots := venue.TimeSlots()
	rows := make([]models.ListRow, 0, len(slots))
	for _, s := range slots {
		rows = append(rows, models.ListRow{
			ID:    intent.Token(models.Command{Kind: models.CommandTime, Value: s}),
			Title: s,
		})
	}
	return &models.Interactive{
		Body: body,
		List: &models.List{
			Body:        body,
			ButtonLabel: "Choose time",
			Sections:    []models.ListSection{{Title: "Times", Rows: rows}},
		},
	}
}

// DurationPrompt asks how long the table is needed.
func DurationPrompt() *models.Interactive {
	buttons := make([]models.Button, 0, len(venue.Durations))
	for _, d := range venue.Durations {
		buttons = append(buttons, models.Button{
			ID:    intent.Token(models.Command{Kind: models.CommandDuration, Value: strconv.Itoa(d)}),
			Title: venue.FormatDuration(d),
		})
	}
	return &models.Interactive{
		Body:    "How long would you like the table for?",
		Buttons: buttons,
	}
}

// ClosedDayNotice warns that the chosen date falls on a closing day.
func ClosedDayNotice(day time.Time) string {
	return fmt.Sprintf("Please note we are closed on %ss. The booking page will show the nearest available dates.", day.Weekday())
}

// DeepLink builds the booking-search URL for the collected answers.
func DeepLink(base string, d models.ReservationData) string {
	return fmt.Sprintf("%s?date=%s&halo=%d&party_size=%d&start_time=%s",
		base, d.Date, d.Duration, d.PartySize, url.QueryEscape(d.Time))
}

// Summary renders the four answers for the user.
func Summary(d models.ReservationData) string {
	date := d.Date
	if t, err := time.Parse(venue.DateLayout, d.Date); err == nil {
		date = t.Format("Monday 2 January 2006")
	}
	guests := strconv.Itoa(d.PartySize)
	if d.PartySize >= venue.SetMenuMinParty {
		guests += "+ (set menu)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📅 Date: %s\n", date)
	fmt.Fprintf(&b, "🕗 Time: %s\n", d.Time)
	fmt.Fprintf(&b, "👥 Guests: %s\n", guests)
	fmt.Fprintf(&b, "⏱️ Duration: %s", venue.FormatDuration(d.Duration))
	return b.String()
}

// Message is the English confirmation text sent when the flow completes.
func (c Confirmation) Message() string {
	return fmt.Sprintf("Here is your reservation summary:\n\n%s\n\nComplete your booking here:\n%s", c.Summary, c.DeepLink)
}
