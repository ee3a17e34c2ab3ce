package venue

import (
	"fmt"
	"time"
)

// DateLayout is the wire format of reservation dates.
const DateLayout = "2006-01-02"

// Reservation slot bounds.
const (
	FirstSeating = 19 * 60    // 19:00
	LastSeating  = 22*60 + 30 // 22:30
	SlotInterval = 30         // minutes
	BookingDays  = 30         // days ahead offered by the date picker
)

// Durations are the table lengths a guest can pick, in minutes.
var Durations = []int{90, 120, 150}

// TimeSlots returns every bookable start time as HH:MM.
func TimeSlots() []string {
	var slots []string
	for m := FirstSeating; m <= LastSeating; m += SlotInterval {
		slots = append(slots, fmt.Sprintf("%02d:%02d", m/60, m%60))
	}
	return slots
}

// IsTimeSlot reports whether hhmm is one of TimeSlots.
func IsTimeSlot(hhmm string) bool {
	for _, s := range TimeSlots() {
		if s == hhmm {
			return true
		}
	}
	return false
}

// IsDuration reports whether minutes is one of Durations.
func IsDuration(minutes int) bool {
	for _, d := range Durations {
		if d == minutes {
			return true
		}
	}
	return false
}

// UpcomingOpenDates returns the open dates among the next days days, starting at from.
func UpcomingOpenDates(from time.Time, days int) []time.Time {
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	var out []time.Time
	for i := 0; i < days; i++ {
		d := start.AddDate(0, 0, i)
		if IsClosedOn(d) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// FormatDuration renders minutes as a compact label such as "1h30" or "2h".
func FormatDuration(minutes int) string {
	h, m := minutes/60, minutes%60
	if m == 0 {
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh%02d", h, m)
}
