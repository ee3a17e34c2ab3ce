// Package venue holds the static business facts of the restaurant: contact
// details, opening hours, policies, menus and location.
package venue

import "time"

// Identity and contact details.
const (
	Name              = "Inca London"
	Slogan            = "Where Latin Spirit meets London Nights"
	Address           = "8-9 Argyll Street, Soho, London W1F 7TF"
	Phone             = "+44 (0)20 7734 6066"
	PhonePrivate      = "+44 (0)777 181 7677"
	ReservationsEmail = "reservations@incalondon.com"
	PrivateEmail      = "dimitri@incalondon.com"
	PressEmail        = "janel@incalondon.com"
	Website           = "https://www.incalondon.com"
	Instagram         = "@incalondonofficial"
	InstagramURL      = "https://www.instagram.com/incalondonofficial/"
	BookingPageURL    = "https://www.sevenrooms.com/reservations/incalondon"
	// BookingSearchURL is the base of the reservation deep link.
	BookingSearchURL = "https://www.sevenrooms.com/explore/incalondon/reservations/create/search"
)

// Venue pin.
const (
	Latitude  = 51.514682
	Longitude = -0.140592
)

// Policies.
const (
	AgeRestriction   = "18+ only"
	DressCode        = "Smart Elegant (no sportswear, shorts, caps or sneakers)"
	GracePeriod      = "15 minutes maximum after the reservation time"
	BookingDuration  = "2 hours"
	ServiceCharge    = "13.5% automatically added to the bill"
	ALaCarteMaxParty = 8
	SetMenuMinParty  = 9
	ShowStartTime    = "around 8:30 to 9:00 PM"
	Chef             = "Davide Alberti"
	Cuisine          = "Latin American fusion with Nikkei influences"
	NearestTube      = "Oxford Circus (2 min walk)"
	Parking          = "No parking on site, Q-Park Soho is nearby"
	MaxEventGuests   = 250
	MaxEventSeated   = 145
	PrivateDiningMax = 15
)

// openingHours maps weekdays to their opening line. Missing days are closed.
var openingHours = map[time.Weekday]string{
	time.Wednesday: "8 PM – Late",
	time.Thursday:  "8 PM – Late",
	time.Friday:    "7 PM – Late",
	time.Saturday:  "7 PM – Late",
	time.Sunday:    "8 PM – Late",
}

// Hours returns the opening line for a weekday and whether the venue opens that day.
func Hours(day time.Weekday) (string, bool) {
	h, ok := openingHours[day]
	return h, ok
}

// IsClosedOn reports whether the venue is closed on the given date (Mondays and Tuesdays).
func IsClosedOn(t time.Time) bool {
	_, open := openingHours[t.Weekday()]
	return !open
}

// Location returns the venue pin.
func Location() (lat, lon float64, name, address string) {
	return Latitude, Longitude, Name, Address
}
