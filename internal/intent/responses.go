package intent

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/TablePipe/internal/venue"
)

// Fixed English replies. The orchestrator localizes them before sending.
var (
	Welcome = fmt.Sprintf(`Hello and welcome to %s, where Latin spirit meets London nights.

I'm your virtual host! I can help you with table bookings, menus, events or any questions about our dining show.

How can I assist you tonight?`, venue.Name)

	NotUnderstoodReply = `I'm not quite sure I understand. I can help you with:

• Table reservations
• Menu information
• Opening hours
• Dress code
• Private events
• Location and directions

What would you like to know?`

	// Apology is sent when a turn fails. It is localized like any other reply.
	Apology = fmt.Sprintf(`I apologize, but I'm experiencing a technical issue. Please try again in a moment, or contact us directly:

📞 %s
📧 %s`, venue.Phone, venue.ReservationsEmail)

	// LastResortApology is sent verbatim when even the localized apology cannot be sent.
	LastResortApology = Apology

	// AudioFailed is sent when a voice note cannot be transcribed.
	AudioFailed = "Sorry, I couldn't understand your voice message. Could you please type your question?"

	// FlowAbandoned replaces the reservation prompt after too many invalid answers.
	FlowAbandoned = fmt.Sprintf(`No problem, let's do it another way. You can book your table directly here:
%s

Or call us at %s.`, venue.BookingPageURL, venue.Phone)

	// FlowReprompt precedes a re-issued reservation prompt after an answer that did not fit.
	FlowReprompt = "Sorry, I didn't get that. Please choose one of the options below."

	// FlowCancelled acknowledges an explicit cancellation.
	FlowCancelled = "Your reservation request has been cancelled. Let me know whenever you'd like to start again."
)

// Prompt texts used by the menu and location handlers.
const (
	ViewMenusBody     = "Would you like to see our menus?"
	ViewMenusButton   = "View menus"
	ReserveButton     = "Book a table"
	ChooseMenuPrompt  = "Which menu would you like to see?"
	ChooseMenuButton  = "Choose menu"
	MenusSectionTitle = "Menus"
	// HeardPrefix introduces the echo of a transcribed voice note.
	HeardPrefix = "I heard:"
)

// LocationAck thanks the user for a shared location, given the distance to the venue in km.
func LocationAck(distanceKm float64) string {
	where := fmt.Sprintf("You're about %.1f km away.", distanceKm)
	if distanceKm < 1 {
		where = "You're very close, less than 1 km away!"
	}
	return fmt.Sprintf("Thanks for sharing your location! %s I'm sending you our location so you can get directions. The nearest tube is %s.", where, venue.NearestTube)
}

var staticReplies = map[Intent]string{
	Reservation: fmt.Sprintf(`To book your table at %s, please visit:
%s

You can also call us at %s or email %s

How many guests will be joining you and what date are you looking at?`,
		venue.Name, venue.BookingPageURL, venue.Phone, venue.ReservationsEmail),

	Menu: fmt.Sprintf(`Our menu features %s, crafted by Chef %s.

🍽️ Signature dishes include:
• Wagyu Tacos
• Seabass Ceviche
• Tea-Smoked Lamb Chops
• Truffle Fries

We also offer vegetarian and gluten-free options upon request.`, venue.Cuisine, venue.Chef),

	MenuALaCarte: fmt.Sprintf("Perfect! Here is our À la Carte menu featuring Chef %s's signature dishes.", venue.Chef),
	MenuWagyu:    "Excellent choice! Here is our Wagyu Platter menu with our premium selections.",
	MenuWine:     "Great! Here is our Wine Menu with our carefully curated wine selection.",
	MenuDrinks:   "Perfect! Here is our Drinks Menu featuring our signature cocktails and beverages.",

	Drinks: `Our signature cocktails include:

🍹 Pisco Sour (Peruvian classic)
🍸 Inca Gold
🌺 Amazonia Spritz

We have an extensive selection of Latin American-inspired cocktails, premium spirits, and fine wines.`,

	Dietary: `We're happy to accommodate dietary requirements!

We offer:
✓ Vegetarian options
✓ Gluten-free options
✓ Custom preparations for allergies

Please inform our team in advance when booking.`,

	Show: fmt.Sprintf(`%s offers an immersive dining show inspired by Latin America.

🎭 Live performances during dinner, with world-class dancers and singers.
The show starts %s.

After dinner, the space transforms into a lively club atmosphere with DJs and cocktails.`, venue.Name, venue.ShowStartTime),

	Club: `After dinner, the night continues at Luna Lounge!

💃 Live DJs and performances, premium cocktails and dancing until late.

Table booking or guestlist entry required.`,

	DressCode: fmt.Sprintf(`Our dress code is %s.

The venue is %s.`, venue.DressCode, venue.AgeRestriction),

	Age: fmt.Sprintf(`%s is strictly %s.

Valid ID will be required at the door.`, venue.Name, venue.AgeRestriction),

	Location: fmt.Sprintf(`We're located in the heart of Soho:

📍 %s

🚇 Nearest tube: %s
🚗 %s`, venue.Address, venue.NearestTube, venue.Parking),

	Hours: hoursReply(),

	PrivateEvents: fmt.Sprintf(`We host unforgettable private events!

📊 Up to %d guests total, %d seated.
Private dining room for up to %d guests.

For inquiries: %s or %s`, venue.MaxEventGuests, venue.MaxEventSeated, venue.PrivateDiningMax, venue.PrivateEmail, venue.PhonePrivate),

	Payment: fmt.Sprintf(`We accept:

💳 Visa, Mastercard, Amex
💵 Cash

• Service charge: %s
• Split bills available within reason`, venue.ServiceCharge),

	Contact: fmt.Sprintf(`📞 Phone: %s

📧 Reservations: %s
📧 Private Events: %s
📧 Media & Press: %s

🌐 %s`, venue.Phone, venue.ReservationsEmail, venue.PrivateEmail, venue.PressEmail, venue.Website),

	Social: fmt.Sprintf(`Follow us for the latest updates:

📸 Instagram: %s
%s

🌐 Website: %s`, venue.Instagram, venue.InstagramURL, venue.Website),

	LostItems: fmt.Sprintf(`For lost items, please contact our reception team:

📧 %s
📞 %s`, venue.ReservationsEmail, venue.Phone),

	Complaints: fmt.Sprintf(`We truly value your feedback.

For complaints, refunds, or management inquiries:

📧 %s
📞 %s`, venue.ReservationsEmail, venue.Phone),

	Media: fmt.Sprintf(`For media inquiries, press requests, or collaborations:

📧 %s`, venue.PressEmail),

	Greeting: Welcome,

	Thanks: fmt.Sprintf(`Thank you for choosing %s.

We can't wait to welcome you to an unforgettable night. 💃`, venue.Name),

	Goodbye: fmt.Sprintf(`Thank you for contacting %s! We look forward to welcoming you soon.

For reservations: %s`, venue.Name, venue.BookingPageURL),

	NotUnderstood: NotUnderstoodReply,
}

func hoursReply() string {
	var b strings.Builder
	b.WriteString("Our opening hours:\n\n")
	for _, d := range []time.Weekday{time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday} {
		h, _ := venue.Hours(d)
		fmt.Fprintf(&b, "%s: %s\n", d, h)
	}
	b.WriteString("\nClosed: Monday & Tuesday\n\n")
	fmt.Fprintf(&b, "The show starts %s.", venue.ShowStartTime)
	return b.String()
}

// StaticReply returns the templated English reply for an intent.
// Unknown intents get the not-understood reply.
func StaticReply(i Intent) string {
	if r, ok := staticReplies[i]; ok {
		return r
	}
	return NotUnderstoodReply
}

// addressKeywords in a reply trigger the venue location pin after it.
var addressKeywords = []string{"address", "adresse", "argyll street", "oxford circus", "soho", "w1f 7tf", "where are you", "où êtes-vous", "8-9 argyll"}

// MentionsAddress reports whether a reply talks about where the venue is.
func MentionsAddress(reply string) bool {
	normalized := strings.ToLower(reply)
	for _, kw := range addressKeywords {
		if strings.Contains(normalized, kw) {
			return true
		}
	}
	return false
}
