package intent

import "strings"

// Intent is a coarse topic detected in free text.
type Intent string

const (
	Reservation   Intent = "reservation"
	MenuWine      Intent = "menuWine"
	MenuWagyu     Intent = "menuWagyu"
	MenuALaCarte  Intent = "menuAlaCarte"
	MenuDrinks    Intent = "menuDrinks"
	Menu          Intent = "menu"
	Drinks        Intent = "drinks"
	Dietary       Intent = "dietary"
	Show          Intent = "show"
	Club          Intent = "club"
	DressCode     Intent = "dressCode"
	Age           Intent = "age"
	Location      Intent = "location"
	Hours         Intent = "hours"
	PrivateEvents Intent = "privateEvents"
	Payment       Intent = "payment"
	Contact       Intent = "contact"
	Social        Intent = "social"
	LostItems     Intent = "lostItems"
	Complaints    Intent = "complaints"
	Media         Intent = "media"
	Greeting      Intent = "greeting"
	Thanks        Intent = "thanks"
	Goodbye       Intent = "goodbye"
	NotUnderstood Intent = "notUnderstood"
)

type catalogEntry struct {
	intent   Intent
	keywords []string
}

// catalog order is significant: on equal scores the earlier entry wins.
var catalog = []catalogEntry{
	{Reservation, []string{"book", "booking", "reserve", "reservation", "table", "availability", "available", "seats", "party of"}},
	{MenuWine, []string{"wine menu", "wine list", "wines", "vin", "carta de vinos"}},
	{MenuWagyu, []string{"wagyu menu", "wagyu platter", "wagyu", "beef menu"}},
	{MenuALaCarte, []string{"a la carte", "alacarte", "food menu", "dinner menu", "dining menu", "main menu"}},
	{MenuDrinks, []string{"drinks menu", "cocktail menu", "bar menu", "drink list", "cocktails"}},
	{Menu, []string{"menu", "food", "dish", "cuisine", "eat", "dishes", "signature", "specialties", "chef", "cooking"}},
	{Drinks, []string{"drink", "cocktail", "bar", "pisco", "alcohol", "beverage", "spirits"}},
	{Dietary, []string{"vegetarian", "vegan", "gluten", "allergy", "allergies", "dietary", "celiac", "intolerant", "halal", "kosher"}},
	{Show, []string{"show", "performance", "entertainment", "dancer", "music", "live", "spectacle", "performers", "stage"}},
	{Club, []string{"club", "dj", "dancing", "party", "late night", "luna", "nightclub", "dance floor"}},
	{DressCode, []string{"dress", "attire", "wear", "outfit", "clothes", "dress code", "sneakers", "formal", "smart", "casual"}},
	{Age, []string{"age", "old", "years", "id", "minor", "under 18", "kids", "children"}},
	{Location, []string{"where", "address", "location", "find", "directions", "tube", "metro", "parking", "map"}},
	{Hours, []string{"hours", "open", "opening", "close", "closing", "when", "time", "schedule", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}},
	{PrivateEvents, []string{"private", "event", "corporate", "birthday", "party", "group", "celebration", "hire", "venue hire"}},
	{Payment, []string{"pay", "payment", "card", "cash", "bill", "split", "amex", "visa", "mastercard", "service charge"}},
	{Contact, []string{"contact", "phone", "email", "call", "reach", "get in touch", "speak to"}},
	{Social, []string{"instagram", "facebook", "social", "follow", "tag", "website", "online"}},
	{LostItems, []string{"lost", "left behind", "forgot", "missing", "found"}},
	{Complaints, []string{"complaint", "issue", "problem", "refund", "disappointed", "unhappy", "manager", "management"}},
	{Media, []string{"press", "media", "journalist", "interview", "collaboration", "partnership"}},
	{Greeting, []string{"hello", "hi", "hey", "good morning", "good evening", "good afternoon", "greetings", "hola", "bonjour"}},
	{Thanks, []string{"thank", "thanks", "appreciate", "grateful", "cheers"}},
	{Goodbye, []string{"bye", "goodbye", "see you", "later", "farewell", "ciao"}},
}

// allMenusPhrases request every menu PDF at once.
var allMenusPhrases = []string{"all menus", "all the menus", "every menu", "show all menus"}

// viewMenuPhrases are answered with the menu picker instead of a generated reply.
var viewMenuPhrases = []string{"menu", "food", "drink", "wine", "wagyu", "see the menu", "view menu", "look at menu"}

// Match is the outcome of keyword scoring.
type Match struct {
	Intent  Intent
	Score   float64 // matched keywords / keywords defined for the intent
	Matched int
}

// DetectIntent scores text against the catalog. Each keyword found as a
// substring of the lower-cased, trimmed text adds one point; the best ratio
// wins and ties keep the earlier entry. No match yields NotUnderstood.
func DetectIntent(text string) Match {
	normalized := strings.ToLower(strings.TrimSpace(text))
	best := Match{Intent: NotUnderstood}
	if normalized == "" {
		return best
	}
	for _, entry := range catalog {
		matched := 0
		for _, kw := range entry.keywords {
			if strings.Contains(normalized, kw) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		score := float64(matched) / float64(len(entry.keywords))
		if score > best.Score {
			best = Match{Intent: entry.intent, Score: score, Matched: matched}
		}
	}
	return best
}

// WantsAllMenus reports whether text asks for every menu.
func WantsAllMenus(text string) bool {
	normalized := strings.ToLower(text)
	for _, p := range allMenusPhrases {
		if strings.Contains(normalized, p) {
			return true
		}
	}
	return false
}

// MentionsMenu reports whether text asks about menus in general.
func MentionsMenu(text string) bool {
	normalized := strings.ToLower(text)
	for _, p := range viewMenuPhrases {
		if strings.Contains(normalized, p) {
			return true
		}
	}
	return false
}
