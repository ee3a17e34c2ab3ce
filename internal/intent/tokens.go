// Package intent classifies inbound signals. It parses the fixed UI-action
// tokens attached to buttons and list rows, scores free text against a keyword
// catalog, and picks the single handling branch for a turn.
package intent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/BTreeMap/TablePipe/internal/venue"
)

// UI-action tokens. These are language-neutral and never translated.
const (
	TokenViewMenus         = "action_view_menus"
	TokenReserve           = "action_reserve"
	TokenCancelReservation = "action_cancel_reservation"

	menuPrefix     = "menu_"
	partyPrefix    = "resa_party_"
	datePrefix     = "resa_date_"
	timePrefix     = "resa_time_"
	durationPrefix = "resa_duration_"

	partyNinePlusToken = "9plus"
	// PartyNinePlus is the command value for the "9 or more guests" choice.
	PartyNinePlus = "9+"
)

var (
	tokenDateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	tokenTimeRegex = regexp.MustCompile(`^\d{2}:\d{2}$`)
)

// ParseCommand decodes a UI-action token. It returns false for anything that is
// not a well-formed token, so the caller can treat the input as plain text.
func ParseCommand(token string) (models.Command, bool) {
	token = strings.TrimSpace(token)
	switch token {
	case TokenViewMenus:
		return models.Command{Kind: models.CommandViewMenus}, true
	case TokenReserve:
		return models.Command{Kind: models.CommandReserve}, true
	case TokenCancelReservation:
		return models.Command{Kind: models.CommandCancelReservation}, true
	}

	switch {
	case strings.HasPrefix(token, menuPrefix):
		t := venue.MenuType(strings.TrimPrefix(token, menuPrefix))
		if !venue.IsMenuType(t) {
			return models.Command{}, false
		}
		return models.Command{Kind: models.CommandMenu, Value: string(t)}, true

	case strings.HasPrefix(token, partyPrefix):
		v := strings.TrimPrefix(token, partyPrefix)
		if v == partyNinePlusToken {
			return models.Command{Kind: models.CommandPartySize, Value: PartyNinePlus}, true
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > venue.ALaCarteMaxParty {
			return models.Command{}, false
		}
		return models.Command{Kind: models.CommandPartySize, Value: v}, true

	case strings.HasPrefix(token, datePrefix):
		v := strings.TrimPrefix(token, datePrefix)
		if !tokenDateRegex.MatchString(v) {
			return models.Command{}, false
		}
		return models.Command{Kind: models.CommandDate, Value: v}, true

	case strings.HasPrefix(token, timePrefix):
		v := strings.TrimPrefix(token, timePrefix)
		if !tokenTimeRegex.MatchString(v) {
			return models.Command{}, false
		}
		return models.Command{Kind: models.CommandTime, Value: v}, true

	case strings.HasPrefix(token, durationPrefix):
		v := strings.TrimPrefix(token, durationPrefix)
		if _, err := strconv.Atoi(v); err != nil {
			return models.Command{}, false
		}
		return models.Command{Kind: models.CommandDuration, Value: v}, true
	}
	return models.Command{}, false
}

// Token encodes a command back into its UI-action token.
func Token(cmd models.Command) string {
	switch cmd.Kind {
	case models.CommandViewMenus:
		return TokenViewMenus
	case models.CommandReserve:
		return TokenReserve
	case models.CommandCancelReservation:
		return TokenCancelReservation
	case models.CommandMenu:
		return menuPrefix + cmd.Value
	case models.CommandPartySize:
		if cmd.Value == PartyNinePlus {
			return partyPrefix + partyNinePlusToken
		}
		return partyPrefix + cmd.Value
	case models.CommandDate:
		return datePrefix + cmd.Value
	case models.CommandTime:
		return timePrefix + cmd.Value
	case models.CommandDuration:
		return durationPrefix + cmd.Value
	}
	return ""
}

// LooksLikeToken reports whether s has the shape of a UI-action token, even an unknown one.
// Such strings are never used for language detection.
func LooksLikeToken(s string) bool {
	return strings.HasPrefix(s, "menu_") || strings.HasPrefix(s, "action_") || strings.HasPrefix(s, "resa_")
}
