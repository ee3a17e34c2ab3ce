package intent

import (
	"strings"

	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/BTreeMap/TablePipe/internal/venue"
)

// Branch is the single handling strategy chosen for a turn.
type Branch string

const (
	BranchCommand          Branch = "command"
	BranchFlow             Branch = "flow"
	BranchStartReservation Branch = "start_reservation"
	BranchMenu             Branch = "menu"
	BranchViewMenus        Branch = "view_menus"
	BranchLocationShare    Branch = "location_share"
	BranchFreeForm         Branch = "free_form"
)

// Signal is a normalized inbound event as seen by the router.
type Signal struct {
	Command  *models.Command
	Text     string // English text used for keyword scoring
	Location *models.Location
}

// Decision is the routing outcome. Command is set for the command, flow and menu
// branches when a deterministic action applies; Intent and Score are set for
// free-text decisions.
type Decision struct {
	Branch  Branch
	Command *models.Command
	Intent  Intent
	Score   float64
}

// Resolve extracts the UI-action command of an event, if any, and the text the
// router and language detection should see. A selection whose id is not a known
// token falls back to its title as text. Text that is itself a token (numbered
// replies mapped back by text-only transports) is parsed as a command.
func Resolve(ev models.InboundEvent) (*models.Command, string) {
	switch ev.Kind {
	case models.EventButtonReply, models.EventListReply:
		if ev.Selection == nil {
			return nil, ""
		}
		if cmd, ok := ParseCommand(ev.Selection.ID); ok {
			return &cmd, ""
		}
		return nil, strings.TrimSpace(ev.Selection.Title)
	case models.EventText, models.EventAudio:
		text := strings.TrimSpace(ev.Text)
		if cmd, ok := ParseCommand(text); ok {
			return &cmd, ""
		}
		return nil, text
	}
	return nil, ""
}

// Route picks exactly one branch. Precedence: explicit command, then an active
// reservation flow, then a shared location, then free text.
func Route(sig Signal, flowActive bool) Decision {
	if sig.Command != nil {
		cmd := *sig.Command
		if cmd.IsFlowAnswer() {
			if flowActive {
				return Decision{Branch: BranchFlow, Command: &cmd}
			}
			// A step answer from an old prompt restarts the form.
			return Decision{Branch: BranchStartReservation}
		}
		return Decision{Branch: BranchCommand, Command: &cmd}
	}

	if flowActive {
		return Decision{Branch: BranchFlow}
	}

	if sig.Location != nil {
		return Decision{Branch: BranchLocationShare}
	}

	return routeText(sig.Text)
}

func routeText(text string) Decision {
	if WantsAllMenus(text) {
		return Decision{
			Branch:  BranchMenu,
			Command: &models.Command{Kind: models.CommandMenu, Value: string(venue.MenuAll)},
		}
	}

	m := DetectIntent(text)
	d := Decision{Intent: m.Intent, Score: m.Score}
	switch m.Intent {
	case Reservation:
		d.Branch = BranchStartReservation
		return d
	case MenuWine, MenuWagyu, MenuALaCarte, MenuDrinks:
		d.Branch = BranchMenu
		d.Command = &models.Command{Kind: models.CommandMenu, Value: string(MenuTypeOf(m.Intent))}
		return d
	}

	if MentionsMenu(text) {
		d.Branch = BranchViewMenus
		d.Command = &models.Command{Kind: models.CommandViewMenus}
		return d
	}

	d.Branch = BranchFreeForm
	return d
}

// MenuTypeOf maps a specific menu intent to its menu. Other intents map to "".
func MenuTypeOf(i Intent) venue.MenuType {
	switch i {
	case MenuWine:
		return venue.MenuWine
	case MenuWagyu:
		return venue.MenuWagyu
	case MenuALaCarte:
		return venue.MenuALaCarte
	case MenuDrinks:
		return venue.MenuDrinks
	}
	return ""
}
