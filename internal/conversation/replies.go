package conversation

import (
	"github.com/BTreeMap/TablePipe/internal/flow"
	"github.com/BTreeMap/TablePipe/internal/intent"
	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/BTreeMap/TablePipe/internal/venue"
)

// reply is what one branch wants sent. Texts are English unless translated
// is set; the emitter localizes them.
type reply struct {
	documents  []models.Document
	notice     string
	text       string
	translated bool
	prompt     *models.Interactive
	pin        bool
}

func (r reply) hasPrimary() bool {
	return r.prompt != nil || r.text != ""
}

// menuPicker lists the four menus.
func menuPicker() *models.Interactive {
	menus := venue.Menus()
	rows := make([]models.ListRow, 0, len(menus))
	for _, m := range menus {
		rows = append(rows, models.ListRow{
			ID:    intent.Token(models.Command{Kind: models.CommandMenu, Value: string(m.Type)}),
			Title: m.Label,
		})
	}
	return &models.Interactive{
		Body: intent.ChooseMenuPrompt,
		List: &models.List{
			Body:        intent.ChooseMenuPrompt,
			ButtonLabel: intent.ChooseMenuButton,
			Sections:    []models.ListSection{{Title: intent.MenusSectionTitle, Rows: rows}},
		},
	}
}

// viewMenusReply offers the menu picker and the reservation form as buttons.
func viewMenusReply() reply {
	return reply{prompt: &models.Interactive{
		Body: intent.ViewMenusBody,
		Buttons: []models.Button{
			{ID: intent.TokenViewMenus, Title: intent.ViewMenusButton},
			{ID: intent.TokenReserve, Title: intent.ReserveButton},
		},
	}}
}

// menuReply sends one menu PDF, or all of them in presentation order.
func menuReply(t venue.MenuType) reply {
	var selected []venue.Menu
	if t == venue.MenuAll {
		selected = venue.Menus()
	} else if m, ok := venue.MenuByType(t); ok {
		selected = []venue.Menu{m}
	}
	if len(selected) == 0 {
		return reply{prompt: menuPicker()}
	}
	r := reply{documents: make([]models.Document, 0, len(selected))}
	for _, m := range selected {
		r.documents = append(r.documents, models.Document{URL: m.URL, Filename: m.Filename(), Caption: m.Caption})
	}
	return r
}

// locationReply acknowledges a shared location and sends the venue pin.
func locationReply(loc models.Location) reply {
	km := venue.DistanceFromVenue(loc.Latitude, loc.Longitude)
	return reply{text: intent.LocationAck(km), pin: true}
}

// flowReply turns a state machine outcome into a reply.
func flowReply(out flow.Outcome) reply {
	switch {
	case out.Abandoned:
		return reply{text: intent.FlowAbandoned}
	case out.Cancelled:
		return reply{text: intent.FlowCancelled}
	case out.Confirmation != nil:
		return reply{notice: out.Notice, text: out.Confirmation.Message()}
	}
	r := reply{notice: out.Notice, prompt: out.Prompt}
	if out.Reprompt {
		r.notice = intent.FlowReprompt
	}
	return r
}

// venuePin is the location message appended after replies that mention the address.
func venuePin() models.Location {
	lat, lon, name, address := venue.Location()
	return models.Location{Latitude: lat, Longitude: lon, Name: name, Address: address}
}
