package messaging

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/TablePipe/internal/models"
)

// ReplyWithNumberHint closes every text-rendered prompt.
const ReplyWithNumberHint = "Reply with the number of your choice."

// RenderButtons renders a button prompt as numbered text for transports
// without interactive messages. It returns the options in display order.
func RenderButtons(body string, buttons []models.Button) (string, []models.Selection) {
	var sb strings.Builder
	sb.WriteString(body)
	sb.WriteString("\n")
	opts := make([]models.Selection, 0, len(buttons))
	for i, b := range buttons {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, b.Title)
		opts = append(opts, models.Selection{ID: b.ID, Title: b.Title})
	}
	sb.WriteString("\n\n")
	sb.WriteString(ReplyWithNumberHint)
	return sb.String(), opts
}

// RenderList renders a list prompt as numbered text. Numbering runs across
// sections; section titles are printed only when there is more than one.
func RenderList(list models.List) (string, []models.Selection) {
	var sb strings.Builder
	sb.WriteString(list.Body)
	sb.WriteString("\n")
	var opts []models.Selection
	for _, sec := range list.Sections {
		if len(list.Sections) > 1 && sec.Title != "" {
			fmt.Fprintf(&sb, "\n%s", sec.Title)
		}
		for _, row := range sec.Rows {
			opts = append(opts, models.Selection{ID: row.ID, Title: row.Title})
			fmt.Fprintf(&sb, "\n%d. %s", len(opts), row.Title)
			if row.Description != "" {
				fmt.Fprintf(&sb, " (%s)", row.Description)
			}
		}
	}
	sb.WriteString("\n\n")
	sb.WriteString(ReplyWithNumberHint)
	return sb.String(), opts
}
