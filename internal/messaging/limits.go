package messaging

import (
	"fmt"
	"unicode/utf8"

	"github.com/BTreeMap/TablePipe/internal/models"
)

// WhatsApp interactive message limits.
const (
	MaxButtons           = 3
	MaxButtonTitle       = 20
	MaxSectionTitle      = 24
	MaxRowTitle          = 24
	MaxRowDescription    = 72
	MaxListButtonLabel   = 20
	MaxListRows          = 10
	MaxInteractiveBody   = 1024
	MaxTextMessageLength = 4096
)

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// PrepareButtons enforces the button count and truncates titles.
func PrepareButtons(buttons []models.Button) ([]models.Button, error) {
	if len(buttons) == 0 {
		return nil, fmt.Errorf("at least one button is required")
	}
	if len(buttons) > MaxButtons {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyButtons, len(buttons), MaxButtons)
	}
	out := make([]models.Button, len(buttons))
	for i, b := range buttons {
		out[i] = models.Button{ID: b.ID, Title: Truncate(b.Title, MaxButtonTitle)}
	}
	return out, nil
}

// PrepareList truncates every label and drops rows past MaxListRows.
func PrepareList(list models.List) models.List {
	out := models.List{
		Body:        Truncate(list.Body, MaxInteractiveBody),
		ButtonLabel: Truncate(list.ButtonLabel, MaxListButtonLabel),
	}
	remaining := MaxListRows
	for _, sec := range list.Sections {
		if remaining == 0 {
			break
		}
		s := models.ListSection{Title: Truncate(sec.Title, MaxSectionTitle)}
		for _, row := range sec.Rows {
			if remaining == 0 {
				break
			}
			s.Rows = append(s.Rows, models.ListRow{
				ID:          row.ID,
				Title:       Truncate(row.Title, MaxRowTitle),
				Description: Truncate(row.Description, MaxRowDescription),
			})
			remaining--
		}
		out.Sections = append(out.Sections, s)
	}
	return out
}
