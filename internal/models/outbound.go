package models

// Button is a reply button on an interactive message.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListRow is one selectable row of an interactive list.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListSection groups list rows under a heading.
type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// List is an interactive list message body.
type List struct {
	Body        string        `json:"body"`
	ButtonLabel string        `json:"button_label"`
	Sections    []ListSection `json:"sections"`
}

// Document is a file sent by URL.
type Document struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Caption  string `json:"caption,omitempty"`
}

// Interactive is a text prompt carrying either buttons or a list.
type Interactive struct {
	Body    string   `json:"body"`
	Buttons []Button `json:"buttons,omitempty"`
	List    *List    `json:"list,omitempty"`
}
