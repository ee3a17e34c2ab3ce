package venue

import "strings"

// MenuType identifies one of the PDF menus.
type MenuType string

const (
	MenuALaCarte MenuType = "alacarte"
	MenuWagyu    MenuType = "wagyu"
	MenuWine     MenuType = "wine"
	MenuDrinks   MenuType = "drinks"
	// MenuAll selects every menu at once.
	MenuAll MenuType = "all"
)

// Menu describes one downloadable menu.
type Menu struct {
	Type  MenuType
	Name  string // file name stem
	Label string // short picker label
	URL   string
	// Caption is the English text sent alongside the PDF.
	Caption string
}

// Filename returns the PDF file name presented to the user.
func (m Menu) Filename() string {
	return m.Name + ".pdf"
}

// menus is kept in the order they are offered and sent.
var menus = []Menu{
	{
		Type:    MenuALaCarte,
		Name:    "Menu à la Carte",
		Label:   "À la Carte",
		URL:     "https://www.incalondon.com/_files/ugd/325c3c_bdde0eb515e54beeba08ce662f63b801.pdf",
		Caption: "Here is our À la Carte menu featuring Chef " + Chef + "'s signature dishes.",
	},
	{
		Type:    MenuWagyu,
		Name:    "Wagyu Platter Menu",
		Label:   "Wagyu",
		URL:     "https://www.incalondon.com/_files/ugd/325c3c_bb9f24cd9a61499bbde31da9841bfb2e.pdf",
		Caption: "Here is our Wagyu Platter menu with our premium selections.",
	},
	{
		Type:    MenuWine,
		Name:    "Wine Menu",
		Label:   "Wine",
		URL:     "https://www.incalondon.com/_files/ugd/325c3c_20753e61bce346538f8868a1485acfd9.pdf",
		Caption: "Here is our Wine Menu with our carefully curated selection.",
	},
	{
		Type:    MenuDrinks,
		Name:    "Drinks Menu",
		Label:   "Drinks",
		URL:     "https://www.incalondon.com/_files/ugd/325c3c_eddf185fa8384622b45ff682b4d14f76.pdf",
		Caption: "Here is our Drinks Menu featuring our signature cocktails.",
	},
}

// Menus returns every menu in presentation order.
func Menus() []Menu {
	out := make([]Menu, len(menus))
	copy(out, menus)
	return out
}

// MenuByType looks up a single menu. MenuAll is not a single menu and returns false.
func MenuByType(t MenuType) (Menu, bool) {
	for _, m := range menus {
		if m.Type == t {
			return m, true
		}
	}
	return Menu{}, false
}

// IsMenuType reports whether t is a known menu selector, including MenuAll.
func IsMenuType(t MenuType) bool {
	if t == MenuAll {
		return true
	}
	_, ok := MenuByType(t)
	return ok
}

// ContainsMenuURL reports whether text embeds the link of any menu PDF.
func ContainsMenuURL(text string) bool {
	for _, m := range menus {
		if strings.Contains(text, m.URL) {
			return true
		}
	}
	return false
}
