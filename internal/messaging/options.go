package messaging

import (
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/patrickmn/go-cache"
)

// DefaultOptionTTL bounds how long a numbered prompt stays answerable.
const DefaultOptionTTL = 30 * time.Minute

// OptionMemory remembers the last numbered prompt sent to each user so a
// numeric reply can be mapped back to the option's UI-action token.
type OptionMemory struct {
	c *cache.Cache
}

// NewOptionMemory creates an OptionMemory whose entries expire after ttl.
func NewOptionMemory(ttl time.Duration) *OptionMemory {
	if ttl <= 0 {
		ttl = DefaultOptionTTL
	}
	return &OptionMemory{c: cache.New(ttl, 2*ttl)}
}

func optionKey(user string) string {
	return phoneNumberRegex.ReplaceAllString(user, "")
}

// Remember replaces the pending options of user.
func (m *OptionMemory) Remember(user string, opts []models.Selection) {
	if len(opts) == 0 {
		return
	}
	m.c.SetDefault(optionKey(user), opts)
}

// Resolve maps a reply like "2" to the second remembered option. A resolved
// prompt is forgotten so a later number is not misread as a stale choice.
func (m *OptionMemory) Resolve(user, text string) (models.Selection, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), ".")))
	if err != nil {
		return models.Selection{}, false
	}
	key := optionKey(user)
	v, ok := m.c.Get(key)
	if !ok {
		return models.Selection{}, false
	}
	opts := v.([]models.Selection)
	if n < 1 || n > len(opts) {
		return models.Selection{}, false
	}
	m.c.Delete(key)
	return opts[n-1], true
}

// Forget drops the pending options of user.
func (m *OptionMemory) Forget(user string) {
	m.c.Delete(optionKey(user))
}
