package routing

import (
	"net/url"
	"strconv"
)

// Callback paths served by the webhook ingress.
const (
	PathRingGroup = "/webhooks/voice/ring-group"
	PathIVR       = "/webhooks/voice/ivr"
)

// Callbacks builds absolute callback URLs embedded in voice markup.
type Callbacks struct {
	BaseURL string
}

func (c Callbacks) RingGroup(ringGroupID string, attempt int, session string) string {
	q := url.Values{}
	q.Set("ring_group_id", ringGroupID)
	q.Set("attempt_number", strconv.Itoa(attempt))
	q.Set("session", session)
	return c.BaseURL + PathRingGroup + "?" + q.Encode()
}

// IVR carries the menu and turn so input can still be handled when the turn
// state cache is unavailable.
func (c Callbacks) IVR(menuID string, turn int) string {
	q := url.Values{}
	q.Set("menu_id", menuID)
	q.Set("turn", strconv.Itoa(turn))
	return c.BaseURL + PathIVR + "?" + q.Encode()
}
