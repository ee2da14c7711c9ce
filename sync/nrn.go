package sync

import (
	"strings"

	"github.com/tidwall/gjson"
)

// NRNDenylist holds "No Response Necessary" tags. Tickets carrying any of them are not synced.
type NRNDenylist []string

// Match returns the first ticket tag found in the denylist, compared case-insensitively.
func (d NRNDenylist) Match(tags []string) (string, bool) {
	for _, tag := range tags {
		t := strings.TrimSpace(tag)
		for _, denied := range d {
			if strings.EqualFold(t, strings.TrimSpace(denied)) {
				return tag, true
			}
		}
	}
	return "", false
}

func TicketTags(raw gjson.Result) []string {
	var tags []string
	for _, t := range raw.Get("tags").Array() {
		tags = append(tags, t.String())
	}
	return tags
}
