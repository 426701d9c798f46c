package normalize

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/feed"
)

// dateLayouts covers the formats seen across RSS 2.0, Atom and hand-rolled feeds
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 02 Jan 2006 15:04:05 Z",
	"2 Jan 2006 15:04:05 -0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// stableID prefers an explicit guid and otherwise hashes the item URL
func stableID(item feed.RawItem, link string) string {
	if g := strings.TrimSpace(item.String("guid")); g != "" {
		return g
	}
	return sha1Hex(link)
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// canonicalHash hashes the item's JSON form; map keys marshal in sorted order
func canonicalHash(item feed.RawItem) string {
	b, err := json.Marshal(map[string]any(item))
	if err != nil {
		return ""
	}
	return sha1Hex(string(b))
}

// parseDate returns nil when s is empty or in no known layout
func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

// pickHTML prefers full content over the summary
func pickHTML(item feed.RawItem) string {
	if html := item.String("content:encoded"); strings.TrimSpace(html) != "" {
		return html
	}
	return item.String("description")
}

func joinCategories(item feed.RawItem) string {
	return strings.Join(item.Strings("category"), ", ")
}

func rawCopy(item feed.RawItem) map[string]any {
	out := make(map[string]any, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
