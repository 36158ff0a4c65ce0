package events

import (
	"strings"
	"time"
)

// Normalize fills defaults on a freshly extracted event: severity is coerced
// to the known set, a missing timestamp becomes now, tags are trimmed and
// de-duplicated case-insensitively (first spelling wins). Category is kept as
// given apart from surrounding whitespace.
func (e *Event) Normalize(now time.Time) {
	e.Title = strings.TrimSpace(e.Title)
	e.Description = strings.TrimSpace(e.Description)
	e.Category = Category(strings.TrimSpace(string(e.Category)))
	if e.Category == "" {
		e.Category = CategoryGeneral
	}
	e.Severity = ParseSeverity(string(e.Severity))
	e.Location = strings.TrimSpace(e.Location)
	if strings.TrimSpace(e.Timestamp) == "" {
		e.Timestamp = now.UTC().Format(time.RFC3339)
	}
	e.Tags = dedupeTags(e.Tags)
}

func dedupeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
	}
	return out
}
