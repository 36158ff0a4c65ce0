package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Category is an open string. Well-known values have constants; anything else
// the model produces is kept as-is.
type Category string

const (
	CategoryMaritime      Category = "maritime"
	CategoryClimate       Category = "climate"
	CategorySupplyChain   Category = "supply-chain"
	CategoryCyber         Category = "cyber"
	CategoryConflict      Category = "conflict"
	CategoryTerrorism     Category = "terrorism"
	CategoryPolitical     Category = "political"
	CategoryEconomic      Category = "economic"
	CategorySocial        Category = "social"
	CategoryEnvironmental Category = "environmental"
	CategoryGeneral       Category = "general"
)

var knownCategories = map[Category]struct{}{
	CategoryMaritime:      {},
	CategoryClimate:       {},
	CategorySupplyChain:   {},
	CategoryCyber:         {},
	CategoryConflict:      {},
	CategoryTerrorism:     {},
	CategoryPolitical:     {},
	CategoryEconomic:      {},
	CategorySocial:        {},
	CategoryEnvironmental: {},
	CategoryGeneral:       {},
}

// Known reports whether c is one of the well-known categories.
func (c Category) Known() bool {
	_, ok := knownCategories[Category(strings.ToLower(string(c)))]
	return ok
}

// Severity orders low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a raw string. Defaults to SeverityMedium.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// Rank returns numeric severity (higher = more severe).
// low=0, medium=1, high=2, critical=3.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 1
	}
}

// GeoSource names the resolver stage that produced an event's coordinates.
type GeoSource string

const (
	GeoSourceTable GeoSource = "table"
	GeoSourceModel GeoSource = "model"
	GeoSourceNone  GeoSource = "none"
)

// Event is one persisted security event. ID is 0 until the store integrator
// assigns one. Lat/Lon of (0,0) with GeoResolved=false means "unknown".
type Event struct {
	ID          int64
	Title       string
	Description string
	Category    Category
	Severity    Severity
	Location    string
	Lat         float64
	Lon         float64
	GeoResolved bool
	GeoSource   GeoSource
	Timestamp   string
	Source      string
	Tags        []string

	// Extra holds fields this package does not model so that documents edited
	// elsewhere survive a rewrite.
	Extra map[string]json.RawMessage

	// rawID keeps a non-integer id from an existing document verbatim.
	rawID json.RawMessage
}

// Document is the whole-store shape: {"events": [...]}.
type Document struct {
	Events []Event `json:"events"`
}

var knownFields = map[string]struct{}{
	"id": {}, "title": {}, "description": {}, "category": {}, "severity": {},
	"location": {}, "lat": {}, "lon": {}, "geo_resolved": {}, "geo_source": {},
	"timestamp": {}, "source": {}, "tags": {},
}

// HasIntegerID reports whether the event carries a positive integer id.
func (e Event) HasIntegerID() bool {
	return e.ID > 0 && len(e.rawID) == 0
}

// AssignID replaces whatever id the event carried. Zero clears it.
func (e *Event) AssignID(id int64) {
	e.ID = id
	e.rawID = nil
}

// Matches reports whether term occurs, case-insensitively, in the event's
// title, description or location.
func (e Event) Matches(term string) bool {
	needle := strings.ToLower(strings.TrimSpace(term))
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(e.Title), needle) ||
		strings.Contains(strings.ToLower(e.Description), needle) ||
		strings.Contains(strings.ToLower(e.Location), needle)
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	if e.Tags != nil {
		out.Tags = append([]string(nil), e.Tags...)
	}
	if e.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	if e.rawID != nil {
		out.rawID = append(json.RawMessage(nil), e.rawID...)
	}
	return out
}

// CountMatching counts the events in doc that match term.
func (d Document) CountMatching(term string) int {
	count := 0
	for _, e := range d.Events {
		if e.Matches(term) {
			count++
		}
	}
	return count
}

// MaxID returns the highest integer id in the document, or 0.
func (d Document) MaxID() int64 {
	var maxID int64
	for _, e := range d.Events {
		if e.HasIntegerID() && e.ID > maxID {
			maxID = e.ID
		}
	}
	return maxID
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(knownFields)+len(e.Extra))
	for k, v := range e.Extra {
		out[k] = v
	}
	switch {
	case len(e.rawID) > 0:
		out["id"] = e.rawID
	case e.ID > 0:
		out["id"] = e.ID
	}
	out["title"] = e.Title
	out["description"] = e.Description
	out["category"] = e.Category
	out["severity"] = e.Severity
	out["location"] = e.Location
	out["lat"] = e.Lat
	out["lon"] = e.Lon
	out["geo_resolved"] = e.GeoResolved
	if e.GeoSource != "" {
		out["geo_source"] = e.GeoSource
	}
	out["timestamp"] = e.Timestamp
	out["source"] = e.Source
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	out["tags"] = tags
	// Titles like "a & b" stay readable in the stored document.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("event must be a JSON object")
	}
	*e = Event{}
	if v, ok := raw["id"]; ok && !isNull(v) {
		var id int64
		if err := json.Unmarshal(v, &id); err == nil && id > 0 {
			e.ID = id
		} else {
			e.rawID = append(json.RawMessage(nil), v...)
		}
	}
	e.Title = rawString(raw["title"])
	e.Description = rawString(raw["description"])
	e.Category = Category(rawString(raw["category"]))
	e.Severity = Severity(rawString(raw["severity"]))
	e.Location = rawString(raw["location"])
	e.Lat = rawFloat(raw["lat"])
	e.Lon = rawFloat(raw["lon"])
	if v, ok := raw["geo_resolved"]; ok {
		_ = json.Unmarshal(v, &e.GeoResolved)
	}
	e.GeoSource = GeoSource(rawString(raw["geo_source"]))
	e.Timestamp = rawString(raw["timestamp"])
	e.Source = rawString(raw["source"])
	e.Tags = rawStrings(raw["tags"])
	for k, v := range raw {
		if _, ok := knownFields[k]; ok {
			continue
		}
		if e.Extra == nil {
			e.Extra = map[string]json.RawMessage{}
		}
		e.Extra[k] = append(json.RawMessage(nil), v...)
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// rawString accepts strings and renders scalars so loosely typed model output
// does not sink the whole event.
func rawString(v json.RawMessage) string {
	if isNull(v) {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return fmt.Sprintf("%t", b)
	}
	return ""
}

func rawFloat(v json.RawMessage) float64 {
	if isNull(v) {
		return 0
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		var parsed float64
		if _, err := fmt.Sscanf(strings.TrimSpace(s), "%g", &parsed); err == nil {
			return parsed
		}
	}
	return 0
}

func rawStrings(v json.RawMessage) []string {
	if isNull(v) {
		return nil
	}
	var list []any
	if err := json.Unmarshal(v, &list); err != nil {
		if s := rawString(v); s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch typed := item.(type) {
		case string:
			out = append(out, typed)
		case nil:
		default:
			out = append(out, fmt.Sprint(typed))
		}
	}
	return out
}
