// Package analysis computes read-only views over the event document and
// offers them to the chat assistant as model tools.
package analysis

import (
	"context"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/flitsinc/watchtower/internal/events"
)

// DocumentFunc loads the current event document.
type DocumentFunc func(ctx context.Context) (events.Document, error)

type Stats struct {
	TotalEvents int            `json:"total_events"`
	BySeverity  map[string]int `json:"by_severity"`
	ByCategory  map[string]int `json:"by_category"`
	ByRegion    map[string]int `json:"by_region"`
	// OtherCategories counts events whose category is not a well-known one.
	OtherCategories int `json:"other_categories"`
}

// Summarize counts events by severity, category and region.
func Summarize(doc events.Document) Stats {
	stats := Stats{
		TotalEvents: len(doc.Events),
		BySeverity:  map[string]int{},
		ByCategory:  map[string]int{},
		ByRegion:    map[string]int{},
	}
	for _, e := range doc.Events {
		stats.BySeverity[label(string(e.Severity))]++
		stats.ByCategory[label(string(e.Category))]++
		stats.ByRegion[Region(e.Location)]++
		if !e.Category.Known() {
			stats.OtherCategories++
		}
	}
	return stats
}

// Region is the part of a location before the first comma.
func Region(location string) string {
	region, _, _ := strings.Cut(location, ",")
	region = strings.TrimSpace(region)
	if region == "" {
		return "unknown"
	}
	return region
}

func label(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return s
}

func rank(e events.Event) int {
	return events.ParseSeverity(string(e.Severity)).Rank()
}

// Critical returns events at or above min, most severe first. Events of equal
// severity keep store order. A non-positive limit returns all of them.
func Critical(doc events.Document, min events.Severity, limit int) []events.Event {
	threshold := min.Rank()
	out := []events.Event{}
	for _, e := range doc.Events {
		if rank(e) >= threshold {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) > rank(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ByLocation returns events whose location contains location,
// case-insensitively.
func ByLocation(doc events.Document, location string) []events.Event {
	needle := strings.ToLower(strings.TrimSpace(location))
	out := []events.Event{}
	if needle == "" {
		return out
	}
	for _, e := range doc.Events {
		if strings.Contains(strings.ToLower(e.Location), needle) {
			out = append(out, e)
		}
	}
	return out
}

// Features renders every geocoded event as a GeoJSON point for the map
// overlay. Unresolved events are left out.
func Features(doc events.Document) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, e := range doc.Events {
		if !e.GeoResolved {
			continue
		}
		f := geojson.NewFeature(orb.Point{e.Lon, e.Lat})
		if e.HasIntegerID() {
			f.ID = e.ID
		}
		f.Properties["title"] = e.Title
		f.Properties["category"] = string(e.Category)
		f.Properties["severity"] = string(e.Severity)
		f.Properties["severity_rank"] = rank(e)
		f.Properties["location"] = e.Location
		f.Properties["timestamp"] = e.Timestamp
		fc.Append(f)
	}
	return fc
}
