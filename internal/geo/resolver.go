// Package geo resolves free-text place names to coordinates.
package geo

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/flitsinc/watchtower/internal/ai"
	"github.com/flitsinc/watchtower/internal/events"
)

// Coordinates is a best-effort answer. Resolved=false means (0,0) is the
// "unknown" sentinel, not a real position.
type Coordinates struct {
	Lat      float64          `json:"lat"`
	Lon      float64          `json:"lon"`
	Resolved bool             `json:"resolved"`
	Source   events.GeoSource `json:"source"`
}

type place struct {
	name     string
	lat, lon float64
}

// knownPlaces is scanned in declaration order: an exact name wins, then a
// whole-word match, then the first substring hit in either direction.
var knownPlaces = []place{
	{"south china sea", 9.5, 113.5},
	{"shanghai", 31.2, 121.5},
	{"horn of africa", 2.0, 38.0},
	{"inner mongolia", 40.8, 111.9},
	{"arctic ocean", 75.0, 100.0},
	{"bangladesh", 23.7, 90.4},
	{"red sea", 20.0, 38.0},
	{"northern india", 28.7, 77.1},
	{"suez canal", 30.0, 32.3},
	{"philippines", 14.6, 121.0},
	{"ukraine", 48.3, 31.2},
	{"syria", 34.8, 38.9},
	{"iran", 32.4, 53.7},
	{"gaza", 31.3, 34.3},
	{"lebanon", 33.9, 35.5},
	{"yemen", 15.6, 48.0},
	{"afghanistan", 33.9, 67.7},
	{"taiwan", 23.8, 120.9},
	{"north korea", 40.3, 127.5},
	{"venezuela", 6.4, -66.6},
	{"myanmar", 19.8, 96.1},
	{"mali", 17.6, -3.9},
	{"somalia", 5.2, 46.2},
	{"ethiopia", 9.1, 40.5},
	{"south sudan", 6.9, 31.3},
}

// Observer receives one call per lookup with the stage that answered.
type Observer func(source events.GeoSource)

type Resolver struct {
	// Model is optional; without it unmatched locations stay unresolved.
	Model    ai.Completer
	Observer Observer

	mu    sync.RWMutex
	cache map[string]Coordinates
	group singleflight.Group
}

func NewResolver(model ai.Completer) *Resolver {
	return &Resolver{Model: model, cache: map[string]Coordinates{}}
}

// Lookup checks the static table only.
func Lookup(location string) (Coordinates, bool) {
	key := normalize(location)
	if key == "" {
		return Coordinates{}, false
	}
	matchers := []func(p place) bool{
		func(p place) bool { return key == p.name },
		func(p place) bool { return containsWord(key, p.name) },
		func(p place) bool { return strings.Contains(key, p.name) || strings.Contains(p.name, key) },
	}
	for _, match := range matchers {
		for _, p := range knownPlaces {
			if match(p) {
				return Coordinates{Lat: p.lat, Lon: p.lon, Resolved: true, Source: events.GeoSourceTable}, true
			}
		}
	}
	return Coordinates{}, false
}

// containsWord reports whether name occurs in s bounded by non-letters.
func containsWord(s, name string) bool {
	for offset := 0; offset < len(s); {
		i := strings.Index(s[offset:], name)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(name)
		if (start == 0 || !isLetter(s[start-1])) && (end == len(s) || !isLetter(s[end])) {
			return true
		}
		offset = start + 1
	}
	return false
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

// Resolve never fails: table, then cached or fresh model answer, then (0,0).
func (r *Resolver) Resolve(ctx context.Context, location string) Coordinates {
	coords := r.resolve(ctx, location)
	if r.Observer != nil {
		r.Observer(coords.Source)
	}
	return coords
}

func (r *Resolver) resolve(ctx context.Context, location string) Coordinates {
	unresolved := Coordinates{Source: events.GeoSourceNone}
	key := normalize(location)
	if key == "" {
		return unresolved
	}
	if coords, ok := Lookup(key); ok {
		return coords
	}
	if r.Model == nil {
		return unresolved
	}

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	v, _, _ := r.group.Do(key, func() (any, error) {
		coords, ok := r.ask(ctx, location)
		if !ok {
			return unresolved, nil
		}
		r.mu.Lock()
		if r.cache == nil {
			r.cache = map[string]Coordinates{}
		}
		r.cache[key] = coords
		r.mu.Unlock()
		return coords, nil
	})
	return v.(Coordinates)
}

// Apply resolves every event's location in place.
func (r *Resolver) Apply(ctx context.Context, list []events.Event) {
	for i := range list {
		coords := r.Resolve(ctx, list[i].Location)
		list[i].Lat = coords.Lat
		list[i].Lon = coords.Lon
		list[i].GeoResolved = coords.Resolved
		list[i].GeoSource = coords.Source
	}
}

const coordinatePrompt = `Provide the approximate latitude and longitude coordinates for: %s

Return only two numbers separated by a comma: latitude,longitude
For example: 40.7,-74.0

If the location is very general or unknown, provide coordinates for the most likely region.`

func (r *Resolver) ask(ctx context.Context, location string) (Coordinates, bool) {
	resp, err := r.Model.Complete(ctx, ai.Request{
		Messages: []ai.Message{
			ai.System("You are a geography expert. Provide only latitude,longitude coordinates."),
			ai.User(fmt.Sprintf(coordinatePrompt, strings.TrimSpace(location))),
		},
	}.WithTemperature(0.1))
	if err != nil {
		log.Printf("geocode %q: %v", location, err)
		return Coordinates{}, false
	}
	lat, lon, ok := ParsePair(resp.Content)
	if !ok {
		log.Printf("geocode %q: unparseable answer %q", location, resp.Content)
		return Coordinates{}, false
	}
	return Coordinates{Lat: lat, Lon: lon, Resolved: true, Source: events.GeoSourceModel}, true
}

// ParsePair parses "lat,lon" with exactly two in-range numbers.
func ParsePair(text string) (float64, float64, bool) {
	parts := strings.Split(strings.TrimSpace(text), ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

func normalize(location string) string {
	return strings.ToLower(strings.TrimSpace(location))
}
