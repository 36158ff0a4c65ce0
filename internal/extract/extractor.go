// Package extract turns free-form search text into structured events using a
// generative model.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/flitsinc/watchtower/internal/ai"
	"github.com/flitsinc/watchtower/internal/events"
)

const (
	DefaultMaxEvents = 5
	DefaultPacing    = 500 * time.Millisecond

	ModeBatch  = "batch"
	ModeStream = "stream"
)

type Extractor struct {
	Model ai.Completer
	// Pacing is the delay before each streamed event. Zero disables it.
	Pacing time.Duration
	Now    func() time.Time
	// OnFallback is called whenever a placeholder event is produced.
	OnFallback func(mode string)
}

func New(model ai.Completer) *Extractor {
	return &Extractor{Model: model, Pacing: DefaultPacing}
}

const systemPrompt = "You are a security analyst extracting structured data. Return only valid JSON."

const extractionPrompt = `Analyze the following search results and extract structured security events.
Original search query: %s

Search Results:
%s

Extract up to %d security events and format each as a JSON object with these fields:
- title: Brief descriptive title
- description: Detailed description of the event
- category: Choose the most appropriate category (e.g., "maritime", "climate", "supply-chain", "cyber", "conflict", "terrorism", "political", "economic", "social", "environmental", etc.)
- severity: One of ["low", "medium", "high", "critical"]
- location: Specific location name (city, region, country)
- timestamp: ISO format timestamp (use recent dates if not specified)
- source: News source or "Web Search"
- tags: Array of relevant tags

Return ONLY a JSON array of events, no other text.
Ensure each event is realistic and based on the search results.`

// Extract returns at most max validated events. A model failure yields no
// events; output that is not JSON yields exactly one placeholder event.
func (x *Extractor) Extract(ctx context.Context, searchText, query string, max int) []events.Event {
	max = clampMax(max)
	content, err := x.complete(ctx, searchText, query, max)
	if err != nil {
		log.Printf("extract %q: %v", query, err)
		return []events.Event{}
	}
	items, err := parseItems(content)
	if err != nil {
		log.Printf("extract %q: unparseable model output: %v", query, err)
		return []events.Event{x.fallback(query, ModeBatch)}
	}
	return x.accept(items, max)
}

// Stream yields events from one model call as they are validated. A model
// that implements ai.Streamer is read incrementally and each event is sent as
// soon as its object closes. The channel is always closed; cancelling ctx
// stops it early.
func (x *Extractor) Stream(ctx context.Context, searchText, query string, max int) <-chan events.Event {
	max = clampMax(max)
	out := make(chan events.Event)
	go func() {
		defer close(out)

		emit := func(event events.Event) bool {
			if !x.pace(ctx) {
				return false
			}
			select {
			case out <- event:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if streamer, ok := x.Model.(ai.Streamer); ok {
			x.streamIncremental(ctx, streamer, searchText, query, max, emit)
			return
		}
		for _, event := range x.streamBuffered(ctx, searchText, query, max) {
			if !emit(event) {
				return
			}
		}
	}()
	return out
}

func (x *Extractor) streamBuffered(ctx context.Context, searchText, query string, max int) []events.Event {
	content, err := x.complete(ctx, searchText, query, max)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("extract stream %q: %v", query, err)
		return []events.Event{x.fallback(query, ModeStream)}
	}
	if items, parseErr := parseItems(content); parseErr == nil {
		return x.accept(items, max)
	}
	list := x.accept(scanObjects(content), max)
	if len(list) == 0 {
		log.Printf("extract stream %q: no events recovered from model output", query)
		return []events.Event{x.fallback(query, ModeStream)}
	}
	return list
}

func (x *Extractor) streamIncremental(ctx context.Context, streamer ai.Streamer, searchText, query string, max int, emit func(events.Event) bool) {
	// Cancelling releases the model stream when max is reached first.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := x.now()
	var buf strings.Builder
	var streamErr error
	scanned, emitted := 0, 0
	for update := range streamer.Stream(streamCtx, x.request(searchText, query, max)) {
		if update.Err != nil {
			streamErr = update.Err
			break
		}
		buf.WriteString(update.Text)
		objects := scanObjects(buf.String())
		for ; scanned < len(objects); scanned++ {
			event, ok := decodeEvent(objects[scanned])
			if !ok {
				continue
			}
			event.Normalize(now)
			if !emit(event) {
				return
			}
			emitted++
			if emitted >= max {
				return
			}
		}
	}
	if ctx.Err() != nil {
		return
	}
	switch {
	case streamErr != nil && emitted == 0:
		log.Printf("extract stream %q: %v", query, streamErr)
		emit(x.fallback(query, ModeStream))
	case streamErr != nil:
		log.Printf("extract stream %q: stopped after %d events: %v", query, emitted, streamErr)
	case emitted == 0:
		if _, err := parseItems(trimFences(buf.String())); err != nil {
			log.Printf("extract stream %q: no events recovered from model output", query)
			emit(x.fallback(query, ModeStream))
		}
	}
}

func (x *Extractor) request(searchText, query string, max int) ai.Request {
	return ai.Request{
		Messages: []ai.Message{
			ai.System(systemPrompt),
			ai.User(fmt.Sprintf(extractionPrompt, query, searchText, max)),
		},
	}.WithTemperature(0.3)
}

func (x *Extractor) complete(ctx context.Context, searchText, query string, max int) (string, error) {
	if x.Model == nil {
		return "", fmt.Errorf("no model configured")
	}
	resp, err := x.Model.Complete(ctx, x.request(searchText, query, max))
	if err != nil {
		return "", err
	}
	return trimFences(resp.Content), nil
}

func (x *Extractor) accept(items []json.RawMessage, max int) []events.Event {
	now := x.now()
	out := make([]events.Event, 0, len(items))
	for _, item := range items {
		if len(out) >= max {
			break
		}
		event, ok := decodeEvent(item)
		if !ok {
			continue
		}
		event.Normalize(now)
		out = append(out, event)
	}
	return out
}

func (x *Extractor) pace(ctx context.Context) bool {
	if x.Pacing <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(x.Pacing)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (x *Extractor) fallback(query string, mode string) events.Event {
	if x.OnFallback != nil {
		x.OnFallback(mode)
	}
	return FallbackEvent(query, x.now())
}

func (x *Extractor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

// FallbackEvent is the placeholder emitted when model output cannot be used.
// The "fallback" tag marks it as low fidelity.
func FallbackEvent(query string, now time.Time) events.Event {
	query = strings.TrimSpace(query)
	return events.Event{
		Title:       "Security Event: " + query,
		Description: fmt.Sprintf("Web search conducted for: %s. Unable to parse structured results.", query),
		Category:    events.CategoryConflict,
		Severity:    events.SeverityMedium,
		Location:    "Global",
		Timestamp:   now.UTC().Format(time.RFC3339),
		Source:      "Web Search",
		Tags:        []string{"web-search", "general", "fallback"},
	}
}

// decodeEvent accepts an object with a non-empty title. Ids suggested by the
// model are discarded; the store assigns them.
func decodeEvent(item json.RawMessage) (events.Event, bool) {
	trimmed := bytes.TrimSpace(item)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return events.Event{}, false
	}
	var event events.Event
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return events.Event{}, false
	}
	if strings.TrimSpace(event.Title) == "" {
		return events.Event{}, false
	}
	event.AssignID(0)
	return event, true
}

// parseItems decodes a JSON array or single object. Valid JSON of any other
// shape yields no items; only invalid JSON is an error.
func parseItems(content string) ([]json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	case '{':
		return []json.RawMessage{raw}, nil
	default:
		return nil, nil
	}
}

// trimFences strips a surrounding Markdown code fence.
func trimFences(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
		if nl := strings.IndexByte(content, '\n'); nl >= 0 && !strings.ContainsAny(content[:nl], "[{") {
			content = content[nl+1:]
		} else {
			content = strings.TrimPrefix(content, "json")
		}
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

func clampMax(max int) int {
	if max <= 0 {
		return DefaultMaxEvents
	}
	return max
}
