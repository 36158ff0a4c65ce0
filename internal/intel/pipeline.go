// Package intel runs the search, extract and geocode steps for one query.
package intel

import (
	"context"
	"time"

	"github.com/flitsinc/watchtower/internal/events"
	"github.com/flitsinc/watchtower/internal/extract"
	"github.com/flitsinc/watchtower/internal/geo"
	"github.com/flitsinc/watchtower/internal/search"
)

type Pipeline struct {
	Source    search.Source
	Extractor *extract.Extractor
	Resolver  *geo.Resolver
	Now       func() time.Time
}

// Result is the outcome of one batch search. Events are not yet persisted.
type Result struct {
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Query       string         `json:"query"`
	EventsFound int            `json:"events_found"`
	Events      []events.Event `json:"events"`
	Timestamp   string         `json:"timestamp"`
}

// Update kinds emitted by SearchStream.
const (
	UpdateStatus   = "status"
	UpdateEvent    = "event"
	UpdateComplete = "complete"
	UpdateError    = "error"
)

type Update struct {
	Type      string        `json:"type"`
	Message   string        `json:"message,omitempty"`
	Query     string        `json:"query,omitempty"`
	Event     *events.Event `json:"event,omitempty"`
	Timestamp string        `json:"timestamp"`
}

func (p *Pipeline) Search(ctx context.Context, query string, max int) Result {
	result := Result{Query: query, Events: []events.Event{}}
	text, err := p.Source.Search(ctx, query)
	if err != nil {
		result.Error = err.Error()
		result.Timestamp = p.timestamp()
		return result
	}
	list := p.Extractor.Extract(ctx, text, query, max)
	if p.Resolver != nil {
		p.Resolver.Apply(ctx, list)
	}
	result.Success = true
	result.Events = list
	result.EventsFound = len(list)
	result.Timestamp = p.timestamp()
	return result
}

// SearchStream reports progress and each geocoded event as it is ready. The
// channel ends with a complete or error update, or early when ctx is done.
func (p *Pipeline) SearchStream(ctx context.Context, query string, max int) <-chan Update {
	out := make(chan Update)
	go func() {
		defer close(out)
		send := func(u Update) bool {
			u.Timestamp = p.timestamp()
			select {
			case out <- u:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(Update{Type: UpdateStatus, Message: "Starting web search...", Query: query}) {
			return
		}
		text, err := p.Source.Search(ctx, query)
		if err != nil {
			send(Update{Type: UpdateError, Message: "Search failed: " + err.Error()})
			return
		}
		if !send(Update{Type: UpdateStatus, Message: "Analyzing search results..."}) {
			return
		}
		for event := range p.Extractor.Stream(ctx, text, query, max) {
			if p.Resolver != nil {
				one := []events.Event{event}
				p.Resolver.Apply(ctx, one)
				event = one[0]
			}
			if !send(Update{Type: UpdateEvent, Event: &event}) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		send(Update{Type: UpdateComplete, Message: "Search completed successfully"})
	}()
	return out
}

func (p *Pipeline) timestamp() string {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	return now.UTC().Format(time.RFC3339)
}
