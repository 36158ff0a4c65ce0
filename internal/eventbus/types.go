package eventbus

import "time"

// Activity streams.
const (
	StreamAgents = "agents"
	StreamCycles = "cycles"
	StreamErrors = "errors"
)

var Streams = []string{StreamAgents, StreamCycles, StreamErrors}

// Entry is one activity record shown on the dashboard feed.
type Entry struct {
	ID        string         `json:"id"`
	Stream    string         `json:"stream"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body"`
	Term      string         `json:"term,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Input struct {
	Stream   string
	Subject  string
	Body     string
	Term     string
	Metadata map[string]any
}

type ListOptions struct {
	Limit int
	Order string
	Term  string
}
