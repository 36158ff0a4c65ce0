package eventbus

import "strings"

// KnownStream reports whether stream is one of the activity streams.
func KnownStream(stream string) bool {
	stream = strings.TrimSpace(stream)
	for _, s := range Streams {
		if s == stream {
			return true
		}
	}
	return false
}

// DefaultOrder is newest-first except for the agent lifecycle log, which reads
// naturally oldest-first.
func DefaultOrder(stream string) string {
	if strings.TrimSpace(stream) == StreamAgents {
		return "fifo"
	}
	return "lifo"
}
