package eventbus

import "testing"

func TestDefaultOrder(t *testing.T) {
	if got := DefaultOrder(StreamAgents); got != "fifo" {
		t.Fatalf("expected fifo for agents, got %q", got)
	}
	if got := DefaultOrder(StreamErrors); got != "lifo" {
		t.Fatalf("expected lifo for errors, got %q", got)
	}
	if !KnownStream(" cycles ") || KnownStream("tasks") {
		t.Fatalf("unexpected stream membership")
	}
}
