package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/flitsinc/watchtower/internal/ai"
)

// FakeCompleter answers model requests from a routing function. Calls are
// recorded so tests can assert on what was asked.
type FakeCompleter struct {
	mu      sync.Mutex
	respond func(req ai.Request) (ai.Response, error)
	calls   []ai.Request
}

func NewFakeCompleter(respond func(req ai.Request) (ai.Response, error)) *FakeCompleter {
	return &FakeCompleter{respond: respond}
}

// StaticCompleter always answers with content.
func StaticCompleter(content string) *FakeCompleter {
	return NewFakeCompleter(func(ai.Request) (ai.Response, error) {
		return ai.Response{Content: content}, nil
	})
}

// FailingCompleter always fails with err.
func FailingCompleter(err error) *FakeCompleter {
	if err == nil {
		err = errors.New("model unavailable")
	}
	return NewFakeCompleter(func(ai.Request) (ai.Response, error) {
		return ai.Response{}, err
	})
}

func (f *FakeCompleter) Complete(ctx context.Context, req ai.Request) (ai.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	respond := f.respond
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return ai.Response{}, err
	}
	if respond == nil {
		return ai.Response{}, errors.New("no response configured")
	}
	return respond(req)
}

func (f *FakeCompleter) Calls() []ai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ai.Request(nil), f.calls...)
}

func (f *FakeCompleter) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// LastUserMessage returns the final user message of req.
func LastUserMessage(req ai.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// SystemMessage returns the first system message of req.
func SystemMessage(req ai.Request) string {
	for _, m := range req.Messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

// PromptContains reports whether any message of req contains needle.
func PromptContains(req ai.Request, needle string) bool {
	for _, m := range req.Messages {
		if strings.Contains(m.Content, needle) {
			return true
		}
	}
	return false
}

// FakeStreamer replays Fragments through ai.Streamer, then Err if set.
// Complete answers with the joined fragments.
type FakeStreamer struct {
	Fragments []string
	Err       error

	mu   sync.Mutex
	sent int
}

func (f *FakeStreamer) Complete(ctx context.Context, req ai.Request) (ai.Response, error) {
	if err := ctx.Err(); err != nil {
		return ai.Response{}, err
	}
	if f.Err != nil {
		return ai.Response{}, f.Err
	}
	return ai.Response{Content: strings.Join(f.Fragments, "")}, nil
}

func (f *FakeStreamer) Stream(ctx context.Context, req ai.Request) <-chan ai.Update {
	ch := make(chan ai.Update)
	go func() {
		defer close(ch)
		for _, fragment := range f.Fragments {
			select {
			case ch <- ai.Update{Text: fragment}:
				f.mu.Lock()
				f.sent++
				f.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
		if f.Err != nil {
			select {
			case ch <- ai.Update{Err: f.Err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

// Sent reports how many fragments the consumer has received.
func (f *FakeStreamer) Sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}
