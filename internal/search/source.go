// Package search produces raw intelligence text for a query.
package search

import (
	"context"
	"fmt"
	"log"
	"strings"

	llmtools "github.com/flitsinc/go-llms/tools"

	"github.com/flitsinc/watchtower/internal/ai"
)

// Source returns free-form text describing recent events for query.
type Source interface {
	Search(ctx context.Context, query string) (string, error)
}

// LLMSource asks the model to search. When the model requests the web_search
// tool, or the first call fails, a simulated search prompt answers instead.
type LLMSource struct {
	Model ai.Completer
}

func NewLLMSource(model ai.Completer) *LLMSource {
	return &LLMSource{Model: model}
}

const analystSystemPrompt = "You are a security intelligence analyst. Search the web for current security events and provide detailed, factual information."

const searchPrompt = `Search the web for recent security-related events, conflicts, or incidents related to: %s

Focus on finding:
- Maritime security incidents
- Supply chain disruptions
- Climate-related security issues
- Opportunities to strengthen U.S. security through non-military elements of national power, such as diplomacy, economic policies, and the advancement of human rights and justice around the world.

Provide current, factual information with specific locations, dates, and details.
Look for events from the last 30 days and 30 days into the future if possible.`

const simulatedSystemPrompt = "You are a security intelligence analyst. Generate realistic, current security event information that would be found in recent news searches. Make sure events have specific locations, dates, and security implications."

const simulatedPrompt = "Generate 3-5 realistic recent security events related to: %s. Include specific locations, recent dates, and security implications. Format as if these were found in recent news articles."

type webSearchParams struct {
	Query string `json:"query" description:"The search query"`
}

// WebSearchTool is offered on the first call. The model cannot see real
// results, so the handler only acknowledges the query and Search answers
// with the simulated prompt.
func WebSearchTool() llmtools.Tool {
	return llmtools.Func(
		"Web search",
		"Search the web for current information",
		"web_search",
		func(r llmtools.Runner, p webSearchParams) llmtools.Result {
			return llmtools.Success(map[string]any{
				"status": "queued",
				"query":  strings.TrimSpace(p.Query),
			})
		},
	)
}

func (s *LLMSource) Search(ctx context.Context, query string) (string, error) {
	if s == nil || s.Model == nil {
		return "", fmt.Errorf("search source has no model")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	resp, err := s.Model.Complete(ctx, ai.Request{
		Messages: []ai.Message{
			ai.System(analystSystemPrompt),
			ai.User(fmt.Sprintf(searchPrompt, query)),
		},
		Tools: []llmtools.Tool{WebSearchTool()},
	})
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return "", err
		}
		log.Printf("search %q: falling back to simulated search: %v", query, err)
		return s.simulate(ctx, query)
	case len(resp.ToolCalls) > 0:
		return s.simulate(ctx, query)
	case strings.TrimSpace(resp.Content) == "":
		return s.simulate(ctx, query)
	default:
		return resp.Content, nil
	}
}

func (s *LLMSource) simulate(ctx context.Context, query string) (string, error) {
	resp, err := s.Model.Complete(ctx, ai.Request{
		Messages: []ai.Message{
			ai.System(simulatedSystemPrompt),
			ai.User(fmt.Sprintf(simulatedPrompt, query)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("simulated search: %w", err)
	}
	return resp.Content, nil
}
