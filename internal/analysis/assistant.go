package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/flitsinc/watchtower/internal/ai"
	"github.com/flitsinc/watchtower/internal/events"
)

var ErrEmptyMessage = errors.New("message is required")

const chatSystemPrompt = `You are an AI assistant for a Global Security Insights Platform.
You provide analysis on:
- Maritime security and AIS tracking
- Diplomatic intelligence
- Supply chain disruptions
- Trade and tariff impacts
- Social stability and happiness indices
- Food security and climate risks

You have access to the platform's current security events through tools. When users ask about events, patterns or specific regions, call the appropriate tool to analyze the current data.

Provide concise, actionable intelligence insights. Be professional and analytical.`

const summarySystemPrompt = "You are a senior intelligence analyst."

const summaryPrompt = `Based on the following security platform data, generate a concise intelligence summary:

%s

Focus on:
1. Key threats or opportunities identified
2. Trends in the data
3. Recommended actions or areas requiring attention
4. Risk assessment

Keep the summary under 300 words and use professional intelligence language.`

// chatTurns leaves room for one round of tool calls before the answer.
const chatTurns = 3

// Assistant answers analyst questions about the stored events.
type Assistant struct {
	Model  ai.Completer
	Events DocumentFunc
}

type Summary struct {
	Summary          string `json:"summary"`
	EventCount       int    `json:"event_count"`
	RegionsMonitored int    `json:"regions_monitored"`
	CriticalAlerts   int    `json:"critical_alerts"`
}

func (a *Assistant) chatRequest(message string) ai.Request {
	req := ai.Request{
		Messages:  []ai.Message{ai.System(chatSystemPrompt), ai.User(message)},
		MaxTokens: 800,
	}.WithTemperature(0.7)
	if a.Events != nil {
		req.Tools = Tools(a.Events)
		req.MaxTurns = chatTurns
	}
	return req
}

// Chat answers one message. The model may consult the event tools first.
func (a *Assistant) Chat(ctx context.Context, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ErrEmptyMessage
	}
	if a.Model == nil {
		return "", fmt.Errorf("no model configured")
	}
	resp, err := a.Model.Complete(ctx, a.chatRequest(message))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", ai.ErrEmptyResponse
	}
	return resp.Content, nil
}

// ChatStream relays the answer as it is generated. A model without streaming
// support answers in a single update.
func (a *Assistant) ChatStream(ctx context.Context, message string) <-chan ai.Update {
	message = strings.TrimSpace(message)
	if message == "" || a.Model == nil {
		err := ErrEmptyMessage
		if message != "" {
			err = fmt.Errorf("no model configured")
		}
		ch := make(chan ai.Update, 1)
		ch <- ai.Update{Err: err}
		close(ch)
		return ch
	}
	req := a.chatRequest(message)
	if streamer, ok := a.Model.(ai.Streamer); ok {
		return streamer.Stream(ctx, req)
	}
	ch := make(chan ai.Update, 1)
	go func() {
		defer close(ch)
		resp, err := a.Model.Complete(ctx, req)
		if err != nil {
			ch <- ai.Update{Err: err}
			return
		}
		ch <- ai.Update{Text: resp.Content}
	}()
	return ch
}

// Summary asks the model for a short briefing on the current document.
func (a *Assistant) Summary(ctx context.Context) (Summary, error) {
	if a.Model == nil || a.Events == nil {
		return Summary{}, fmt.Errorf("assistant is not configured")
	}
	doc, err := a.Events(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load events: %w", err)
	}
	stats := Summarize(doc)
	critical := len(Critical(doc, events.SeverityCritical, 0))
	brief := fmt.Sprintf(
		"Current events: %d events detected. Geographic data: %d regions monitored.\nBy severity: %s.\nBy category: %s.\nCritical alerts: %d.",
		stats.TotalEvents, len(stats.ByRegion),
		formatCounts(stats.BySeverity), formatCounts(stats.ByCategory), critical,
	)
	resp, err := a.Model.Complete(ctx, ai.Request{
		Messages: []ai.Message{
			ai.System(summarySystemPrompt),
			ai.User(fmt.Sprintf(summaryPrompt, brief)),
		},
		MaxTokens: 400,
	}.WithTemperature(0.5))
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Summary:          resp.Content,
		EventCount:       stats.TotalEvents,
		RegionsMonitored: len(stats.ByRegion),
		CriticalAlerts:   critical,
	}, nil
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %d", k, counts[k]))
	}
	return strings.Join(parts, ", ")
}
