package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/flitsinc/go-llms/anthropic"
	"github.com/flitsinc/go-llms/content"
	"github.com/flitsinc/go-llms/google"
	"github.com/flitsinc/go-llms/llms"
	"github.com/flitsinc/go-llms/openai"
	llmtools "github.com/flitsinc/go-llms/tools"
)

const (
	ProviderOpenAIChat      = "openai-chat"
	ProviderOpenAIResponses = "openai-responses"
	ProviderAnthropic       = "anthropic"
	ProviderGoogle          = "google"
)

type Config struct {
	Provider string
	// BaseURL points openai-chat at any OpenAI-compatible endpoint.
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

type Message struct {
	Role    string
	Content string
}

func System(content string) Message { return Message{Role: "system", Content: content} }
func User(content string) Message   { return Message{Role: "user", Content: content} }

type Request struct {
	Messages []Message
	// Tools are offered to the model. A requested tool is run by its handler
	// and reported in Response.ToolCalls.
	Tools []llmtools.Tool
	// MaxTurns bounds the model calls; the result of a tool reaches the model
	// only if another turn is allowed. Zero means one call.
	MaxTurns    int
	Temperature *float64
	MaxTokens   int
}

// WithTemperature returns a copy of r with the sampling temperature set.
func (r Request) WithTemperature(t float64) Request {
	r.Temperature = &t
	return r
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Update is one streamed fragment. A non-nil Err is always the last update.
type Update struct {
	Text string
	Err  error
}

// Completer is the single capability the pipeline needs from a model.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Streamer yields incremental text of one completion.
type Streamer interface {
	Stream(ctx context.Context, req Request) <-chan Update
}

var ErrEmptyResponse = errors.New("llm response empty")

// Client builds a fresh go-llms session per request, since an llms.LLM keeps
// conversation state and is not safe for concurrent use.
type Client struct {
	config Config
	http   *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Provider) == "" {
		cfg.Provider = ProviderOpenAIChat
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = normalizeBaseURL(cfg.BaseURL)
	c := &Client{
		config: cfg,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
	if _, err := c.newProvider(Request{}); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Model() string {
	if c == nil {
		return ""
	}
	return c.config.Model
}

func (c *Client) newProvider(req Request) (llms.Provider, error) {
	cfg := c.config
	var provider llms.Provider
	switch cfg.Provider {
	case ProviderOpenAIChat:
		model := openai.NewChatCompletionsAPI(cfg.APIKey, cfg.Model)
		if cfg.BaseURL != "" {
			model.WithEndpoint(cfg.BaseURL+"/chat/completions", "OpenAI-compatible")
		}
		if req.Temperature != nil {
			model.WithCustomPayloadValue("temperature", *req.Temperature)
		}
		if req.MaxTokens > 0 {
			model.WithMaxCompletionTokens(req.MaxTokens)
		}
		provider = model
	case ProviderOpenAIResponses:
		provider = openai.NewResponsesAPI(cfg.APIKey, cfg.Model)
	case ProviderAnthropic:
		model := anthropic.New(cfg.APIKey, cfg.Model)
		if req.MaxTokens > 0 {
			model.WithMaxTokens(req.MaxTokens)
		}
		provider = model
	case ProviderGoogle:
		model := google.New(cfg.Model).WithGeminiAPI(cfg.APIKey)
		if req.Temperature != nil {
			model.WithTemperature(*req.Temperature)
		}
		provider = model
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	provider.SetHTTPClient(c.http)
	return provider, nil
}

func (c *Client) newSession(req Request) (*llms.LLM, []llms.Message, error) {
	provider, err := c.newProvider(req)
	if err != nil {
		return nil, nil, err
	}
	var system []string
	var messages []llms.Message
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, llms.Message{Role: m.Role, Content: content.FromText(m.Content)})
	}
	if len(messages) == 0 {
		return nil, nil, fmt.Errorf("llm chat requires at least one message")
	}
	turns := req.MaxTurns
	if turns <= 0 {
		turns = 1
	}
	llm := llms.New(provider, req.Tools...).WithMaxTurns(turns)
	if len(system) > 0 {
		prompt := strings.Join(system, "\n\n")
		llm.SystemPrompt = func() content.Content { return content.FromText(prompt) }
	}
	return llm, messages, nil
}

// Complete runs one model turn. The call is bounded by the configured
// timeout in addition to ctx.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if c == nil {
		return Response{}, fmt.Errorf("llm client is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	resp, err := c.chat(ctx, req, nil)
	if err != nil {
		return Response{}, err
	}
	if strings.TrimSpace(resp.Content) == "" && len(resp.ToolCalls) == 0 {
		return Response{}, ErrEmptyResponse
	}
	return resp, nil
}

// Stream relays text deltas of one model turn. The channel is always closed.
func (c *Client) Stream(ctx context.Context, req Request) <-chan Update {
	ch := make(chan Update, 16)
	if c == nil {
		ch <- Update{Err: fmt.Errorf("llm client is nil")}
		close(ch)
		return ch
	}
	go func() {
		defer close(ch)
		ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
		_, err := c.chat(ctx, req, func(text string) {
			select {
			case ch <- Update{Text: text}:
			case <-ctx.Done():
			}
		})
		if err != nil {
			select {
			case ch <- Update{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

// chat drains the session's updates to the end; go-llms blocks on sends, so
// the channel must never be abandoned.
func (c *Client) chat(ctx context.Context, req Request, onText func(string)) (Response, error) {
	llm, messages, err := c.newSession(req)
	if err != nil {
		return Response{}, err
	}
	var text strings.Builder
	var calls []ToolCall
	index := map[string]int{}
	for update := range llm.ChatUsingMessages(ctx, messages) {
		switch u := update.(type) {
		case llms.TextUpdate:
			text.WriteString(u.Text)
			if onText != nil {
				onText(u.Text)
			}
		case llms.ToolStartUpdate:
			index[u.ToolCallID] = len(calls)
			calls = append(calls, ToolCall{ID: u.ToolCallID, Name: u.Tool.FuncName()})
		case llms.ToolDeltaUpdate:
			if i, ok := index[u.ToolCallID]; ok {
				calls[i].Arguments = append(calls[i].Arguments, u.Delta...)
			}
		}
	}
	err = llm.Err()
	if errors.Is(err, llms.ErrMaxTurnsReached) && len(calls) > 0 {
		err = nil
	}
	if err != nil {
		return Response{}, err
	}
	return Response{Content: text.String(), ToolCalls: calls}, nil
}

func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}
