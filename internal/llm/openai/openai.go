// Package openai adapts OpenAI-compatible chat completion endpoints (OpenAI
// itself, OpenRouter) to llm.Provider.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/stupiduntilnot/relaybot/internal/llm"
)

const (
	DefaultOpenAIBaseURL     = "https://api.openai.com/v1"
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// Config configures one OpenAI-compatible endpoint.
type Config struct {
	// Name labels the endpoint in errors and metrics ("openai", "openrouter").
	Name    string
	APIKey  string
	BaseURL string
	// Headers are added to every request. OpenRouter uses HTTP-Referer and
	// X-Title for site identification.
	Headers map[string]string
	Timeout time.Duration
}

// Client is an llm.Provider backed by github.com/sashabaranov/go-openai.
type Client struct {
	name   string
	client *goopenai.Client
}

// NewClient creates an OpenAI-compatible client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	oc := goopenai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &headerTransport{headers: cfg.Headers, base: http.DefaultTransport},
	}
	return &Client{name: cfg.Name, client: goopenai.NewClientWithConfig(oc)}
}

// Name returns the endpoint label.
func (c *Client) Name() string {
	return c.name
}

// Complete sends a chat completion request.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toChatMessages(req.Messages),
		Temperature: temperature(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return llm.Response{}, c.wrap(req.Model, err)
	}

	result := llm.Response{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 {
		return result, &llm.Error{Kind: llm.KindEmpty, Provider: c.name, Model: req.Model, Err: llm.ErrEmptyResponse}
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return result, &llm.Error{Kind: llm.KindEmpty, Provider: c.name, Model: req.Model, Err: llm.ErrEmptyResponse}
	}
	result.Content = content
	return result, nil
}

// temperature keeps an explicit 0 on the wire. go-openai omits a zero value,
// which providers read as their own default.
func temperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

func (c *Client) wrap(model string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &llm.Error{
			Kind:     llm.KindFromStatus(apiErr.HTTPStatusCode),
			Provider: c.name,
			Model:    model,
			Status:   apiErr.HTTPStatusCode,
			Err:      err,
		}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &llm.Error{
			Kind:     llm.KindFromStatus(reqErr.HTTPStatusCode),
			Provider: c.name,
			Model:    model,
			Status:   reqErr.HTTPStatusCode,
			Err:      err,
		}
	}
	return &llm.Error{Kind: llm.KindFromTransport(err), Provider: c.name, Model: model, Err: err}
}

func toChatMessages(messages []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		if len(m.Images) == 0 {
			out = append(out, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := make([]goopenai.ChatMessagePart, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: m.Content})
		}
		for _, img := range m.Images {
			parts = append(parts, goopenai.ChatMessagePart{
				Type: goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{
					URL:    dataURL(img),
					Detail: goopenai.ImageURLDetailAuto,
				},
			})
		}
		out = append(out, goopenai.ChatCompletionMessage{Role: m.Role, MultiContent: parts})
	}
	return out
}

func dataURL(img llm.Image) string {
	mime := img.MIME
	if mime == "" {
		mime = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Data))
}

type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if len(t.headers) == 0 {
		return t.base.RoundTrip(r)
	}
	r = r.Clone(r.Context())
	for k, v := range t.headers {
		if v != "" {
			r.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(r)
}

var _ llm.Provider = (*Client)(nil)
