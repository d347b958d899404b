// Package gemini adapts the Google Gemini API (google.golang.org/genai) to
// llm.Provider.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/stupiduntilnot/relaybot/internal/llm"
)

// Config configures the Gemini client.
type Config struct {
	APIKey string
	// BaseURL overrides the API endpoint; empty uses the SDK default.
	BaseURL string
	Timeout time.Duration
}

// Client is an llm.Provider backed by the genai SDK.
type Client struct {
	client *genai.Client
}

// NewClient creates a Gemini client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL, APIVersion: "v1beta"}
	}
	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Client{client: c}, nil
}

func (c *Client) Name() string {
	return "gemini"
}

// Complete issues one generateContent call. System messages become the
// request's system instruction; assistant turns map to the "model" role.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	system, contents := toContents(req.Messages)
	gc := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if system != "" {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, gc)
	if err != nil {
		return llm.Response{}, wrap(req.Model, err)
	}

	text := strings.TrimSpace(responseText(resp))
	if text == "" {
		return llm.Response{}, &llm.Error{Kind: llm.KindEmpty, Provider: c.Name(), Model: req.Model, Err: llm.ErrEmptyResponse}
	}
	return llm.Response{Content: text}, nil
}

func toContents(messages []llm.Message) (string, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		// The API wants a user turn first. An odd history window can start
		// with a model turn, which is dropped.
		if role == "model" && len(contents) == 0 {
			continue
		}
		parts := make([]*genai.Part, 0, 1+len(m.Images))
		if m.Content != "" {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		for _, img := range m.Images {
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: img.Data, MIMEType: img.MIME}})
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return strings.Join(system, "\n\n"), contents
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func wrap(model string, err error) error {
	status := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.Code
	case errors.As(err, &apiErrPtr):
		status = apiErrPtr.Code
	}
	if status != 0 {
		return &llm.Error{Kind: llm.KindFromStatus(status), Provider: "gemini", Model: model, Status: status, Err: err}
	}
	return &llm.Error{Kind: llm.KindFromTransport(err), Provider: "gemini", Model: model, Err: err}
}

var _ llm.Provider = (*Client)(nil)
