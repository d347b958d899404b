// Package vision describes images with a single multimodal model.
package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stupiduntilnot/relaybot/internal/llm"
)

// DefaultPrompt is used when the user sent no caption.
const DefaultPrompt = "Describe this image. If it contains text, transcribe the visible text as well."

const (
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 800
)

// ErrUnavailable means no vision model is configured.
var ErrUnavailable = errors.New("image understanding is not available")

// Describer sends one image to one model. It never falls back to another model.
type Describer struct {
	Provider llm.Provider
	Model    string
	Timeout  time.Duration
}

// Describe returns the model's description of image. mime may be empty, in
// which case it is sniffed from the bytes.
func (d *Describer) Describe(ctx context.Context, image []byte, mime, prompt string) (string, error) {
	if d == nil || d.Provider == nil || d.Model == "" {
		return "", ErrUnavailable
	}
	if len(image) == 0 {
		return "", errors.New("empty image")
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	if mime == "" {
		mime = http.DetectContentType(image)
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	resp, err := d.Provider.Complete(ctx, llm.Request{
		Model: d.Model,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: prompt,
			Images:  []llm.Image{{Data: image, MIME: mime}},
		}},
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("describe image: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", &llm.Error{Kind: llm.KindEmpty, Provider: d.Provider.Name(), Model: d.Model, Err: llm.ErrEmptyResponse}
	}
	return text, nil
}
