package speech

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
)

// WhisperAPI transcribes through the OpenAI audio transcription endpoint.
type WhisperAPI struct {
	client *goopenai.Client
	model  string
}

// NewWhisperAPI returns a remote transcriber. An empty apiKey yields a
// transcriber that always returns ErrUnavailable.
func NewWhisperAPI(apiKey, baseURL string) *WhisperAPI {
	if strings.TrimSpace(apiKey) == "" {
		return &WhisperAPI{}
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &WhisperAPI{client: goopenai.NewClientWithConfig(cfg), model: goopenai.Whisper1}
}

func (w *WhisperAPI) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if w.client == nil {
		return "", ErrUnavailable
	}
	if filename == "" {
		filename = "voice.ogg"
	}
	resp, err := w.client.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    w.model,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}
