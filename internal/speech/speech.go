// Package speech turns voice messages into text.
package speech

import (
	"context"
	"errors"
)

// ErrUnavailable means no speech backend is configured or its credential or
// model artifact is missing. Callers decline politely instead of failing.
var ErrUnavailable = errors.New("speech-to-text is not available")

// ErrNoSpeech is returned when the recognizer produced an empty transcript.
var ErrNoSpeech = errors.New("no speech detected")

// Transcriber converts an audio file to text. filename carries the container
// type (for example "voice.ogg").
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Unavailable is the Transcriber used when speech is switched off.
type Unavailable struct{}

func (Unavailable) Transcribe(context.Context, []byte, string) (string, error) {
	return "", ErrUnavailable
}
