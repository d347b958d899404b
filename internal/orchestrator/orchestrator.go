// Package orchestrator turns one user message into one model reply: it walks
// the configured candidates in order and records the exchange on success.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/stupiduntilnot/relaybot/internal/control"
	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/llm"
	"github.com/stupiduntilnot/relaybot/internal/metrics"
)

const (
	DefaultTemperature  = 0.7
	DefaultMaxTokens    = 900
	DefaultCallTimeout  = 60 * time.Second
	DefaultHistoryLimit = 12
)

// ExhaustedError is returned when no candidate produced a reply.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return "all candidates exhausted: no candidates configured"
	}
	return fmt.Sprintf("all candidates exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Config holds the per-call parameters shared by every candidate.
type Config struct {
	SystemPrompt string
	HistoryLimit int
	Temperature  float32
	MaxTokens    int
	CallTimeout  time.Duration
	// RetryBase and RetryJitter shape same-candidate backoff.
	RetryBase   time.Duration
	RetryJitter time.Duration
	// AbortOnMalformed stops the candidate walk on a rejected payload.
	AbortOnMalformed bool
}

// Orchestrator answers user messages. It holds no per-conversation state of
// its own; history lives in the injected store.
type Orchestrator struct {
	cfg        Config
	candidates []Candidate
	history    history.Store
	log        zerolog.Logger
	metrics    *metrics.Metrics
	events     *db.EventLog
}

// New creates an Orchestrator. metrics and events may be nil.
func New(cfg Config, candidates []Candidate, store history.Store, log zerolog.Logger, m *metrics.Metrics, events *db.EventLog) *Orchestrator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Orchestrator{
		cfg:        cfg,
		candidates: candidates,
		history:    store,
		log:        log,
		metrics:    m,
		events:     events,
	}
}

// Candidates returns the configured candidate names in order.
func (o *Orchestrator) Candidates() []string {
	names := make([]string, len(o.candidates))
	for i, c := range o.candidates {
		names[i] = c.Name
	}
	return names
}

// Answer returns the reply to userText in the given conversation. History is
// written only when a candidate succeeds.
func (o *Orchestrator) Answer(ctx context.Context, conversationID int64, userText string) (string, error) {
	past, err := o.history.Get(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("load history chat_id=%d: %w", conversationID, err)
	}

	var last error
	attempts := 0
	for _, c := range o.candidates {
		msgs := BuildEnvelope(o.cfg.SystemPrompt, past, userText, c.Shape)
		text, n, err := o.tryCandidate(ctx, conversationID, c, msgs)
		attempts += n
		if err == nil {
			if err := o.history.Append(ctx, conversationID, history.UserTurn(userText), history.AssistantTurn(text), o.cfg.HistoryLimit); err != nil {
				return "", fmt.Errorf("save history chat_id=%d: %w", conversationID, err)
			}
			return text, nil
		}
		last = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if o.cfg.AbortOnMalformed && llm.KindOf(err) == llm.KindMalformed {
			return "", err
		}
	}
	return "", &ExhaustedError{Attempts: attempts, Last: last}
}

// tryCandidate calls one candidate, retrying it in place on rate limits and
// timeouts while its attempt budget lasts.
func (o *Orchestrator) tryCandidate(ctx context.Context, conversationID int64, c Candidate, msgs []llm.Message) (string, int, error) {
	var text string
	n := 0
	b := control.AttemptBackoff(o.cfg.RetryBase, o.cfg.RetryJitter, c.MaxAttempts)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		n++
		t, err := o.call(ctx, conversationID, c, msgs, n)
		if err != nil {
			switch llm.KindOf(err) {
			case llm.KindRateLimited, llm.KindTimeout:
				return retry.RetryableError(err)
			}
			return err
		}
		text = t
		return nil
	})
	return text, n, err
}

func (o *Orchestrator) call(ctx context.Context, conversationID int64, c Candidate, msgs []llm.Message, attempt int) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.Provider.Complete(callCtx, llm.Request{
		Model:       c.Model,
		Messages:    msgs,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	})
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = &llm.Error{Kind: llm.KindEmpty, Provider: c.Provider.Name(), Model: c.Model, Err: llm.ErrEmptyResponse}
	}
	elapsed := time.Since(start)

	if err != nil {
		kind := llm.KindOf(err)
		o.metrics.RecordAttempt(c.Name, kind.String(), elapsed)
		o.log.Warn().
			Err(err).
			Int64("chat_id", conversationID).
			Str("candidate", c.Name).
			Str("kind", kind.String()).
			Int("attempt", attempt).
			Dur("elapsed", elapsed).
			Msg("candidate attempt failed")
		if lerr := o.events.Record(ctx, db.EventAttemptFailed, map[string]any{
			"chat_id":   conversationID,
			"candidate": c.Name,
			"kind":      kind.String(),
			"attempt":   attempt,
			"error":     err.Error(),
		}); lerr != nil {
			o.log.Error().Err(lerr).Msg("record attempt event")
		}
		return "", err
	}

	o.metrics.RecordAttempt(c.Name, metrics.OutcomeOK, elapsed)
	o.log.Debug().
		Int64("chat_id", conversationID).
		Str("candidate", c.Name).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Dur("elapsed", elapsed).
		Msg("candidate replied")
	return resp.Content, nil
}

// IsMalformed reports whether err is a rejected-payload failure.
func IsMalformed(err error) bool {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return false
	}
	return err != nil && llm.KindOf(err) == llm.KindMalformed
}
