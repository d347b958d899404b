// Package bot handles inbound chat messages: it routes text, voice and photos
// to the right capability and sends the reply back in transport-sized pieces.
package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/relaybot/internal/chunk"
	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/metrics"
	"github.com/stupiduntilnot/relaybot/internal/orchestrator"
	"github.com/stupiduntilnot/relaybot/internal/speech"
	"github.com/stupiduntilnot/relaybot/internal/transport"
	"github.com/stupiduntilnot/relaybot/internal/vision"
)

// User-facing replies.
const (
	MsgGreeting         = "Hi! Send me a message and I will answer it with AI. Voice messages and photos work too when they are enabled."
	MsgSendText         = "Please send your message as text 🙂"
	MsgUnavailable      = "AI is unavailable right now, please try again later."
	MsgSpeechDeclined   = "Voice messages are not supported right now, please send text instead."
	MsgNoSpeech         = "I could not hear any speech in that message."
	MsgSpeechFailed     = "I could not transcribe that voice message, please try again or send text."
	MsgVisionDeclined   = "I cannot look at images right now, please describe it in text."
	MsgAttachmentFailed = "I could not download that file, please try again."
)

// Answerer produces the reply to a user message in a conversation.
type Answerer interface {
	Answer(ctx context.Context, conversationID int64, userText string) (string, error)
}

// Describer describes an image.
type Describer interface {
	Describe(ctx context.Context, image []byte, mime, prompt string) (string, error)
}

// Handler processes one inbound message at a time. Every failure ends in a
// chat reply; nothing is returned to the polling loop.
type Handler struct {
	transport transport.Transport
	answerer  Answerer
	speech    speech.Transcriber
	vision    Describer
	chunkSize int
	speechTTL time.Duration
	log       zerolog.Logger
	metrics   *metrics.Metrics
	events    *db.EventLog
}

// Options carries the optional collaborators of a Handler.
type Options struct {
	Speech    speech.Transcriber
	Vision    Describer
	ChunkSize int
	// SpeechTimeout bounds one transcription. Zero means DefaultSpeechTimeout.
	SpeechTimeout time.Duration
	Metrics       *metrics.Metrics
	Events        *db.EventLog
}

// DefaultSpeechTimeout matches the default model call timeout.
const DefaultSpeechTimeout = 60 * time.Second

func NewHandler(t transport.Transport, a Answerer, log zerolog.Logger, opts Options) *Handler {
	if opts.Speech == nil {
		opts.Speech = speech.Unavailable{}
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunk.DefaultSize
	}
	if opts.SpeechTimeout <= 0 {
		opts.SpeechTimeout = DefaultSpeechTimeout
	}
	return &Handler{
		transport: t,
		answerer:  a,
		speech:    opts.Speech,
		vision:    opts.Vision,
		chunkSize: opts.ChunkSize,
		speechTTL: opts.SpeechTimeout,
		log:       log,
		metrics:   opts.Metrics,
		events:    opts.Events,
	}
}

// Handle processes one inbound message. Updates without a chat are ignored.
func (h *Handler) Handle(ctx context.Context, in transport.Inbound) {
	if in.ChatID == 0 {
		return
	}
	log := h.log.With().
		Str("request_id", uuid.NewString()).
		Int64("chat_id", in.ChatID).
		Int64("update_id", in.UpdateID).
		Logger()

	switch cmd := in.Command(); {
	case cmd == "start" || cmd == "help":
		h.metrics.RecordUpdate("command")
		h.send(ctx, log, in.ChatID, MsgGreeting)
	case in.Attachment != nil && (in.Attachment.Kind == transport.AttachmentVoice || in.Attachment.Kind == transport.AttachmentAudio):
		h.metrics.RecordUpdate("voice")
		h.handleVoice(ctx, log, in)
	case in.Attachment != nil && in.Attachment.Kind == transport.AttachmentPhoto:
		h.metrics.RecordUpdate("photo")
		h.handlePhoto(ctx, log, in)
	default:
		text := strings.TrimSpace(in.Text)
		if text == "" {
			h.metrics.RecordUpdate("other")
			h.send(ctx, log, in.ChatID, MsgSendText)
			return
		}
		h.metrics.RecordUpdate("text")
		h.answer(ctx, log, in.ChatID, text)
	}
}

func (h *Handler) answer(ctx context.Context, log zerolog.Logger, chatID int64, text string) {
	if err := h.transport.Typing(ctx, chatID); err != nil {
		log.Debug().Err(err).Msg("typing indicator failed")
	}

	reply, err := h.answerer.Answer(ctx, chatID, text)
	if err != nil {
		h.fail(ctx, log, chatID, err)
		return
	}
	h.deliver(ctx, log, chatID, reply)
}

func (h *Handler) handleVoice(ctx context.Context, log zerolog.Logger, in transport.Inbound) {
	audio, err := h.transport.FetchFile(ctx, in.Attachment.FileID)
	if err != nil {
		log.Error().Err(err).Str("file_id", in.Attachment.FileID).Msg("fetch voice failed")
		h.metrics.RecordReply(metrics.OutcomeDeclined)
		h.send(ctx, log, in.ChatID, MsgAttachmentFailed)
		return
	}

	tctx, cancel := context.WithTimeout(ctx, h.speechTTL)
	text, err := h.speech.Transcribe(tctx, audio, audioFilename(in.Attachment))
	cancel()
	switch {
	case errors.Is(err, speech.ErrUnavailable):
		h.decline(ctx, log, in.ChatID, "speech", err, MsgSpeechDeclined)
		return
	case errors.Is(err, speech.ErrNoSpeech):
		h.metrics.RecordReply(metrics.OutcomeDeclined)
		h.send(ctx, log, in.ChatID, MsgNoSpeech)
		return
	case err != nil:
		log.Error().Err(err).Msg("transcription failed")
		h.metrics.RecordReply(metrics.OutcomeDeclined)
		h.send(ctx, log, in.ChatID, MsgSpeechFailed)
		return
	}

	log.Info().Int("chars", len(text)).Msg("voice transcribed")
	h.record(ctx, log, db.EventTranscribed, map[string]any{"chat_id": in.ChatID, "chars": len(text)})
	h.answer(ctx, log, in.ChatID, text)
}

func (h *Handler) handlePhoto(ctx context.Context, log zerolog.Logger, in transport.Inbound) {
	if h.vision == nil {
		h.decline(ctx, log, in.ChatID, "vision", vision.ErrUnavailable, MsgVisionDeclined)
		return
	}
	if err := h.transport.Typing(ctx, in.ChatID); err != nil {
		log.Debug().Err(err).Msg("typing indicator failed")
	}

	image, err := h.transport.FetchFile(ctx, in.Attachment.FileID)
	if err != nil {
		log.Error().Err(err).Str("file_id", in.Attachment.FileID).Msg("fetch photo failed")
		h.metrics.RecordReply(metrics.OutcomeDeclined)
		h.send(ctx, log, in.ChatID, MsgAttachmentFailed)
		return
	}

	reply, err := h.vision.Describe(ctx, image, in.Attachment.MIME, in.Caption)
	if errors.Is(err, vision.ErrUnavailable) {
		h.decline(ctx, log, in.ChatID, "vision", err, MsgVisionDeclined)
		return
	}
	if err != nil {
		h.fail(ctx, log, in.ChatID, err)
		return
	}
	h.deliver(ctx, log, in.ChatID, reply)
}

// deliver sends reply in order, one chunk at a time, and stops at the first
// failed send.
func (h *Handler) deliver(ctx context.Context, log zerolog.Logger, chatID int64, reply string) {
	parts := chunk.Split(reply, h.chunkSize)
	for i, part := range parts {
		if err := h.transport.SendText(ctx, chatID, part); err != nil {
			log.Error().Err(err).Int("chunk", i).Int("chunks", len(parts)).Msg("send reply failed")
			h.metrics.RecordChunks(i)
			h.metrics.RecordReply(metrics.OutcomeSendFailure)
			h.record(ctx, log, db.EventReplyFailed, map[string]any{"chat_id": chatID, "error": err.Error(), "stage": "send"})
			return
		}
	}
	h.metrics.RecordChunks(len(parts))
	h.metrics.RecordReply(metrics.OutcomeOK)
	log.Info().Int("chunks", len(parts)).Int("chars", len(reply)).Msg("reply sent")
	h.record(ctx, log, db.EventReplySent, map[string]any{"chat_id": chatID, "chunks": len(parts)})
}

func (h *Handler) fail(ctx context.Context, log zerolog.Logger, chatID int64, err error) {
	var exhausted *orchestrator.ExhaustedError
	outcome := metrics.OutcomeExhausted
	switch {
	case errors.As(err, &exhausted):
		log.Warn().Err(err).Int("attempts", exhausted.Attempts).Msg("all candidates failed")
	case orchestrator.IsMalformed(err):
		outcome = metrics.OutcomeMalformed
		log.Error().Err(err).Msg("request rejected as malformed")
	default:
		log.Error().Err(err).Msg("answer failed")
	}
	h.metrics.RecordReply(outcome)
	h.record(ctx, log, db.EventReplyFailed, map[string]any{"chat_id": chatID, "error": err.Error(), "outcome": outcome})
	h.send(ctx, log, chatID, MsgUnavailable)
}

func (h *Handler) decline(ctx context.Context, log zerolog.Logger, chatID int64, capability string, err error, reply string) {
	log.Info().Err(err).Str("capability", capability).Msg("capability unavailable")
	h.metrics.RecordReply(metrics.OutcomeDeclined)
	h.record(ctx, log, db.EventCapabilityDeclined, map[string]any{"chat_id": chatID, "capability": capability})
	h.send(ctx, log, chatID, reply)
}

func (h *Handler) send(ctx context.Context, log zerolog.Logger, chatID int64, text string) {
	if err := h.transport.SendText(ctx, chatID, text); err != nil {
		log.Error().Err(err).Msg("send message failed")
	}
}

func (h *Handler) record(ctx context.Context, log zerolog.Logger, eventType string, payload map[string]any) {
	if err := h.events.Record(ctx, eventType, payload); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("record event failed")
	}
}

func audioFilename(a *transport.Attachment) string {
	switch a.MIME {
	case "audio/mpeg":
		return "audio.mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "audio.m4a"
	case "audio/wav", "audio/x-wav":
		return "audio.wav"
	default:
		return "voice.ogg"
	}
}
