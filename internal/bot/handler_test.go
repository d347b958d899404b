package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/dummy"
	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/llm"
	"github.com/stupiduntilnot/relaybot/internal/metrics"
	"github.com/stupiduntilnot/relaybot/internal/orchestrator"
	"github.com/stupiduntilnot/relaybot/internal/speech"
	"github.com/stupiduntilnot/relaybot/internal/transport"
	"github.com/stupiduntilnot/relaybot/internal/vision"
)

type fakeAnswerer struct {
	mu    sync.Mutex
	reply string
	err   error
	calls []string
}

func (f *fakeAnswerer) Answer(_ context.Context, _ int64, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	return f.reply, f.err
}

func (f *fakeAnswerer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeTranscriber struct {
	text string
	err  error
	got  []byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio []byte, _ string) (string, error) {
	f.got = audio
	return f.text, f.err
}

func newTransport(t *testing.T, sendScript string) *dummy.Transport {
	t.Helper()
	tr, err := dummy.NewTransport("ok", sendScript)
	require.NoError(t, err)
	return tr
}

func texts(sent []dummy.Sent) []string {
	out := make([]string, len(sent))
	for i, s := range sent {
		out[i] = s.Text
	}
	return out
}

func TestHandle_TextIsAnsweredInChunks(t *testing.T) {
	tr := newTransport(t, "ok")
	a := &fakeAnswerer{reply: "abcdefghijk"}
	m := metrics.New()
	h := NewHandler(tr, a, zerolog.Nop(), Options{ChunkSize: 5, Metrics: m})

	h.Handle(context.Background(), transport.Inbound{UpdateID: 1, ChatID: 42, Text: "  question  "})

	assert.Equal(t, []string{"question"}, a.Calls())
	assert.Equal(t, 1, tr.TypingCount())
	sent := tr.Sent()
	assert.Equal(t, []string{"abcde", "fghij", "k"}, texts(sent))
	for _, s := range sent {
		assert.Equal(t, int64(42), s.ChatID)
	}
}

func TestHandle_EmptyTextAsksForText(t *testing.T) {
	tr := newTransport(t, "ok")
	a := &fakeAnswerer{reply: "x"}
	h := NewHandler(tr, a, zerolog.Nop(), Options{})

	h.Handle(context.Background(), transport.Inbound{ChatID: 1, Text: "   "})

	assert.Empty(t, a.Calls())
	assert.Equal(t, []string{MsgSendText}, texts(tr.Sent()))
}

func TestHandle_StartAndHelpGreet(t *testing.T) {
	tr := newTransport(t, "ok")
	a := &fakeAnswerer{reply: "x"}
	h := NewHandler(tr, a, zerolog.Nop(), Options{})

	h.Handle(context.Background(), transport.Inbound{ChatID: 1, Text: "/start"})
	h.Handle(context.Background(), transport.Inbound{ChatID: 1, Text: "/help@relay_bot"})

	assert.Empty(t, a.Calls())
	assert.Equal(t, []string{MsgGreeting, MsgGreeting}, texts(tr.Sent()))
}

func TestHandle_IgnoresUpdatesWithoutChat(t *testing.T) {
	tr := newTransport(t, "ok")
	a := &fakeAnswerer{reply: "x"}
	NewHandler(tr, a, zerolog.Nop(), Options{}).Handle(context.Background(), transport.Inbound{UpdateID: 3})
	assert.Empty(t, a.Calls())
	assert.Empty(t, tr.Sent())
}

func TestHandle_ExhaustedRepliesWithCannedMessage(t *testing.T) {
	database, err := db.OpenDB(t.TempDir() + "/bot.db")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.InitSchema(database))

	tr := newTransport(t, "ok")
	a := &fakeAnswerer{err: &orchestrator.ExhaustedError{Attempts: 2, Last: errors.New("503")}}
	h := NewHandler(tr, a, zerolog.Nop(), Options{Events: &db.EventLog{DB: database}})

	h.Handle(context.Background(), transport.Inbound{ChatID: 1, Text: "hi"})

	assert.Equal(t, []string{MsgUnavailable}, texts(tr.Sent()))
	n, err := db.CountEvents(database, db.EventReplyFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandle_MalformedRepliesWithCannedMessage(t *testing.T) {
	tr := newTransport(t, "ok")
	a := &fakeAnswerer{err: &llm.Error{Kind: llm.KindMalformed, Provider: "p", Model: "m", Status: 400}}
	NewHandler(tr, a, zerolog.Nop(), Options{}).Handle(context.Background(), transport.Inbound{ChatID: 1, Text: "hi"})
	assert.Equal(t, []string{MsgUnavailable}, texts(tr.Sent()))
}

func TestHandle_SendFailureStopsDelivery(t *testing.T) {
	tr := newTransport(t, "ok,err")
	a := &fakeAnswerer{reply: "aaaabbbbcccc"}
	NewHandler(tr, a, zerolog.Nop(), Options{ChunkSize: 4}).Handle(context.Background(), transport.Inbound{ChatID: 1, Text: "hi"})
	assert.Equal(t, []string{"aaaa"}, texts(tr.Sent()))
}

func TestHandle_VoiceDeclinedWithoutSpeech(t *testing.T) {
	tr := newTransport(t, "ok")
	tr.Files["v1"] = []byte("OggS")
	a := &fakeAnswerer{reply: "x"}
	h := NewHandler(tr, a, zerolog.Nop(), Options{})

	h.Handle(context.Background(), transport.Inbound{ChatID: 1, Attachment: &transport.Attachment{Kind: transport.AttachmentVoice, FileID: "v1", MIME: "audio/ogg"}})

	assert.Empty(t, a.Calls())
	assert.Equal(t, []string{MsgSpeechDeclined}, texts(tr.Sent()))
}

func TestHandle_VoiceIsTranscribedThenAnswered(t *testing.T) {
	tr := newTransport(t, "ok")
	tr.Files["v1"] = []byte("OggS-bytes")
	a := &fakeAnswerer{reply: "answer"}
	stt := &fakeTranscriber{text: "what time is it"}
	h := NewHandler(tr, a, zerolog.Nop(), Options{Speech: stt})

	h.Handle(context.Background(), transport.Inbound{ChatID: 1, Attachment: &transport.Attachment{Kind: transport.AttachmentVoice, FileID: "v1", MIME: "audio/ogg"}})

	assert.Equal(t, []byte("OggS-bytes"), stt.got)
	assert.Equal(t, []string{"what time is it"}, a.Calls())
	assert.Equal(t, []string{"answer"}, texts(tr.Sent()))
}

func TestHandle_VoiceErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"no speech", speech.ErrNoSpeech, MsgNoSpeech},
		{"backend failure", errors.New("exit status 1"), MsgSpeechFailed},
		{"wrapped unavailable", errors.Join(speech.ErrUnavailable, errors.New("model missing")), MsgSpeechDeclined},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTransport(t, "ok")
			tr.Files["v1"] = []byte("x")
			h := NewHandler(tr, &fakeAnswerer{}, zerolog.Nop(), Options{Speech: &fakeTranscriber{err: tc.err}})
			h.Handle(context.Background(), transport.Inbound{ChatID: 1, Attachment: &transport.Attachment{Kind: transport.AttachmentVoice, FileID: "v1"}})
			assert.Equal(t, []string{tc.want}, texts(tr.Sent()))
		})
	}
}

// stalledTranscriber blocks until its context is done.
type stalledTranscriber struct{}

func (stalledTranscriber) Transcribe(ctx context.Context, _ []byte, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestHandle_VoiceTranscriptionTimesOut(t *testing.T) {
	tr := newTransport(t, "ok")
	tr.Files["v1"] = []byte("x")
	a := &fakeAnswerer{reply: "never"}
	h := NewHandler(tr, a, zerolog.Nop(), Options{Speech: stalledTranscriber{}, SpeechTimeout: 20 * time.Millisecond})

	start := time.Now()
	h.Handle(context.Background(), transport.Inbound{ChatID: 1, Attachment: &transport.Attachment{Kind: transport.AttachmentVoice, FileID: "v1"}})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{MsgSpeechFailed}, texts(tr.Sent()))
	assert.Empty(t, a.Calls())
}

func TestHandle_VoiceDownloadFailure(t *testing.T) {
	tr := newTransport(t, "ok")
	h := NewHandler(tr, &fakeAnswerer{}, zerolog.Nop(), Options{Speech: &fakeTranscriber{text: "x"}})
	h.Handle(context.Background(), transport.Inbound{ChatID: 1, Attachment: &transport.Attachment{Kind: transport.AttachmentVoice, FileID: "missing"}})
	assert.Equal(t, []string{MsgAttachmentFailed}, texts(tr.Sent()))
}

func TestHandle_PhotoDeclinedWithoutVision(t *testing.T) {
	tr := newTransport(t, "ok")
	h := NewHandler(tr, &fakeAnswerer{}, zerolog.Nop(), Options{})
	h.Handle(context.Background(), transport.Inbound{ChatID: 1, Attachment: &transport.Attachment{Kind: transport.AttachmentPhoto, FileID: "p1"}})
	assert.Equal(t, []string{MsgVisionDeclined}, texts(tr.Sent()))
}

func TestHandle_PhotoIsDescribed(t *testing.T) {
	tr := newTransport(t, "ok")
	tr.Files["p1"] = []byte("\xff\xd8\xffjpeg")
	p, err := dummy.NewProvider("vision", "msg:a red bicycle")
	require.NoError(t, err)
	h := NewHandler(tr, &fakeAnswerer{}, zerolog.Nop(), Options{Vision: &vision.Describer{Provider: p, Model: "m"}})

	h.Handle(context.Background(), transport.Inbound{
		ChatID:     1,
		Caption:    "what is this?",
		Attachment: &transport.Attachment{Kind: transport.AttachmentPhoto, FileID: "p1", MIME: "image/jpeg"},
	})

	assert.Equal(t, []string{"a red bicycle"}, texts(tr.Sent()))
	reqs := p.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "what is this?", reqs[0].Messages[0].Content)
}

func TestHandle_WithOrchestratorKeepsHistory(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t, "ok")
	p, err := dummy.NewProvider("p", "msg:first,msg:second")
	require.NoError(t, err)
	store := history.NewMemoryStore(history.RetainNone)
	o := orchestrator.New(orchestrator.Config{HistoryLimit: 12},
		[]orchestrator.Candidate{{Name: "dummy:m", Model: "m", Provider: p}}, store, zerolog.Nop(), nil, nil)
	h := NewHandler(tr, o, zerolog.Nop(), Options{})

	h.Handle(ctx, transport.Inbound{ChatID: 5, Text: "one"})
	h.Handle(ctx, transport.Inbound{ChatID: 5, Text: "two"})

	assert.Equal(t, []string{"first", "second"}, texts(tr.Sent()))
	turns, _ := store.Get(ctx, 5)
	assert.Len(t, turns, 4)
}
