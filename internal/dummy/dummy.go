// Package dummy provides scripted stand-ins for a model provider and a chat
// transport, for offline runs and tests.
//
// A script is a comma-separated list of actions consumed one per call; the
// last action repeats once the list runs out.
//
//	ok            reply "dummy-ok"
//	msg:<text>    reply text
//	msgb64:<b64>  reply base64-decoded text
//	empty         reply with blank text
//	err[:<kind>]  fail with llm.Error of that kind (transient, timeout,
//	              rate_limited, malformed, unavailable), transient if bare
//	sleep:<ms>    wait, then reply "dummy-after-sleep"
package dummy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stupiduntilnot/relaybot/internal/llm"
	"github.com/stupiduntilnot/relaybot/internal/transport"
)

type action struct {
	kind string
	arg  string
}

var prefixed = []string{"err", "sleep", "msg", "msgb64"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
parts:
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		// A bare "err" fails with the default class or kind.
		if token == "ok" || token == "empty" || token == "err" {
			actions = append(actions, action{kind: token})
			continue
		}
		for _, kind := range prefixed {
			if strings.HasPrefix(token, kind+":") {
				actions = append(actions, action{kind: kind, arg: strings.TrimPrefix(token, kind+":")})
				continue parts
			}
		}
		return nil, fmt.Errorf("invalid dummy action: %s", token)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func parseKind(s string) llm.Kind {
	switch s {
	case "timeout":
		return llm.KindTimeout
	case "rate_limited":
		return llm.KindRateLimited
	case "malformed":
		return llm.KindMalformed
	case "unavailable":
		return llm.KindUnavailable
	case "empty":
		return llm.KindEmpty
	default:
		return llm.KindTransient
	}
}

func sleep(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Provider is a scripted llm.Provider. It also records every request.
type Provider struct {
	name string

	mu       sync.Mutex
	script   *scriptRunner
	requests []llm.Request
}

func NewProvider(name, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "dummy"
	}
	return &Provider{name: name, script: runner}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	a := p.script.next()
	p.mu.Unlock()

	reply := func(text string) (llm.Response, error) {
		return llm.Response{Content: text, InputTokens: 1, OutputTokens: 1}, nil
	}
	switch a.kind {
	case "msg":
		return reply(a.arg)
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return llm.Response{}, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return reply(string(raw))
	case "empty":
		return reply("  ")
	case "err":
		return llm.Response{}, &llm.Error{
			Kind:     parseKind(a.arg),
			Provider: p.name,
			Model:    req.Model,
			Err:      errors.New("scripted failure"),
		}
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return llm.Response{}, &llm.Error{Kind: llm.KindTimeout, Provider: p.name, Model: req.Model, Err: err}
		}
		return reply("dummy-after-sleep")
	default:
		return reply("dummy-ok")
	}
}

// Requests returns a copy of the requests received so far.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Sent is one message delivered through Transport.SendText.
type Sent struct {
	ChatID int64
	Text   string
}

// Transport is a scripted transport.Transport. Updates consumes the poll
// script; msg actions produce one text message in chat 1. SendText consumes
// the send script. Files holds the bytes FetchFile returns by id.
type Transport struct {
	Files map[string][]byte

	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	queued   []transport.Inbound
	updateID int64
	sent     []Sent
	typing   []int64
}

func NewTransport(pollScript, sendScript string) (*Transport, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Transport{Files: map[string][]byte{}, poll: poll, send: send}, nil
}

// Enqueue makes msg the next update returned by Updates, ahead of the script.
// A zero UpdateID is filled in.
func (t *Transport) Enqueue(msg transport.Inbound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.UpdateID == 0 {
		t.updateID++
		msg.UpdateID = t.updateID
	}
	t.queued = append(t.queued, msg)
}

func (t *Transport) Updates(ctx context.Context, offset int64, _ int) ([]transport.Inbound, error) {
	t.mu.Lock()
	if len(t.queued) > 0 {
		var out []transport.Inbound
		for _, m := range t.queued {
			if m.UpdateID >= offset {
				out = append(out, m)
			}
		}
		t.queued = nil
		t.mu.Unlock()
		return out, nil
	}
	a := t.poll.next()
	t.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy transport error class=%s", emptyAs(a.arg, "get_updates"))
	case "sleep":
		return nil, sleep(ctx, a.arg)
	case "msg", "msgb64":
		text := a.arg
		if a.kind == "msgb64" {
			raw, err := base64.StdEncoding.DecodeString(a.arg)
			if err != nil {
				return nil, fmt.Errorf("dummy transport msgb64 decode failed: %w", err)
			}
			text = string(raw)
		}
		t.mu.Lock()
		t.updateID++
		id := t.updateID
		t.mu.Unlock()
		return []transport.Inbound{{UpdateID: id, ChatID: 1, MessageID: int(id), Text: text}}, nil
	default:
		return nil, nil
	}
}

func (t *Transport) SendText(_ context.Context, chatID int64, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a := t.send.next(); a.kind == "err" {
		return fmt.Errorf("dummy transport send error class=%s", emptyAs(a.arg, "send_message"))
	}
	t.sent = append(t.sent, Sent{ChatID: chatID, Text: text})
	return nil
}

func (t *Transport) Typing(_ context.Context, chatID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typing = append(t.typing, chatID)
	return nil
}

func (t *Transport) FetchFile(_ context.Context, fileID string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.Files[fileID]
	if !ok {
		return nil, fmt.Errorf("dummy transport: no file %q", fileID)
	}
	return data, nil
}

// Sent returns a copy of the delivered messages.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sent, len(t.sent))
	copy(out, t.sent)
	return out
}

// TypingCount returns how many typing indicators were sent.
func (t *Transport) TypingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.typing)
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

var (
	_ llm.Provider        = (*Provider)(nil)
	_ transport.Transport = (*Transport)(nil)
)
