// Package telegram implements transport.Transport on the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/stupiduntilnot/relaybot/internal/transport"
)

// Outbound pacing defaults. Telegram allows roughly 30 messages per second
// across all chats.
const (
	DefaultSendRate  = 20
	DefaultSendBurst = 5
	maxFileBytes     = 20 << 20
)

// Config configures the Telegram client.
type Config struct {
	Token string
	// APIEndpoint and FileEndpoint are fmt formats taking the token and the
	// method or file path. Empty means the public Bot API.
	APIEndpoint  string
	FileEndpoint string
	// RequestTimeout must exceed the long-poll timeout.
	RequestTimeout time.Duration
	SendRate       rate.Limit
	SendBurst      int
}

// Client is a Telegram transport backed by go-telegram-bot-api.
type Client struct {
	bot          *tgbotapi.BotAPI
	httpClient   *http.Client
	fileEndpoint string
	limiter      *rate.Limiter
}

// NewClient creates the client and verifies the token with getMe.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = DefaultSendRate
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = DefaultSendBurst
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("telegram getMe failed: %w", err)
	}
	return &Client{
		bot:          bot,
		httpClient:   httpClient,
		fileEndpoint: cfg.FileEndpoint,
		limiter:      rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
	}, nil
}

// Username returns the bot's @username without the @.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// Updates calls getUpdates. Updates that carry no message are returned with a
// zero ChatID so the caller's offset still moves past them.
func (c *Client) Updates(ctx context.Context, offset int64, timeout int) ([]transport.Inbound, error) {
	u := tgbotapi.NewUpdate(int(offset))
	u.Timeout = timeout

	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		ups, err := c.bot.GetUpdates(u)
		ch <- result{ups, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-ch:
	}
	if r.err != nil {
		return nil, fmt.Errorf("telegram getUpdates failed: %w", r.err)
	}

	out := make([]transport.Inbound, 0, len(r.updates))
	for _, up := range r.updates {
		out = append(out, toInbound(up))
	}
	return out, nil
}

func toInbound(up tgbotapi.Update) transport.Inbound {
	in := transport.Inbound{UpdateID: int64(up.UpdateID)}
	msg := up.Message
	if msg == nil || msg.Chat == nil {
		return in
	}
	in.ChatID = msg.Chat.ID
	in.MessageID = msg.MessageID
	in.Text = msg.Text
	in.Caption = msg.Caption
	if msg.From != nil {
		in.From = msg.From.UserName
	}

	switch {
	case msg.Voice != nil:
		in.Attachment = &transport.Attachment{
			Kind:   transport.AttachmentVoice,
			FileID: msg.Voice.FileID,
			MIME:   msg.Voice.MimeType,
			Size:   int64(msg.Voice.FileSize),
		}
	case msg.Audio != nil:
		in.Attachment = &transport.Attachment{
			Kind:   transport.AttachmentAudio,
			FileID: msg.Audio.FileID,
			MIME:   msg.Audio.MimeType,
			Size:   int64(msg.Audio.FileSize),
		}
	case len(msg.Photo) > 0:
		p := largestPhoto(msg.Photo)
		in.Attachment = &transport.Attachment{
			Kind:   transport.AttachmentPhoto,
			FileID: p.FileID,
			MIME:   "image/jpeg",
			Size:   int64(p.FileSize),
		}
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		in.Attachment = &transport.Attachment{
			Kind:   transport.AttachmentPhoto,
			FileID: msg.Document.FileID,
			MIME:   msg.Document.MimeType,
			Size:   int64(msg.Document.FileSize),
		}
	}
	return in
}

func largestPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := items[0]
	for _, item := range items[1:] {
		if item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}

// SendText sends one message. A flood-control reply is waited out once.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		var tgErr *tgbotapi.Error
		if attempt == 0 && errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
			t := time.NewTimer(time.Duration(tgErr.RetryAfter) * time.Second)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			continue
		}
		return fmt.Errorf("telegram sendMessage chat_id=%d failed: %w", chatID, err)
	}
}

// Typing sends the "typing" chat action.
func (c *Client) Typing(ctx context.Context, chatID int64) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("telegram sendChatAction chat_id=%d failed: %w", chatID, err)
	}
	return nil
}

// FetchFile resolves fileID with getFile and downloads it.
func (c *Client) FetchFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("telegram getFile %s failed: %w", fileID, err)
	}
	url := fmt.Sprintf(c.fileEndpoint, c.bot.Token, file.FilePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("download telegram file status: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read telegram file: %w", err)
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("telegram file exceeds %d bytes", maxFileBytes)
	}
	return data, nil
}

var _ transport.Transport = (*Client)(nil)
