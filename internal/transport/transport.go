// Package transport is the chat transport abstraction used by the bot.
package transport

import "context"

// Transport receives inbound messages and delivers replies.
type Transport interface {
	// Updates long-polls for messages with an update id at or after offset.
	Updates(ctx context.Context, offset int64, timeout int) ([]Inbound, error)
	SendText(ctx context.Context, chatID int64, text string) error
	// Typing shows a "composing" indicator. Callers ignore its error.
	Typing(ctx context.Context, chatID int64) error
	// FetchFile downloads an attachment by its handle.
	FetchFile(ctx context.Context, fileID string) ([]byte, error)
}

// AttachmentKind distinguishes the media a message carries.
type AttachmentKind string

const (
	AttachmentVoice AttachmentKind = "voice"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentPhoto AttachmentKind = "photo"
)

// Attachment is a file that can be fetched with Transport.FetchFile.
type Attachment struct {
	Kind   AttachmentKind
	FileID string
	MIME   string
	Size   int64
}

// Inbound is one received message.
type Inbound struct {
	UpdateID  int64
	ChatID    int64
	MessageID int
	From      string
	Text      string
	Caption   string
	// Attachment is nil for plain text messages.
	Attachment *Attachment
}

// Command returns the bot command ("start" for "/start@mybot arg") or "".
func (m Inbound) Command() string {
	if len(m.Text) < 2 || m.Text[0] != '/' {
		return ""
	}
	cmd := m.Text[1:]
	for i, r := range cmd {
		if r == ' ' || r == '@' || r == '\n' {
			return cmd[:i]
		}
	}
	return cmd
}
