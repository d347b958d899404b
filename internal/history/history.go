// Package history keeps per-conversation chat turns with FIFO eviction.
package history

import "context"

// Role tags a turn as coming from the user or the assistant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message in a conversation. Turns are values and are
// never modified after creation.
type Turn struct {
	Role    Role
	Content string
}

// UserTurn returns a user turn with the given text.
func UserTurn(text string) Turn { return Turn{Role: RoleUser, Content: text} }

// AssistantTurn returns an assistant turn with the given text.
func AssistantTurn(text string) Turn { return Turn{Role: RoleAssistant, Content: text} }

// Retention decides what Append keeps when the limit is zero or negative.
type Retention int

const (
	// RetainNone stores nothing for a non-positive limit.
	RetainNone Retention = iota
	// RetainAll stores every turn for a non-positive limit.
	RetainAll
)

// ParseRetention maps "clear"/"none" and "keep"/"all" to a Retention.
func ParseRetention(s string) (Retention, bool) {
	switch s {
	case "", "clear", "none":
		return RetainNone, true
	case "keep", "all":
		return RetainAll, true
	default:
		return RetainNone, false
	}
}

// Store owns conversation histories keyed by conversation id.
type Store interface {
	// Get returns a copy of the stored turns, oldest first. Unseen ids yield an
	// empty slice.
	Get(ctx context.Context, conversationID int64) ([]Turn, error)
	// Append adds user then assistant and keeps only the last limit turns.
	Append(ctx context.Context, conversationID int64, user, assistant Turn, limit int) error
}

// Trim keeps the most recent limit turns. A non-positive limit is resolved by
// retention.
func Trim(turns []Turn, limit int, retention Retention) []Turn {
	if limit <= 0 {
		if retention == RetainAll {
			return turns
		}
		return nil
	}
	if len(turns) <= limit {
		return turns
	}
	return turns[len(turns)-limit:]
}
