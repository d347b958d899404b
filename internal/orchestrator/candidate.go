package orchestrator

import (
	"fmt"
	"strings"

	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/llm"
)

// PromptShape decides where the system instruction goes in a request.
type PromptShape int

const (
	// ShapeSystemRole sends the instruction as a leading system message.
	ShapeSystemRole PromptShape = iota
	// ShapeMergedUser prepends the instruction to the first user message,
	// for models that ignore or reject the system role.
	ShapeMergedUser
)

func (s PromptShape) String() string {
	if s == ShapeMergedUser {
		return "merged"
	}
	return "system"
}

// ParseShape accepts "system" and "merged". Empty means system.
func ParseShape(s string) (PromptShape, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "system":
		return ShapeSystemRole, nil
	case "merged", "user":
		return ShapeMergedUser, nil
	default:
		return ShapeSystemRole, fmt.Errorf("unknown prompt shape %q", s)
	}
}

// Candidate is one configured model to try. Candidates are built at startup
// and shared read-only.
type Candidate struct {
	// Name labels the candidate in logs and metrics, e.g. "openrouter:gpt-4o-mini".
	Name     string
	Model    string
	Shape    PromptShape
	Provider llm.Provider
	// MaxAttempts bounds same-candidate retries on rate limits and timeouts.
	// Values below 2 mean a single attempt.
	MaxAttempts int
}

// BuildEnvelope assembles the messages for one attempt: the optional system
// instruction, the prior turns and the new user text.
func BuildEnvelope(system string, past []history.Turn, userText string, shape PromptShape) []llm.Message {
	system = strings.TrimSpace(system)
	msgs := make([]llm.Message, 0, len(past)+2)
	if system != "" && shape == ShapeSystemRole {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	for _, t := range past {
		role := llm.RoleUser
		if t.Role == history.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userText})

	if system != "" && shape == ShapeMergedUser {
		for i := range msgs {
			if msgs[i].Role == llm.RoleUser {
				msgs[i].Content = system + "\n\n" + msgs[i].Content
				break
			}
		}
	}
	return msgs
}
