package llm

import (
	"context"
	"errors"
)

// Message roles in provider-neutral form
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyReply is returned when the model produced no text
var ErrEmptyReply = errors.New("model returned an empty reply")

// Message is one entry of the prompt sent to a reply model
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces the next assistant utterance for a conversation
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}
