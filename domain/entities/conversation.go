package entities

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageRole represents the author of a transcript entry
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// ExecutionDetail is one step of the backend's execution trace for a response
type ExecutionDetail struct {
	ToolName   string `json:"tool_name" bson:"tool_name"`
	DurationMs int64  `json:"duration_ms" bson:"duration_ms"`
	Status     string `json:"status" bson:"status"`
}

// ConversationMessage represents a single entry of the conversation transcript
type ConversationMessage struct {
	ID        string            `json:"id" bson:"id"`
	Role      MessageRole       `json:"role" bson:"role"`
	Text      string            `json:"text" bson:"text"`
	Timestamp time.Time         `json:"timestamp" bson:"timestamp"`
	IsError   bool              `json:"is_error,omitempty" bson:"is_error,omitempty"`
	Trace     []ExecutionDetail `json:"trace,omitempty" bson:"trace,omitempty"`
}

// NewConversationMessage creates a message stamped with a fresh ID and the current time
func NewConversationMessage(role MessageRole, text string) ConversationMessage {
	return ConversationMessage{
		ID:        uuid.New().String(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// Validate validates the message data
func (m ConversationMessage) Validate() error {
	switch m.Role {
	case MessageRoleUser, MessageRoleAssistant, MessageRoleSystem:
	default:
		return errors.New("invalid message role")
	}

	if m.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}

	return nil
}

// Transcript is the append-only, chronologically ordered list of messages
// exchanged during one conversation.
type Transcript struct {
	mu       sync.RWMutex
	messages []ConversationMessage
}

// NewTranscript creates an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{messages: make([]ConversationMessage, 0)}
}

// Append adds a message at the end of the transcript
func (t *Transcript) Append(message ConversationMessage) error {
	if err := message.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, message)
	return nil
}

// Messages returns a copy of the transcript in insertion order
func (t *Transcript) Messages() []ConversationMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ConversationMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages in the transcript
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Last returns the most recent message, if any
func (t *Transcript) Last() (ConversationMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.messages) == 0 {
		return ConversationMessage{}, false
	}
	return t.messages[len(t.messages)-1], true
}
