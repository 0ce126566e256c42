package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/crmvoice/domain/entities"
)

// MessageType defines the type tag of a relay envelope
type MessageType string

// Outbound message types
const (
	MessageTypeAudio MessageType = "audio"
	MessageTypeText  MessageType = "text"
	MessageTypePing  MessageType = "ping"
)

// Inbound message types
const (
	MessageTypeConversationStarted MessageType = "conversation_started"
	MessageTypeTranscription       MessageType = "transcription"
	MessageTypeShoppingResponse    MessageType = "shopping_response"
	MessageTypeAudioResponse       MessageType = "audio_response"
	MessageTypePong                MessageType = "pong"
	MessageTypeError               MessageType = "error"
)

// BaseMessage defines the common structure for all relay envelopes
type BaseMessage struct {
	Type MessageType `json:"type"`
	// MessageID is a caller-assigned tracking identifier correlated with
	// the eventual response when the backend echoes it.
	MessageID string `json:"message_id,omitempty"`
}

// Kind returns the envelope type tag
func (b BaseMessage) Kind() MessageType {
	return b.Type
}

// OutboundEnvelope is an envelope the client may send
type OutboundEnvelope interface {
	Kind() MessageType
	outbound()
}

// InboundEnvelope is an envelope the backend may send
type InboundEnvelope interface {
	Kind() MessageType
	inbound()
}

// AudioMessage carries one encoded utterance
type AudioMessage struct {
	BaseMessage
	Data     string `json:"data"` // base64 encoded
	Format   string `json:"format"`
	Language string `json:"language"`
}

// TextMessage carries a typed user message
type TextMessage struct {
	BaseMessage
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// PingMessage is the keep-alive envelope
type PingMessage struct {
	BaseMessage
	Timestamp int64 `json:"timestamp"`
}

func (AudioMessage) outbound() {}
func (TextMessage) outbound()  {}
func (PingMessage) outbound()  {}

// NewAudioMessage creates an audio envelope with a fresh tracking identifier
func NewAudioMessage(audio []byte, format, language string) *AudioMessage {
	return &AudioMessage{
		BaseMessage: BaseMessage{Type: MessageTypeAudio, MessageID: uuid.New().String()},
		Data:        base64.StdEncoding.EncodeToString(audio),
		Format:      format,
		Language:    language,
	}
}

// NewTextMessage creates a text envelope with a fresh tracking identifier
func NewTextMessage(text, language string) *TextMessage {
	return &TextMessage{
		BaseMessage: BaseMessage{Type: MessageTypeText, MessageID: uuid.New().String()},
		Text:        text,
		Language:    language,
	}
}

// NewPingMessage creates a keep-alive envelope
func NewPingMessage(now time.Time) *PingMessage {
	return &PingMessage{
		BaseMessage: BaseMessage{Type: MessageTypePing},
		Timestamp:   now.UnixMilli(),
	}
}

// ConversationStartedMessage is sent once the backend session is ready
type ConversationStartedMessage struct {
	BaseMessage
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message,omitempty"`
}

// TranscriptionMessage carries the recognised text of the user's utterance
type TranscriptionMessage struct {
	BaseMessage
	Text     string  `json:"text"`
	Duration float64 `json:"duration,omitempty"` // seconds
}

// AssistantResponseMessage is a shopping_response or audio_response
type AssistantResponseMessage struct {
	BaseMessage
	Response         string                     `json:"response"`
	AudioBase64      string                     `json:"audio_base64,omitempty"`
	ExecutionDetails []entities.ExecutionDetail `json:"execution_details,omitempty"`
}

// HasAudio reports whether synthesized audio accompanies the response
func (m *AssistantResponseMessage) HasAudio() bool {
	return m.AudioBase64 != ""
}

// PongMessage acknowledges a keep-alive
type PongMessage struct {
	BaseMessage
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ErrorMessage is an error reported by the backend
type ErrorMessage struct {
	BaseMessage
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Err converts the envelope into a RemoteError
func (m *ErrorMessage) Err() error {
	return &RemoteError{Code: m.Code, Message: m.Message}
}

func (*ConversationStartedMessage) inbound() {}
func (*TranscriptionMessage) inbound()       {}
func (*AssistantResponseMessage) inbound()   {}
func (*PongMessage) inbound()                {}
func (*ErrorMessage) inbound()               {}

// ParseInbound decodes and validates a frame received from the backend.
// Malformed frames and unknown type tags are reported as *ProtocolError.
func ParseInbound(data []byte) (InboundEnvelope, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, &ProtocolError{Raw: data, Err: fmt.Errorf("invalid JSON format: %w", err)}
	}

	var (
		msg InboundEnvelope
		err error
	)
	switch base.Type {
	case MessageTypeConversationStarted:
		var m ConversationStartedMessage
		err = json.Unmarshal(data, &m)
		msg = &m

	case MessageTypeTranscription:
		var m TranscriptionMessage
		err = json.Unmarshal(data, &m)
		msg = &m

	case MessageTypeShoppingResponse, MessageTypeAudioResponse:
		var m AssistantResponseMessage
		if err = json.Unmarshal(data, &m); err == nil {
			err = validateAssistantResponse(&m)
		}
		msg = &m

	case MessageTypePong:
		var m PongMessage
		err = json.Unmarshal(data, &m)
		msg = &m

	case MessageTypeError:
		var m ErrorMessage
		if err = json.Unmarshal(data, &m); err == nil && m.Message == "" {
			err = fmt.Errorf("message is required")
		}
		msg = &m

	case "":
		return nil, &ProtocolError{Raw: data, Err: fmt.Errorf("message missing type field")}

	default:
		return nil, &ProtocolError{Type: string(base.Type), Raw: data, Err: fmt.Errorf("unsupported message type: %s", base.Type)}
	}

	if err != nil {
		return nil, &ProtocolError{Type: string(base.Type), Raw: data, Err: fmt.Errorf("invalid %s message: %w", base.Type, err)}
	}
	return msg, nil
}

// validateAssistantResponse validates assistant response fields
func validateAssistantResponse(m *AssistantResponseMessage) error {
	if m.Response == "" && m.AudioBase64 == "" {
		return fmt.Errorf("response or audio_base64 is required")
	}
	for i, detail := range m.ExecutionDetails {
		if detail.ToolName == "" {
			return fmt.Errorf("execution_details[%d].tool_name is required", i)
		}
		if detail.DurationMs < 0 {
			return fmt.Errorf("execution_details[%d].duration_ms must not be negative", i)
		}
	}
	return nil
}
