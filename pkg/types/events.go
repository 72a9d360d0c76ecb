// Package types holds the wire contracts shared by the chat server and its
// clients: the socket event envelope, event payloads and REST bodies.
package types

import (
	"encoding/json"
	"fmt"

	llmtypes "github.com/kubilitics/kubilitics-chat/internal/llm/types"
)

// EventType names a socket event.
type EventType string

// Client to server.
const (
	EventJoinConversation  EventType = "join_conversation"
	EventLeaveConversation EventType = "leave_conversation"
	EventSendPrompt        EventType = "send_prompt"
	EventCancelGeneration  EventType = "cancel_generation"
	EventPing              EventType = "ping"
)

// Server to client.
const (
	EventConnected           EventType = "connected"
	EventJoined              EventType = "joined"
	EventLeft                EventType = "left"
	EventPromptAccepted      EventType = "prompt_accepted"
	EventNewMessage          EventType = "new_message"
	EventGenerationChunk     EventType = "generation_chunk"
	EventGenerationComplete  EventType = "generation_complete"
	EventGenerationError     EventType = "generation_error"
	EventGenerationCancelled EventType = "generation_cancelled"
	EventTypingState         EventType = "typing_state"
	EventError               EventType = "error"
	EventPong                EventType = "pong"
)

// Envelope is the frame carried by every websocket text message. Ref is an
// optional client-chosen correlation value echoed on direct replies.
type Envelope struct {
	Type EventType       `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload into an envelope of type t.
func NewEnvelope(t EventType, ref string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: t, Ref: ref}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

type JoinConversation struct {
	ConversationID string `json:"conversationId"`
}

type LeaveConversation struct {
	ConversationID string `json:"conversationId"`
}

// SendPrompt submits a user prompt. An empty ConversationID creates a new
// conversation; empty provider and model fall back to the conversation's.
type SendPrompt struct {
	ConversationID string                   `json:"conversationId,omitempty"`
	Text           string                   `json:"text"`
	ProviderID     string                   `json:"providerId,omitempty"`
	ModelID        string                   `json:"modelId,omitempty"`
	Sampling       *llmtypes.SamplingConfig `json:"samplingConfig,omitempty"`
	Stream         bool                     `json:"streamRequested"`
}

type CancelGeneration struct {
	ConversationID string `json:"conversationId"`
}

type Connected struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type Joined struct {
	ConversationID string `json:"conversationId"`
}

type PromptAccepted struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// NewMessage carries a persisted message to the other members of a room.
type NewMessage struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

type GenerationChunk struct {
	ConversationID string `json:"conversationId"`
	Index          int    `json:"index"`
	Text           string `json:"text"`
}

type GenerationComplete struct {
	ConversationID string              `json:"conversationId"`
	MessageID      string              `json:"messageId"`
	Text           string              `json:"text"`
	Provider       string              `json:"provider"`
	Model          string              `json:"model"`
	Usage          llmtypes.TokenUsage `json:"tokenUsage"`
}

type GenerationError struct {
	ConversationID string             `json:"conversationId"`
	ErrorKind      llmtypes.ErrorKind `json:"errorKind"`
	Message        string             `json:"message"`
	// MessageID is the persisted system message describing the failure.
	MessageID string `json:"messageId,omitempty"`
}

type GenerationCancelled struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	PartialText    string `json:"partialText"`
}

type TypingState struct {
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

// Error reports a request-level failure to the originating session only.
type Error struct {
	ErrorKind llmtypes.ErrorKind `json:"errorKind"`
	Message   string             `json:"message"`
}
