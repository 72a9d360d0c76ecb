package types

import (
	"time"

	llmtypes "github.com/kubilitics/kubilitics-chat/internal/llm/types"
)

// Message is a persisted conversation message.
type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	Seq             int64     `json:"seq"`
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	TokenCount      int       `json:"tokenCount"`
	TokensEstimated bool      `json:"tokensEstimated"`
	Model           string    `json:"model,omitempty"`
	Provider        string    `json:"provider,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

type Statistics struct {
	MessageCount int `json:"messageCount"`
	TotalTokens  int `json:"totalTokens"`
}

// Conversation is a conversation header, with its history when fetched
// individually.
type Conversation struct {
	ID        string                  `json:"id"`
	UserID    string                  `json:"userId"`
	Title     string                  `json:"title"`
	Provider  string                  `json:"provider"`
	Model     string                  `json:"model"`
	Settings  llmtypes.SamplingConfig `json:"settings"`
	Stats     Statistics              `json:"statistics"`
	CreatedAt time.Time               `json:"createdAt"`
	UpdatedAt time.Time               `json:"updatedAt"`
	Messages  []Message               `json:"messages,omitempty"`
}

type CreateConversationRequest struct {
	Title    string                  `json:"title"`
	Provider string                  `json:"provider"`
	Model    string                  `json:"model"`
	Settings llmtypes.SamplingConfig `json:"settings"`
}

type ConversationList struct {
	Conversations []Conversation `json:"conversations"`
	Limit         int            `json:"limit"`
	Offset        int            `json:"offset"`
}

type ConversationStats struct {
	Statistics
	MessagesByRole          map[string]int `json:"messagesByRole"`
	TokensByRole            map[string]int `json:"tokensByRole"`
	AverageTokensPerMessage float64        `json:"averageTokensPerMessage"`
}

type ProviderStatus struct {
	Provider  string   `json:"provider"`
	Status    string   `json:"status"`
	Message   string   `json:"message"`
	Streaming bool     `json:"streaming"`
	Models    []string `json:"models,omitempty"`
}

type ProviderStatusList struct {
	Providers []ProviderStatus `json:"providers"`
}

type ModelList struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
}

// ErrorResponse is the body of every non-2xx REST response.
type ErrorResponse struct {
	Error string             `json:"error"`
	Kind  llmtypes.ErrorKind `json:"kind,omitempty"`
}
