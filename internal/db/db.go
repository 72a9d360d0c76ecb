// Package db provides the persistence layer for conversations, their
// append-only message logs and the per-user token usage ledger.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
)

// ErrNotFound is returned when a conversation does not exist or has been
// soft-deleted.
var ErrNotFound = errors.New("conversation not found")

// Statistics is the aggregate kept on every conversation. It always equals
// the fold over the conversation's messages.
type Statistics struct {
	MessageCount int `json:"message_count"`
	TotalTokens  int `json:"total_tokens"`
}

// ConversationRecord is a persisted conversation.
type ConversationRecord struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	Title     string               `json:"title"`
	Provider  string               `json:"provider"`
	Model     string               `json:"model"`
	Settings  types.SamplingConfig `json:"settings"`
	Stats     Statistics           `json:"statistics"`
	IsActive  bool                 `json:"is_active"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// MessageRecord is one immutable entry in a conversation log.
type MessageRecord struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	Seq             int64     `json:"seq"`
	Role            string    `json:"role"` // user | assistant | system
	Content         string    `json:"content"`
	TokenCount      int       `json:"token_count"`
	TokensEstimated bool      `json:"tokens_estimated"`
	Model           string    `json:"model,omitempty"`
	Provider        string    `json:"provider,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ConversationStats is the per-role breakdown served by the stats endpoint.
type ConversationStats struct {
	Statistics
	MessagesByRole          map[string]int `json:"messages_by_role"`
	TokensByRole            map[string]int `json:"tokens_by_role"`
	AverageTokensPerMessage float64        `json:"average_tokens_per_message"`
}

// UsageRecord is one attribution of tokens to a user.
type UsageRecord struct {
	UserID         string
	ConversationID string
	Provider       string
	Model          string
	Usage          types.TokenUsage
	RecordedAt     time.Time
}

// UserUsage totals a user's recorded usage.
type UserUsage struct {
	UserID          string `json:"user_id"`
	Generations     int    `json:"generations"`
	TotalTokens     int    `json:"total_tokens"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

// ConversationStore persists conversations and their message logs.
type ConversationStore interface {
	// CreateConversation inserts a new active conversation.
	CreateConversation(ctx context.Context, rec *ConversationRecord) error

	// GetConversation returns an active conversation or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*ConversationRecord, error)

	// ListConversations returns a user's active conversations, most
	// recently updated first.
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]*ConversationRecord, error)

	// AppendMessage appends msg atomically and returns the recomputed
	// statistics. ID, Seq and a non-decreasing Timestamp are assigned here.
	AppendMessage(ctx context.Context, msg *MessageRecord) (Statistics, error)

	// RecentContext returns the last limit messages, oldest first.
	RecentContext(ctx context.Context, conversationID string, limit int) ([]*MessageRecord, error)

	// GetMessages returns the full log, oldest first.
	GetMessages(ctx context.Context, conversationID string) ([]*MessageRecord, error)

	// Clear empties the log and zeroes the statistics in one transaction.
	Clear(ctx context.Context, conversationID string) error

	// SoftDelete marks the conversation inactive. Nothing is erased.
	SoftDelete(ctx context.Context, conversationID string) error

	// Stats returns the per-role breakdown.
	Stats(ctx context.Context, conversationID string) (*ConversationStats, error)
}

// UsageStore is the token accounting ledger.
type UsageStore interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
	UserUsage(ctx context.Context, userID string) (*UserUsage, error)
}

// Store is the full persistence interface.
type Store interface {
	ConversationStore
	UsageStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}
