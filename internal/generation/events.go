package generation

import (
	"github.com/kubilitics/kubilitics-chat/internal/db"
	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
)

// EventKind identifies a coordinator output event.
type EventKind int

const (
	EventUserMessage EventKind = iota
	EventTyping
	EventChunk
	EventComplete
	EventFailed
	EventCancelled
)

// Event is one output of a generation, published in production order.
type Event struct {
	Kind           EventKind
	ConversationID string
	// Origin and Ref identify the submitting session and request, on
	// UserMessage events only.
	Origin string
	Ref    string

	Typing bool

	Index int
	Text  string

	// Message is the persisted message for UserMessage, Complete, Failed
	// (the system record) and Cancelled (nil when nothing was saved).
	Message *db.MessageRecord
	Usage   types.TokenUsage

	ErrorKind types.ErrorKind
	Error     string
}

// Publisher receives coordinator events. Publish is called from the
// generation's goroutine and must not block on slow consumers.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
