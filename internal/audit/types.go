package audit

import "time"

// EventType identifies what happened.
type EventType string

const (
	// Connection lifecycle
	EventConnectionOpened EventType = "connection.opened"
	EventConnectionClosed EventType = "connection.closed"
	EventAuthFailed       EventType = "connection.auth_failed"
	EventRoomJoined       EventType = "connection.room_joined"

	// Prompts and generations
	EventPromptAccepted      EventType = "prompt.accepted"
	EventPromptRejected      EventType = "prompt.rejected"
	EventGenerationCompleted EventType = "generation.completed"
	EventGenerationFailed    EventType = "generation.failed"
	EventGenerationCancelled EventType = "generation.cancelled"
	EventConversationCleared EventType = "conversation.cleared"
	EventConversationDeleted EventType = "conversation.deleted"
	EventConversationCreated EventType = "conversation.created"

	// System
	EventConfigReloaded EventType = "system.config_reloaded"
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result is the outcome recorded on an event.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event is one audit record, written as a single JSON line.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	User     string `json:"user,omitempty"`
	SourceIP string `json:"source_ip,omitempty"`

	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`

	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent starts a pending event stamped with the current time.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

func (e *Event) WithUser(user string) *Event {
	e.User = user
	return e
}

func (e *Event) WithSource(ip string) *Event {
	e.SourceIP = ip
	return e
}

func (e *Event) WithConversation(id string) *Event {
	e.ConversationID = id
	return e
}

func (e *Event) WithSession(id string) *Event {
	e.SessionID = id
	return e
}

func (e *Event) WithProvider(provider, model string) *Event {
	e.Provider = provider
	e.Model = model
	return e
}

func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError records err and marks the event failed. A nil err is ignored.
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
