package types

// Role values carried by a Message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message represents one entry of the context sent to a provider
type Message struct {
	Role    string `json:"role"`    // user, assistant, system
	Content string `json:"content"` // message text
}

// TokenUsage tracks token usage for a single provider call.
// Estimated is true when the counts come from EstimateTokens rather than
// from the backend's own accounting.
type TokenUsage struct {
	PromptTokens     int  `json:"prompt_tokens"`     // input tokens
	CompletionTokens int  `json:"completion_tokens"` // output tokens
	TotalTokens      int  `json:"total_tokens"`      // total tokens
	Estimated        bool `json:"estimated"`         // heuristic, not billed numbers
}

// Result is the normalized outcome of a batch completion
type Result struct {
	Content string     `json:"content"`
	Usage   TokenUsage `json:"usage"`
	Model   string     `json:"model"` // model echoed by the backend, or the requested one
}

// Chunk is one element of a streaming completion. Exactly one of Text,
// Done or Err is meaningful; Done and Err are terminal.
type Chunk struct {
	Text  string
	Done  bool
	Usage *TokenUsage // set on the Done chunk when the backend reports usage
	Model string
	Err   error
}

// Request is what a provider receives for one generation attempt
type Request struct {
	Model    string
	Messages []Message
	Sampling SamplingConfig
}
