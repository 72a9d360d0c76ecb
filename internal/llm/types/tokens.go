package types

// EstimateTokens approximates a token count as one token per four bytes,
// rounded up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateUsage builds an estimated TokenUsage for a prompt context and a
// completion.
func EstimateUsage(messages []Message, completion string) TokenUsage {
	prompt := 0
	for _, m := range messages {
		prompt += EstimateTokens(m.Content)
	}
	out := EstimateTokens(completion)
	return TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
		Estimated:        true,
	}
}
