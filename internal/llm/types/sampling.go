package types

import "fmt"

// Sampling defaults and bounds.
const (
	DefaultTemperature      = 0.7
	DefaultMaxTokens        = 2048
	DefaultTopP             = 1.0
	DefaultFrequencyPenalty = 0.0
	DefaultPresencePenalty  = 0.0

	MinTemperature = 0.0
	MaxTemperature = 2.0
	MinMaxTokens   = 1
	MaxMaxTokens   = 4096
	MinTopP        = 0.0
	MaxTopP        = 1.0
	MinPenalty     = -2.0
	MaxPenalty     = 2.0
)

// SamplingConfig holds the per-conversation sampling settings.
// Pointer fields distinguish "unset" from an explicit zero.
type SamplingConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

// DefaultSampling returns a fully populated config with the default values.
func DefaultSampling() SamplingConfig {
	return SamplingConfig{
		Temperature:      Float(DefaultTemperature),
		MaxTokens:        Int(DefaultMaxTokens),
		TopP:             Float(DefaultTopP),
		FrequencyPenalty: Float(DefaultFrequencyPenalty),
		PresencePenalty:  Float(DefaultPresencePenalty),
	}
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Merge returns s with every unset field taken from base.
func (s SamplingConfig) Merge(base SamplingConfig) SamplingConfig {
	out := s
	if out.Temperature == nil {
		out.Temperature = base.Temperature
	}
	if out.MaxTokens == nil {
		out.MaxTokens = base.MaxTokens
	}
	if out.TopP == nil {
		out.TopP = base.TopP
	}
	if out.FrequencyPenalty == nil {
		out.FrequencyPenalty = base.FrequencyPenalty
	}
	if out.PresencePenalty == nil {
		out.PresencePenalty = base.PresencePenalty
	}
	return out
}

// Resolved fills every unset field with its default.
func (s SamplingConfig) Resolved() SamplingConfig {
	return s.Merge(DefaultSampling())
}

// Validate checks every set field against its bounds.
func (s SamplingConfig) Validate() error {
	if s.Temperature != nil && (*s.Temperature < MinTemperature || *s.Temperature > MaxTemperature) {
		return Errorf(KindValidation, "temperature must be between %.0f and %.0f", MinTemperature, MaxTemperature)
	}
	if s.MaxTokens != nil && (*s.MaxTokens < MinMaxTokens || *s.MaxTokens > MaxMaxTokens) {
		return Errorf(KindValidation, "max_tokens must be between %d and %d", MinMaxTokens, MaxMaxTokens)
	}
	if s.TopP != nil && (*s.TopP < MinTopP || *s.TopP > MaxTopP) {
		return Errorf(KindValidation, "top_p must be between %.0f and %.0f", MinTopP, MaxTopP)
	}
	if err := checkPenalty("frequency_penalty", s.FrequencyPenalty); err != nil {
		return err
	}
	return checkPenalty("presence_penalty", s.PresencePenalty)
}

func checkPenalty(name string, v *float64) error {
	if v != nil && (*v < MinPenalty || *v > MaxPenalty) {
		return Errorf(KindValidation, "%s must be between %.0f and %.0f", name, MinPenalty, MaxPenalty)
	}
	return nil
}

// String renders the resolved values for logs.
func (s SamplingConfig) String() string {
	r := s.Resolved()
	return fmt.Sprintf("temperature=%.2f max_tokens=%d top_p=%.2f frequency_penalty=%.2f presence_penalty=%.2f",
		*r.Temperature, *r.MaxTokens, *r.TopP, *r.FrequencyPenalty, *r.PresencePenalty)
}
