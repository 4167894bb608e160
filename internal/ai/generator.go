package ai

import (
	"context"
)

// ModelConfig identifies an OpenAI-compatible endpoint and its sampling
// parameters. The API key is resolved separately through the vault so
// configuration files never carry credentials.
type ModelConfig struct {
	BaseURL            string  `toml:"base_url" json:"base_url"`
	Model              string  `toml:"model" json:"model"`
	Temperature        float64 `toml:"temperature" json:"temperature"`
	TopP               float64 `toml:"top_p" json:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens" json:"max_output_tokens"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	SecretRef          string  `toml:"secret_ref" json:"secret_ref"`
}

// ID returns the rate limiter key for this model endpoint.
func (m ModelConfig) ID() string {
	return m.BaseURL + ":" + m.Model
}

// GenerateRequest is one content generation call.
type GenerateRequest struct {
	System string
	Prompt string
	// JSONOutput asks the model for a JSON object response where the
	// endpoint supports response_format.
	JSONOutput bool
}

// Usage is token accounting reported by the endpoint.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerateResult is the model's completed output.
type GenerateResult struct {
	Content string
	Model   string
	Usage   Usage
}

// Generator produces report content. The HTTP client and the scripted
// test generator both implement it.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}
