package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nordiq/reportflow/internal/metrics"
)

const defaultHTTPTimeout = 120 * time.Second

// APIError is an error returned by the model endpoint.
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: %s", e.Message)
}

// Client talks to one OpenAI-compatible chat completion endpoint with
// rate limiting, retry with backoff, and a circuit breaker.
type Client struct {
	model      ModelConfig
	apiKey     string
	httpClient *http.Client
	limiters   *LimiterPool
	breakers   *BreakerRegistry
	policy     RetryPolicy
	logger     *slog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy overrides the default retry tuning.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithBreakers shares a breaker registry across clients.
func WithBreakers(r *BreakerRegistry) ClientOption {
	return func(c *Client) { c.breakers = r }
}

// WithLimiters shares a rate limiter pool across clients.
func WithLimiters(p *LimiterPool) ClientOption {
	return func(c *Client) { c.limiters = p }
}

// NewClient creates a Client for one model endpoint.
func NewClient(model ModelConfig, apiKey string, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		limiters:   NewLimiterPool(),
		breakers:   NewBreakerRegistry(DefaultBreakerConfig()),
		policy:     DefaultRetryPolicy(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate runs one chat completion with retries.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	modelID := c.model.ID()

	if err := c.limiters.Wait(ctx, modelID, c.model.RateLimitPerMinute); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.policy.Backoff(attempt, isRateLimitError(lastErr))
			c.logger.Warn("retrying generation call",
				"attempt", attempt,
				"max_retries", c.policy.MaxRetries,
				"backoff", delay,
				"model", c.model.Model)
			if err := waitBackoff(ctx, delay); err != nil {
				return nil, err
			}
		}

		if err := c.breakers.Allow(modelID); err != nil {
			return nil, err
		}

		start := time.Now()
		result, err := c.doRequest(ctx, req)
		if err == nil {
			metrics.ObserveAICall(c.model.Model, "success", time.Since(start))
			c.breakers.RecordSuccess(modelID)
			return result, nil
		}

		metrics.ObserveAICall(c.model.Model, "error", time.Since(start))
		c.breakers.RecordFailure(modelID)
		lastErr = err

		if !IsRetryableError(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	wire := chatRequest{
		Model:       c.model.Model,
		Messages:    messages,
		Temperature: c.model.Temperature,
		TopP:        c.model.TopP,
		MaxTokens:   c.model.MaxOutputTokens,
		N:           1,
	}
	if req.JSONOutput {
		wire.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(c.model.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{Message: fmt.Sprintf("request failed: %v", err), Retryable: true}
	}
	defer func() {
		if cerr := httpResp.Body.Close(); cerr != nil {
			c.logger.Warn("failed to close response body", "error", cerr)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		retryable := isStatusRetryable(httpResp.StatusCode)

		var errResp errorResponse
		if uerr := json.Unmarshal(respBody, &errResp); uerr == nil && errResp.Error.Message != "" {
			return nil, &APIError{
				Message:    errResp.Error.Message,
				StatusCode: httpResp.StatusCode,
				Type:       errResp.Error.Type,
				Code:       errResp.Error.Code,
				Retryable:  retryable,
			}
		}
		return nil, &APIError{
			Message:    fmt.Sprintf("status %d: %s", httpResp.StatusCode, string(respBody)),
			StatusCode: httpResp.StatusCode,
			Retryable:  retryable,
		}
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &APIError{Message: "no choices in response", StatusCode: httpResp.StatusCode}
	}

	return &GenerateResult{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage:   resp.Usage,
	}, nil
}

func isRateLimitError(err error) bool {
	if aerr, ok := err.(*APIError); ok {
		return aerr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func isStatusRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}
