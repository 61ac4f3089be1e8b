// Package ai wraps the Anthropic API for capabilities that enrich their
// findings with model-generated prose. All calls go through a single
// retrying, circuit-broken, rate-limited client.
package ai

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// ModelDefault is used when no model is configured
	ModelDefault = "claude-sonnet-4-5-20250929"

	// ModelSimple is the cost-efficient model for short descriptions
	ModelSimple = "claude-3-5-haiku-20241022"

	defaultMaxTokens = 1024
)

// GetDefaultModel returns the default model, checking AGENTFLOW_MODEL first
func GetDefaultModel() string {
	if model := os.Getenv("AGENTFLOW_MODEL"); model != "" {
		return model
	}
	return ModelDefault
}

// Completer produces a text completion for a prompt.
// Capabilities depend on this interface rather than on Client directly.
type Completer interface {
	Complete(ctx context.Context, operation, prompt string, maxTokens int) (string, error)
}

// Config holds client configuration
type Config struct {
	APIKey            string      // Anthropic API key (if empty, reads from ANTHROPIC_API_KEY env var)
	Model             string      // Model to use (default: GetDefaultModel())
	Retry             RetryConfig // Retry configuration (uses defaults if not specified)
	RequestsPerSecond float64     // Sustained request rate (0 = unlimited)
	Logger            *logrus.Logger
}

// Client is a resilient Anthropic API client
type Client struct {
	client         *anthropic.Client
	model          string
	retry          RetryConfig
	circuitBreaker *CircuitBreaker
	concurrencySem *semaphore.Weighted
	limiter        *rate.Limiter
	log            *logrus.Entry
}

var _ Completer = (*Client)(nil)

// NewClient creates a new AI client
func NewClient(cfg Config) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = GetDefaultModel()
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "ai")

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	c := &Client{
		client: &client,
		model:  model,
		retry:  retry,
		log:    log,
	}

	if retry.CircuitBreakerEnabled {
		c.circuitBreaker = NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
		c.circuitBreaker.log = log
	}
	if retry.MaxConcurrentCalls > 0 {
		c.concurrencySem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	log.WithFields(logrus.Fields{
		"model":          model,
		"max_concurrent": retry.MaxConcurrentCalls,
		"rps":            cfg.RequestsPerSecond,
	}).Debug("AI client initialized")

	return c, nil
}

// Model returns the configured model name
func (c *Client) Model() string {
	return c.model
}

// HealthCheck returns an error if the circuit breaker is open
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.circuitBreaker == nil {
		return nil
	}
	state, failures, _ := c.circuitBreaker.GetMetrics()
	if state == CircuitOpen {
		return fmt.Errorf("AI client unavailable: %w (failures=%d, retry in %v)",
			ErrCircuitOpen, failures, c.retry.OpenTimeout)
	}
	return nil
}

// Complete sends a single-turn prompt and returns the concatenated text blocks.
func (c *Client) Complete(ctx context.Context, operation, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	startTime := time.Now()

	var response *anthropic.Message
	err := c.retryWithBackoff(ctx, operation, func(attemptCtx context.Context) error {
		resp, apiErr := c.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: int64(maxTokens),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	c.log.WithFields(logrus.Fields{
		"operation":     operation,
		"input_tokens":  response.Usage.InputTokens,
		"output_tokens": response.Usage.OutputTokens,
		"duration":      time.Since(startTime),
	}).Debug("AI call completed")

	return sb.String(), nil
}
