package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/metrics"
	"github.com/policyguard/backend/pkg/circuitbreaker"
	"github.com/policyguard/backend/pkg/logger"
	"github.com/policyguard/backend/pkg/retry"
)

// deterministicTemperature stands in for zero, which go-openai omits from the
// request body.
const deterministicTemperature = 0.0001

type ClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	MaxAttempts int
}

// Client talks to an OpenAI-compatible API and provides all three
// capabilities. One Client serves one model.
type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(cfg ClientConfig) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("llm:"+cfg.Model, circuitbreaker.Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
		OnStateChange:    metrics.RecordBreakerState,
	})

	retryConfig := retry.Config{
		Name:           "llm:" + cfg.Model,
		MaxAttempts:    cfg.MaxAttempts,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       4 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Retryable:      isRetryableAPIError,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized", zap.String("model", cfg.Model))

	return &Client{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

// isRetryableAPIError retries rate limits and server errors only.
func isRetryableAPIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       c.model,
				Messages:    messages,
				Temperature: temperature,
				MaxTokens:   maxTokens,
			})
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return retry.Permanent(errors.New("completion returned no choices"))
			}

			logger.Debug("LLM completion generated",
				zap.String("model", c.model),
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Client) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	if len(req.Excerpts) == 0 {
		return InsufficientEvidence, nil
	}

	system, user := BuildPrompt(req)
	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: system,
		UserPrompt:   user,
		Temperature:  deterministicTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate draft: %w", err)
	}

	draft := strings.TrimSpace(resp.Content)
	if draft == "" {
		return InsufficientEvidence, nil
	}
	return draft, nil
}

func (c *Client) Classify(ctx context.Context, text string, labels []string) (string, error) {
	system, user := buildClassifyPrompt(text, labels)
	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: system,
		UserPrompt:   user,
		Temperature:  deterministicTemperature,
		MaxTokens:    16,
	})
	if err != nil {
		return "", fmt.Errorf("failed to classify: %w", err)
	}
	return matchLabel(resp.Content, labels), nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: []string{text},
				Model: openai.EmbeddingModel(c.model),
			})
			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}
			if len(resp.Data) == 0 {
				return retry.Permanent(errors.New("embedding response was empty"))
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return embedding, nil
}
