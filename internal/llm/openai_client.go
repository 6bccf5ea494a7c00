package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/resilience"
)

// OpenAIClient implements Generator using the chat completions API
type OpenAIClient struct {
	apiKey         string
	model          string
	baseURL        string
	temperature    float64
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

// NewOpenAIClient creates an OpenAI reply generator
func NewOpenAIClient(cfg *config.Config, cb *resilience.CircuitBreaker) *OpenAIClient {
	return &OpenAIClient{
		apiKey:         cfg.OpenAIAPIKey,
		model:          cfg.OpenAIModel,
		baseURL:        strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		temperature:    cfg.LLMTemperature,
		httpClient:     &http.Client{},
		circuitBreaker: cb,
		logger:         observability.WithComponent("llm." + config.LLMProviderOpenAI),
	}
}

// Generate requests one chat completion and returns its text
func (c *OpenAIClient) Generate(ctx context.Context, messages []Message) (string, error) {
	timer := observability.StartProviderTimer("llm", config.LLMProviderOpenAI)
	var reply string
	err := c.circuitBreaker.Call(func() error {
		var err error
		reply, err = c.complete(ctx, messages)
		return err
	})
	timer.End(err == nil)

	if err != nil {
		c.logger.Warn().Err(err).Int("messages", len(messages)).Msg("Chat completion failed")
		return "", err
	}
	return reply, nil
}

func (c *OpenAIClient) complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", resilience.NewRetryableError(fmt.Errorf("openai request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := fmt.Errorf("openai: status %d: %s", resp.StatusCode, bytes.TrimSpace(errBody))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", resilience.NewRetryableError(statusErr)
		}
		return "", statusErr
	}

	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode openai response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices")
	}

	reply := strings.TrimSpace(payload.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
