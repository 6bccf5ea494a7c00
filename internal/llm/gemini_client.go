package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/resilience"
)

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)

// GeminiClient implements Generator using the Gemini API
type GeminiClient struct {
	model          string
	temperature    float32
	generate       generateFunc
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewGeminiClient creates a Gemini reply generator
func NewGeminiClient(ctx context.Context, cfg *config.Config, cb *resilience.CircuitBreaker) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	generate := func(ctx context.Context, model string, contents []*genai.Content, gc *genai.GenerateContentConfig) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, model, contents, gc)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	return newGeminiClient(cfg, generate, cb), nil
}

func newGeminiClient(cfg *config.Config, generate generateFunc, cb *resilience.CircuitBreaker) *GeminiClient {
	return &GeminiClient{
		model:          cfg.GeminiModel,
		temperature:    float32(cfg.LLMTemperature),
		generate:       generate,
		circuitBreaker: cb,
		logger:         observability.WithComponent("llm." + config.LLMProviderGemini),
	}
}

// Generate maps the conversation onto Gemini contents. System messages
// become the system instruction and assistant turns use the model role.
func (c *GeminiClient) Generate(ctx context.Context, messages []Message) (string, error) {
	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	gc := &genai.GenerateContentConfig{Temperature: genai.Ptr(c.temperature)}
	if len(system) > 0 {
		gc.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	timer := observability.StartProviderTimer("llm", config.LLMProviderGemini)
	var reply string
	err := c.circuitBreaker.Call(func() error {
		text, err := c.generate(ctx, c.model, contents, gc)
		if err != nil {
			return fmt.Errorf("gemini generate failed: %w", err)
		}
		reply = strings.TrimSpace(text)
		if reply == "" {
			return ErrEmptyReply
		}
		return nil
	})
	timer.End(err == nil)

	if err != nil {
		c.logger.Warn().Err(err).Int("messages", len(messages)).Msg("Gemini generation failed")
		return "", err
	}
	return reply, nil
}
