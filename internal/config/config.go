package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	LLMProviderOpenAI = "openai"
	LLMProviderGemini = "gemini"

	STTProviderDeepgram = "deepgram"
	STTProviderOpenAI   = "openai"

	AudioFormatWAV   = "wav"
	AudioFormatMulaw = "mulaw"
)

// DefaultSystemPrompt instructs the reply model to behave as a phone receptionist
const DefaultSystemPrompt = `You are a professional business receptionist.
Ask one question at a time.
Do not provide medical advice.
Keep responses under 2 short sentences.`

// Config holds all configuration for the voice session service
type Config struct {
	// Server configuration
	Port            string `envconfig:"PORT" default:"8080"`
	GRPCHealthPort  string `envconfig:"GRPC_HEALTH_PORT" default:"9090"` // Empty disables the gRPC health server
	CORSAllowOrigin string `envconfig:"CORS_ALLOW_ORIGIN" default:"*"`
	MaxAudioBytes   int64  `envconfig:"MAX_AUDIO_BYTES" default:"10485760"` // Upload limit for caller audio

	// Synthesized audio assets
	AudioDir       string `envconfig:"AUDIO_DIR" default:"audio"`
	AudioURLPrefix string `envconfig:"AUDIO_URL_PREFIX" default:"/audio"`
	AudioFormat    string `envconfig:"AUDIO_FORMAT" default:"wav"` // wav (24kHz PCM) or mulaw (8kHz G.711 for telephony gateways)

	// Speech-to-text configuration
	STTProvider           string `envconfig:"STT_PROVIDER" default:"deepgram"` // deepgram or openai
	OpenAITranscribeModel string `envconfig:"OPENAI_TRANSCRIBE_MODEL" default:"gpt-4o-transcribe"`

	// Silence gate applied to WAV and μ-law recordings before transcription
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold; 0 disables the gate
	VADMinSpeechFrames int     `envconfig:"VAD_MIN_SPEECH_FRAMES" default:"5"`    // 20ms frames above threshold needed to count as speech

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Cartesia TTS API configuration
	CartesiaAPIKey   string `envconfig:"CARTESIA_API_KEY"`
	CartesiaVoiceID  string `envconfig:"CARTESIA_VOICE_ID" default:"a0e99841-438c-4a64-b679-ae501e7d6091"`
	CartesiaModelID  string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-2"`
	CartesiaLanguage string `envconfig:"CARTESIA_LANGUAGE" default:"en"`

	// Reply generation configuration
	LLMProvider    string  `envconfig:"LLM_PROVIDER" default:"openai"` // openai or gemini
	OpenAIAPIKey   string  `envconfig:"OPENAI_API_KEY"`
	OpenAIModel    string  `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL  string  `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	GeminiAPIKey   string  `envconfig:"GEMINI_API_KEY"`
	GeminiModel    string  `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	LLMTemperature float64 `envconfig:"LLM_TEMPERATURE" default:"0.4"`
	SystemPrompt   string  `envconfig:"SYSTEM_PROMPT"`

	// Conversation policy
	GreetingText string `envconfig:"GREETING_TEXT" default:"Hello, thank you for calling. May I know your name please?"`
	FallbackText string `envconfig:"FALLBACK_TEXT" default:"Thank you. Our team will follow up with you shortly. Have a great day."`

	// Call lifecycle
	CallIdleTimeoutMinutes int `envconfig:"CALL_IDLE_TIMEOUT_MINUTES" default:"30"` // 0 keeps calls until end-call

	// Resilience configuration
	ProviderTimeout            int `envconfig:"PROVIDER_TIMEOUT" default:"20"`              // Seconds per provider request
	SynthesisMaxAttempts       int `envconfig:"SYNTHESIS_MAX_ATTEMPTS" default:"1"`         // 1 disables synthesis retries
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected providers have credentials and that
// enumerated settings hold known values
func (c *Config) Validate() error {
	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}

	c.STTProvider = strings.ToLower(strings.TrimSpace(c.STTProvider))
	switch c.STTProvider {
	case STTProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_PROVIDER=deepgram")
		}
	case STTProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when STT_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("unsupported STT_PROVIDER %q", c.STTProvider)
	}

	c.LLMProvider = strings.ToLower(strings.TrimSpace(c.LLMProvider))
	switch c.LLMProvider {
	case LLMProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
	case LLMProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when LLM_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider)
	}

	c.AudioFormat = strings.ToLower(strings.TrimSpace(c.AudioFormat))
	if c.AudioFormat != AudioFormatWAV && c.AudioFormat != AudioFormatMulaw {
		return fmt.Errorf("unsupported AUDIO_FORMAT %q", c.AudioFormat)
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.VADEnergyThreshold < 0 || c.VADMinSpeechFrames < 1 {
		return fmt.Errorf("VAD_ENERGY_THRESHOLD must not be negative and VAD_MIN_SPEECH_FRAMES must be at least 1")
	}
	if c.SynthesisMaxAttempts < 1 {
		return fmt.Errorf("SYNTHESIS_MAX_ATTEMPTS must be at least 1")
	}
	if strings.TrimSpace(c.GreetingText) == "" || strings.TrimSpace(c.FallbackText) == "" {
		return fmt.Errorf("GREETING_TEXT and FALLBACK_TEXT must not be empty")
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	return nil
}

// ProviderTimeoutDuration returns the per-request provider timeout
func (c *Config) ProviderTimeoutDuration() time.Duration {
	return time.Duration(c.ProviderTimeout) * time.Second
}

// CallIdleTimeout returns how long an untouched call is kept
func (c *Config) CallIdleTimeout() time.Duration {
	return time.Duration(c.CallIdleTimeoutMinutes) * time.Minute
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
