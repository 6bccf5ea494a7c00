package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dimiro1/banner"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/voice-session/internal/api"
	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/llm"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/orchestrator"
	"github.com/lexiqai/voice-session/internal/realtime"
	"github.com/lexiqai/voice-session/internal/resilience"
	"github.com/lexiqai/voice-session/internal/session"
	"github.com/lexiqai/voice-session/internal/stt"
	"github.com/lexiqai/voice-session/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()
	version := config.GetEnv("SERVICE_VERSION", "dev")
	if cfg.LogPretty {
		printBanner(version)
	}

	logger.Info().
		Str("port", cfg.Port).
		Str("stt_provider", cfg.STTProvider).
		Str("llm_provider", cfg.LLMProvider).
		Str("audio_format", cfg.AudioFormat).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Str("version", version).
		Msg("Voice Session Service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Provider clients, each behind its own circuit breaker
	sttBreaker := newBreaker(cfg, "stt_"+cfg.STTProvider)
	ttsBreaker := newBreaker(cfg, "tts_cartesia")
	llmBreaker := newBreaker(cfg, "llm_"+cfg.LLMProvider)

	audioStore, err := tts.NewFileStore(cfg.AudioDir, cfg.AudioURLPrefix)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.AudioDir).Msg("Failed to prepare audio directory")
	}

	var transcriber stt.Transcriber
	switch cfg.STTProvider {
	case config.STTProviderOpenAI:
		transcriber = stt.NewOpenAIClient(cfg, sttBreaker)
	default:
		transcriber = stt.NewDeepgramClient(cfg, sttBreaker)
	}
	synthesizer := tts.NewCartesiaClient(cfg, audioStore, ttsBreaker)

	var generator llm.Generator
	switch cfg.LLMProvider {
	case config.LLMProviderGemini:
		generator, err = llm.NewGeminiClient(ctx, cfg, llmBreaker)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Gemini client")
		}
	default:
		generator = llm.NewOpenAIClient(cfg, llmBreaker)
	}

	orchCfg := orchestrator.Config{
		GreetingText:    cfg.GreetingText,
		FallbackText:    cfg.FallbackText,
		SystemPrompt:    cfg.SystemPrompt,
		ProviderTimeout: cfg.ProviderTimeoutDuration(),
		SynthesisRetry:  synthesisRetry(cfg),
	}
	if cfg.VADEnergyThreshold > 0 {
		orchCfg.SpeechDetector = audio.NewVADDetector(&audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			MinSpeechFrames: cfg.VADMinSpeechFrames,
			FrameMillis:     20,
		})
	}

	store := session.NewStore()
	orch := orchestrator.New(store, transcriber, generator, synthesizer, orchCfg)

	// Readiness: audio assets must be writable and no provider circuit open
	checks := []observability.DependencyCheck{
		{Name: "audio_store", Check: audioStore.Writable},
		breakerCheck(sttBreaker),
		breakerCheck(ttsBreaker),
		breakerCheck(llmBreaker),
	}

	// Create HTTP server
	mux := http.NewServeMux()
	api.NewHandler(orch, cfg.MaxAudioBytes).Register(mux)
	if api.RegisterAudio(mux, cfg.AudioURLPrefix, audioStore.Dir()) {
		logger.Info().Str("prefix", cfg.AudioURLPrefix).Msg("Serving synthesized audio")
	}
	mux.Handle("GET /ws", realtime.NewHandler(orch, cfg.CORSAllowOrigin, cfg.MaxAudioBytes))
	mux.HandleFunc("GET /health", observability.HealthCheckHandler(version))
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(version, checks...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      api.Chain(mux, api.RequestLogger, api.Recover, api.CORS(cfg.CORSAllowOrigin)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	// Drop calls that were abandoned without end-call
	go store.RunExpiry(ctx, cfg.CallIdleTimeout(), orch.CallsExpired)

	var grpcHealth *observability.GRPCHealthServer
	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCHealthPort))
		if err != nil {
			logger.Fatal().Err(err).Str("port", cfg.GRPCHealthPort).Msg("Failed to listen for gRPC health")
		}
		grpcHealth = observability.NewGRPCHealthServer(checks...)
		go grpcHealth.Watch(ctx, 15*time.Second)
		go func() {
			logger.Info().Str("port", cfg.GRPCHealthPort).Msg("gRPC health server listening")
			if err := grpcHealth.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("gRPC health server failed")
				stop()
			}
		}()
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Server failed")
			stop()
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	if grpcHealth != nil {
		grpcHealth.Stop()
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Int("active_calls", store.Len()).Msg("Server exited gracefully")
}

// printBanner writes the startup banner in console log mode
func printBanner(version string) {
	tpl := "{{ .Title \"VOICE SESSION\" \"\" 0 }}\nVersion: " + version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

// newBreaker creates a provider circuit breaker that reports to Prometheus
func newBreaker(cfg *config.Config, name string) *resilience.CircuitBreaker {
	cb := resilience.NewCircuitBreaker(
		name,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	cb.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger := observability.WithComponent("resilience")
		logger.Warn().
			Str("breaker", name).
			Str("state", state.String()).
			Msg("Circuit breaker state changed")
	})
	cb.OnFailure(observability.IncrementCircuitBreakerFailures)
	return cb
}

// breakerCheck reports a provider as not ready while its circuit is open
func breakerCheck(cb *resilience.CircuitBreaker) observability.DependencyCheck {
	return observability.DependencyCheck{
		Name: cb.Name(),
		Check: func(ctx context.Context) (bool, error) {
			state, requests, failures, failureRate := cb.GetStats()
			if state == resilience.StateOpen {
				return false, fmt.Errorf("circuit %s: %d of %d requests failed (%.1f%%)", state, failures, requests, failureRate)
			}
			return true, nil
		},
	}
}

// synthesisRetry returns nil when synthesis gets a single attempt
func synthesisRetry(cfg *config.Config) *resilience.RetryConfig {
	if cfg.SynthesisMaxAttempts <= 1 {
		return nil
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.SynthesisMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond
	return retry
}

// writeTimeout bounds an HTTP response by the longest turn: transcription,
// generation and every synthesis attempt each up to the provider timeout,
// plus the backoff between synthesis attempts
func writeTimeout(cfg *config.Config) time.Duration {
	perRequest := cfg.ProviderTimeoutDuration()
	if perRequest <= 0 {
		return 0
	}

	attempts := 1
	var backoff time.Duration
	if retry := synthesisRetry(cfg); retry != nil {
		attempts = retry.MaxAttempts
		for attempt := 0; attempt < attempts-1; attempt++ {
			backoff += resilience.CalculateBackoff(attempt, retry.InitialBackoff, retry.MaxBackoff, retry.BackoffMultiplier)
		}
	}

	return time.Duration(2+attempts)*perRequest + backoff + 15*time.Second
}
