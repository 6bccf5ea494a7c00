package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/resilience"
)

// OpenAIClient implements Transcriber using the audio transcriptions API
type OpenAIClient struct {
	apiKey         string
	model          string
	baseURL        string
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// NewOpenAIClient creates an OpenAI transcriber guarded by the given breaker
func NewOpenAIClient(cfg *config.Config, cb *resilience.CircuitBreaker) *OpenAIClient {
	return &OpenAIClient{
		apiKey:         cfg.OpenAIAPIKey,
		model:          cfg.OpenAITranscribeModel,
		baseURL:        strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		httpClient:     &http.Client{},
		circuitBreaker: cb,
		logger:         observability.WithComponent("stt." + config.STTProviderOpenAI),
	}
}

// Transcribe uploads the recording and returns the transcript text
func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	observability.RecordAudioBytes("in", len(audio))

	timer := observability.StartProviderTimer("stt", config.STTProviderOpenAI)
	var transcript string
	err := c.circuitBreaker.Call(func() error {
		var err error
		transcript, err = c.transcribe(ctx, audio)
		return err
	})
	timer.End(err == nil)

	if err != nil {
		c.logger.Warn().Err(err).Int("audio_bytes", len(audio)).Msg("Transcription failed")
		return "", err
	}

	c.logger.Debug().
		Int("audio_bytes", len(audio)).
		Int("transcript_chars", len(transcript)).
		Msg("Transcription complete")
	return transcript, nil
}

func (c *OpenAIClient) transcribe(ctx context.Context, audio []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("failed to write model field: %w", err)
	}
	fw, err := mw.CreateFormFile("file", "recording."+audioExtension(audio))
	if err != nil {
		return "", fmt.Errorf("failed to create file field: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("failed to write audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", resilience.NewRetryableError(fmt.Errorf("openai transcription request failed: %w", err))
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

	var payload transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode openai response: %w", err)
	}
	return strings.TrimSpace(payload.Text), nil
}

// audioExtension names the upload so the API can tell the container apart.
// Browser recordings default to webm.
func audioExtension(audio []byte) string {
	switch http.DetectContentType(audio) {
	case "audio/wave":
		return "wav"
	case "audio/mpeg":
		return "mp3"
	case "application/ogg":
		return "ogg"
	default:
		return "webm"
	}
}
