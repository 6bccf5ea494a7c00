package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/resilience"
)

const (
	providerName    = "cartesia"
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
)

var ErrEmptyText = errors.New("nothing to synthesize")

// AudioStore persists a finished audio asset
type AudioStore interface {
	Save(data []byte, ext string) (AudioRef, error)
}

// CartesiaClient implements Synthesizer using Cartesia's /tts/bytes endpoint.
// Raw 24kHz PCM is requested and framed locally as WAV, or transcoded to
// 8kHz μ-law WAV for telephony playback.
type CartesiaClient struct {
	apiKey         string
	baseURL        string
	modelID        string
	voiceID        string
	language       string
	audioFormat    string
	httpClient     *http.Client
	store          AudioStore
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// cartesiaRequest is the /tts/bytes request payload
type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaClient creates a Cartesia synthesizer writing to store
func NewCartesiaClient(cfg *config.Config, store AudioStore, cb *resilience.CircuitBreaker) *CartesiaClient {
	return &CartesiaClient{
		apiKey:         cfg.CartesiaAPIKey,
		baseURL:        cartesiaBaseURL,
		modelID:        cfg.CartesiaModelID,
		voiceID:        cfg.CartesiaVoiceID,
		language:       cfg.CartesiaLanguage,
		audioFormat:    cfg.AudioFormat,
		httpClient:     &http.Client{},
		store:          store,
		circuitBreaker: cb,
		logger:         observability.WithComponent("tts." + providerName),
	}
}

// Synthesize converts text to a stored audio asset
func (c *CartesiaClient) Synthesize(ctx context.Context, text string) (AudioRef, error) {
	if text == "" {
		return AudioRef{}, ErrEmptyText
	}

	timer := observability.StartProviderTimer("tts", providerName)
	var pcm []byte
	err := c.circuitBreaker.Call(func() error {
		var err error
		pcm, err = c.fetchPCM(ctx, text)
		return err
	})
	timer.End(err == nil)
	if err != nil {
		c.logger.Warn().Err(err).Int("text_chars", len(text)).Msg("Synthesis failed")
		return AudioRef{}, err
	}

	data, err := c.encode(pcm)
	if err != nil {
		return AudioRef{}, fmt.Errorf("failed to encode synthesized audio: %w", err)
	}

	ref, err := c.store.Save(data, "wav")
	if err != nil {
		return AudioRef{}, err
	}
	observability.RecordAudioBytes("out", len(data))

	c.logger.Debug().
		Str("file", ref.FileName).
		Int("pcm_bytes", len(pcm)).
		Int("file_bytes", len(data)).
		Msg("Synthesized audio stored")
	return ref, nil
}

// fetchPCM requests raw 16-bit PCM for text
func (c *CartesiaClient) fetchPCM(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(cartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.voiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: audio.SampleRateSynthesis,
		},
		Language: c.language,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.NewRetryableError(fmt.Errorf("cartesia request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := fmt.Errorf("cartesia: status %d: %s", resp.StatusCode, bytes.TrimSpace(errBody))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(statusErr)
		}
		return nil, statusErr
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read cartesia audio: %w", err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cartesia returned empty audio")
	}
	return pcm, nil
}

func (c *CartesiaClient) encode(pcm []byte) ([]byte, error) {
	if c.audioFormat == config.AudioFormatMulaw {
		return audio.MulawWAV(pcm, audio.SampleRateSynthesis)
	}
	if len(pcm)%2 != 0 {
		return nil, audio.ErrOddPCMLength
	}
	return audio.PCM16WAV(pcm, audio.SampleRateSynthesis), nil
}
