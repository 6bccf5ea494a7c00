package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/resilience"
)

const providerName = "deepgram"

// streamFunc sends one recording to the pre-recorded endpoint
type streamFunc func(ctx context.Context, src io.Reader) (any, error)

// DeepgramClient implements Transcriber using Deepgram's pre-recorded REST API
type DeepgramClient struct {
	fromStream     streamFunc
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramClient creates a Deepgram transcriber guarded by the given breaker
func NewDeepgramClient(cfg *config.Config, cb *resilience.CircuitBreaker) *DeepgramClient {
	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       cfg.DeepgramModel,
		Language:    cfg.DeepgramLanguage,
		Punctuate:   true,
		SmartFormat: true,
	}

	client := api.New(listenClient.NewREST(cfg.DeepgramAPIKey, &interfaces.ClientOptions{}))
	fromStream := func(ctx context.Context, src io.Reader) (any, error) {
		return client.FromStream(ctx, src, options)
	}

	return newDeepgramClient(fromStream, cb)
}

func newDeepgramClient(fromStream streamFunc, cb *resilience.CircuitBreaker) *DeepgramClient {
	return &DeepgramClient{
		fromStream:     fromStream,
		circuitBreaker: cb,
		logger:         observability.WithComponent("stt." + providerName),
	}
}

// Transcribe sends the recording to Deepgram and returns the best transcript
func (d *DeepgramClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	observability.RecordAudioBytes("in", len(audio))

	timer := observability.StartProviderTimer("stt", providerName)
	var transcript string
	err := d.circuitBreaker.Call(func() error {
		res, err := d.fromStream(ctx, bytes.NewReader(audio))
		if err != nil {
			return fmt.Errorf("deepgram transcription failed: %w", err)
		}

		transcript, err = firstTranscript(res)
		return err
	})
	timer.End(err == nil)

	if err != nil {
		d.logger.Warn().Err(err).Int("audio_bytes", len(audio)).Msg("Transcription failed")
		return "", err
	}

	d.logger.Debug().
		Int("audio_bytes", len(audio)).
		Int("transcript_chars", len(transcript)).
		Msg("Transcription complete")
	return transcript, nil
}

// prerecordedResult holds the subset of the response we read
type prerecordedResult struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// firstTranscript returns the first alternative of the first channel,
// or "" when the response carries none
func firstTranscript(res any) (string, error) {
	if res == nil {
		return "", fmt.Errorf("deepgram returned no response")
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("failed to encode deepgram response: %w", err)
	}

	var result prerecordedResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("failed to decode deepgram response: %w", err)
	}

	channels := result.Results.Channels
	if len(channels) == 0 || len(channels[0].Alternatives) == 0 {
		return "", nil
	}
	return strings.TrimSpace(channels[0].Alternatives[0].Transcript), nil
}
