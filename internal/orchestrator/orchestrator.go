package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/llm"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/resilience"
	"github.com/lexiqai/voice-session/internal/session"
	"github.com/lexiqai/voice-session/internal/stt"
	"github.com/lexiqai/voice-session/internal/tts"
)

const (
	opStartCall   = "start_call"
	opSubmitText  = "submit_text"
	opSubmitAudio = "submit_audio"
	opTranscribe  = "transcribe"
	opGetCall     = "get_call"
)

// Config holds the conversation policy
type Config struct {
	GreetingText    string
	FallbackText    string
	SystemPrompt    string
	ProviderTimeout time.Duration // Per provider request; 0 disables

	// SynthesisRetry re-attempts transient synthesis failures. Nil makes
	// a single attempt.
	SynthesisRetry *resilience.RetryConfig

	// SpeechDetector skips transcription of recordings it judges silent.
	// Nil sends every recording to the transcriber.
	SpeechDetector SpeechDetector
}

// SpeechDetector reports whether a recording contains speech. An error
// means the recording could not be judged.
type SpeechDetector interface {
	ContainsSpeech(recording []byte) (bool, error)
}

// Reply is the assistant's side of one exchange
type Reply struct {
	CallID     string
	Transcript string // Set by SubmitAudio
	Text       string
	AudioURL   string
}

// Orchestrator sequences transcription, reply generation and synthesis
// for each turn and keeps call history consistent when a stage fails
type Orchestrator struct {
	store       *session.Store
	transcriber stt.Transcriber
	generator   llm.Generator
	synthesizer tts.Synthesizer
	cfg         Config

	locksMu sync.Mutex
	locks   map[string]*turnLock
}

// turnLock serializes exchanges on one call
type turnLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an orchestrator over the given store and providers
func New(store *session.Store, transcriber stt.Transcriber, generator llm.Generator, synthesizer tts.Synthesizer, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:       store,
		transcriber: transcriber,
		generator:   generator,
		synthesizer: synthesizer,
		cfg:         cfg,
		locks:       make(map[string]*turnLock),
	}
}

// StartCall synthesizes the greeting and registers a call whose first
// turn is that greeting. Nothing is registered if synthesis fails.
func (o *Orchestrator) StartCall(ctx context.Context) (Reply, error) {
	logger := o.logger(ctx, "")

	ref, err := o.synthesize(ctx, o.cfg.GreetingText)
	if err != nil {
		observability.RecordCallStarted(false)
		logger.Error().Err(err).Msg("Greeting synthesis failed, call not started")
		return Reply{}, o.fail(newError(KindSynthesis, opStartCall, err))
	}

	callID := o.store.CreateWithTurn(session.Turn{Role: session.RoleAssistant, Text: o.cfg.GreetingText})
	observability.RecordCallStarted(true)
	observability.RecordTurn(string(session.RoleAssistant))
	observability.SetActiveCalls(o.store.Len())

	logger.Info().Str("call_id", callID).Msg("Call started")
	return Reply{CallID: callID, Text: o.cfg.GreetingText, AudioURL: ref.URL}, nil
}

// SubmitText records the caller's utterance, generates a reply (or the
// fallback utterance if generation fails) and synthesizes it. The assistant
// turn is recorded only once synthesis succeeds.
func (o *Orchestrator) SubmitText(ctx context.Context, callID, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if callID == "" {
		return Reply{}, o.fail(newError(KindInvalidInput, opSubmitText, ErrMissingCallID))
	}
	if text == "" {
		return Reply{}, o.fail(newError(KindInvalidInput, opSubmitText, ErrEmptyText))
	}

	unlock := o.lockTurn(callID)
	defer unlock()

	logger := o.logger(ctx, callID)

	if err := o.store.Append(callID, session.Turn{Role: session.RoleCaller, Text: text}); err != nil {
		return Reply{}, o.fail(newError(KindNotFound, opSubmitText, err))
	}
	observability.RecordTurn(string(session.RoleCaller))
	logger.Debug().Str("user_text", text).Msg("Caller turn recorded")

	call, err := o.store.Get(callID)
	if err != nil {
		return Reply{}, o.fail(newError(KindNotFound, opSubmitText, err))
	}

	reply := o.generateReply(ctx, logger, call.Turns)

	ref, err := o.synthesize(ctx, reply)
	if err != nil {
		logger.Error().Err(err).Msg("Reply synthesis failed, assistant turn not recorded")
		return Reply{}, o.fail(newError(KindSynthesis, opSubmitText, err))
	}

	if err := o.store.Append(callID, session.Turn{Role: session.RoleAssistant, Text: reply}); err != nil {
		logger.Info().Msg("Call ended before reply was recorded")
		return Reply{}, o.fail(newError(KindNotFound, opSubmitText, err))
	}
	observability.RecordTurn(string(session.RoleAssistant))

	logger.Info().Int("turns", len(call.Turns)+1).Msg("Exchange complete")
	return Reply{CallID: callID, Text: reply, AudioURL: ref.URL}, nil
}

// SubmitAudio transcribes the caller's recording and continues as SubmitText.
// A failed or empty transcription records nothing.
func (o *Orchestrator) SubmitAudio(ctx context.Context, callID string, audio []byte) (Reply, error) {
	if callID == "" {
		return Reply{}, o.fail(newError(KindInvalidInput, opSubmitAudio, ErrMissingCallID))
	}
	if len(audio) == 0 {
		return Reply{}, o.fail(newError(KindInvalidInput, opSubmitAudio, ErrEmptyAudio))
	}
	if !o.store.Exists(callID) {
		return Reply{}, o.fail(newError(KindNotFound, opSubmitAudio, session.ErrNotFound))
	}

	transcript, err := o.transcribe(ctx, audio)
	if err != nil {
		logger := o.logger(ctx, callID)
		logger.Error().Err(err).Msg("Transcription failed, nothing recorded")
		return Reply{}, o.fail(newError(KindTranscription, opSubmitAudio, err))
	}
	if transcript == "" {
		return Reply{}, o.fail(newError(KindTranscription, opSubmitAudio, ErrNoSpeech))
	}

	reply, err := o.SubmitText(ctx, callID, transcript)
	if err != nil {
		return Reply{}, err
	}
	reply.Transcript = transcript
	return reply, nil
}

// Transcribe converts a recording to text without touching any call.
// An empty transcript is not an error.
func (o *Orchestrator) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", o.fail(newError(KindInvalidInput, opTranscribe, ErrEmptyAudio))
	}

	transcript, err := o.transcribe(ctx, audio)
	if err != nil {
		logger := o.logger(ctx, "")
		logger.Error().Err(err).Msg("Transcription failed")
		return "", o.fail(newError(KindTranscription, opTranscribe, err))
	}
	return transcript, nil
}

// EndCall removes the call. Ending an unknown or ended call succeeds.
func (o *Orchestrator) EndCall(ctx context.Context, callID string) {
	o.endCall(ctx, callID, "end_call")
}

// Disconnect ends a call whose client went away without ending it
func (o *Orchestrator) Disconnect(ctx context.Context, callID string) {
	o.endCall(ctx, callID, "disconnect")
}

func (o *Orchestrator) endCall(ctx context.Context, callID, reason string) {
	if callID == "" {
		return
	}

	call, err := o.store.Get(callID)
	if !o.store.Remove(callID) {
		return
	}

	createdAt := time.Time{}
	if err == nil {
		createdAt = call.CreatedAt
	}
	observability.RecordCallEnded(reason, createdAt)
	observability.SetActiveCalls(o.store.Len())
	logger := o.logger(ctx, callID)
	logger.Info().Str("reason", reason).Msg("Call ended")
}

// CallsExpired records calls removed by the store's idle sweeper
func (o *Orchestrator) CallsExpired(ids []string) {
	logger := observability.WithComponent("orchestrator")
	for _, id := range ids {
		observability.RecordCallEnded("expired", time.Time{})
		logger.Info().Str("call_id", id).Msg("Call expired")
	}
	observability.SetActiveCalls(o.store.Len())
}

// GetCall returns a snapshot of the call's history
func (o *Orchestrator) GetCall(callID string) (session.Call, error) {
	call, err := o.store.Get(callID)
	if err != nil {
		return session.Call{}, newError(KindNotFound, opGetCall, err)
	}
	return call, nil
}

// BuildMessages maps call history to the provider-neutral prompt:
// the system prompt first, then caller turns as user messages and
// assistant turns as assistant messages
func BuildMessages(systemPrompt string, turns []session.Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(turns)+1)
	if systemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	for _, turn := range turns {
		role := llm.RoleUser
		if turn.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Text})
	}
	return messages
}

// generateReply never fails: any generation error yields the fallback utterance
func (o *Orchestrator) generateReply(ctx context.Context, logger zerolog.Logger, turns []session.Turn) string {
	pctx, cancel := o.providerContext(ctx)
	defer cancel()

	reply, err := o.generator.Generate(pctx, BuildMessages(o.cfg.SystemPrompt, turns))
	if err == nil {
		reply = strings.TrimSpace(reply)
	}
	if err != nil || reply == "" {
		if err == nil {
			err = llm.ErrEmptyReply
		}
		genErr := newError(KindGeneration, opSubmitText, err)
		observability.RecordGenerationFallback()
		observability.RecordRequestError(string(KindGeneration), opSubmitText)
		logger.Warn().Err(genErr).Msg("Reply generation failed, using fallback")
		return o.cfg.FallbackText
	}
	return reply
}

func (o *Orchestrator) synthesize(ctx context.Context, text string) (tts.AudioRef, error) {
	var ref tts.AudioRef
	attempt := func(ctx context.Context) error {
		pctx, cancel := o.providerContext(ctx)
		defer cancel()

		var err error
		ref, err = o.synthesizer.Synthesize(pctx, text)
		return err
	}

	var err error
	if o.cfg.SynthesisRetry != nil {
		err = resilience.Retry(ctx, attempt, o.cfg.SynthesisRetry, resilience.IsRetryableNetworkError)
	} else {
		err = attempt(ctx)
	}
	return ref, err
}

func (o *Orchestrator) transcribe(ctx context.Context, audio []byte) (string, error) {
	if o.cfg.SpeechDetector != nil {
		speech, err := o.cfg.SpeechDetector.ContainsSpeech(audio)
		switch {
		case err != nil:
			logger := o.logger(ctx, "")
			logger.Debug().Err(err).Msg("Speech detection skipped")
		case !speech:
			observability.RecordSilentRecording()
			return "", nil
		}
	}

	pctx, cancel := o.providerContext(ctx)
	defer cancel()

	transcript, err := o.transcriber.Transcribe(pctx, audio)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(transcript), nil
}

func (o *Orchestrator) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.ProviderTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.ProviderTimeout)
}

// lockTurn blocks until no other exchange is running on callID.
// Lock entries are dropped once no request holds or waits for them.
func (o *Orchestrator) lockTurn(callID string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[callID]
	if !ok {
		l = &turnLock{}
		o.locks[callID] = l
	}
	l.refs++
	o.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		o.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, callID)
		}
		o.locksMu.Unlock()
	}
}

func (o *Orchestrator) fail(err *Error) error {
	observability.RecordRequestError(string(err.Kind), err.Op)
	return err
}

func (o *Orchestrator) logger(ctx context.Context, callID string) zerolog.Logger {
	lc := observability.FromContext(ctx).With().Str("component", "orchestrator")
	if callID != "" {
		lc = lc.Str("call_id", callID)
	}
	return lc.Logger()
}

// IsClientError reports whether err was caused by the request rather than
// a provider
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindInvalidInput, KindNotFound:
		return true
	}
	return errors.Is(err, context.Canceled)
}
