package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/voice-session/internal/llm"
	"github.com/lexiqai/voice-session/internal/resilience"
	"github.com/lexiqai/voice-session/internal/session"
)

const (
	testGreeting = "Hello, thank you for calling. May I know your name please?"
	testFallback = "Thank you. Our team will follow up with you shortly. Have a great day."
	testPrompt   = "You are a professional business receptionist."
)

type harness struct {
	store *session.Store
	stt   *fakeTranscriber
	llm   *fakeGenerator
	tts   *fakeSynthesizer
	orch  *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: session.NewStore(),
		stt:   &fakeTranscriber{text: "My name is Asha"},
		llm:   &fakeGenerator{reply: "Nice to meet you, Asha. How can I help?"},
		tts:   &fakeSynthesizer{},
	}
	h.orch = New(h.store, h.stt, h.llm, h.tts, Config{
		GreetingText:    testGreeting,
		FallbackText:    testFallback,
		SystemPrompt:    testPrompt,
		ProviderTimeout: time.Second,
	})
	return h
}

func (h *harness) start(t *testing.T) string {
	t.Helper()
	reply, err := h.orch.StartCall(context.Background())
	if err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	return reply.CallID
}

func (h *harness) turns(t *testing.T, callID string) []session.Turn {
	t.Helper()
	call, err := h.store.Get(callID)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", callID, err)
	}
	return call.Turns
}

func TestStartCall(t *testing.T) {
	h := newHarness(t)

	reply, err := h.orch.StartCall(context.Background())
	if err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	if reply.CallID == "" || reply.Text != testGreeting || reply.AudioURL == "" {
		t.Errorf("Unexpected reply %+v", reply)
	}

	turns := h.turns(t, reply.CallID)
	if len(turns) != 1 {
		t.Fatalf("Expected exactly 1 turn, got %d", len(turns))
	}
	if turns[0] != (session.Turn{Role: session.RoleAssistant, Text: testGreeting}) {
		t.Errorf("Unexpected greeting turn %+v", turns[0])
	}
	if h.llm.calls != 0 {
		t.Error("Expected no reply generation for the greeting")
	}
}

func TestStartCall_SynthesisFailure(t *testing.T) {
	h := newHarness(t)
	h.tts.err = errors.New("cartesia down")

	_, err := h.orch.StartCall(context.Background())
	if KindOf(err) != KindSynthesis {
		t.Fatalf("Expected SynthesisError, got %v", err)
	}
	if h.store.Len() != 0 {
		t.Errorf("Expected no registered call, got %d", h.store.Len())
	}
}

func TestSubmitText_Scenario(t *testing.T) {
	h := newHarness(t)
	callID := h.start(t)

	reply, err := h.orch.SubmitText(context.Background(), callID, "My name is Asha")
	if err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}
	if reply.Text != "Nice to meet you, Asha. How can I help?" || reply.AudioURL == "" {
		t.Errorf("Unexpected reply %+v", reply)
	}

	turns := h.turns(t, callID)
	want := []session.Turn{
		{Role: session.RoleAssistant, Text: testGreeting},
		{Role: session.RoleCaller, Text: "My name is Asha"},
		{Role: session.RoleAssistant, Text: "Nice to meet you, Asha. How can I help?"},
	}
	if len(turns) != len(want) {
		t.Fatalf("Expected %d turns, got %d", len(want), len(turns))
	}
	for i := range want {
		if turns[i] != want[i] {
			t.Errorf("Turn %d: expected %+v, got %+v", i, want[i], turns[i])
		}
	}

	h.orch.EndCall(context.Background(), callID)

	_, err = h.orch.SubmitText(context.Background(), callID, "hi")
	if KindOf(err) != KindNotFound {
		t.Errorf("Expected NotFound after EndCall, got %v", err)
	}
}

func TestSubmitText_HistoryMapping(t *testing.T) {
	h := newHarness(t)
	callID := h.start(t)

	if _, err := h.orch.SubmitText(context.Background(), callID, "My name is Asha"); err != nil {
		t.Fatalf("SubmitText failed: %v", err)
	}

	got := h.llm.lastMessages()
	want := []llm.Message{
		{Role: llm.RoleSystem, Content: testPrompt},
		{Role: llm.RoleAssistant, Content: testGreeting},
		{Role: llm.RoleUser, Content: "My name is Asha"},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d messages, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Message %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestSubmitText_TurnCountProperty(t *testing.T) {
	h := newHarness(t)
	callID := h.start(t)

	// Synthesis fails on exchanges 2 and 4
	failing := map[int]bool{2: true, 4: true}
	successes, failures := 0, 0
	for i := 1; i <= 6; i++ {
		if failing[i] {
			h.tts.setErr(errors.New("synthesis failed"))
		} else {
			h.tts.setErr(nil)
		}

		_, err := h.orch.SubmitText(context.Background(), callID, fmt.Sprintf("utterance %d", i))
		switch {
		case err == nil:
			successes++
		case KindOf(err) == KindSynthesis:
			failures++
		default:
			t.Fatalf("Unexpected error on exchange %d: %v", i, err)
		}
	}

	// Greeting plus two turns per success and one per synthesis failure
	want := 1 + 2*successes + failures
	if got := len(h.turns(t, callID)); got != want {
		t.Errorf("Expected %d turns, got %d", want, got)
	}
}

func TestSubmitText_SynthesisFailureKeepsCallerTurn(t *testing.T) {
	h := newHarness(t)
	callID := h.start(t)
	h.tts.setErr(errors.New("cartesia: status 500"))

	_, err := h.orch.SubmitText(context.Background(), callID, "Can I book for Tuesday?")
	if KindOf(err) != KindSynthesis {
		t.Fatalf("Expected SynthesisError, got %v", err)
	}

	turns := h.turns(t, callID)
	if len(turns) != 2 || turns[1].Role != session.RoleCaller {
		t.Fatalf("Expected greeting plus caller turn only, got %+v", turns)
	}

	// The call stays usable
	h.tts.setErr(nil)
	if _, err := h.orch.SubmitText(context.Background(), callID, "Hello?"); err != nil {
		t.Fatalf("Expected call to remain usable, got %v", err)
	}
	if got := len(h.turns(t, callID)); got != 4 {
		t.Errorf("Expected 4 turns, got %d", got)
	}
}

func TestSubmitText_GenerationFallback(t *testing.T) {
	tests := []struct {
		name string
		gen  *fakeGenerator
	}{
		{"provider error", &fakeGenerator{err: errors.New("openai: status 500")}},
		{"empty reply", &fakeGenerator{reply: "   "}},
		{"circuit open", &fakeGenerator{err: resilience.ErrCircuitOpen}},
		{"timeout", &fakeGenerator{block: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.orch = New(h.store, h.stt, tt.gen, h.tts, Config{
				GreetingText:    testGreeting,
				FallbackText:    testFallback,
				ProviderTimeout: 50 * time.Millisecond,
			})
			callID := h.start(t)

			reply, err := h.orch.SubmitText(context.Background(), callID, "My name is Asha")
			if err != nil {
				t.Fatalf("Expected generation failure to be recovered, got %v", err)
			}
			if reply.Text != testFallback {
				t.Errorf("Expected fallback utterance, got %q", reply.Text)
			}

			turns := h.turns(t, callID)
			if len(turns) != 3 || turns[2].Text != testFallback {
				t.Errorf("Expected fallback recorded as assistant turn, got %+v", turns)
			}
			if h.tts.texts[len(h.tts.texts)-1] != testFallback {
				t.Error("Expected fallback utterance to be synthesized")
			}
		})
	}
}

func TestSubmitText_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		callID string
		text   string
		want   error
	}{
		{"both empty", "", "", ErrMissingCallID},
		{"blank text", "valid", "   ", ErrEmptyText},
		{"missing call id", "", "hello", ErrMissingCallID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			callID := h.start(t)
			if tt.callID == "valid" {
				tt.callID = callID
			}

			_, err := h.orch.SubmitText(context.Background(), tt.callID, tt.text)
			if KindOf(err) != KindInvalidInput || !errors.Is(err, tt.want) {
				t.Errorf("Expected InvalidInput(%v), got %v", tt.want, err)
			}
			if got := len(h.turns(t, callID)); got != 1 {
				t.Errorf("Expected no mutation, got %d turns", got)
			}
			if h.llm.calls != 0 {
				t.Error("Expected no provider calls")
			}
		})
	}
}

func TestSubmit_UnknownCall(t *testing.T) {
	h := newHarness(t)
	liveID := h.start(t)

	_, err := h.orch.SubmitText(context.Background(), "does-not-exist", "hi")
	if KindOf(err) != KindNotFound || !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}

	_, err = h.orch.SubmitAudio(context.Background(), "does-not-exist", []byte("audio"))
	if KindOf(err) != KindNotFound {
		t.Errorf("Expected NotFound, got %v", err)
	}

	if h.stt.callCount() != 0 || h.llm.calls != 0 {
		t.Error("Expected no provider calls for an unknown call")
	}
	if h.store.Len() != 1 || len(h.turns(t, liveID)) != 1 {
		t.Error("Expected store unchanged")
	}
}

func TestSubmitAudio(t *testing.T) {
	h := newHarness(t)
	callID := h.start(t)

	reply, err := h.orch.SubmitAudio(context.Background(), callID, []byte("RIFF...."))
	if err != nil {
		t.Fatalf("SubmitAudio failed: %v", err)
	}
	if reply.Transcript != "My name is Asha" {
		t.Errorf("Expected transcript in reply, got %q", reply.Transcript)
	}

	turns := h.turns(t, callID)
	if len(turns) != 3 || turns[1].Text != "My name is Asha" {
		t.Errorf("Expected transcript recorded as caller turn, got %+v", turns)
	}
}

func TestSubmitAudio_Failures(t *testing.T) {
	tests := []struct {
		name     string
		audio    []byte
		stt      *fakeTranscriber
		detector SpeechDetector
		wantKind Kind
		wantErr  error
	}{
		{"empty audio", nil, &fakeTranscriber{text: "hi"}, nil, KindInvalidInput, ErrEmptyAudio},
		{"transcription error", []byte("x"), &fakeTranscriber{err: errors.New("deepgram down")}, nil, KindTranscription, nil},
		{"transcription timeout", []byte("x"), &fakeTranscriber{block: true}, nil, KindTranscription, context.DeadlineExceeded},
		{"no speech", []byte("x"), &fakeTranscriber{text: "  "}, nil, KindTranscription, ErrNoSpeech},
		{"silent recording", []byte("x"), &fakeTranscriber{text: "hi"}, fakeDetector{speech: false}, KindTranscription, ErrNoSpeech},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.orch = New(h.store, tt.stt, h.llm, h.tts, Config{
				GreetingText:    testGreeting,
				FallbackText:    testFallback,
				ProviderTimeout: 50 * time.Millisecond,
				SpeechDetector:  tt.detector,
			})
			callID := h.start(t)

			start := time.Now()
			_, err := h.orch.SubmitAudio(context.Background(), callID, tt.audio)
			if KindOf(err) != tt.wantKind {
				t.Errorf("Expected %s, got %v", tt.wantKind, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("Expected provider timeout to bound the request, took %v", elapsed)
			}
			if got := len(h.turns(t, callID)); got != 1 {
				t.Errorf("Expected nothing recorded, got %d turns", got)
			}
			if h.llm.calls != 0 {
				t.Error("Expected no reply generated")
			}
		})
	}
}

func TestSubmitAudio_SpeechDetector(t *testing.T) {
	tests := []struct {
		name      string
		detector  SpeechDetector
		wantErr   error
		wantCalls int
	}{
		{"silent recording skips transcriber", fakeDetector{speech: false}, ErrNoSpeech, 0},
		{"speech is transcribed", fakeDetector{speech: true}, nil, 1},
		{"unjudgeable recording is transcribed", fakeDetector{err: errors.New("not a RIFF/WAVE file")}, nil, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.orch = New(h.store, h.stt, h.llm, h.tts, Config{
				GreetingText:   testGreeting,
				FallbackText:   testFallback,
				SpeechDetector: tt.detector,
			})
			callID := h.start(t)

			_, err := h.orch.SubmitAudio(context.Background(), callID, []byte("recording"))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("SubmitAudio failed: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if got := h.stt.callCount(); got != tt.wantCalls {
				t.Errorf("Expected %d transcriber calls, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestTranscribe_SilentRecording(t *testing.T) {
	h := newHarness(t)
	h.orch = New(h.store, h.stt, h.llm, h.tts, Config{SpeechDetector: fakeDetector{speech: false}})

	text, err := h.orch.Transcribe(context.Background(), []byte("recording"))
	if err != nil || text != "" {
		t.Errorf("Expected empty transcript, got %q, %v", text, err)
	}
	if h.stt.callCount() != 0 {
		t.Error("Expected transcriber not called for a silent recording")
	}
}

func TestTranscribe(t *testing.T) {
	h := newHarness(t)

	text, err := h.orch.Transcribe(context.Background(), []byte("audio"))
	if err != nil || text != "My name is Asha" {
		t.Errorf("Expected transcript, got %q, %v", text, err)
	}

	if _, err := h.orch.Transcribe(context.Background(), nil); KindOf(err) != KindInvalidInput {
		t.Errorf("Expected InvalidInput, got %v", err)
	}

	h.stt.err = errors.New("deepgram: status 502")
	if _, err := h.orch.Transcribe(context.Background(), []byte("audio")); KindOf(err) != KindTranscription {
		t.Errorf("Expected TranscriptionError, got %v", err)
	}
	if h.store.Len() != 0 {
		t.Error("Expected Transcribe not to register calls")
	}
}

func TestEndCall_Idempotent(t *testing.T) {
	h := newHarness(t)
	callID := h.start(t)

	h.orch.EndCall(context.Background(), callID)
	h.orch.EndCall(context.Background(), callID)
	h.orch.EndCall(context.Background(), "never-existed")
	h.orch.EndCall(context.Background(), "")

	if h.store.Len() != 0 {
		t.Errorf("Expected no calls, got %d", h.store.Len())
	}
	if _, err := h.orch.GetCall(callID); KindOf(err) != KindNotFound {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestSubmitText_EndedDuringSynthesis(t *testing.T) {
	h := newHarness(t)
	callID := h.start(t)

	h.orch.synthesizer = synthesizerFunc(func(ctx context.Context, text string) error {
		h.orch.EndCall(ctx, callID)
		return nil
	})

	_, err := h.orch.SubmitText(context.Background(), callID, "hello")
	if KindOf(err) != KindNotFound {
		t.Errorf("Expected NotFound when the call ends mid-exchange, got %v", err)
	}
	if h.store.Len() != 0 {
		t.Error("Expected the ended call to stay removed")
	}
}

func TestSynthesisRetry(t *testing.T) {
	h := newHarness(t)
	h.tts.err = resilience.NewRetryableError(errors.New("cartesia: status 503"))
	h.tts.failures = 2
	h.orch.cfg.SynthesisRetry = &resilience.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}

	if _, err := h.orch.StartCall(context.Background()); err != nil {
		t.Fatalf("Expected retry to recover, got %v", err)
	}
	if h.tts.callCount() != 3 {
		t.Errorf("Expected 3 synthesis attempts, got %d", h.tts.callCount())
	}
}

func TestSynthesis_NoRetryByDefault(t *testing.T) {
	h := newHarness(t)
	h.tts.err = resilience.NewRetryableError(errors.New("cartesia: status 503"))

	if _, err := h.orch.StartCall(context.Background()); KindOf(err) != KindSynthesis {
		t.Fatalf("Expected SynthesisError, got %v", err)
	}
	if h.tts.callCount() != 1 {
		t.Errorf("Expected a single synthesis attempt, got %d", h.tts.callCount())
	}
}

func TestSynthesis_Timeout(t *testing.T) {
	h := newHarness(t)
	h.tts.block = true
	h.orch.cfg.ProviderTimeout = 30 * time.Millisecond

	start := time.Now()
	_, err := h.orch.StartCall(context.Background())
	if KindOf(err) != KindSynthesis || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected SynthesisError from timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Expected provider timeout to bound the request")
	}
}

func TestSubmitText_ConcurrentSameCall(t *testing.T) {
	h := newHarness(t)
	callID := h.start(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.SubmitText(context.Background(), callID, fmt.Sprintf("message %d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("SubmitText failed: %v", err)
		}
	}

	// Exchanges are serialized, so turns strictly alternate after the greeting
	turns := h.turns(t, callID)
	if len(turns) != 1+2*n {
		t.Fatalf("Expected %d turns, got %d", 1+2*n, len(turns))
	}
	for i := 1; i < len(turns); i += 2 {
		if turns[i].Role != session.RoleCaller || turns[i+1].Role != session.RoleAssistant {
			t.Fatalf("Expected caller/assistant pair at %d, got %s/%s", i, turns[i].Role, turns[i+1].Role)
		}
	}

	h.orch.locksMu.Lock()
	defer h.orch.locksMu.Unlock()
	if len(h.orch.locks) != 0 {
		t.Errorf("Expected turn locks to be released, %d remain", len(h.orch.locks))
	}
}

func TestSubmitText_ConcurrentCallsIndependent(t *testing.T) {
	h := newHarness(t)

	const calls = 10
	ids := make([]string, calls)
	for i := range ids {
		ids[i] = h.start(t)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := h.orch.SubmitText(context.Background(), id, "hello"); err != nil {
					t.Errorf("SubmitText failed: %v", err)
				}
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		if got := len(h.turns(t, id)); got != 7 {
			t.Errorf("Call %s: expected 7 turns, got %d", id, got)
		}
	}
}

func TestBuildMessages_NoSystemPrompt(t *testing.T) {
	msgs := BuildMessages("", []session.Turn{{Role: session.RoleCaller, Text: "hi"}})
	if len(msgs) != 1 || msgs[0].Role != llm.RoleUser {
		t.Errorf("Unexpected messages %+v", msgs)
	}
}

func TestError(t *testing.T) {
	err := newError(KindSynthesis, opSubmitText, errors.New("boom"))
	if err.Error() != "submit_text: synthesis_error: boom" {
		t.Errorf("Unexpected message %q", err.Error())
	}

	wrapped := fmt.Errorf("handler: %w", err)
	if KindOf(wrapped) != KindSynthesis {
		t.Error("Expected KindOf to see through wrapping")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("Expected empty kind for foreign errors")
	}
	if !IsClientError(newError(KindNotFound, opGetCall, session.ErrNotFound)) || IsClientError(err) {
		t.Error("Unexpected IsClientError classification")
	}
}
