package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/lexiqai/voice-session/internal/llm"
	"github.com/lexiqai/voice-session/internal/tts"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	block bool // wait for ctx to end
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	text, err, block := f.text, f.err, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return text, err
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	block    bool // wait for ctx to end
	calls    int
	messages [][]llm.Message
}

func (f *fakeGenerator) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	f.mu.Lock()
	f.calls++
	f.messages = append(f.messages, messages)
	reply, err, block := f.reply, f.err, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return reply, err
}

func (f *fakeGenerator) lastMessages() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil
	}
	return f.messages[len(f.messages)-1]
}

type fakeSynthesizer struct {
	mu       sync.Mutex
	err      error
	failures int // fail this many calls before succeeding, when err is set
	block    bool
	calls    int
	texts    []string
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) (tts.AudioRef, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.texts = append(f.texts, text)
	err, failures, block := f.err, f.failures, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return tts.AudioRef{}, ctx.Err()
	}
	if err != nil && (failures == 0 || n <= failures) {
		return tts.AudioRef{}, err
	}

	name := fmt.Sprintf("utterance-%d.wav", n)
	return tts.AudioRef{FileName: name, URL: "/audio/" + name}, nil
}

func (f *fakeSynthesizer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSynthesizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// synthesizerFunc adapts a hook into a Synthesizer that succeeds unless
// the hook fails
type synthesizerFunc func(ctx context.Context, text string) error

func (f synthesizerFunc) Synthesize(ctx context.Context, text string) (tts.AudioRef, error) {
	if err := f(ctx, text); err != nil {
		return tts.AudioRef{}, err
	}
	return tts.AudioRef{FileName: "hook.wav", URL: "/audio/hook.wav"}, nil
}

// fakeDetector judges every recording the same way
type fakeDetector struct {
	speech bool
	err    error
}

func (f fakeDetector) ContainsSpeech(recording []byte) (bool, error) {
	return f.speech, f.err
}
