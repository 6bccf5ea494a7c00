package orchestrator

import (
	"errors"
	"fmt"
)

// Kind classifies why a session operation failed
type Kind string

const (
	KindInvalidInput  Kind = "invalid_input"
	KindNotFound      Kind = "not_found"
	KindTranscription Kind = "transcription_error"
	KindGeneration    Kind = "generation_error"
	KindSynthesis     Kind = "synthesis_error"
)

var (
	ErrMissingCallID = errors.New("call_id is required")
	ErrEmptyText     = errors.New("caller text is empty")
	ErrEmptyAudio    = errors.New("audio payload is empty")
	ErrNoSpeech      = errors.New("no speech recognized")
)

// Error is returned by every Orchestrator operation that fails
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an orchestrator error, or "" for any other error
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
