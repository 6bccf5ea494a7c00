package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when there is nothing to transcribe
var ErrEmptyAudio = errors.New("empty audio")

// Transcriber converts one complete caller recording to text.
// A recording with no recognizable speech yields an empty transcript
// and a nil error.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}
