package stt

import (
	"context"
	"fmt"
)

// Recognizer abstracts the external speech engine. Transcribe blocks until the
// engine returns or ctx expires; raw output may still contain non-speech
// markers, which the Transcriber filters.
type Recognizer interface {
	Transcribe(ctx context.Context, wavPath string) (string, error)
}

// TranscriptionError reports an engine failure for one segment. The segment is
// discarded; there is no raw-audio retry path.
type TranscriptionError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *TranscriptionError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("transcription failed (exit %d): %v: %s", e.ExitCode, e.Err, e.Stderr)
	}
	return fmt.Sprintf("transcription failed (exit %d): %v", e.ExitCode, e.Err)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}
