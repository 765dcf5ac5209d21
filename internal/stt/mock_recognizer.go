package stt

import (
	"context"
	"fmt"
	"path/filepath"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that echoes the segment file name.
// Used in development and tests when no speech engine is installed.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, wavPath string) (string, error) {
	return fmt.Sprintf("mock transcript for %s", filepath.Base(wavPath)), nil
}
