package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/murmurlabs/murmur/internal/audio"
	"github.com/murmurlabs/murmur/internal/config"
	"github.com/murmurlabs/murmur/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSTTConfig() config.STTConfig {
	return config.STTConfig{Mode: "mock", Language: "en", Threads: 1, TimeoutMS: 5000}
}

func writeTestSegment(t *testing.T) *audio.Segment {
	t.Helper()
	seg, err := audio.WriteSegment(t.TempDir(), "seg.wav", make([]byte, 3200), 16000, 1, time.Now())
	if err != nil {
		t.Fatalf("write segment: %v", err)
	}
	return seg
}

type stubRecognizer struct {
	text string
	err  error
}

func (s stubRecognizer) Transcribe(context.Context, string) (string, error) {
	return s.text, s.err
}

func TestFilterMarkers(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"hello world", "hello world"},
		{"[BLANK_AUDIO]", ""},
		{"(music)", ""},
		{"  \n\n", ""},
		{"[BLANK_AUDIO]\nhello world\n(wind blowing)", "hello world"},
		{"whisper_print_timings: total time\nhello", "hello"},
		{"first line\nsecond line", "first line second line"},
	}
	for _, tc := range cases {
		if got := FilterMarkers(tc.raw); got != tc.want {
			t.Fatalf("FilterMarkers(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestProcessEmitsTranscriptAndDeletesSegment(t *testing.T) {
	var got []protocol.Transcript
	tr := NewTranscriber(testSTTConfig(), stubRecognizer{text: "hello world"}, testLogger(),
		func(rec protocol.Transcript) { got = append(got, rec) })

	seg := writeTestSegment(t)
	tr.process(context.Background(), seg)

	if len(got) != 1 {
		t.Fatalf("expected 1 transcript, got %d", len(got))
	}
	if got[0].Text != "hello world" {
		t.Fatalf("unexpected text: %q", got[0].Text)
	}
	if got[0].SourceDurationMS != seg.Duration.Milliseconds() {
		t.Fatalf("expected source duration %d, got %d", seg.Duration.Milliseconds(), got[0].SourceDurationMS)
	}
	if _, err := os.Stat(seg.Path); !os.IsNotExist(err) {
		t.Fatal("expected segment file deleted after success")
	}
	if tr.Produced() != 1 {
		t.Fatalf("expected produced counter 1, got %d", tr.Produced())
	}
}

func TestProcessNoSpeechDeletesSegmentWithoutEmit(t *testing.T) {
	var emitted int
	tr := NewTranscriber(testSTTConfig(), stubRecognizer{text: "[BLANK_AUDIO]"}, testLogger(),
		func(protocol.Transcript) { emitted++ })

	seg := writeTestSegment(t)
	tr.process(context.Background(), seg)

	if emitted != 0 {
		t.Fatal("no-speech segment must not emit a transcript")
	}
	if _, err := os.Stat(seg.Path); !os.IsNotExist(err) {
		t.Fatal("expected segment file deleted after no-speech")
	}
	if tr.Empty() != 1 {
		t.Fatalf("expected empty counter 1, got %d", tr.Empty())
	}
}

func TestProcessEngineErrorDeletesSegment(t *testing.T) {
	var emitted int
	engineErr := &TranscriptionError{ExitCode: 1, Stderr: "model load failed", Err: errors.New("exit status 1")}
	tr := NewTranscriber(testSTTConfig(), stubRecognizer{err: engineErr}, testLogger(),
		func(protocol.Transcript) { emitted++ })

	seg := writeTestSegment(t)
	tr.process(context.Background(), seg)

	if emitted != 0 {
		t.Fatal("engine failure must not emit a transcript")
	}
	if _, err := os.Stat(seg.Path); !os.IsNotExist(err) {
		t.Fatal("expected segment file deleted after engine failure")
	}
	if tr.Failed() != 1 {
		t.Fatalf("expected failed counter 1, got %d", tr.Failed())
	}
}

func TestRunProcessesSubmittedSegmentsInOrder(t *testing.T) {
	var got []protocol.Transcript
	done := make(chan struct{})
	tr := NewTranscriber(testSTTConfig(), NewMockRecognizer(), testLogger(),
		func(rec protocol.Transcript) {
			got = append(got, rec)
			if len(got) == 2 {
				close(done)
			}
		})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = tr.Run(ctx) }()

	dir := t.TempDir()
	for _, name := range []string{"audio_0001.wav", "audio_0002.wav"} {
		seg, err := audio.WriteSegment(dir, name, make([]byte, 3200), 16000, 1, time.Now())
		if err != nil {
			t.Fatalf("write segment: %v", err)
		}
		if err := tr.Submit(ctx, seg); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transcripts")
	}
	if got[0].Text != "mock transcript for audio_0001.wav" {
		t.Fatalf("segments processed out of order: %q", got[0].Text)
	}
	if got[1].Text != "mock transcript for audio_0002.wav" {
		t.Fatalf("segments processed out of order: %q", got[1].Text)
	}
}

func TestExecRecognizerRejectsEmptyCommand(t *testing.T) {
	cfg := testSTTConfig()
	cfg.Mode = "exec"
	cfg.Command = ""
	if _, err := NewExecRecognizer(cfg); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecRecognizerMissingBinary(t *testing.T) {
	cfg := testSTTConfig()
	cfg.Mode = "exec"
	cfg.Command = "/nonexistent/whisper-cli --no-prints"
	rec, err := NewExecRecognizer(cfg)
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	seg := writeTestSegment(t)
	t.Cleanup(func() { _ = seg.Delete() })

	_, err = rec.Transcribe(context.Background(), seg.Path)
	var trErr *TranscriptionError
	if !errors.As(err, &trErr) {
		t.Fatalf("expected TranscriptionError, got %v", err)
	}
}
