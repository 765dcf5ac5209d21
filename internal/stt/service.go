package stt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/murmurlabs/murmur/internal/audio"
	"github.com/murmurlabs/murmur/internal/config"
	"github.com/murmurlabs/murmur/internal/protocol"
)

// Transcriber consumes finalized segments one at a time, runs the speech
// engine, and emits transcript records for anything that survives marker
// filtering. The segment's backing file is deleted on every exit path.
type Transcriber struct {
	cfg   config.STTConfig
	rec   Recognizer
	log   *slog.Logger
	emit  func(protocol.Transcript)
	clock func() time.Time

	segments chan *audio.Segment

	produced atomic.Uint64
	empty    atomic.Uint64
	failed   atomic.Uint64
}

// NewTranscriber wires a recognizer to an emit callback. Segments are queued on
// a bounded channel; Submit blocks when transcription falls behind, which
// preserves the one-segment-at-a-time ordering guarantee.
func NewTranscriber(cfg config.STTConfig, rec Recognizer, log *slog.Logger, emit func(protocol.Transcript)) *Transcriber {
	return &Transcriber{
		cfg:      cfg,
		rec:      rec,
		log:      log,
		emit:     emit,
		clock:    time.Now,
		segments: make(chan *audio.Segment, 8),
	}
}

// Submit hands a finalized segment to the transcriber.
func (t *Transcriber) Submit(ctx context.Context, seg *audio.Segment) error {
	select {
	case t.segments <- seg:
		return nil
	case <-ctx.Done():
		_ = seg.Delete()
		return ctx.Err()
	}
}

// Run processes segments until ctx is cancelled. Per-segment failures are
// logged and never halt the loop.
func (t *Transcriber) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			t.drain()
			return ctx.Err()
		case seg := <-t.segments:
			t.process(ctx, seg)
		}
	}
}

func (t *Transcriber) drain() {
	for {
		select {
		case seg := <-t.segments:
			_ = seg.Delete()
		default:
			return
		}
	}
}

func (t *Transcriber) process(ctx context.Context, seg *audio.Segment) {
	defer func() {
		if err := seg.Delete(); err != nil {
			t.log.Warn("segment cleanup failed", slog.String("error", err.Error()))
		}
	}()

	engineCtx, cancel := context.WithTimeout(ctx, time.Duration(t.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	started := t.clock()
	raw, err := t.rec.Transcribe(engineCtx, seg.Path)
	if err != nil {
		t.failed.Add(1)
		var trErr *TranscriptionError
		if errors.As(err, &trErr) {
			t.log.Error("transcription failed",
				slog.Int("exit_code", trErr.ExitCode),
				slog.String("error", trErr.Error()))
		} else {
			t.log.Error("transcription failed", slog.String("error", err.Error()))
		}
		return
	}

	text := FilterMarkers(raw)
	if text == "" {
		t.empty.Add(1)
		t.log.Debug("no speech detected", slog.String("file", seg.Path))
		return
	}

	t.produced.Add(1)
	t.log.Info("transcript produced",
		slog.Int("chars", len(text)),
		slog.Int64("engine_ms", time.Since(started).Milliseconds()))

	if t.emit != nil {
		t.emit(protocol.Transcript{
			Text:             text,
			Timestamp:        t.clock().UTC(),
			SourceDurationMS: seg.Duration.Milliseconds(),
		})
	}
}

// Produced returns the number of transcripts emitted.
func (t *Transcriber) Produced() uint64 { return t.produced.Load() }

// Empty returns the number of segments with no detected speech.
func (t *Transcriber) Empty() uint64 { return t.empty.Load() }

// Failed returns the number of engine failures.
func (t *Transcriber) Failed() uint64 { return t.failed.Load() }

// FilterMarkers strips engine diagnostics from raw output: bracketed
// non-speech markers like [BLANK_AUDIO] or (music), and blank lines. What
// remains is joined into a single line.
func FilterMarkers(raw string) string {
	var kept []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if isMarker(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, " ")
}

func isMarker(line string) bool {
	if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
		return true
	}
	if strings.HasPrefix(line, "(") && strings.HasSuffix(line, ")") {
		return true
	}
	// whisper.cpp prints timing diagnostics to stdout in some builds
	if strings.HasPrefix(line, "whisper_") || strings.HasPrefix(line, "main:") {
		return true
	}
	return false
}
