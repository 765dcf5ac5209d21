package vad

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/murmurlabs/murmur/internal/audio"
	"github.com/murmurlabs/murmur/internal/config"
)

// Segmenter turns a continuous chunk stream into bounded speech segments. A
// chunk whose energy exceeds the start threshold opens a segment; the segment
// closes once energy stays below the sustain threshold for the configured
// silence duration. Segments shorter than the minimum recording time are
// discarded as false triggers.
//
// Process is strictly sequential: the caller must feed chunks one at a time, in
// arrival order. Only the observation helpers (State, Finalized, Discarded) are
// safe from other goroutines.
type Segmenter struct {
	cfg      config.VADConfig
	audioCfg config.AudioConfig
	log      *slog.Logger
	emit     func(*audio.Segment)
	clock    func() time.Time

	recording  bool
	buffer     []byte
	preroll    [][]byte
	startedAt  time.Time
	speechDur  time.Duration
	bufferDur  time.Duration
	silenceDur time.Duration
	counter    int

	recordingFlag atomic.Bool
	finalized     atomic.Uint64
	discarded     atomic.Uint64
}

func New(cfg config.VADConfig, audioCfg config.AudioConfig, log *slog.Logger, emit func(*audio.Segment)) *Segmenter {
	return &Segmenter{
		cfg:      cfg,
		audioCfg: audioCfg,
		log:      log,
		emit:     emit,
		clock:    time.Now,
	}
}

// Run reads chunks from src until ctx is cancelled or the device fails. A
// device failure is fatal and surfaces as *audio.DeviceError; the segmenter
// never retries capture itself.
func (s *Segmenter) Run(ctx context.Context, src audio.Source) error {
	for {
		chunk, err := src.ReadChunk(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				s.log.Info("audio stream ended")
				return nil
			}
			var devErr *audio.DeviceError
			if errors.As(err, &devErr) {
				return err
			}
			return &audio.DeviceError{Op: "read", Err: err}
		}
		if err := s.Process(chunk); err != nil {
			return err
		}
	}
}

// Process drives the state machine with one chunk.
func (s *Segmenter) Process(chunk audio.Chunk) error {
	if chunk.Samples() == 0 {
		return nil
	}
	energy := chunk.Energy()
	chunkDur := time.Duration(chunk.Samples()/s.audioCfg.Channels) * time.Second / time.Duration(s.audioCfg.SampleRate)

	if !s.recording {
		if energy >= s.cfg.StartThreshold {
			s.startRecording(chunk, chunkDur)
			return nil
		}
		s.pushPreroll(chunk)
		return nil
	}

	s.buffer = append(s.buffer, chunk.PCM...)
	s.bufferDur += chunkDur

	if energy >= s.cfg.SustainThreshold {
		s.silenceDur = 0
		s.speechDur = s.bufferDur
		return nil
	}

	s.silenceDur += chunkDur
	if s.silenceDur >= time.Duration(s.cfg.SilenceDurationMS)*time.Millisecond {
		return s.stopRecording()
	}
	return nil
}

func (s *Segmenter) startRecording(chunk audio.Chunk, chunkDur time.Duration) {
	s.recording = true
	s.recordingFlag.Store(true)
	s.startedAt = s.clock()
	s.buffer = s.buffer[:0]
	s.bufferDur = 0
	s.silenceDur = 0

	for _, pre := range s.preroll {
		s.buffer = append(s.buffer, pre...)
		s.bufferDur += time.Duration(len(pre)/2/s.audioCfg.Channels) * time.Second / time.Duration(s.audioCfg.SampleRate)
	}
	s.preroll = s.preroll[:0]

	s.buffer = append(s.buffer, chunk.PCM...)
	s.bufferDur += chunkDur
	s.speechDur = s.bufferDur

	s.log.Debug("recording started", slog.Int("preroll_ms", int(s.bufferDur.Milliseconds())))
}

func (s *Segmenter) stopRecording() error {
	defer func() {
		s.recording = false
		s.recordingFlag.Store(false)
		s.buffer = s.buffer[:0]
		s.bufferDur = 0
		s.silenceDur = 0
		s.speechDur = 0
	}()

	minDur := time.Duration(s.cfg.MinRecordingMS) * time.Millisecond
	if s.speechDur < minDur {
		s.discarded.Add(1)
		s.log.Debug("segment discarded",
			slog.Int64("speech_ms", s.speechDur.Milliseconds()),
			slog.Int64("min_ms", minDur.Milliseconds()))
		return nil
	}

	s.counter++
	name := fmt.Sprintf("audio_%04d.wav", s.counter)
	seg, err := audio.WriteSegment(s.audioCfg.TempDir, name, s.buffer, s.audioCfg.SampleRate, s.audioCfg.Channels, s.startedAt)
	if err != nil {
		// disk failure finalizing a segment loses that segment only
		s.discarded.Add(1)
		s.log.Error("segment finalize failed", slog.String("error", err.Error()))
		return nil
	}

	s.finalized.Add(1)
	s.log.Info("segment finalized",
		slog.String("file", name),
		slog.Int64("duration_ms", seg.Duration.Milliseconds()))
	if s.emit != nil {
		s.emit(seg)
	}
	return nil
}

func (s *Segmenter) pushPreroll(chunk audio.Chunk) {
	if s.cfg.PrerollChunks <= 0 {
		return
	}
	pcm := append([]byte(nil), chunk.PCM...)
	s.preroll = append(s.preroll, pcm)
	if len(s.preroll) > s.cfg.PrerollChunks {
		s.preroll = s.preroll[1:]
	}
}

// State reports "recording" or "idle".
func (s *Segmenter) State() string {
	if s.recordingFlag.Load() {
		return "recording"
	}
	return "idle"
}

// Finalized returns the number of segments handed to the listener.
func (s *Segmenter) Finalized() uint64 {
	return s.finalized.Load()
}

// Discarded returns the number of segments dropped as false triggers.
func (s *Segmenter) Discarded() uint64 {
	return s.discarded.Load()
}
