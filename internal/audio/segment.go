package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Segment is a finalized span of speech, framed as a WAV file on disk. The file
// lives only until transcription consumes it.
type Segment struct {
	Path       string
	SampleRate int
	Channels   int
	Duration   time.Duration
	StartedAt  time.Time

	once    sync.Once
	delErr  error
	deleted bool
}

// Delete removes the backing file. Safe to call more than once; only the first
// call touches the filesystem.
func (s *Segment) Delete() error {
	s.once.Do(func() {
		s.delErr = os.Remove(s.Path)
		if os.IsNotExist(s.delErr) {
			s.delErr = nil
		}
		s.deleted = true
	})
	return s.delErr
}

// Deleted reports whether Delete has been called.
func (s *Segment) Deleted() bool {
	return s.deleted
}

// WriteSegment frames pcm as a WAV file under dir and returns the segment
// describing it.
func WriteSegment(dir, name string, pcm []byte, sampleRate, channels int, startedAt time.Time) (*Segment, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}

	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		os.Remove(path)
		return nil, err
	}

	samples := len(pcm) / 2 / channels
	duration := time.Duration(samples) * time.Second / time.Duration(sampleRate)
	return &Segment{
		Path:       path,
		SampleRate: sampleRate,
		Channels:   channels,
		Duration:   duration,
		StartedAt:  startedAt,
	}, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	buffer := &gaudio.IntBuffer{Format: &gaudio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
