package audio

import (
	"context"
	"errors"
	"io"

	"github.com/murmurlabs/murmur/internal/config"
)

// ReaderSource adapts a raw PCM stream (16-bit little-endian, as produced by
// `arecord -f S16_LE` or a capture sidecar) into fixed-duration chunks.
type ReaderSource struct {
	r         io.Reader
	chunkSize int
}

func NewReaderSource(r io.Reader, cfg config.AudioConfig) *ReaderSource {
	bytesPerSecond := cfg.SampleRate * cfg.Channels * 2
	return &ReaderSource{
		r:         r,
		chunkSize: bytesPerSecond * cfg.ChunkDurationMS / 1000,
	}
}

// ReadChunk blocks until a full chunk is read. A clean EOF on a chunk boundary
// returns io.EOF; a short read mid-chunk is a device error.
func (s *ReaderSource) ReadChunk(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	buf := make([]byte, s.chunkSize)
	n, err := io.ReadFull(s.r, buf)
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Chunk{}, io.EOF
		}
		return Chunk{}, &DeviceError{Op: "read", Err: err}
	}
	return Chunk{PCM: buf}, nil
}

func (s *ReaderSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
