package audio

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Chunk is one fixed-duration span of 16-bit little-endian PCM read from the
// capture device. Chunks are handed to the segmenter in arrival order.
type Chunk struct {
	PCM []byte
}

// Energy returns the mean absolute amplitude of the chunk's samples.
func (c Chunk) Energy() int {
	if len(c.PCM) < 2 {
		return 0
	}
	n := len(c.PCM) / 2
	var sum int64
	for i := 0; i < n; i++ {
		sample := int64(int16(binary.LittleEndian.Uint16(c.PCM[i*2:])))
		if sample < 0 {
			sample = -sample
		}
		sum += sample
	}
	return int(sum / int64(n))
}

// Samples returns the number of samples in the chunk.
func (c Chunk) Samples() int {
	return len(c.PCM) / 2
}

// Source abstracts the capture device. ReadChunk blocks until a full chunk is
// available or the context is cancelled.
type Source interface {
	ReadChunk(ctx context.Context) (Chunk, error)
	Close() error
}

// DeviceError reports a capture device failure. It is fatal: the segmenter does
// not retry and the supervisor is expected to restart capture.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
