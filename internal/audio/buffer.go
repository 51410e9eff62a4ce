package audio

import (
	"fmt"
	"sync"
	"time"
)

// Buffer accumulates captured PCM and cuts it into fixed-size, frame-aligned
// chunks. Capture reads may split frames arbitrarily; the buffer only ever
// cuts on chunk boundaries, which are whole frames.
type Buffer struct {
	format    PCMFormat
	chunkSize int

	data []byte

	// Statistics
	totalBytes uint64
	chunksCut  uint64
	bytesDrop  uint64
	lastUpdate time.Time

	mu sync.Mutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	ChunkSize    int    `json:"chunk_size_bytes"`
	Buffered     int    `json:"buffered_bytes"`
	TotalBytes   uint64 `json:"total_bytes"`
	ChunksCut    uint64 `json:"chunks_cut"`
	DroppedBytes uint64 `json:"dropped_bytes"`
}

// NewBuffer creates a buffer that emits chunks of chunkDuration audio
func NewBuffer(format PCMFormat, chunkDuration time.Duration) (*Buffer, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	chunkSize := format.BytesFor(chunkDuration)
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk duration %v is shorter than one frame", chunkDuration)
	}

	return &Buffer{
		format:     format,
		chunkSize:  chunkSize,
		data:       make([]byte, 0, chunkSize),
		lastUpdate: time.Now(),
	}, nil
}

// Write appends captured bytes and returns every complete chunk that became
// available, oldest first
func (b *Buffer) Write(p []byte) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	b.totalBytes += uint64(len(p))
	b.lastUpdate = time.Now()

	var chunks [][]byte
	for len(b.data) >= b.chunkSize {
		chunk := make([]byte, b.chunkSize)
		copy(chunk, b.data[:b.chunkSize])
		chunks = append(chunks, chunk)

		b.data = append(b.data[:0], b.data[b.chunkSize:]...)
		b.chunksCut++
	}

	return chunks
}

// Drain returns the buffered whole frames and empties the buffer. A trailing
// partial frame cannot be played back and is dropped.
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	frame := b.format.FrameSize()
	usable := len(b.data) - len(b.data)%frame
	b.bytesDrop += uint64(len(b.data) - usable)

	var out []byte
	if usable > 0 {
		out = make([]byte, usable)
		copy(out, b.data[:usable])
		b.chunksCut++
	}

	b.data = b.data[:0]
	return out
}

// Len returns the number of buffered bytes
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// ChunkSize returns the byte length of a full chunk
func (b *Buffer) ChunkSize() int {
	return b.chunkSize
}

// Stats returns buffer statistics
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BufferStats{
		ChunkSize:    b.chunkSize,
		Buffered:     len(b.data),
		TotalBytes:   b.totalBytes,
		ChunksCut:    b.chunksCut,
		DroppedBytes: b.bytesDrop,
	}
}
