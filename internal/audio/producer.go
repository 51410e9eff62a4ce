package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

// Enqueuer durably stores produced chunks
type Enqueuer interface {
	Enqueue(ctx context.Context, c recording.Chunk) error
}

// ProducerConfig contains configuration for a chunk producer
type ProducerConfig struct {
	Key           recording.SessionKey
	Format        PCMFormat
	ChunkDuration time.Duration
	// StartOrder is the first order to hand out, normally 0. A session
	// resumed after a restart continues from the store's high-water mark.
	StartOrder int64
	// Envelope wraps payloads with capture metadata
	Envelope bool
}

// ProducerStats represents producer statistics for monitoring
type ProducerStats struct {
	ChunksProduced   uint64 `json:"chunks_produced"`
	BytesProduced    uint64 `json:"bytes_produced"`
	BytesWhilePaused uint64 `json:"bytes_discarded_while_paused"`
	NextOrder        int64  `json:"next_order"`
	Paused           bool   `json:"paused"`
}

// Producer slices a live capture into ordered chunks and hands each one to
// the local store before anything else happens to it. Orders are strictly
// increasing for the lifetime of the session and are never reused across
// pause and resume.
type Producer struct {
	config ProducerConfig
	buffer *Buffer
	store  Enqueuer
	logger *slog.Logger

	nextOrder  int64
	paused     bool
	chunkStart time.Time
	onChunk    func(recording.Chunk)
	now        func() time.Time

	stats ProducerStats

	mu sync.Mutex
}

// NewProducer creates a producer for one recording session
func NewProducer(config ProducerConfig, store Enqueuer, logger *slog.Logger) (*Producer, error) {
	if err := config.Key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	if config.StartOrder < 0 {
		return nil, fmt.Errorf("start order must not be negative, got %d", config.StartOrder)
	}
	if store == nil {
		return nil, fmt.Errorf("producer requires a chunk store")
	}

	buffer, err := NewBuffer(config.Format, config.ChunkDuration)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture buffer: %w", err)
	}

	return &Producer{
		config:    config,
		buffer:    buffer,
		store:     store,
		logger:    logger,
		nextOrder: config.StartOrder,
		now:       time.Now,
	}, nil
}

// OnChunk registers a callback invoked after each chunk is durably stored.
// The callback must not block.
func (p *Producer) OnChunk(fn func(recording.Chunk)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChunk = fn
}

// Write feeds captured PCM into the producer. Audio written while paused is
// discarded. A returned error is a *recording.CaptureError and capture must stop.
func (p *Producer) Write(ctx context.Context, pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused {
		p.stats.BytesWhilePaused += uint64(len(pcm))
		return nil
	}

	if p.chunkStart.IsZero() && len(pcm) > 0 {
		p.chunkStart = p.now()
	}

	for _, data := range p.buffer.Write(pcm) {
		if err := p.emitLocked(ctx, data); err != nil {
			return err
		}
	}

	return nil
}

// Pause emits the audio captured so far as its own chunk and starts
// discarding input until Resume
func (p *Producer) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused {
		return nil
	}

	if err := p.flushLocked(ctx); err != nil {
		return err
	}
	p.paused = true

	p.logger.Debug("Producer paused",
		slog.String("session_id", p.config.Key.SessionID),
		slog.Int64("next_order", p.nextOrder),
	)
	return nil
}

// Resume re-enables capture. Numbering continues where it stopped.
func (p *Producer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.paused = false
	p.chunkStart = time.Time{}
}

// Flush emits buffered audio as a final chunk. It is a no-op when nothing is buffered.
func (p *Producer) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(ctx)
}

func (p *Producer) flushLocked(ctx context.Context) error {
	data := p.buffer.Drain()
	if len(data) == 0 {
		p.chunkStart = time.Time{}
		return nil
	}
	if err := p.emitLocked(ctx, data); err != nil {
		return err
	}
	p.chunkStart = time.Time{}
	return nil
}

// emitLocked assigns the next order and enqueues the chunk. The order is only
// consumed once the chunk is durable.
func (p *Producer) emitLocked(ctx context.Context, data []byte) error {
	capturedAt := p.chunkStart
	if capturedAt.IsZero() {
		capturedAt = p.now()
	}

	payload := data
	if p.config.Envelope {
		wrapped, err := Wrap(EnvelopeMeta{
			SessionID:  p.config.Key.SessionID,
			Order:      p.nextOrder,
			CapturedAt: capturedAt.UTC(),
			SampleRate: p.config.Format.SampleRate,
			Channels:   p.config.Format.Channels,
			BitDepth:   p.config.Format.BitDepth,
			Encoding:   EncodingPCM,
		}, data)
		if err != nil {
			return &recording.CaptureError{Op: "wrap", Err: err}
		}
		payload = wrapped
	}

	chunk := recording.Chunk{
		SessionID:  p.config.Key.SessionID,
		PatientID:  p.config.Key.PatientID,
		Order:      p.nextOrder,
		Payload:    payload,
		CapturedAt: capturedAt,
		Enveloped:  p.config.Envelope,
		Status:     recording.StatusPending,
	}

	if err := p.store.Enqueue(ctx, chunk); err != nil {
		p.logger.Error("Failed to persist produced chunk",
			slog.String("session_id", chunk.SessionID),
			slog.Int64("order", chunk.Order),
			slog.String("error", err.Error()),
		)
		return &recording.CaptureError{Op: "enqueue", Err: err}
	}

	p.nextOrder++
	p.stats.ChunksProduced++
	p.stats.BytesProduced += uint64(len(data))
	p.chunkStart = capturedAt.Add(p.config.Format.Duration(int64(len(data))))

	if p.onChunk != nil {
		p.onChunk(chunk)
	}

	return nil
}

// NextOrder returns the order the next chunk will receive
func (p *Producer) NextOrder() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextOrder
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.NextOrder = p.nextOrder
	stats.Paused = p.paused
	return stats
}
