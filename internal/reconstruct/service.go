package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/audio"
	"github.com/divij2510/MediNote-App-sub001/internal/persistence"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

// ChunkSource is the read side of chunk persistence
type ChunkSource interface {
	Count(ctx context.Context, sessionID string) (int64, error)
	IterateOrdered(ctx context.Context, sessionID string, pageSize int, fn func(persistence.StoredChunk) error) error
	Get(ctx context.Context, sessionID string, order int64) (*persistence.StoredChunk, error)
}

// Piece is one unwrapped chunk handed to Each callbacks
type Piece struct {
	Order      int64
	Data       []byte
	Meta       *audio.EnvelopeMeta
	CapturedAt time.Time
	Origin     recording.Origin
}

// Summary describes what a full pass over a session produced
type Summary struct {
	Chunks  int              `json:"chunks"`
	Bytes   int64            `json:"bytes"`
	Skipped int              `json:"skipped"`
	Format  *audio.PCMFormat `json:"format,omitempty"`
}

// Segment is one playlist entry
type Segment struct {
	Order      int64         `json:"order"`
	Bytes      int           `json:"bytes"`
	Duration   time.Duration `json:"duration"`
	CapturedAt time.Time     `json:"captured_at,omitempty"`
	Origin     string        `json:"origin"`
}

// ServiceStats represents reconstruction statistics for monitoring
type ServiceStats struct {
	StreamsOpened   uint64 `json:"streams_opened"`
	StreamsFinished uint64 `json:"streams_finished"`
	BytesStreamed   uint64 `json:"bytes_streamed"`
	ChunksSkipped   uint64 `json:"chunks_skipped"`
}

// Service reconstructs session audio
type Service struct {
	source   ChunkSource
	logger   *slog.Logger
	pageSize int
	// format is assumed for chunks whose envelope carries no audio format
	format audio.PCMFormat

	stats ServiceStats
	mu    sync.Mutex
}

// NewService creates a reconstruction service. defaultFormat describes raw
// payloads that carry no envelope.
func NewService(source ChunkSource, defaultFormat audio.PCMFormat, logger *slog.Logger) *Service {
	return &Service{
		source:   source,
		logger:   logger,
		pageSize: persistence.DefaultPageSize,
		format:   defaultFormat,
	}
}

// DefaultFormat returns the format assumed for raw payloads
func (s *Service) DefaultFormat() audio.PCMFormat {
	return s.format
}

// exists returns recording.ErrSessionNotFound when nothing is stored for sessionID
func (s *Service) exists(ctx context.Context, sessionID string) error {
	n, err := s.source.Count(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to count chunks of %s: %w", sessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", recording.ErrSessionNotFound, sessionID)
	}
	return nil
}

// Each visits the unwrapped chunks of a session in ascending stored order.
// Chunks that cannot be unwrapped are skipped and logged. An error returned
// by fn stops the pass and is returned as is.
func (s *Service) Each(ctx context.Context, sessionID string, fn func(Piece) error) (Summary, error) {
	var summary Summary

	if err := s.exists(ctx, sessionID); err != nil {
		return summary, err
	}

	err := s.source.IterateOrdered(ctx, sessionID, s.pageSize, func(c persistence.StoredChunk) error {
		data, meta, err := audio.ChunkAudio(c.Chunk())
		if err != nil {
			summary.Skipped++
			s.recordSkipped()
			s.logger.Warn("Skipping corrupt chunk during reconstruction",
				slog.String("session_id", sessionID),
				slog.Int64("order", c.Order),
				slog.String("digest", c.Digest),
				slog.String("error", err.Error()),
			)
			return nil
		}

		if summary.Format == nil && meta != nil && meta.SampleRate > 0 {
			summary.Format = &audio.PCMFormat{
				SampleRate: meta.SampleRate,
				Channels:   meta.Channels,
				BitDepth:   meta.BitDepth,
			}
		}

		summary.Chunks++
		summary.Bytes += int64(len(data))

		return fn(Piece{
			Order:      c.Order,
			Data:       data,
			Meta:       meta,
			CapturedAt: c.CapturedAt,
			Origin:     c.Origin,
		})
	})

	return summary, err
}

// Measure makes a full pass without producing output. The result sizes a WAV
// header before streaming.
func (s *Service) Measure(ctx context.Context, sessionID string) (Summary, error) {
	return s.Each(ctx, sessionID, func(Piece) error { return nil })
}

// Stream returns the concatenated audio of a session. The reader is lazy and
// finite; each call starts from the lowest stored order. Closing the reader
// early stops the underlying pass.
func (s *Service) Stream(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	if err := s.exists(ctx, sessionID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	s.mu.Lock()
	s.stats.StreamsOpened++
	s.mu.Unlock()

	go func() {
		defer cancel()

		summary, err := s.Each(ctx, sessionID, func(p Piece) error {
			if _, err := pw.Write(p.Data); err != nil {
				return err
			}
			s.mu.Lock()
			s.stats.BytesStreamed += uint64(len(p.Data))
			s.mu.Unlock()
			return nil
		})

		if err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, context.Canceled) {
			s.logger.Error("Reconstruction stream failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}

		s.mu.Lock()
		s.stats.StreamsFinished++
		s.mu.Unlock()

		s.logger.Debug("Reconstruction stream finished",
			slog.String("session_id", sessionID),
			slog.Int("chunks", summary.Chunks),
			slog.Int64("bytes", summary.Bytes),
			slog.Int("skipped", summary.Skipped),
		)

		pw.CloseWithError(err)
	}()

	return &streamReader{PipeReader: pr, cancel: cancel}, nil
}

type streamReader struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (r *streamReader) Close() error {
	r.cancel()
	return r.PipeReader.Close()
}

// Chunk returns one unwrapped chunk by stored order
func (s *Service) Chunk(ctx context.Context, sessionID string, order int64) (Piece, error) {
	c, err := s.source.Get(ctx, sessionID, order)
	if err != nil {
		return Piece{}, err
	}

	data, meta, err := audio.ChunkAudio(c.Chunk())
	if err != nil {
		return Piece{}, fmt.Errorf("chunk %s/%d: %w", sessionID, order, err)
	}

	return Piece{
		Order:      c.Order,
		Data:       data,
		Meta:       meta,
		CapturedAt: c.CapturedAt,
		Origin:     c.Origin,
	}, nil
}

// Segments lists the playable chunks of a session with their durations
func (s *Service) Segments(ctx context.Context, sessionID string) ([]Segment, error) {
	var segments []Segment
	_, err := s.Each(ctx, sessionID, func(p Piece) error {
		format := s.format
		if p.Meta != nil && p.Meta.SampleRate > 0 {
			format = audio.PCMFormat{SampleRate: p.Meta.SampleRate, Channels: p.Meta.Channels, BitDepth: p.Meta.BitDepth}
		}
		segments = append(segments, Segment{
			Order:      p.Order,
			Bytes:      len(p.Data),
			Duration:   format.Duration(int64(len(p.Data))),
			CapturedAt: p.CapturedAt,
			Origin:     string(p.Origin),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return segments, nil
}

func (s *Service) recordSkipped() {
	s.mu.Lock()
	s.stats.ChunksSkipped++
	s.mu.Unlock()
}

// GetStats returns reconstruction statistics
func (s *Service) GetStats() ServiceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
