package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/audio"
	"github.com/divij2510/MediNote-App-sub001/internal/protocol"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

// State is the recording state of the client
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// ErrInvalidState is returned when an operation does not fit the current state
var ErrInvalidState = errors.New("invalid recorder state")

// Store is the part of the local chunk store the recorder needs
type Store interface {
	audio.Enqueuer
	EnsureSession(ctx context.Context, key recording.SessionKey) error
	NextOrder(ctx context.Context, sessionID string) (int64, error)
	MarkEnded(ctx context.Context, key recording.SessionKey) error
}

// Delivery is the part of the delivery client the recorder drives
type Delivery interface {
	Attach(key recording.SessionKey)
	Detach(sessionID string)
	Notify()
	QueueControl(sessionID string, kind protocol.Type, after int64) error
}

// Config contains capture settings
type Config struct {
	Format        audio.PCMFormat
	ChunkDuration time.Duration
	Envelope      bool
	// ReadSize is the number of bytes read from the capture source at a time
	ReadSize int
}

// Recorder drives one recording at a time:
//
//	idle -> recording <-> paused -> stopped
//
// Capture only touches the local store. Network state never blocks it.
type Recorder struct {
	config   Config
	store    Store
	delivery Delivery
	logger   *slog.Logger

	state    State
	key      recording.SessionKey
	producer *audio.Producer

	cancelCapture context.CancelFunc
	captureDone   chan struct{}

	mu sync.Mutex
}

// New creates a recorder
func New(config Config, store Store, delivery Delivery, logger *slog.Logger) (*Recorder, error) {
	if store == nil || delivery == nil {
		return nil, fmt.Errorf("store and delivery are required")
	}
	if err := config.Format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture format: %w", err)
	}
	if config.ReadSize <= 0 {
		config.ReadSize = config.Format.BytesFor(100 * time.Millisecond)
	}

	return &Recorder{
		config:   config,
		store:    store,
		delivery: delivery,
		logger:   logger,
		state:    StateIdle,
	}, nil
}

// State returns the current recording state
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Session returns the key of the current or last recording
func (r *Recorder) Session() recording.SessionKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key
}

// Stats returns producer statistics of the current or last recording
func (r *Recorder) Stats() audio.ProducerStats {
	r.mu.Lock()
	p := r.producer
	r.mu.Unlock()
	if p == nil {
		return audio.ProducerStats{}
	}
	return p.Stats()
}

// Start begins a new recording for a patient
func (r *Recorder) Start(ctx context.Context, patientID string) (recording.SessionKey, error) {
	key, err := recording.NewSessionKey(patientID)
	if err != nil {
		return recording.SessionKey{}, err
	}
	return key, r.StartSession(ctx, key)
}

// StartSession begins recording into an existing session key. Orders continue
// after everything the local store ever handed out for it.
func (r *Recorder) StartSession(ctx context.Context, key recording.SessionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRecording || r.state == StatePaused {
		return fmt.Errorf("%w: already %s", ErrInvalidState, r.state)
	}

	if err := r.store.EnsureSession(ctx, key); err != nil {
		return &recording.CaptureError{Op: "start", Err: err}
	}
	next, err := r.store.NextOrder(ctx, key.SessionID)
	if err != nil {
		return &recording.CaptureError{Op: "start", Err: err}
	}

	producer, err := audio.NewProducer(audio.ProducerConfig{
		Key:           key,
		Format:        r.config.Format,
		ChunkDuration: r.config.ChunkDuration,
		StartOrder:    next,
		Envelope:      r.config.Envelope,
	}, r.store, r.logger)
	if err != nil {
		return err
	}
	producer.OnChunk(func(recording.Chunk) { r.delivery.Notify() })

	r.key = key
	r.producer = producer
	r.state = StateRecording
	r.delivery.Attach(key)

	r.logger.Info("Recording started",
		slog.String("session_id", key.SessionID),
		slog.String("patient_id", key.PatientID),
		slog.Int64("start_order", next),
	)
	return nil
}

// Capture pumps PCM from src into the producer until src is exhausted, the
// recording is stopped or a durability error occurs. Only one Capture may run
// at a time.
func (r *Recorder) Capture(ctx context.Context, src io.Reader) error {
	r.mu.Lock()
	if r.state != StateRecording && r.state != StatePaused {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot capture while %s", ErrInvalidState, r.state)
	}
	if r.captureDone != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: capture already running", ErrInvalidState)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancelCapture = cancel
	r.captureDone = done
	producer := r.producer
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.cancelCapture = nil
		r.captureDone = nil
		r.mu.Unlock()
		close(done)
	}()

	buf := make([]byte, r.config.ReadSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := src.Read(buf)
		if n > 0 {
			if werr := producer.Write(ctx, buf[:n]); werr != nil {
				r.logger.Error("Capture stopped, chunk could not be stored",
					slog.String("session_id", r.Session().SessionID),
					slog.String("error", werr.Error()),
				)
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &recording.CaptureError{Op: "read", Err: err}
		}
	}
}

// Pause stops accepting audio. The partial chunk is flushed first so
// everything captured before the pause is kept.
func (r *Recorder) Pause(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot pause while %s", ErrInvalidState, r.state)
	}
	if err := r.producer.Pause(ctx); err != nil {
		r.mu.Unlock()
		return err
	}
	r.state = StatePaused
	key := r.key
	after := r.producer.NextOrder()
	r.mu.Unlock()

	r.control(key.SessionID, protocol.TypeSessionPause, after)
	return nil
}

// Resume accepts audio again. Audio from the paused interval is not recovered.
func (r *Recorder) Resume(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StatePaused {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot resume while %s", ErrInvalidState, r.state)
	}
	r.producer.Resume()
	r.state = StateRecording
	key := r.key
	after := r.producer.NextOrder()
	r.mu.Unlock()

	r.control(key.SessionID, protocol.TypeSessionResume, after)
	return nil
}

// control queues a pause or resume behind the chunks captured before it. The
// local state already changed; a control that cannot be queued only means the
// server keeps its previous state.
func (r *Recorder) control(sessionID string, kind protocol.Type, after int64) {
	if err := r.delivery.QueueControl(sessionID, kind, after); err != nil {
		r.logger.Warn("Session control not queued",
			slog.String("type", string(kind)),
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// Stop ends the recording: capture is cancelled, the final partial chunk is
// stored and the session end is queued for delivery. Deliveries already in
// flight are not cancelled.
func (r *Recorder) Stop(ctx context.Context) (audio.ProducerStats, error) {
	r.mu.Lock()
	if r.state != StateRecording && r.state != StatePaused {
		r.mu.Unlock()
		return audio.ProducerStats{}, fmt.Errorf("%w: cannot stop while %s", ErrInvalidState, r.state)
	}
	cancel, done := r.cancelCapture, r.captureDone
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return audio.ProducerStats{}, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.producer.Flush(ctx); err != nil {
		return r.producer.Stats(), err
	}
	if err := r.store.MarkEnded(ctx, r.key); err != nil {
		return r.producer.Stats(), &recording.CaptureError{Op: "end", Err: err}
	}

	r.state = StateStopped
	r.delivery.Detach(r.key.SessionID)
	r.delivery.Notify()

	stats := r.producer.Stats()
	r.logger.Info("Recording stopped",
		slog.String("session_id", r.key.SessionID),
		slog.Uint64("chunks", stats.ChunksProduced),
		slog.Uint64("bytes", stats.BytesProduced),
	)
	return stats, nil
}
