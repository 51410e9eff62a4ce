package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/finalizer"
	"github.com/divij2510/MediNote-App-sub001/internal/metrics"
	"github.com/divij2510/MediNote-App-sub001/internal/persistence"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/registry"
)

// ChunkStore is the write side of chunk persistence
type ChunkStore interface {
	Append(ctx context.Context, c recording.Chunk) (persistence.AppendResult, error)
	AppendNext(ctx context.Context, c recording.Chunk) (persistence.AppendResult, error)
	MaxOrder(ctx context.Context, sessionID string) (int64, bool, error)
}

// SessionFinalizer writes session rows
type SessionFinalizer interface {
	Finalize(ctx context.Context, req finalizer.Request) (*recording.Session, error)
}

// PatientDirectory resolves patient ids. Unknown ids yield recording.ErrPatientNotFound.
type PatientDirectory interface {
	GetPatient(ctx context.Context, patientID string) (*recording.Patient, error)
}

// Archiver mirrors accepted chunk payloads to secondary storage
type Archiver interface {
	Archive(ctx context.Context, c recording.Chunk, storedOrder int64) error
}

// AcceptAllPatients is the directory used when no external directory is configured
type AcceptAllPatients struct{}

// GetPatient implements PatientDirectory
func (AcceptAllPatients) GetPatient(ctx context.Context, patientID string) (*recording.Patient, error) {
	if err := recording.ValidatePatientID(patientID); err != nil {
		return nil, fmt.Errorf("%w: %v", recording.ErrPatientNotFound, err)
	}
	return &recording.Patient{ID: patientID}, nil
}

// ManagerConfig contains configuration for the connection manager
type ManagerConfig struct {
	// IdleTimeout closes connections that sent nothing for this long
	IdleTimeout time.Duration
	// CheckInterval is how often idle connections are looked for
	CheckInterval time.Duration
	// RegistryRetention is how long ended and detached registry entries are kept
	RegistryRetention time.Duration
	// FinalizeTimeout bounds the finalization work done when a connection closes
	FinalizeTimeout time.Duration
	// ArchiveTimeout bounds a single archive upload
	ArchiveTimeout time.Duration
}

// Dependencies are the collaborators the manager drives
type Dependencies struct {
	Registry  *registry.Registry
	Chunks    ChunkStore
	Finalizer SessionFinalizer
	Patients  PatientDirectory
	Archiver  Archiver
	Metrics   *metrics.Metrics
}

// Manager tracks open audio stream connections and reaps idle ones
type Manager struct {
	conns  map[string]*Conn
	mu     sync.RWMutex
	logger *slog.Logger
	config ManagerConfig
	deps   Dependencies

	// Background work
	ctx       context.Context
	cancel    context.CancelFunc
	cleanup   chan struct{}
	archiveWG sync.WaitGroup
}

// NewManager creates a connection manager and starts its cleanup routine
func NewManager(logger *slog.Logger, config ManagerConfig, deps Dependencies) (*Manager, error) {
	if deps.Registry == nil || deps.Chunks == nil || deps.Finalizer == nil || deps.Metrics == nil {
		return nil, fmt.Errorf("registry, chunk store, finalizer and metrics are required")
	}
	if deps.Patients == nil {
		deps.Patients = AcceptAllPatients{}
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 30 * time.Second
	}
	if config.RegistryRetention <= 0 {
		config.RegistryRetention = 24 * time.Hour
	}
	if config.FinalizeTimeout <= 0 {
		config.FinalizeTimeout = 10 * time.Second
	}
	if config.ArchiveTimeout <= 0 {
		config.ArchiveTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		conns:   make(map[string]*Conn),
		logger:  logger,
		config:  config,
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
		cleanup: make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// Open registers a new connection. closer is invoked once when the manager
// closes the connection on its own, for example after an idle timeout.
func (m *Manager) Open(connID string, closer func(reason string)) *Conn {
	now := time.Now()
	conn := &Conn{
		ID:           connID,
		OpenedAt:     now,
		lastActivity: now,
		attached:     make(map[string]*attachment),
		backfilled:   make(map[string]recording.SessionKey),
		patients:     make(map[string]bool),
		closer:       closer,
		manager:      m,
	}

	m.mu.Lock()
	m.conns[connID] = conn
	m.mu.Unlock()

	m.deps.Metrics.RecordConnectionOpened()

	m.logger.Info("Audio stream connection opened",
		slog.String("connection_id", connID),
	)

	return conn
}

// GetConnection retrieves an open connection
func (m *Manager) GetConnection(connID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, exists := m.conns[connID]
	return conn, exists
}

// GetActiveConnectionCount returns the number of open connections
func (m *Manager) GetActiveConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// GetAllConnections returns a snapshot of all open connections (for monitoring)
func (m *Manager) GetAllConnections() []ConnInfo {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	infos := make([]ConnInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	return infos
}

func (m *Manager) remove(connID string) {
	m.mu.Lock()
	delete(m.conns, connID)
	m.mu.Unlock()
}

// archive mirrors a stored chunk in the background. Failures are only logged.
func (m *Manager) archive(c recording.Chunk, storedOrder int64) {
	if m.deps.Archiver == nil {
		return
	}

	m.archiveWG.Add(1)
	go func() {
		defer m.archiveWG.Done()

		ctx, cancel := context.WithTimeout(m.ctx, m.config.ArchiveTimeout)
		defer cancel()

		err := m.deps.Archiver.Archive(ctx, c, storedOrder)
		m.deps.Metrics.RecordArchiveUpload(err == nil)
		if err != nil {
			m.logger.Warn("Chunk archive upload failed",
				slog.String("session_id", c.SessionID),
				slog.Int64("order", storedOrder),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Stop closes every open connection and stops background work
func (m *Manager) Stop() {
	m.logger.Info("Stopping connection manager...")

	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		conn.Close(CloseShutdown)
	}

	m.archiveWG.Wait()

	m.cancel()
	<-m.cleanup

	m.logger.Info("Connection manager stopped",
		slog.Int("closed_connections", len(conns)),
	)
}

// startCleanupRoutine runs in a separate goroutine to close idle connections
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("Connection cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CheckInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Connection cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupIdleConnections()
			if _, err := m.deps.Registry.Prune(m.ctx, m.config.RegistryRetention); err != nil {
				m.logger.Warn("Registry prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cleanupIdleConnections closes connections that have been quiet for too long
func (m *Manager) cleanupIdleConnections() {
	now := time.Now()
	idle := make([]*Conn, 0)

	m.mu.RLock()
	for _, conn := range m.conns {
		if now.Sub(conn.LastActivity()) > m.config.IdleTimeout {
			idle = append(idle, conn)
		}
	}
	m.mu.RUnlock()

	if len(idle) > 0 {
		m.logger.Info("Closing idle connections",
			slog.Int("idle_count", len(idle)),
		)

		for _, conn := range idle {
			conn.Close(CloseIdle)
		}
	}
}
