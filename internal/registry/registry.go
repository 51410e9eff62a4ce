package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/sessionlock"
)

// Registry is the server-side session state machine:
//
//	absent -> active -> {paused <-> active} -> ended
//
// A session whose connection went away keeps its state but loses its
// connection id; chunks for it are routed to backfill. Every mutation of one
// session is serialized through a per-session lock.
type Registry struct {
	store  Store
	locks  *sessionlock.Locks
	logger *slog.Logger
	now    func() time.Time
}

// New creates a registry on top of store
func New(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		locks:  sessionlock.New(),
		logger: logger,
		now:    time.Now,
	}
}

// mutate loads the entry for sessionID, applies fn and writes the result back
// under the session lock. fn receives nil when the session is absent and
// returns the entry to store, or nil to leave the store untouched.
func (r *Registry) mutate(ctx context.Context, sessionID string, fn func(e *Entry) (*Entry, error)) (*Entry, error) {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	current, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	if current == nil {
		err = r.store.Create(ctx, next)
	} else {
		err = r.store.Update(ctx, next)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store session %s: %w", sessionID, err)
	}

	return next, nil
}

// Start binds a session to connID and makes it active. An ended session may be
// started again, which re-attaches it; a session owned by another connection
// is taken over.
func (r *Registry) Start(ctx context.Context, key recording.SessionKey, connID string) (*Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	now := r.now()
	return r.mutate(ctx, key.SessionID, func(e *Entry) (*Entry, error) {
		if e == nil {
			return &Entry{
				SessionID:    key.SessionID,
				PatientID:    key.PatientID,
				State:        StateActive,
				ConnectionID: connID,
				StartedAt:    now,
				LastActivity: now,
				Attaches:     1,
			}, nil
		}

		if e.PatientID != key.PatientID {
			return nil, fmt.Errorf("session %s belongs to another patient", key.SessionID)
		}

		if e.ConnectionID != "" && e.ConnectionID != connID {
			r.logger.Warn("Session taken over by new connection",
				slog.String("session_id", key.SessionID),
				slog.String("previous_connection", e.ConnectionID),
				slog.String("connection_id", connID),
			)
		}
		if e.State == StateEnded {
			r.logger.Info("Re-attaching ended session",
				slog.String("session_id", key.SessionID),
				slog.String("connection_id", connID),
			)
		}

		e.State = StateActive
		e.ConnectionID = connID
		e.EndedAt = nil
		e.LastActivity = now
		e.Attaches++
		return e, nil
	})
}

// Pause marks an attached active session paused. Pausing twice is a no-op.
func (r *Registry) Pause(ctx context.Context, sessionID, connID string) (*Entry, error) {
	return r.mutate(ctx, sessionID, func(e *Entry) (*Entry, error) {
		if e == nil || e.State == StateEnded || !e.Attached(connID) {
			return nil, ErrNotAttached
		}
		if e.State == StatePaused {
			return nil, nil
		}
		e.State = StatePaused
		e.Pauses++
		e.LastActivity = r.now()
		return e, nil
	})
}

// Resume reactivates a paused session. Resuming an active session is a no-op.
func (r *Registry) Resume(ctx context.Context, sessionID, connID string) (*Entry, error) {
	return r.mutate(ctx, sessionID, func(e *Entry) (*Entry, error) {
		if e == nil || e.State == StateEnded || !e.Attached(connID) {
			return nil, ErrNotAttached
		}
		if e.State == StateActive {
			return nil, nil
		}
		e.State = StateActive
		e.Resumes++
		e.LastActivity = r.now()
		return e, nil
	})
}

// End marks a session ended and releases its connection. Ending an unknown
// session records it as ended so later chunks are routed to backfill.
func (r *Registry) End(ctx context.Context, key recording.SessionKey) (*Entry, error) {
	now := r.now()
	return r.mutate(ctx, key.SessionID, func(e *Entry) (*Entry, error) {
		if e == nil {
			return &Entry{
				SessionID:    key.SessionID,
				PatientID:    key.PatientID,
				State:        StateEnded,
				StartedAt:    now,
				EndedAt:      &now,
				LastActivity: now,
			}, nil
		}
		if e.State == StateEnded {
			return nil, nil
		}
		e.State = StateEnded
		e.ConnectionID = ""
		e.EndedAt = &now
		e.LastActivity = now
		return e, nil
	})
}

// Detach clears the connection of a session still owned by connID. It returns
// false when the session is absent or owned elsewhere.
func (r *Registry) Detach(ctx context.Context, sessionID, connID string) (bool, error) {
	detached := false
	_, err := r.mutate(ctx, sessionID, func(e *Entry) (*Entry, error) {
		if e == nil || !e.Attached(connID) {
			return nil, nil
		}
		e.ConnectionID = ""
		e.LastActivity = r.now()
		detached = true
		return e, nil
	})
	return detached, err
}

// Classify decides how a chunk for sessionID arriving on connID is handled
func (r *Registry) Classify(ctx context.Context, sessionID, connID string) (Route, *Entry, error) {
	e, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return RouteBackfill, nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if e == nil || !e.Attached(connID) {
		return RouteBackfill, e, nil
	}

	switch e.State {
	case StateActive:
		return RouteLive, e, nil
	case StatePaused:
		return RoutePaused, e, nil
	default:
		return RouteBackfill, e, nil
	}
}

// Touch records activity on a session. Unknown sessions are ignored.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	_, err := r.mutate(ctx, sessionID, func(e *Entry) (*Entry, error) {
		if e == nil {
			return nil, nil
		}
		e.LastActivity = r.now()
		return e, nil
	})
	return err
}

// Get returns the entry for sessionID or nil when the session is absent
func (r *Registry) Get(ctx context.Context, sessionID string) (*Entry, error) {
	return r.store.Get(ctx, sessionID)
}

// Live returns the sessions that are not ended, most recently active first
func (r *Registry) Live(ctx context.Context) ([]Entry, error) {
	entries, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	live := entries[:0]
	for _, e := range entries {
		if e.State != StateEnded {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].LastActivity.After(live[j].LastActivity)
	})
	return live, nil
}

// Prune deletes ended and detached entries with no activity for longer than
// maxAge. Attached sessions are never pruned. The Redis driver also expires
// keys on its own TTL.
func (r *Registry) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.ConnectionID != "" || !e.LastActivity.Before(cutoff) {
			continue
		}

		unlock := r.locks.Lock(e.SessionID)
		current, err := r.store.Get(ctx, e.SessionID)
		if err == nil && current != nil && current.ConnectionID == "" && current.LastActivity.Before(cutoff) {
			err = r.store.Delete(ctx, e.SessionID)
			if err == nil {
				removed++
			}
		}
		unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("Failed to prune session",
				slog.String("session_id", e.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	if removed > 0 {
		r.logger.Debug("Pruned idle sessions from registry", slog.Int("count", removed))
	}
	return removed, nil
}

// Close closes the underlying store
func (r *Registry) Close() error {
	return r.store.Close()
}
