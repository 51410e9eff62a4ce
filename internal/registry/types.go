package registry

import "time"

// State is the lifecycle state of a registered session
type State string

const (
	StateActive State = "active"
	StatePaused State = "paused"
	StateEnded  State = "ended"
)

// Route tells the connection manager how to treat an incoming chunk
type Route int

const (
	// RouteLive means the session is active on the sending connection
	RouteLive Route = iota
	// RoutePaused means the session is paused on the sending connection; the
	// chunk is rejected and not persisted
	RoutePaused
	// RouteBackfill covers everything else: unknown, ended or detached
	// sessions, or sessions attached to another connection
	RouteBackfill
)

// String returns the route name used in logs and metrics
func (r Route) String() string {
	switch r {
	case RouteLive:
		return "live"
	case RoutePaused:
		return "paused"
	default:
		return "backfill"
	}
}

// Entry is the registry record of one session. It is serialized as JSON by the
// Redis driver.
type Entry struct {
	SessionID    string     `json:"session_id"`
	PatientID    string     `json:"patient_id"`
	State        State      `json:"state"`
	ConnectionID string     `json:"connection_id,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
	Pauses       int        `json:"pauses"`
	Resumes      int        `json:"resumes"`
	Attaches     int        `json:"attaches"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Version      int64      `json:"version"`
}

// Attached reports whether the entry is bound to connID
func (e *Entry) Attached(connID string) bool {
	return e.ConnectionID != "" && e.ConnectionID == connID
}

// Detached reports whether the session is still open but no connection owns it
func (e *Entry) Detached() bool {
	return e.State != StateEnded && e.ConnectionID == ""
}

// clone returns a copy that does not share the EndedAt pointer
func (e *Entry) clone() *Entry {
	c := *e
	if e.EndedAt != nil {
		t := *e.EndedAt
		c.EndedAt = &t
	}
	return &c
}
