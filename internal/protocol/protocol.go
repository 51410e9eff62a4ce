package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

// Type identifies a message on the audio stream connection
type Type string

// Client to server messages
const (
	TypeSessionStart  Type = "session_start"
	TypeAudioChunk    Type = "audio_chunk"
	TypeSessionEnd    Type = "session_end"
	TypeSessionPause  Type = "session_pause"
	TypeSessionResume Type = "session_resume"
	TypePing          Type = "ping"
)

// Server to client replies
const (
	TypeSessionConfirmed Type = "session_confirmed"
	TypeChunkAck         Type = "chunk_ack"
	TypeChunkRejected    Type = "chunk_rejected"
	TypeSessionPaused    Type = "session_paused"
	TypeSessionResumed   Type = "session_resumed"
	TypeSessionEnded     Type = "session_ended"
	TypePong             Type = "pong"
	TypeError            Type = "error"
)

// Error codes carried in error and chunk_rejected replies
const (
	CodeInvalidMessage  = "invalid_message"
	CodePatientNotFound = "patient_not_found"
	CodeNotAttached     = "not_attached"
	CodeSessionPaused   = "session_paused"
	CodeStorage         = "storage_error"
	CodeInternal        = "internal_error"
)

// MaxPayloadSize bounds the decoded size of a single audio chunk
const MaxPayloadSize = 8 << 20

// Message is a decoded client to server message
type Message interface {
	MessageType() Type
	ID() string
	Session() string
}

// SessionStart opens or re-attaches a session on the current connection
type SessionStart struct {
	MsgID       string
	SessionID   string
	PatientID   string
	PatientName string
	StartedAt   time.Time
}

// AudioChunk carries one chunk of captured audio
type AudioChunk struct {
	MsgID      string
	SessionID  string
	PatientID  string
	Order      int64
	Payload    []byte
	Size       int
	CapturedAt time.Time
	// Enveloped marks Payload as an audio envelope rather than raw PCM
	Enveloped  bool
}

// SessionEnd marks the explicit end of a recording
type SessionEnd struct {
	MsgID     string
	SessionID string
	PatientID string
}

// SessionPause suspends acceptance of chunks for a session
type SessionPause struct {
	MsgID     string
	SessionID string
}

// SessionResume re-enables acceptance of chunks for a paused session
type SessionResume struct {
	MsgID     string
	SessionID string
}

// Ping is an application level keepalive
type Ping struct {
	MsgID string
}

func (m *SessionStart) MessageType() Type  { return TypeSessionStart }
func (m *AudioChunk) MessageType() Type    { return TypeAudioChunk }
func (m *SessionEnd) MessageType() Type    { return TypeSessionEnd }
func (m *SessionPause) MessageType() Type  { return TypeSessionPause }
func (m *SessionResume) MessageType() Type { return TypeSessionResume }
func (m *Ping) MessageType() Type          { return TypePing }

func (m *SessionStart) ID() string  { return m.MsgID }
func (m *AudioChunk) ID() string    { return m.MsgID }
func (m *SessionEnd) ID() string    { return m.MsgID }
func (m *SessionPause) ID() string  { return m.MsgID }
func (m *SessionResume) ID() string { return m.MsgID }
func (m *Ping) ID() string          { return m.MsgID }

func (m *SessionStart) Session() string  { return m.SessionID }
func (m *AudioChunk) Session() string    { return m.SessionID }
func (m *SessionEnd) Session() string    { return m.SessionID }
func (m *SessionPause) Session() string  { return m.SessionID }
func (m *SessionResume) Session() string { return m.SessionID }
func (m *Ping) Session() string          { return "" }

// Chunk converts the message into the shared chunk model
func (m *AudioChunk) Chunk() recording.Chunk {
	return recording.Chunk{
		SessionID:  m.SessionID,
		PatientID:  m.PatientID,
		Order:      m.Order,
		Payload:    m.Payload,
		CapturedAt: m.CapturedAt,
		Enveloped:  m.Enveloped,
	}
}

// NewAudioChunk builds the wire message for a stored chunk
func NewAudioChunk(msgID string, c recording.Chunk) *AudioChunk {
	return &AudioChunk{
		MsgID:      msgID,
		SessionID:  c.SessionID,
		PatientID:  c.PatientID,
		Order:      c.Order,
		Payload:    c.Payload,
		Size:       len(c.Payload),
		CapturedAt: c.CapturedAt,
		Enveloped:  c.Enveloped,
	}
}

// wireMessage is the JSON shape shared by every client message
type wireMessage struct {
	Type        Type       `json:"type"`
	MsgID       string     `json:"msg_id,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	PatientID   string     `json:"patient_id,omitempty"`
	PatientName string     `json:"patient_name,omitempty"`
	Order       *int64     `json:"order,omitempty"`
	Payload     []byte     `json:"payload,omitempty"`
	Size        *int       `json:"size,omitempty"`
	CapturedAt  *time.Time `json:"captured_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	Enveloped   bool       `json:"enveloped,omitempty"`
}

// Encode serializes a client message to JSON
func Encode(msg Message) ([]byte, error) {
	w := wireMessage{
		Type:      msg.MessageType(),
		MsgID:     msg.ID(),
		SessionID: msg.Session(),
	}

	switch m := msg.(type) {
	case *SessionStart:
		w.PatientID = m.PatientID
		w.PatientName = m.PatientName
		if !m.StartedAt.IsZero() {
			startedAt := m.StartedAt
			w.StartedAt = &startedAt
		}
	case *AudioChunk:
		order := m.Order
		size := m.Size
		w.PatientID = m.PatientID
		w.Order = &order
		w.Payload = m.Payload
		w.Size = &size
		w.Enveloped = m.Enveloped
		if !m.CapturedAt.IsZero() {
			capturedAt := m.CapturedAt
			w.CapturedAt = &capturedAt
		}
	case *SessionEnd:
		w.PatientID = m.PatientID
	case *SessionPause, *SessionResume, *Ping:
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}

	return json.Marshal(w)
}

// Decode parses a client message. Structural problems are reported here,
// semantic checks are left to Validate.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	switch w.Type {
	case TypeSessionStart:
		m := &SessionStart{MsgID: w.MsgID, SessionID: w.SessionID, PatientID: w.PatientID, PatientName: w.PatientName}
		if w.StartedAt != nil {
			m.StartedAt = *w.StartedAt
		}
		return m, nil

	case TypeAudioChunk:
		if w.Order == nil {
			return nil, fmt.Errorf("audio_chunk missing order")
		}
		if w.Size == nil {
			return nil, fmt.Errorf("audio_chunk missing size")
		}
		m := &AudioChunk{
			MsgID:     w.MsgID,
			SessionID: w.SessionID,
			PatientID: w.PatientID,
			Order:     *w.Order,
			Payload:   w.Payload,
			Size:      *w.Size,
			Enveloped: w.Enveloped,
		}
		if w.CapturedAt != nil {
			m.CapturedAt = *w.CapturedAt
		}
		return m, nil

	case TypeSessionEnd:
		return &SessionEnd{MsgID: w.MsgID, SessionID: w.SessionID, PatientID: w.PatientID}, nil
	case TypeSessionPause:
		return &SessionPause{MsgID: w.MsgID, SessionID: w.SessionID}, nil
	case TypeSessionResume:
		return &SessionResume{MsgID: w.MsgID, SessionID: w.SessionID}, nil
	case TypePing:
		return &Ping{MsgID: w.MsgID}, nil
	case "":
		return nil, fmt.Errorf("message type missing")
	default:
		return nil, fmt.Errorf("unknown message type %q", w.Type)
	}
}

// Validate performs semantic validation of a decoded message
func Validate(msg Message) error {
	switch m := msg.(type) {
	case *SessionStart:
		key := recording.SessionKey{PatientID: m.PatientID, SessionID: m.SessionID}
		return key.Validate()

	case *AudioChunk:
		if err := recording.ValidateSessionID(m.SessionID); err != nil {
			return err
		}
		if m.PatientID != "" {
			if err := recording.ValidatePatientID(m.PatientID); err != nil {
				return err
			}
		}
		if m.Order < 0 {
			return fmt.Errorf("order must not be negative, got %d", m.Order)
		}
		if len(m.Payload) == 0 {
			return fmt.Errorf("audio_chunk payload is empty")
		}
		if len(m.Payload) > MaxPayloadSize {
			return fmt.Errorf("payload too large: %d bytes exceeds %d", len(m.Payload), MaxPayloadSize)
		}
		if m.Size != len(m.Payload) {
			return fmt.Errorf("size mismatch: declared %d bytes, received %d", m.Size, len(m.Payload))
		}
		return nil

	case *SessionEnd:
		if err := recording.ValidateSessionID(m.SessionID); err != nil {
			return err
		}
		if m.PatientID != "" {
			return recording.ValidatePatientID(m.PatientID)
		}
		return nil

	case *SessionPause:
		return recording.ValidateSessionID(m.SessionID)
	case *SessionResume:
		return recording.ValidateSessionID(m.SessionID)
	case *Ping:
		return nil
	default:
		return fmt.Errorf("unsupported message type %T", msg)
	}
}

// Reply is a server to client message
type Reply struct {
	Type        Type   `json:"type"`
	MsgID       string `json:"msg_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Order       *int64 `json:"order,omitempty"`
	StoredOrder *int64 `json:"stored_order,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	State       string `json:"state,omitempty"`
	LastOrder   *int64 `json:"last_order,omitempty"`
	Persisted   bool   `json:"persisted,omitempty"`
	Complete    bool   `json:"complete,omitempty"`
	TotalBytes  int64  `json:"total_bytes,omitempty"`
	TotalChunks int64  `json:"total_chunks,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Err converts error and rejection replies into a Go error
func (r *Reply) Err() error {
	switch r.Type {
	case TypeError, TypeChunkRejected:
		return fmt.Errorf("%s: %s (%s)", r.Type, r.Message, r.Code)
	}
	return nil
}

// ChunkAck acknowledges a persisted chunk
func ChunkAck(m *AudioChunk, storedOrder int64, duplicate bool) Reply {
	order := m.Order
	return Reply{
		Type:        TypeChunkAck,
		MsgID:       m.MsgID,
		SessionID:   m.SessionID,
		Order:       &order,
		StoredOrder: &storedOrder,
		Duplicate:   duplicate,
	}
}

// ChunkRejected reports a chunk that was received but deliberately not stored
func ChunkRejected(m *AudioChunk, code, message string) Reply {
	order := m.Order
	return Reply{
		Type:      TypeChunkRejected,
		MsgID:     m.MsgID,
		SessionID: m.SessionID,
		Order:     &order,
		Code:      code,
		Message:   message,
	}
}

// ErrorReply reports a failure handling a message
func ErrorReply(msg Message, code, message string) Reply {
	r := Reply{Type: TypeError, Code: code, Message: message}
	if msg != nil {
		r.MsgID = msg.ID()
		r.SessionID = msg.Session()
	}
	return r
}

// EncodeReply serializes a server reply
func EncodeReply(r Reply) ([]byte, error) {
	if r.Type == "" {
		return nil, fmt.Errorf("reply type missing")
	}
	return json.Marshal(r)
}

// DecodeReply parses a server reply
func DecodeReply(data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("malformed reply: %w", err)
	}
	if r.Type == "" {
		return Reply{}, fmt.Errorf("reply type missing")
	}
	return r, nil
}
