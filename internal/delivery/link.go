package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/divij2510/MediNote-App-sub001/internal/protocol"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

// ErrLinkClosed is returned by Send once the connection is gone
var ErrLinkClosed = errors.New("link closed")

// Link is one live connection to the ingestion server. Send is safe for
// concurrent use; replies are matched to requests by msg_id.
type Link interface {
	Send(ctx context.Context, msg protocol.Message) (protocol.Reply, error)
	// Done is closed when the connection is lost
	Done() <-chan struct{}
	Close() error
}

// Dialer opens links
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// WSDialer dials the server's audio stream WebSocket
type WSDialer struct {
	URL    string
	Header http.Header
	Logger *slog.Logger
	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration
}

// Dial implements Dialer
func (d *WSDialer) Dial(ctx context.Context) (Link, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
	}

	ws, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, &recording.TransientDeliveryError{Err: fmt.Errorf("dial %s: %w", d.URL, err)}
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	l := &wsLink{
		ws:           ws,
		logger:       logger,
		writeTimeout: writeTimeout,
		pending:      make(map[string]chan protocol.Reply),
		done:         make(chan struct{}),
	}
	go l.readLoop()

	return l, nil
}

type wsLink struct {
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Reply
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

func (l *wsLink) Done() <-chan struct{} {
	return l.done
}

func (l *wsLink) Send(ctx context.Context, msg protocol.Message) (protocol.Reply, error) {
	id := msg.ID()
	if id == "" {
		return protocol.Reply{}, fmt.Errorf("message %s has no msg_id", msg.MessageType())
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return protocol.Reply{}, err
	}

	ch := make(chan protocol.Reply, 1)
	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return protocol.Reply{}, &recording.TransientDeliveryError{Err: err}
	}
	l.pending[id] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}()

	l.writeMu.Lock()
	l.ws.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	err = l.ws.WriteMessage(websocket.TextMessage, data)
	l.writeMu.Unlock()
	if err != nil {
		l.fail(err)
		return protocol.Reply{}, &recording.TransientDeliveryError{Err: fmt.Errorf("write %s: %w", msg.MessageType(), err)}
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-l.done:
		return protocol.Reply{}, &recording.TransientDeliveryError{Err: l.cause()}
	case <-ctx.Done():
		return protocol.Reply{}, &recording.TransientDeliveryError{Err: fmt.Errorf("waiting for reply to %s: %w", id, ctx.Err())}
	}
}

func (l *wsLink) readLoop() {
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			l.fail(err)
			return
		}

		reply, err := protocol.DecodeReply(data)
		if err != nil {
			l.logger.Warn("Ignoring malformed reply", slog.String("error", err.Error()))
			continue
		}

		l.mu.Lock()
		ch, ok := l.pending[reply.MsgID]
		l.mu.Unlock()
		if !ok {
			l.logger.Debug("Reply without waiting request",
				slog.String("type", string(reply.Type)),
				slog.String("msg_id", reply.MsgID),
			)
			continue
		}
		select {
		case ch <- reply:
		default:
			// A second reply for the same msg_id; the first one wins
		}
	}
}

func (l *wsLink) cause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	return ErrLinkClosed
}

func (l *wsLink) fail(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = fmt.Errorf("%w: %v", ErrLinkClosed, err)
		l.mu.Unlock()
		close(l.done)
		l.ws.Close()
	})
}

func (l *wsLink) Close() error {
	l.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	l.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	l.writeMu.Unlock()

	l.fail(ErrLinkClosed)
	return nil
}

// newMsgID returns a correlation id for an outgoing message
func newMsgID() string {
	return uuid.NewString()
}
