package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/divij2510/MediNote-App-sub001/internal/protocol"
	"github.com/divij2510/MediNote-App-sub001/internal/stream"
)

// outboundQueueSize bounds replies waiting for the writer goroutine
const outboundQueueSize = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 << 10,
	WriteBufferSize: 16 << 10,
	// Clients are native apps and CLIs, not browsers
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn pumps one WebSocket: the handler goroutine reads and applies
// messages, a single writer goroutine owns every write to the socket.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	conn   *stream.Conn
	logger *slog.Logger

	keepalive    time.Duration
	writeTimeout time.Duration

	out       chan protocol.Reply
	done      chan struct{}
	doneOnce  sync.Once
	writeFail atomic.Bool
}

// handleAudioStream upgrades the request and serves the audio stream protocol
func (h *HTTPServer) handleAudioStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	c := &wsConn{
		id:           uuid.NewString(),
		ws:           ws,
		logger:       h.logger,
		keepalive:    h.config.Server.GetKeepaliveDuration(),
		writeTimeout: h.config.Server.GetWriteTimeoutDuration(),
		out:          make(chan protocol.Reply, outboundQueueSize),
		done:         make(chan struct{}),
	}
	c.conn = h.deps.Manager.Open(c.id, func(reason string) { c.shutdown() })

	h.logger.Debug("WebSocket connected",
		slog.String("connection_id", c.id),
		slog.String("remote_addr", r.RemoteAddr),
	)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	reason := c.readLoop(r, h.config.Server.MaxMessageBytes)
	c.conn.Close(reason)
	<-writerDone
}

func (c *wsConn) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// readLoop handles messages until the socket fails and returns the close reason
func (c *wsConn) readLoop(r *http.Request, maxMessageBytes int64) string {
	ctx := r.Context()

	c.ws.SetReadLimit(maxMessageBytes)
	pongWait := 2 * c.keepalive
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return c.closeReason(err)
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var replies []protocol.Reply
		if messageType != websocket.TextMessage {
			replies = []protocol.Reply{protocol.ErrorReply(nil, protocol.CodeInvalidMessage, "binary frames are not supported")}
		} else if msg, err := protocol.Decode(data); err != nil {
			reply := protocol.ErrorReply(nil, protocol.CodeInvalidMessage, err.Error())
			reply.MsgID = peekMsgID(data)
			replies = []protocol.Reply{reply}
		} else {
			replies = c.conn.Handle(ctx, msg)
		}

		for _, reply := range replies {
			select {
			case c.out <- reply:
			case <-c.done:
				return stream.CloseShutdown
			}
		}
	}
}

func (c *wsConn) closeReason(err error) string {
	if c.writeFail.Load() || errors.Is(err, websocket.ErrReadLimit) {
		return stream.CloseError
	}
	select {
	case <-c.done:
		// Closed by the manager, which already chose the reason
		return stream.CloseShutdown
	default:
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		c.logger.Debug("WebSocket closed unexpectedly",
			slog.String("connection_id", c.id),
			slog.String("error", err.Error()),
		)
	}
	return stream.CloseClient
}

// writeLoop is the only goroutine writing to the socket
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.keepalive)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case reply := <-c.out:
			data, err := protocol.EncodeReply(reply)
			if err != nil {
				c.logger.Error("Failed to encode reply",
					slog.String("connection_id", c.id),
					slog.String("type", string(reply.Type)),
					slog.String("error", err.Error()),
				)
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.fail(err)
				return
			}

		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			return
		}
	}
}

func (c *wsConn) fail(err error) {
	c.writeFail.Store(true)
	c.logger.Warn("WebSocket write failed",
		slog.String("connection_id", c.id),
		slog.String("error", err.Error()),
	)
	c.shutdown()
}

// peekMsgID recovers the msg_id of a message that failed to decode so the
// error can still be correlated
func peekMsgID(data []byte) string {
	var head struct {
		MsgID string `json:"msg_id"`
	}
	if json.Unmarshal(data, &head) != nil {
		return ""
	}
	return head.MsgID
}
