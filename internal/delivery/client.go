package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/divij2510/MediNote-App-sub001/internal/localstore"
	"github.com/divij2510/MediNote-App-sub001/internal/protocol"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

// Queue is the part of the local chunk store the client drives
type Queue interface {
	Sessions(ctx context.Context) ([]localstore.Backlog, error)
	Pending(ctx context.Context, sessionID string) ([]recording.Chunk, error)
	MarkInFlight(ctx context.Context, sessionID string, order int64) error
	MarkDelivered(ctx context.Context, sessionID string, order int64) error
	MarkFailed(ctx context.Context, sessionID string, order int64, cause error) (recording.Status, int, error)
	ClearEnded(ctx context.Context, sessionID string) error
	Stats(ctx context.Context) (localstore.Stats, error)
}

// Config tunes delivery. The retry budget of a chunk is enforced by the
// queue, which marks the chunk failed once it is spent.
type Config struct {
	// BackoffInitial is the first delay between attempts, doubling up to BackoffMax
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// AckTimeout bounds the wait for a reply
	AckTimeout time.Duration
	// KeepaliveInterval is the time between pings on an idle link. Zero disables pings.
	KeepaliveInterval time.Duration
}

// Status reports delivery health, independent of recording state
type Status struct {
	Online         bool      `json:"online"`
	Pending        int       `json:"pending"`
	InFlight       int       `json:"in_flight"`
	Failed         int       `json:"failed"`
	PendingBytes   int64     `json:"pending_bytes"`
	Delivered      uint64    `json:"delivered"`
	FailedAttempts uint64    `json:"failed_attempts"`
	Connects       uint64    `json:"connects"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorAt    time.Time `json:"last_error_at,omitempty"`
}

type liveSession struct {
	key       recording.SessionKey
	announced bool
}

// control is a pause or resume waiting for its place in the session's chunk
// stream. It goes out after every chunk ordered below after and before any
// chunk at or above it.
type control struct {
	kind  protocol.Type
	after int64
}

// Client delivers queued chunks to the server in order, at least once.
// Capture never waits on it: producers write to the local store and call
// Notify.
type Client struct {
	dialer Dialer
	queue  Queue
	config Config
	logger *slog.Logger

	wake chan struct{}

	mu   sync.Mutex
	link Link
	// sessions currently being recorded; announced with session_start on every link
	attached map[string]*liveSession
	// sessions whose head chunk spent its retry budget on the current link
	blocked map[string]bool
	// queued pause and resume messages per session, oldest first
	controls map[string][]*control
	// pause boundary of sessions the server has accepted a pause for
	paused map[string]int64

	delivered      uint64
	failedAttempts uint64
	connects       uint64
	lastError      string
	lastErrorAt    time.Time
}

// NewClient creates a delivery client
func NewClient(dialer Dialer, queue Queue, config Config, logger *slog.Logger) (*Client, error) {
	if dialer == nil || queue == nil {
		return nil, fmt.Errorf("dialer and queue are required")
	}
	if config.BackoffInitial <= 0 {
		config.BackoffInitial = time.Second
	}
	if config.BackoffMax < config.BackoffInitial {
		config.BackoffMax = 30 * time.Second
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = 15 * time.Second
	}

	return &Client{
		dialer:   dialer,
		queue:    queue,
		config:   config,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		attached: make(map[string]*liveSession),
		blocked:  make(map[string]bool),
		controls: make(map[string][]*control),
		paused:   make(map[string]int64),
	}, nil
}

// Notify wakes the delivery loop. It never blocks.
func (c *Client) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Attach marks a session as being recorded. It is announced to the server
// before any of its chunks on every connection.
func (c *Client) Attach(key recording.SessionKey) {
	c.mu.Lock()
	c.attached[key.SessionID] = &liveSession{key: key}
	c.mu.Unlock()
	c.Notify()
}

// Detach stops announcing a session. Its remaining chunks are still delivered.
func (c *Client) Detach(sessionID string) {
	c.mu.Lock()
	delete(c.attached, sessionID)
	c.mu.Unlock()
}

// QueueControl queues a session_pause or session_resume. after is the order
// of the first chunk produced after the change; the message is delivered once
// every earlier chunk is acknowledged and before any later one. Controls
// survive link loss and Detach.
func (c *Client) QueueControl(sessionID string, kind protocol.Type, after int64) error {
	if kind != protocol.TypeSessionPause && kind != protocol.TypeSessionResume {
		return fmt.Errorf("unsupported session control %q", kind)
	}

	c.mu.Lock()
	c.controls[sessionID] = append(c.controls[sessionID], &control{kind: kind, after: after})
	c.mu.Unlock()
	c.Notify()
	return nil
}

// Online reports whether a link is up
func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Status returns delivery health
func (c *Client) Status(ctx context.Context) Status {
	c.mu.Lock()
	st := Status{
		Online:         c.link != nil,
		Delivered:      c.delivered,
		FailedAttempts: c.failedAttempts,
		Connects:       c.connects,
		LastError:      c.lastError,
		LastErrorAt:    c.lastErrorAt,
	}
	c.mu.Unlock()

	if qs, err := c.queue.Stats(ctx); err == nil {
		st.Pending = qs.Pending
		st.InFlight = qs.InFlight
		st.Failed = qs.Failed
		st.PendingBytes = qs.Bytes
	}
	return st
}

func (c *Client) recordError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.lastErrorAt = time.Now()
	c.mu.Unlock()
}

// Run keeps a link to the server and delivers queued chunks until ctx is
// cancelled. Every new link starts with a full drain of the local store.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.config.BackoffInitial

	for {
		link, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.recordError(err)
			c.logger.Warn("Connection to server failed",
				slog.Duration("retry_in", backoff),
				slog.String("error", err.Error()),
			)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(2*backoff, c.config.BackoffMax)
			continue
		}
		backoff = c.config.BackoffInitial

		c.online(link)
		err = c.serve(ctx, link)
		c.offline(link)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.recordError(err)
			c.logger.Warn("Connection to server lost",
				slog.String("error", err.Error()),
			)
		}
	}
}

// DrainOnce connects, delivers everything that can be delivered and
// disconnects
func (c *Client) DrainOnce(ctx context.Context) error {
	link, err := c.dialer.Dial(ctx)
	if err != nil {
		c.recordError(err)
		return err
	}
	c.online(link)
	defer c.offline(link)

	return c.drainOnReconnect(ctx, link)
}

func (c *Client) online(link Link) {
	c.mu.Lock()
	c.link = link
	c.connects++
	c.blocked = make(map[string]bool)
	for _, s := range c.attached {
		s.announced = false
	}
	// session_start on the new link makes a paused session active again
	for sessionID, after := range c.paused {
		delete(c.paused, sessionID)
		if _, ok := c.attached[sessionID]; !ok {
			continue
		}
		pause := &control{kind: protocol.TypeSessionPause, after: after}
		c.controls[sessionID] = append([]*control{pause}, c.controls[sessionID]...)
	}
	c.mu.Unlock()

	c.logger.Info("Connected to server")
}

func (c *Client) offline(link Link) {
	c.mu.Lock()
	if c.link == link {
		c.link = nil
	}
	c.mu.Unlock()
	link.Close()
}

func (c *Client) serve(ctx context.Context, link Link) error {
	if err := c.drainOnReconnect(ctx, link); err != nil {
		return err
	}

	var keepalive <-chan time.Time
	if c.config.KeepaliveInterval > 0 {
		ticker := time.NewTicker(c.config.KeepaliveInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-link.Done():
			return ErrLinkClosed
		case <-c.wake:
			if err := c.drain(ctx, link); err != nil {
				return err
			}
		case <-keepalive:
			if err := c.ping(ctx, link); err != nil {
				return err
			}
		}
	}
}

// ping keeps an idle link from being reaped by the server
func (c *Client) ping(ctx context.Context, link Link) error {
	reply, err := c.send(ctx, link, &protocol.Ping{MsgID: newMsgID()})
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	if reply.Type != protocol.TypePong {
		c.logger.Warn("Unexpected keepalive reply",
			slog.String("type", string(reply.Type)),
		)
	}
	return nil
}

// drainOnReconnect delivers the whole backlog of the local store right after
// a link comes up, before anything produced later. Failed chunks are eligible
// again because the blocked set was reset by online.
func (c *Client) drainOnReconnect(ctx context.Context, link Link) error {
	backlog, err := c.queue.Sessions(ctx)
	if err != nil {
		return err
	}
	if len(backlog) > 0 {
		pending := 0
		for _, b := range backlog {
			pending += b.Chunks
		}
		c.logger.Info("Draining local backlog",
			slog.Int("sessions", len(backlog)),
			slog.Int("chunks", pending),
		)
	}
	return c.drain(ctx, link)
}

// drain announces attached sessions, then delivers every session with queued
// work. Sessions run concurrently, chunks within a session strictly in order.
func (c *Client) drain(ctx context.Context, link Link) error {
	if err := c.announce(ctx, link); err != nil {
		return err
	}

	backlog, err := c.queue.Sessions(ctx)
	if err != nil {
		return err
	}
	backlog = c.withControls(backlog)

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range backlog {
		c.mu.Lock()
		blocked := c.blocked[b.SessionID]
		c.mu.Unlock()
		if blocked {
			continue
		}

		b := b
		g.Go(func() error {
			return c.deliverSession(gctx, link, b)
		})
	}
	return g.Wait()
}

// withControls adds sessions that only have queued controls to backlog
func (c *Client) withControls(backlog []localstore.Backlog) []localstore.Backlog {
	c.mu.Lock()
	defer c.mu.Unlock()

	queued := make(map[string]bool, len(backlog))
	for _, b := range backlog {
		queued[b.SessionID] = true
	}
	var extra []string
	for sessionID := range c.controls {
		if !queued[sessionID] {
			extra = append(extra, sessionID)
		}
	}
	sort.Strings(extra)
	for _, sessionID := range extra {
		backlog = append(backlog, localstore.Backlog{SessionID: sessionID})
	}
	return backlog
}

// announce sends session_start for attached sessions not yet started on link
func (c *Client) announce(ctx context.Context, link Link) error {
	c.mu.Lock()
	var todo []recording.SessionKey
	for _, s := range c.attached {
		if !s.announced {
			todo = append(todo, s.key)
		}
	}
	c.mu.Unlock()
	sort.Slice(todo, func(i, j int) bool { return todo[i].SessionID < todo[j].SessionID })

	for _, key := range todo {
		reply, err := c.send(ctx, link, &protocol.SessionStart{
			MsgID:     newMsgID(),
			SessionID: key.SessionID,
			PatientID: key.PatientID,
		})
		if err != nil {
			return err
		}
		if err := reply.Err(); err != nil {
			// The session's chunks still reach the server as backfill
			c.recordError(err)
			c.logger.Error("Server refused session start",
				slog.String("session_id", key.SessionID),
				slog.String("error", err.Error()),
			)
		}

		c.mu.Lock()
		if s, ok := c.attached[key.SessionID]; ok {
			s.announced = true
		}
		c.mu.Unlock()

		attrs := []any{slog.String("session_id", key.SessionID)}
		if reply.LastOrder != nil {
			attrs = append(attrs, slog.Int64("server_last_order", *reply.LastOrder))
		}
		c.logger.Debug("Session announced", attrs...)
	}
	return nil
}

// deliverSession sends the session's queued chunks in ascending order with
// its controls interleaved at their boundaries, then its pending end once
// everything is acknowledged
func (c *Client) deliverSession(ctx context.Context, link Link, b localstore.Backlog) error {
	// Controls are read first: every chunk a control must follow was
	// enqueued before the control, so it is in the pending list below
	controls := c.queuedControls(b.SessionID)

	chunks, err := c.queue.Pending(ctx, b.SessionID)
	if err != nil {
		return err
	}

	for _, chunk := range chunks {
		for len(controls) > 0 && controls[0].after <= chunk.Order {
			if err := c.sendControl(ctx, link, b.SessionID, controls[0]); err != nil {
				return err
			}
			controls = controls[1:]
		}

		err := c.deliver(ctx, link, chunk)
		var terminal *recording.TerminalDeliveryError
		if errors.As(err, &terminal) {
			// No later chunk may overtake this one until the next connection
			c.mu.Lock()
			c.blocked[b.SessionID] = true
			c.mu.Unlock()
			c.logger.Error("Chunk delivery failed, session paused until reconnect",
				slog.String("session_id", terminal.SessionID),
				slog.Int64("order", terminal.Order),
				slog.Int("attempts", terminal.Attempts),
				slog.String("error", terminal.Err.Error()),
			)
			return nil
		}
		if err != nil {
			return err
		}
	}

	for _, ctl := range controls {
		if err := c.sendControl(ctx, link, b.SessionID, ctl); err != nil {
			return err
		}
	}

	if b.EndPending {
		return c.sendEnd(ctx, link, b)
	}
	return nil
}

func (c *Client) queuedControls(sessionID string) []*control {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*control(nil), c.controls[sessionID]...)
}

// sendControl delivers one queued control. A transport error leaves it
// queued for the next link; a refusal by the server drops it.
func (c *Client) sendControl(ctx context.Context, link Link, sessionID string, ctl *control) error {
	var msg protocol.Message = &protocol.SessionResume{MsgID: newMsgID(), SessionID: sessionID}
	if ctl.kind == protocol.TypeSessionPause {
		msg = &protocol.SessionPause{MsgID: newMsgID(), SessionID: sessionID}
	}

	reply, err := c.send(ctx, link, msg)
	if err != nil {
		return err
	}
	refused := reply.Err()

	c.mu.Lock()
	queue := c.controls[sessionID]
	for i, queued := range queue {
		if queued == ctl {
			queue = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(c.controls, sessionID)
	} else {
		c.controls[sessionID] = queue
	}
	if refused == nil {
		if ctl.kind == protocol.TypeSessionPause {
			c.paused[sessionID] = ctl.after
		} else {
			delete(c.paused, sessionID)
		}
	}
	c.mu.Unlock()

	if refused != nil {
		c.recordError(refused)
		c.logger.Warn("Server refused session control",
			slog.String("session_id", sessionID),
			slog.String("type", string(ctl.kind)),
			slog.String("error", refused.Error()),
		)
		return nil
	}

	c.logger.Debug("Session control delivered",
		slog.String("session_id", sessionID),
		slog.String("type", string(ctl.kind)),
		slog.Int64("after", ctl.after),
	)
	return nil
}

func (c *Client) sendEnd(ctx context.Context, link Link, b localstore.Backlog) error {
	c.mu.Lock()
	_, live := c.attached[b.SessionID]
	c.mu.Unlock()
	if live {
		// Still recording; the end mark belongs to a previous stop
		return nil
	}

	reply, err := c.send(ctx, link, &protocol.SessionEnd{
		MsgID:     newMsgID(),
		SessionID: b.SessionID,
		PatientID: b.PatientID,
	})
	if err != nil {
		return err
	}
	if err := reply.Err(); err != nil {
		c.recordError(err)
		c.logger.Error("Server refused session end",
			slog.String("session_id", b.SessionID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	c.logger.Info("Session ended on server",
		slog.String("session_id", b.SessionID),
		slog.Bool("complete", reply.Complete),
		slog.Int64("total_chunks", reply.TotalChunks),
		slog.Int64("total_bytes", reply.TotalBytes),
	)
	return c.queue.ClearEnded(ctx, b.SessionID)
}

// deliver sends one chunk until it is acknowledged or its retry budget is
// spent. Every failed attempt is recorded in the store.
func (c *Client) deliver(ctx context.Context, link Link, chunk recording.Chunk) error {
	for {
		if err := c.queue.MarkInFlight(ctx, chunk.SessionID, chunk.Order); err != nil {
			return err
		}

		reply, err := c.send(ctx, link, protocol.NewAudioChunk(newMsgID(), chunk))
		if err == nil {
			switch {
			case reply.Type == protocol.TypeChunkAck:
				if err := c.queue.MarkDelivered(ctx, chunk.SessionID, chunk.Order); err != nil {
					return err
				}
				c.mu.Lock()
				c.delivered++
				c.mu.Unlock()
				return nil

			default:
				err = &recording.TransientDeliveryError{Err: reply.Err()}
				if reply.Err() == nil {
					err = &recording.TransientDeliveryError{Err: fmt.Errorf("unexpected reply %s", reply.Type)}
				}
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		c.failedAttempts++
		c.mu.Unlock()
		c.recordError(err)

		status, attempts, markErr := c.queue.MarkFailed(ctx, chunk.SessionID, chunk.Order, err)
		if markErr != nil {
			return markErr
		}
		c.logger.Warn("Chunk delivery attempt failed",
			slog.String("session_id", chunk.SessionID),
			slog.Int64("order", chunk.Order),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)

		if status == recording.StatusFailed {
			return &recording.TerminalDeliveryError{
				SessionID: chunk.SessionID,
				Order:     chunk.Order,
				Attempts:  attempts,
				Err:       err,
			}
		}

		select {
		case <-link.Done():
			// The chunk goes out again first thing after reconnect
			return err
		default:
		}

		if !sleep(ctx, c.retryDelay(attempts)) {
			return ctx.Err()
		}
	}
}

func (c *Client) retryDelay(attempts int) time.Duration {
	d := c.config.BackoffInitial
	for i := 1; i < attempts && d < c.config.BackoffMax; i++ {
		d *= 2
	}
	return min(d, c.config.BackoffMax)
}

func (c *Client) send(ctx context.Context, link Link, msg protocol.Message) (protocol.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.AckTimeout)
	defer cancel()
	return link.Send(ctx, msg)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
