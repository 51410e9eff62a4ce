package stream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/divij2510/MediNote-App-sub001/internal/finalizer"
	"github.com/divij2510/MediNote-App-sub001/internal/metrics"
	"github.com/divij2510/MediNote-App-sub001/internal/persistence"
	"github.com/divij2510/MediNote-App-sub001/internal/protocol"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/registry"
)

type fakeArchiver struct {
	mu     sync.Mutex
	orders []int64
}

func (a *fakeArchiver) Archive(ctx context.Context, c recording.Chunk, storedOrder int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orders = append(a.orders, storedOrder)
	return nil
}

func (a *fakeArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.orders)
}

type fakeDirectory map[string]bool

func (d fakeDirectory) GetPatient(ctx context.Context, patientID string) (*recording.Patient, error) {
	if !d[patientID] {
		return nil, fmt.Errorf("%w: %s", recording.ErrPatientNotFound, patientID)
	}
	return &recording.Patient{ID: patientID}, nil
}

type testEnv struct {
	mgr      *Manager
	store    *persistence.Store
	registry *registry.Registry
	archiver *fakeArchiver
}

func newTestEnv(t *testing.T, config ManagerConfig) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()

	store, err := persistence.Open(ctx, filepath.Join(t.TempDir(), "medinote.db"), logger)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	regStore, err := registry.NewStore(registry.StoreTypeMemory)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	reg := registry.New(regStore, logger)
	t.Cleanup(func() { reg.Close() })

	archiver := &fakeArchiver{}
	mgr, err := NewManager(logger, config, Dependencies{
		Registry:  reg,
		Chunks:    store,
		Finalizer: finalizer.New(store, store, logger),
		Patients:  fakeDirectory{"p1": true},
		Archiver:  archiver,
		Metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(mgr.Stop)

	return &testEnv{mgr: mgr, store: store, registry: reg, archiver: archiver}
}

func handleOne(t *testing.T, c *Conn, msg protocol.Message) protocol.Reply {
	t.Helper()
	replies := c.Handle(context.Background(), msg)
	if len(replies) != 1 {
		t.Fatalf("Expected 1 reply, got %d", len(replies))
	}
	return replies[0]
}

func chunkMsg(order int64, payload string) *protocol.AudioChunk {
	return &protocol.AudioChunk{
		MsgID:     fmt.Sprintf("m-%d", order),
		SessionID: "s1",
		PatientID: "p1",
		Order:     order,
		Payload:   []byte(payload),
		Size:      len(payload),
	}
}

func startMsg() *protocol.SessionStart {
	return &protocol.SessionStart{MsgID: "start", SessionID: "s1", PatientID: "p1"}
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	if _, err := NewManager(logger, ManagerConfig{}, Dependencies{}); err == nil {
		t.Error("Expected error for missing dependencies")
	}
}

func TestRecordingLifecycle(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	conn := env.mgr.Open("c1", nil)

	reply := handleOne(t, conn, startMsg())
	if reply.Type != protocol.TypeSessionConfirmed || reply.LastOrder != nil {
		t.Fatalf("Unexpected start reply %+v", reply)
	}

	for i, payload := range []string{"aa", "bb", "cc"} {
		reply := handleOne(t, conn, chunkMsg(int64(i), payload))
		if reply.Type != protocol.TypeChunkAck || reply.MsgID != fmt.Sprintf("m-%d", i) {
			t.Fatalf("Unexpected ack %+v", reply)
		}
		if *reply.StoredOrder != int64(i) || reply.Duplicate {
			t.Errorf("Chunk %d: stored order %d, duplicate %v", i, *reply.StoredOrder, reply.Duplicate)
		}
	}

	// Redelivery is acknowledged as a duplicate
	reply = handleOne(t, conn, chunkMsg(1, "bb"))
	if reply.Type != protocol.TypeChunkAck || !reply.Duplicate || *reply.StoredOrder != 1 {
		t.Errorf("Expected duplicate ack, got %+v", reply)
	}

	reply = handleOne(t, conn, &protocol.SessionEnd{MsgID: "end", SessionID: "s1"})
	if reply.Type != protocol.TypeSessionEnded {
		t.Fatalf("Expected session_ended, got %+v", reply)
	}
	if !reply.Persisted || !reply.Complete || reply.TotalChunks != 3 || reply.TotalBytes != 6 {
		t.Errorf("Unexpected end reply %+v", reply)
	}

	sess, err := env.store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !sess.Complete || sess.PatientID != "p1" {
		t.Errorf("Unexpected session row %+v", sess)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.archiver.count() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 3 archived chunks, got %d", env.archiver.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartReportsLastOrder(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	first := env.mgr.Open("c1", nil)
	handleOne(t, first, startMsg())
	handleOne(t, first, chunkMsg(0, "aa"))
	handleOne(t, first, chunkMsg(1, "bb"))

	second := env.mgr.Open("c2", nil)
	reply := handleOne(t, second, startMsg())
	if reply.LastOrder == nil || *reply.LastOrder != 1 {
		t.Errorf("Expected last order 1, got %+v", reply.LastOrder)
	}

	// The old connection lost the session
	reply = handleOne(t, first, &protocol.SessionPause{MsgID: "p", SessionID: "s1"})
	if reply.Type != protocol.TypeError || reply.Code != protocol.CodeNotAttached {
		t.Errorf("Expected not_attached, got %+v", reply)
	}
}

func TestPausedChunksAreRejected(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	conn := env.mgr.Open("c1", nil)
	handleOne(t, conn, startMsg())

	reply := handleOne(t, conn, &protocol.SessionPause{MsgID: "p", SessionID: "s1"})
	if reply.Type != protocol.TypeSessionPaused || reply.State != string(registry.StatePaused) {
		t.Fatalf("Unexpected pause reply %+v", reply)
	}

	reply = handleOne(t, conn, chunkMsg(0, "aa"))
	if reply.Type != protocol.TypeChunkRejected || reply.Code != protocol.CodeSessionPaused {
		t.Errorf("Expected session_paused rejection, got %+v", reply)
	}

	reply = handleOne(t, conn, &protocol.SessionResume{MsgID: "r", SessionID: "s1"})
	if reply.Type != protocol.TypeSessionResumed {
		t.Fatalf("Unexpected resume reply %+v", reply)
	}

	reply = handleOne(t, conn, chunkMsg(0, "aa"))
	if reply.Type != protocol.TypeChunkAck {
		t.Errorf("Expected ack after resume, got %+v", reply)
	}

	count, _ := env.store.Count(context.Background(), "s1")
	if count != 1 {
		t.Errorf("Expected 1 stored chunk, got %d", count)
	}
}

func TestHandleErrors(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})

	tests := []struct {
		name string
		msg  protocol.Message
		typ  protocol.Type
		code string
	}{
		{"unknown patient", &protocol.SessionStart{MsgID: "1", SessionID: "s9", PatientID: "nobody"}, protocol.TypeError, protocol.CodePatientNotFound},
		{"invalid session id", &protocol.SessionStart{MsgID: "2", SessionID: "", PatientID: "p1"}, protocol.TypeError, protocol.CodeInvalidMessage},
		{"pause unattached", &protocol.SessionPause{MsgID: "3", SessionID: "s9"}, protocol.TypeError, protocol.CodeNotAttached},
		{"resume unattached", &protocol.SessionResume{MsgID: "4", SessionID: "s9"}, protocol.TypeError, protocol.CodeNotAttached},
		{"size mismatch", &protocol.AudioChunk{MsgID: "5", SessionID: "s9", PatientID: "p1", Payload: []byte("ab"), Size: 3}, protocol.TypeChunkRejected, protocol.CodeInvalidMessage},
		{"backfill without patient", &protocol.AudioChunk{MsgID: "6", SessionID: "s9", Payload: []byte("ab"), Size: 2}, protocol.TypeChunkRejected, protocol.CodeInvalidMessage},
		{"backfill unknown patient", &protocol.AudioChunk{MsgID: "7", SessionID: "s9", PatientID: "nobody", Payload: []byte("ab"), Size: 2}, protocol.TypeChunkRejected, protocol.CodePatientNotFound},
		{"end without patient", &protocol.SessionEnd{MsgID: "8", SessionID: "s9"}, protocol.TypeError, protocol.CodeInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := env.mgr.Open("c-"+tt.name, nil)
			reply := handleOne(t, conn, tt.msg)
			if reply.Type != tt.typ || reply.Code != tt.code {
				t.Errorf("Expected %s/%s, got %s/%s (%s)", tt.typ, tt.code, reply.Type, reply.Code, reply.Message)
			}
			if reply.MsgID != tt.msg.ID() {
				t.Errorf("Reply should carry msg_id %q, got %q", tt.msg.ID(), reply.MsgID)
			}
		})
	}
}

func TestPing(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	conn := env.mgr.Open("c1", nil)

	reply := handleOne(t, conn, &protocol.Ping{MsgID: "ping-1"})
	if reply.Type != protocol.TypePong || reply.MsgID != "ping-1" {
		t.Errorf("Unexpected pong %+v", reply)
	}
}

func TestDisconnectFinalizesIncomplete(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	ctx := context.Background()

	conn := env.mgr.Open("c1", nil)
	handleOne(t, conn, startMsg())
	handleOne(t, conn, chunkMsg(0, "aa"))
	handleOne(t, conn, chunkMsg(1, "bb"))

	conn.Close(CloseClient)
	conn.Close(CloseClient)

	if env.mgr.GetActiveConnectionCount() != 0 {
		t.Errorf("Connection should be removed after close")
	}

	sess, err := env.store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Complete || sess.TotalChunks != 2 {
		t.Errorf("Expected incomplete row with 2 chunks, got %+v", sess)
	}

	entry, _ := env.registry.Get(ctx, "s1")
	if entry == nil || entry.ConnectionID != "" || entry.State != registry.StateActive {
		t.Errorf("Expected detached active entry, got %+v", entry)
	}

	// Handling after close is refused
	reply := handleOne(t, conn, &protocol.Ping{MsgID: "late"})
	if reply.Type != protocol.TypeError {
		t.Errorf("Expected error after close, got %+v", reply)
	}
}

func TestBackfillAfterEnd(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	ctx := context.Background()

	live := env.mgr.Open("c1", nil)
	handleOne(t, live, startMsg())
	handleOne(t, live, chunkMsg(0, "aa"))
	handleOne(t, live, chunkMsg(1, "bb"))
	handleOne(t, live, &protocol.SessionEnd{MsgID: "end", SessionID: "s1"})
	live.Close(CloseClient)

	// Chunks captured offline arrive on a fresh connection with client orders
	// that collide with what is stored
	drain := env.mgr.Open("c2", nil)
	for i, payload := range []string{"xx", "yy"} {
		reply := handleOne(t, drain, chunkMsg(int64(i), payload))
		if reply.Type != protocol.TypeChunkAck {
			t.Fatalf("Expected ack, got %+v", reply)
		}
		if want := int64(2 + i); *reply.StoredOrder != want {
			t.Errorf("Backfill chunk %d stored at %d, expected %d", i, *reply.StoredOrder, want)
		}
	}

	// Resending a backfilled chunk does not store it twice
	reply := handleOne(t, drain, chunkMsg(0, "xx"))
	if !reply.Duplicate || *reply.StoredOrder != 2 {
		t.Errorf("Expected duplicate of stored order 2, got %+v", reply)
	}

	drain.Close(CloseClient)

	sess, err := env.store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.TotalChunks != 4 || sess.TotalBytes != 8 || !sess.Complete {
		t.Errorf("Expected complete row with 4 chunks, got %+v", sess)
	}
	alarms, _ := env.store.IntegrityAlarms(ctx, "s1")
	if len(alarms) != 0 {
		t.Errorf("Backfill should not raise integrity alarms, got %d", len(alarms))
	}
}

func TestReconnectBackfillThenExplicitEnd(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	ctx := context.Background()

	live := env.mgr.Open("c1", nil)
	handleOne(t, live, startMsg())
	for i, payload := range []string{"aa", "bb", "cc"} {
		handleOne(t, live, chunkMsg(int64(i), payload))
	}
	// Connection drops without session_end
	live.Close(CloseClient)

	// The client reconnects and drains chunks it numbered from 0 again
	drain := env.mgr.Open("c2", nil)
	for i, payload := range []string{"dd", "ee"} {
		reply := handleOne(t, drain, chunkMsg(int64(i), payload))
		if reply.Type != protocol.TypeChunkAck || reply.Duplicate {
			t.Fatalf("Expected fresh ack, got %+v", reply)
		}
	}
	drain.Close(CloseClient)

	stored, err := env.store.ListOrdered(ctx, "s1")
	if err != nil {
		t.Fatalf("ListOrdered failed: %v", err)
	}
	var orders, payloads []string
	for _, c := range stored {
		orders = append(orders, fmt.Sprint(c.Order))
		payloads = append(payloads, string(c.Payload))
	}
	if fmt.Sprint(orders) != "[0 1 2 3 4]" || fmt.Sprint(payloads) != "[aa bb cc dd ee]" {
		t.Errorf("Unexpected stored chunks %v %v", orders, payloads)
	}

	sess, err := env.store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Complete || sess.TotalChunks != 5 {
		t.Errorf("Expected incomplete row with 5 chunks, got %+v", sess)
	}

	end := env.mgr.Open("c3", nil)
	reply := handleOne(t, end, &protocol.SessionEnd{MsgID: "end", SessionID: "s1", PatientID: "p1"})
	if reply.Type != protocol.TypeSessionEnded || !reply.Complete {
		t.Fatalf("Expected complete session_ended, got %+v", reply)
	}
	end.Close(CloseClient)

	sess, err = env.store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !sess.Complete || sess.TotalChunks != 5 || sess.TotalBytes != 10 {
		t.Errorf("Expected complete row with 5 chunks, got %+v", sess)
	}
}

func TestIdleConnectionsAreClosed(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{
		IdleTimeout:   50 * time.Millisecond,
		CheckInterval: 10 * time.Millisecond,
	})

	closed := make(chan string, 1)
	conn := env.mgr.Open("c1", func(reason string) { closed <- reason })
	handleOne(t, conn, startMsg())
	handleOne(t, conn, chunkMsg(0, "aa"))

	select {
	case reason := <-closed:
		if reason != CloseIdle {
			t.Errorf("Expected %s, got %s", CloseIdle, reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Idle connection was not closed")
	}

	sess, err := env.store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Complete {
		t.Error("Idle timeout must not complete a session")
	}
}

func TestGetAllConnections(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	conn := env.mgr.Open("c1", nil)
	handleOne(t, conn, startMsg())
	handleOne(t, conn, chunkMsg(0, "aa"))
	env.mgr.Open("c2", nil)

	infos := env.mgr.GetAllConnections()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 connections, got %d", len(infos))
	}
	for _, info := range infos {
		if info.ID == "c1" {
			if len(info.Sessions) != 1 || info.Stats.ChunksStored != 1 || info.Stats.MessagesHandled != 2 {
				t.Errorf("Unexpected info %+v", info)
			}
		}
	}

	if _, ok := env.mgr.GetConnection("c2"); !ok {
		t.Error("Expected c2 to be found")
	}
}
