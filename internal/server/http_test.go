package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/divij2510/MediNote-App-sub001/internal/audio"
	"github.com/divij2510/MediNote-App-sub001/internal/config"
	"github.com/divij2510/MediNote-App-sub001/internal/finalizer"
	"github.com/divij2510/MediNote-App-sub001/internal/metrics"
	"github.com/divij2510/MediNote-App-sub001/internal/persistence"
	"github.com/divij2510/MediNote-App-sub001/internal/protocol"
	"github.com/divij2510/MediNote-App-sub001/internal/reconstruct"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/registry"
	"github.com/divij2510/MediNote-App-sub001/internal/stream"
)

var testFormat = audio.PCMFormat{SampleRate: 1000, Channels: 1, BitDepth: 16}

type testServer struct {
	http  *httptest.Server
	store *persistence.Store
}

func newTestServer(t *testing.T) *testServer {
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

	promReg := prometheus.NewRegistry()
	m := metrics.NewMetrics(promReg)

	mgr, err := stream.NewManager(logger, stream.ManagerConfig{}, stream.Dependencies{
		Registry:  reg,
		Chunks:    store,
		Finalizer: finalizer.New(store, store, logger),
		Metrics:   m,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	cfg := config.Default()
	h, err := NewHTTPServer(cfg, logger, Dependencies{
		Manager:     mgr,
		Registry:    reg,
		Chunks:      store,
		Sessions:    store,
		Reconstruct: reconstruct.NewService(store, testFormat, logger),
		Metrics:     m,
		Gatherer:    promReg,
	})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}

	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		srv.Close()
		mgr.Stop()
		reg.Close()
	})

	return &testServer{http: srv, store: store}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws/audio-stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, msg protocol.Message) protocol.Reply {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return readReply(t, ws)
}

func readReply(t *testing.T, ws *websocket.Conn) protocol.Reply {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	reply, err := protocol.DecodeReply(data)
	if err != nil {
		t.Fatalf("DecodeReply failed: %v", err)
	}
	return reply
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(s.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Reading %s failed: %v", path, err)
	}
	return resp, body
}

func record(t *testing.T, s *testServer, payloads ...[]byte) {
	t.Helper()
	ws := s.dial(t)

	reply := roundTrip(t, ws, &protocol.SessionStart{MsgID: "start", SessionID: "s1", PatientID: "p1"})
	if reply.Type != protocol.TypeSessionConfirmed {
		t.Fatalf("Expected session_confirmed, got %+v", reply)
	}

	for i, p := range payloads {
		chunk := protocol.NewAudioChunk(fmt.Sprintf("c%d", i), recording.Chunk{
			SessionID: "s1",
			PatientID: "p1",
			Order:     int64(i),
			Payload:   p,
		})
		reply := roundTrip(t, ws, chunk)
		if reply.Type != protocol.TypeChunkAck || reply.MsgID != chunk.MsgID {
			t.Fatalf("Expected ack for %s, got %+v", chunk.MsgID, reply)
		}
	}

	reply = roundTrip(t, ws, &protocol.SessionEnd{MsgID: "end", SessionID: "s1"})
	if reply.Type != protocol.TypeSessionEnded || !reply.Complete {
		t.Fatalf("Expected complete session_ended, got %+v", reply)
	}
}

func TestAudioStreamAndExport(t *testing.T) {
	s := newTestServer(t)
	record(t, s, bytes.Repeat([]byte{1}, 2000), bytes.Repeat([]byte{2}, 1000))

	t.Run("session status", func(t *testing.T) {
		resp, body := s.get(t, "/v1/sessions/s1")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
		}
		var status SessionStatus
		if err := json.Unmarshal(body, &status); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if status.Session == nil || !status.Session.Complete || status.StoredChunks != 2 || status.StoredBytes != 3000 {
			t.Errorf("Unexpected status %+v", status)
		}
		if status.MissingOrders == nil || len(status.MissingOrders) != 0 {
			t.Errorf("Expected an empty gap list, got %v", status.MissingOrders)
		}
	})

	t.Run("raw audio", func(t *testing.T) {
		resp, body := s.get(t, "/v1/sessions/s1/audio?format=raw")
		if resp.StatusCode != http.StatusOK || len(body) != 3000 {
			t.Fatalf("Expected 3000 raw bytes, got %d (%d)", len(body), resp.StatusCode)
		}
		if body[0] != 1 || body[2999] != 2 {
			t.Error("Chunks were not concatenated in order")
		}
	})

	t.Run("wav audio", func(t *testing.T) {
		resp, body := s.get(t, "/v1/sessions/s1/audio")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}
		format, dataSize, err := audio.ReadWAVHeader(bytes.NewReader(body))
		if err != nil {
			t.Fatalf("ReadWAVHeader failed: %v", err)
		}
		if format != testFormat || dataSize != 3000 || len(body) != audio.WAVHeaderSize+3000 {
			t.Errorf("Unexpected WAV: %+v, %d bytes data, %d total", format, dataSize, len(body))
		}
	})

	t.Run("single chunk", func(t *testing.T) {
		resp, body := s.get(t, "/v1/sessions/s1/chunks/1")
		if resp.StatusCode != http.StatusOK || len(body) != 1000 {
			t.Fatalf("Expected 1000 bytes, got %d (%d)", len(body), resp.StatusCode)
		}
		if resp.Header.Get("X-Chunk-Origin") != string(recording.OriginLive) {
			t.Errorf("Unexpected origin header %q", resp.Header.Get("X-Chunk-Origin"))
		}
	})

	t.Run("chunk listing", func(t *testing.T) {
		resp, body := s.get(t, "/v1/sessions/s1/chunks")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}
		var listing struct {
			Total  int                       `json:"total"`
			Chunks []persistence.StoredChunk `json:"chunks"`
		}
		json.Unmarshal(body, &listing)
		if listing.Total != 2 || listing.Chunks[1].Order != 1 || listing.Chunks[1].Size != 1000 {
			t.Errorf("Unexpected listing %+v", listing)
		}
	})

	t.Run("m3u8 playlist", func(t *testing.T) {
		resp, body := s.get(t, "/v1/sessions/s1/playlist")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}
		want := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n" +
			"#EXTINF:1.000,\n/v1/sessions/s1/chunks/0\n" +
			"#EXTINF:0.500,\n/v1/sessions/s1/chunks/1\n" +
			"#EXT-X-ENDLIST\n"
		if string(body) != want {
			t.Errorf("Unexpected playlist:\n%s", body)
		}
	})

	t.Run("patient sessions", func(t *testing.T) {
		resp, body := s.get(t, "/v1/patients/p1/sessions")
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"total":1`) {
			t.Errorf("Unexpected patient sessions %d: %s", resp.StatusCode, body)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		_, body := s.get(t, "/metrics")
		if !strings.Contains(string(body), "medinote_chunks_received_total") {
			t.Error("Expected chunk counter in metrics output")
		}
	})
}

func TestSessionStatusListsMissingOrders(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		session string
		orders  []int64
		want    string
	}{
		{"gappy", []int64{0, 2, 3, 6}, "[1 4 5]"},
		{"late-start", []int64{2}, "[0 1]"},
		{"contiguous", []int64{0, 1, 2}, "[]"},
	}
	for _, tt := range tests {
		t.Run(tt.session, func(t *testing.T) {
			for _, o := range tt.orders {
				_, err := s.store.Append(ctx, recording.Chunk{SessionID: tt.session, PatientID: "p1", Order: o, Payload: []byte{1}})
				if err != nil {
					t.Fatalf("Append failed: %v", err)
				}
			}

			resp, body := s.get(t, "/v1/sessions/"+tt.session)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
			}
			var status SessionStatus
			if err := json.Unmarshal(body, &status); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if got := fmt.Sprint(status.MissingOrders); got != tt.want {
				t.Errorf("Expected missing orders %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMissingSessionIsNotFound(t *testing.T) {
	s := newTestServer(t)

	paths := []string{
		"/v1/sessions/missing",
		"/v1/sessions/missing/chunks",
		"/v1/sessions/missing/chunks/0",
		"/v1/sessions/missing/audio",
		"/v1/sessions/missing/audio?format=raw",
		"/v1/sessions/missing/playlist",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			resp, _ := s.get(t, path)
			if resp.StatusCode != http.StatusNotFound {
				t.Errorf("Expected 404, got %d", resp.StatusCode)
			}
		})
	}
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		path   string
		status int
	}{
		{"/v1/sessions/s1/audio?format=mp3", http.StatusBadRequest},
		{"/v1/sessions/s1/chunks/abc", http.StatusBadRequest},
		{"/v1/sessions/bad%20id", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, _ := s.get(t, tt.path)
			if resp.StatusCode != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestMalformedMessageKeepsCorrelation(t *testing.T) {
	s := newTestServer(t)
	ws := s.dial(t)

	// audio_chunk without an order cannot be decoded
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio_chunk","msg_id":"m1","session_id":"s1"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	reply := readReply(t, ws)
	if reply.Type != protocol.TypeError || reply.Code != protocol.CodeInvalidMessage || reply.MsgID != "m1" {
		t.Errorf("Unexpected reply %+v", reply)
	}

	// The connection stays usable
	reply = roundTrip(t, ws, &protocol.Ping{MsgID: "p1"})
	if reply.Type != protocol.TypePong {
		t.Errorf("Expected pong, got %+v", reply)
	}
}

func TestDisconnectLeavesSessionIncomplete(t *testing.T) {
	s := newTestServer(t)
	ws := s.dial(t)

	roundTrip(t, ws, &protocol.SessionStart{MsgID: "start", SessionID: "s1", PatientID: "p1"})
	roundTrip(t, ws, protocol.NewAudioChunk("c0", recording.Chunk{SessionID: "s1", PatientID: "p1", Payload: []byte("aa")}))
	ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		sess, err := s.store.GetSession(context.Background(), "s1")
		if err == nil {
			if sess.Complete {
				t.Error("Disconnect must not complete the session")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Session was not finalized after disconnect: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
