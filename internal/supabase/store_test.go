package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/finalizer"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/stream"
)

var (
	_ stream.PatientDirectory     = (*Client)(nil)
	_ stream.Archiver             = (*Client)(nil)
	_ finalizer.SessionRepository = (*Client)(nil)
)

// fakeProject emulates the PostgREST and Storage endpoints the client uses
type fakeProject struct {
	mu            sync.Mutex
	patients      []recording.Patient
	sessions      map[string]recording.Session
	patientLookup int
	uploads       map[string][]byte
}

func (f *fakeProject) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/rest/v1/patients" && r.Method == http.MethodGet:
		f.patientLookup++
		id := strings.TrimPrefix(r.URL.Query().Get("id"), "eq.")
		out := []recording.Patient{}
		for _, p := range f.patients {
			if p.ID == id {
				out = append(out, p)
			}
		}
		json.NewEncoder(w).Encode(out)

	case r.URL.Path == "/rest/v1/sessions" && r.Method == http.MethodPost:
		var sess recording.Session
		if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
			http.Error(w, `{"message":"bad body"}`, http.StatusBadRequest)
			return
		}
		f.sessions[sess.ID] = sess
		w.WriteHeader(http.StatusCreated)

	case r.URL.Path == "/rest/v1/sessions" && r.Method == http.MethodGet:
		q := r.URL.Query()
		out := []recording.Session{}
		for _, s := range f.sessions {
			if id := q.Get("id"); id != "" && "eq."+s.ID != id {
				continue
			}
			if pid := q.Get("patient_id"); pid != "" && "eq."+s.PatientID != pid {
				continue
			}
			out = append(out, s)
		}
		json.NewEncoder(w).Encode(out)

	case strings.HasPrefix(r.URL.Path, "/storage/v1/object/"):
		data, _ := io.ReadAll(r.Body)
		key := strings.TrimPrefix(r.URL.Path, "/storage/v1/object/")
		f.uploads[key] = data
		json.NewEncoder(w).Encode(map[string]string{"Key": key})

	default:
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeProject) {
	t.Helper()
	project := &fakeProject{
		patients: []recording.Patient{{ID: "p1", Name: "Jane Doe"}},
		sessions: make(map[string]recording.Session),
		uploads:  make(map[string][]byte),
	}
	srv := httptest.NewServer(project)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	c, err := New(Config{
		URL:           srv.URL,
		APIKey:        "test-key",
		ArchiveBucket: "chunks",
		CacheTTL:      time.Minute,
	}, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, project
}

func TestNewRequiresCredentials(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing url", Config{APIKey: "k"}},
		{"missing key", Config{URL: "http://localhost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, logger); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestGetPatientUsesCache(t *testing.T) {
	c, project := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := c.GetPatient(ctx, "p1")
		if err != nil {
			t.Fatalf("GetPatient failed: %v", err)
		}
		if p.Name != "Jane Doe" {
			t.Errorf("Unexpected patient %+v", p)
		}
	}

	if project.patientLookup != 1 {
		t.Errorf("Expected one lookup, got %d", project.patientLookup)
	}
	if st := c.CacheStats(); st.Hits != 2 || st.Misses != 1 || st.Entries != 1 {
		t.Errorf("Unexpected cache stats %+v", st)
	}

	// Expired entries are looked up again
	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := c.GetPatient(ctx, "p1"); err != nil {
		t.Fatalf("GetPatient failed: %v", err)
	}
	if project.patientLookup != 2 {
		t.Errorf("Expected a second lookup after expiry, got %d", project.patientLookup)
	}
}

func TestGetPatientNotFound(t *testing.T) {
	c, project := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.GetPatient(ctx, "nobody")
		if !errors.Is(err, recording.ErrPatientNotFound) {
			t.Fatalf("Expected ErrPatientNotFound, got %v", err)
		}
	}
	if project.patientLookup != 2 {
		t.Errorf("Misses must not be cached, got %d lookups", project.patientLookup)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := c.GetSession(ctx, "s1"); !errors.Is(err, recording.ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound, got %v", err)
	}

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ended := started.Add(10 * time.Minute)
	sess := recording.Session{
		ID:          "s1",
		PatientID:   "p1",
		StartedAt:   started,
		EndedAt:     &ended,
		Complete:    true,
		TotalBytes:  4096,
		TotalChunks: 4,
	}
	if err := c.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	got, err := c.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !got.Complete || got.TotalChunks != 4 || got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("Unexpected session %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set on upsert")
	}

	list, err := c.ListSessionsByPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("ListSessionsByPatient failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "s1" {
		t.Errorf("Unexpected session list %+v", list)
	}

	if err := c.UpsertSession(ctx, recording.Session{ID: "s2"}); err == nil {
		t.Error("Session without patient should be rejected")
	}
}

func TestArchive(t *testing.T) {
	c, project := newTestClient(t)
	chunk := recording.Chunk{SessionID: "s1", PatientID: "p1", Order: 2, Payload: []byte("pcm")}

	if err := c.Archive(context.Background(), chunk, 7); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	want := "chunks/p1/s1/00000007.chunk"
	if got, ok := project.uploads[want]; !ok || string(got) != "pcm" {
		t.Errorf("Expected upload at %s, got %v", want, project.uploads)
	}
}
