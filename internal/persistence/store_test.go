package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/sqlitex"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "medinote.db"), logger)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func chunk(sessionID string, order int64, payload string) recording.Chunk {
	return recording.Chunk{
		SessionID:  sessionID,
		PatientID:  "p1",
		Order:      order,
		Payload:    []byte(payload),
		CapturedAt: time.Unix(1700000000, 0).Add(time.Duration(order) * time.Second),
	}
}

func payloads(t *testing.T, s *Store, sessionID string) []string {
	t.Helper()
	chunks, err := s.ListOrdered(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("ListOrdered failed: %v", err)
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = string(c.Payload)
	}
	return out
}

func TestAppendOutcomes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		chunk   recording.Chunk
		order   int64
		outcome Outcome
	}{
		{"first write", chunk("s1", 0, "a"), 0, OutcomeStored},
		{"second order", chunk("s1", 1, "b"), 1, OutcomeStored},
		{"redelivery", chunk("s1", 1, "b"), 1, OutcomeDuplicate},
		{"conflicting content", chunk("s1", 1, "B"), 1, OutcomeReplaced},
		{"redelivery of replacement", chunk("s1", 1, "B"), 1, OutcomeDuplicate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Append(ctx, tt.chunk)
			if err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			if res.Order != tt.order || res.Outcome != tt.outcome {
				t.Errorf("Expected %d/%v, got %d/%v", tt.order, tt.outcome, res.Order, res.Outcome)
			}
		})
	}

	got := payloads(t, s, "s1")
	if len(got) != 2 || got[0] != "a" || got[1] != "B" {
		t.Errorf("Expected [a B], got %v", got)
	}

	alarms, err := s.IntegrityAlarms(ctx, "s1")
	if err != nil {
		t.Fatalf("IntegrityAlarms failed: %v", err)
	}
	if len(alarms) != 1 {
		t.Fatalf("Expected 1 alarm, got %d", len(alarms))
	}
	if alarms[0].Order != 1 || alarms[0].PreviousDigest != recording.PayloadDigest([]byte("b")) {
		t.Errorf("Unexpected alarm %+v", alarms[0])
	}

	stored, err := s.Get(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !stored.IntegrityFlag {
		t.Error("Replaced chunk should carry the integrity flag")
	}
}

func TestAppendRejectsInvalidChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		chunk recording.Chunk
	}{
		{"missing session", recording.Chunk{PatientID: "p1", Payload: []byte("x")}},
		{"missing patient", recording.Chunk{SessionID: "s1", Payload: []byte("x")}},
		{"negative order", recording.Chunk{SessionID: "s1", PatientID: "p1", Order: -1, Payload: []byte("x")}},
		{"empty payload", recording.Chunk{SessionID: "s1", PatientID: "p1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Append(ctx, tt.chunk); err == nil {
				t.Error("Expected error but got none")
			}
			if _, err := s.AppendNext(ctx, tt.chunk); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestAppendNextPlacesAfterStored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		if _, err := s.Append(ctx, chunk("s1", i, fmt.Sprintf("live-%d", i))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// Backfill carries client orders that would collide with live data
	res, err := s.AppendNext(ctx, chunk("s1", 0, "offline-0"))
	if err != nil {
		t.Fatalf("AppendNext failed: %v", err)
	}
	if res.Order != 3 || res.Outcome != OutcomeStored {
		t.Errorf("Expected 3/stored, got %d/%v", res.Order, res.Outcome)
	}

	res, _ = s.AppendNext(ctx, chunk("s1", 1, "offline-1"))
	if res.Order != 4 {
		t.Errorf("Expected order 4, got %d", res.Order)
	}

	// Redelivered backfill keeps its first position
	res, _ = s.AppendNext(ctx, chunk("s1", 0, "offline-0"))
	if res.Order != 3 || res.Outcome != OutcomeDuplicate {
		t.Errorf("Expected 3/duplicate, got %d/%v", res.Order, res.Outcome)
	}

	// A live chunk already stored is recognised when resent as backfill
	res, _ = s.AppendNext(ctx, chunk("s1", 2, "live-2"))
	if res.Order != 2 || res.Outcome != OutcomeDuplicate {
		t.Errorf("Expected 2/duplicate, got %d/%v", res.Order, res.Outcome)
	}

	got := payloads(t, s, "s1")
	expected := []string{"live-0", "live-1", "live-2", "offline-0", "offline-1"}
	if fmt.Sprint(got) != fmt.Sprint(expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}

	info, err := s.ListInfo(ctx, "s1")
	if err != nil {
		t.Fatalf("ListInfo failed: %v", err)
	}
	if info[3].Origin != recording.OriginBackfill || info[3].ClientOrder != 0 || info[3].Payload != nil {
		t.Errorf("Unexpected backfill info %+v", info[3])
	}
	if info[0].Origin != recording.OriginLive {
		t.Errorf("Expected live origin, got %v", info[0].Origin)
	}
}

func TestAppendNextEmptySessionStartsAtZero(t *testing.T) {
	s := newTestStore(t)

	res, err := s.AppendNext(context.Background(), chunk("s2", 9, "x"))
	if err != nil {
		t.Fatalf("AppendNext failed: %v", err)
	}
	if res.Order != 0 {
		t.Errorf("Expected order 0, got %d", res.Order)
	}
}

func TestAppendNextConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.AppendNext(ctx, chunk("s1", int64(i), fmt.Sprintf("c%d", i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("AppendNext failed: %v", err)
	}

	info, _ := s.ListInfo(ctx, "s1")
	if len(info) != n {
		t.Fatalf("Expected %d chunks, got %d", n, len(info))
	}
	for i, c := range info {
		if c.Order != int64(i) {
			t.Fatalf("Expected contiguous orders, got %d at %d", c.Order, i)
		}
	}
}

func TestAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, _ := s.MaxOrder(ctx, "s1"); ok {
		t.Error("Empty session should have no max order")
	}

	s.Append(ctx, chunk("s1", 0, "aa"))
	s.Append(ctx, chunk("s1", 5, "bbb"))
	s.Append(ctx, chunk("s2", 0, "c"))

	count, size, _ := s.Totals(ctx, "s1")
	maxOrder, ok, _ := s.MaxOrder(ctx, "s1")

	if count != 2 || size != 5 || maxOrder != 5 || !ok {
		t.Errorf("Unexpected aggregates count=%d size=%d max=%d ok=%v", count, size, maxOrder, ok)
	}

	if _, err := s.Get(ctx, "s1", 3); !errors.Is(err, recording.ErrChunkNotFound) {
		t.Errorf("Expected ErrChunkNotFound, got %v", err)
	}
}

func TestIterateOrderedPages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(0); i < 7; i++ {
		s.Append(ctx, chunk("s1", i*2, fmt.Sprintf("%d", i)))
	}

	var seen []int64
	err := s.IterateOrdered(ctx, "s1", 3, func(c StoredChunk) error {
		seen = append(seen, c.Order)
		return nil
	})
	if err != nil {
		t.Fatalf("IterateOrdered failed: %v", err)
	}
	if fmt.Sprint(seen) != "[0 2 4 6 8 10 12]" {
		t.Errorf("Unexpected iteration order %v", seen)
	}

	stop := errors.New("stop")
	count := 0
	err = s.IterateOrdered(ctx, "s1", 3, func(c StoredChunk) error {
		count++
		if count == 4 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || count != 4 {
		t.Errorf("Expected early stop after 4, got %d, %v", count, err)
	}
}

func TestSessionRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, recording.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	started := time.Unix(1700000000, 0).UTC()
	ended := started.Add(time.Minute)
	sess := recording.Session{
		ID:          "s1",
		PatientID:   "p1",
		StartedAt:   started,
		EndedAt:     &ended,
		TotalBytes:  10,
		TotalChunks: 2,
	}
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	sess.Complete = true
	sess.TotalChunks = 3
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !got.Complete || got.TotalChunks != 3 || !got.StartedAt.Equal(started) || got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("Unexpected session %+v", got)
	}

	s.UpsertSession(ctx, recording.Session{ID: "s2", PatientID: "p1", StartedAt: started.Add(time.Hour)})
	s.UpsertSession(ctx, recording.Session{ID: "s3", PatientID: "p2", StartedAt: started})

	list, err := s.ListSessionsByPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("ListSessionsByPatient failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "s2" || list[1].ID != "s1" {
		t.Errorf("Unexpected patient sessions %+v", list)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medinote.db")
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()

	s, err := Open(ctx, path, logger)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.Append(ctx, chunk("s1", 0, "a"))
	s.Close()

	s, err = Open(ctx, path, logger)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s.Close()

	if n, _ := s.Count(ctx, "s1"); n != 1 {
		t.Errorf("Expected 1 chunk after reopen, got %d", n)
	}
}

func TestTotalsAndMissingOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if missing, err := s.MissingOrders(ctx, "s1", 0); err != nil || len(missing) != 0 {
		t.Errorf("Empty session should have no gaps, got %v %v", missing, err)
	}

	for _, o := range []int64{1, 2, 5, 6, 9} {
		s.Append(ctx, chunk("s1", o, "ab"))
	}

	count, bytes, err := s.Totals(ctx, "s1")
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if count != 5 || bytes != 10 {
		t.Errorf("Expected 5 chunks and 10 bytes, got %d and %d", count, bytes)
	}

	tests := []struct {
		name  string
		limit int
		want  []int64
	}{
		{"all gaps", 0, []int64{0, 3, 4, 7, 8}},
		{"limited", 3, []int64{0, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.MissingOrders(ctx, "s1", tt.limit)
			if err != nil {
				t.Fatalf("MissingOrders failed: %v", err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEnvelopeFlagIsStored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wrapped := chunk("s1", 0, `{"v":1}`)
	wrapped.Enveloped = true
	s.Append(ctx, wrapped)
	s.AppendNext(ctx, chunk("s1", 0, `{"v":1} raw`))

	chunks, err := s.ListOrdered(ctx, "s1")
	if err != nil {
		t.Fatalf("ListOrdered failed: %v", err)
	}
	if len(chunks) != 2 || !chunks[0].Enveloped || chunks[1].Enveloped {
		t.Errorf("Unexpected envelope flags %+v", chunks)
	}
	if c := chunks[0].Chunk(); !c.Enveloped || c.Order != 0 {
		t.Errorf("Unexpected chunk %+v", c)
	}
}

func TestOpenMigratesVersionOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medinote.db")
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()

	db, err := sqlitex.Open(path)
	if err != nil {
		t.Fatalf("sqlitex.Open failed: %v", err)
	}
	v1 := strings.Replace(schemaSQL, "    enveloped      INTEGER NOT NULL DEFAULT 0,\n", "", 1)
	if _, err := db.ExecContext(ctx, v1); err != nil {
		t.Fatalf("Create v1 schema failed: %v", err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		t.Fatalf("Record v1 failed: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO chunks (session_id, chunk_order, patient_id, client_order, digest, size, payload, received_at, origin)
		 VALUES ('s1', 0, 'p1', 0, 'd', 2, x'0102', 1, 'live')`); err != nil {
		t.Fatalf("Insert v1 chunk failed: %v", err)
	}
	db.Close()

	s, err := Open(ctx, path, logger)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version").Scan(&version); err != nil || version != schemaVersion {
		t.Errorf("Expected version %d, got %d %v", schemaVersion, version, err)
	}
	chunks, err := s.ListOrdered(ctx, "s1")
	if err != nil || len(chunks) != 1 || chunks[0].Enveloped {
		t.Errorf("Existing chunk should survive as raw, got %+v %v", chunks, err)
	}
}
