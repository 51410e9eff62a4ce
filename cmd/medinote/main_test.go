package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/audio"
	"github.com/divij2510/MediNote-App-sub001/internal/localstore"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

// writeTestConfig writes a config whose client store lives in a temp dir
func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "client")
	cfg := "client:\n  store_dir: " + storeDir + "\nlogging:\n  level: error\n  format: text\n  output: stderr\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path, storeDir
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPendingAndDiscard(t *testing.T) {
	configPath, storeDir := writeTestConfig(t)

	store, err := localstore.Open(storeDir, localstore.Options{MaxRetries: 3})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for order := int64(0); order < 3; order++ {
		err := store.Enqueue(context.Background(), recording.Chunk{
			SessionID: "s1",
			PatientID: "p1",
			Order:     order,
			Payload:   []byte("pcm"),
		})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	store.Close()

	out, err := runCommand(t, "--config", configPath, "pending")
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if !strings.Contains(out, "s1") || !strings.Contains(out, "3 chunks pending upload") {
		t.Errorf("Unexpected pending output:\n%s", out)
	}

	if _, err := runCommand(t, "--config", configPath, "discard", "s1"); err == nil {
		t.Error("discard without orders or --all should fail")
	}

	out, err = runCommand(t, "--config", configPath, "discard", "s1", "0")
	if err != nil {
		t.Fatalf("discard failed: %v", err)
	}
	if !strings.Contains(out, "Discarded 1 chunks") {
		t.Errorf("Unexpected discard output: %s", out)
	}

	if _, err := runCommand(t, "--config", configPath, "discard", "s1", "--all"); err != nil {
		t.Fatalf("discard --all failed: %v", err)
	}
	out, err = runCommand(t, "--config", configPath, "pending")
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if !strings.Contains(out, "Nothing pending upload") {
		t.Errorf("Expected empty backlog, got:\n%s", out)
	}
}

func TestOpenCaptureInput(t *testing.T) {
	format := audio.PCMFormat{SampleRate: 16000, Channels: 1, BitDepth: 16}
	dir := t.TempDir()

	wav, err := audio.EncodeWAV(make([]byte, 320), format)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	wavPath := filepath.Join(dir, "take.wav")
	if err := os.WriteFile(wavPath, append(wav, "trailing"...), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	src, closeFn, err := openCaptureInput(wavPath, format)
	if err != nil {
		t.Fatalf("openCaptureInput failed: %v", err)
	}
	var buf bytes.Buffer
	buf.ReadFrom(src)
	closeFn()
	if buf.Len() != 320 {
		t.Errorf("Expected only the 320 data bytes, got %d", buf.Len())
	}

	other := audio.PCMFormat{SampleRate: 8000, Channels: 1, BitDepth: 16}
	if _, _, err := openCaptureInput(wavPath, other); err == nil {
		t.Error("Format mismatch should be rejected")
	}
}

func TestPacedReader(t *testing.T) {
	// 1000 bytes at 10000 bytes per second takes about 100ms
	r := &pacedReader{r: bytes.NewReader(make([]byte, 1000)), byteRate: 10000}

	start := time.Now()
	var buf bytes.Buffer
	buf.ReadFrom(r)
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Reader was not paced, took %v", elapsed)
	}
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"Session", "Chunks"}, [][]string{{"s1", "3"}, {"s2"}}, []columnAlignment{alignLeft, alignRight})
	if !strings.Contains(out, "Session") || !strings.Contains(out, "s2") {
		t.Errorf("Unexpected table:\n%s", out)
	}
	if renderTable(nil, nil, nil) != "" {
		t.Error("Empty headers should render nothing")
	}
}
