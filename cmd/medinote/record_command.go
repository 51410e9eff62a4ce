package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/divij2510/MediNote-App-sub001/internal/audio"
	"github.com/divij2510/MediNote-App-sub001/internal/config"
	"github.com/divij2510/MediNote-App-sub001/internal/delivery"
	"github.com/divij2510/MediNote-App-sub001/internal/localstore"
	"github.com/divij2510/MediNote-App-sub001/internal/recorder"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

type recordOptions struct {
	patientID    string
	sessionID    string
	input        string
	realtime     bool
	drainTimeout time.Duration
}

func newRecordCommand(ctx *commandContext) *cobra.Command {
	var opts recordOptions

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Capture PCM audio for a patient and stream it to the server",
		Long: `Capture reads raw PCM (or a WAV file) in the configured client format.
Every chunk is stored locally before it is sent, so recording continues while
the server is unreachable. Interrupt to stop; the final chunk and the session
end are queued and delivered when possible.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, ctx, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.patientID, "patient", "p", "", "Patient id (required)")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Continue an existing session instead of starting a new one")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "-", "PCM or WAV input file, - for stdin")
	cmd.Flags().BoolVar(&opts.realtime, "realtime", false, "Pace file input at the capture byte rate")
	cmd.Flags().DurationVar(&opts.drainTimeout, "drain-timeout", 30*time.Second, "How long to wait for delivery after stopping")
	_ = cmd.MarkFlagRequired("patient")

	return cmd
}

func captureFormat(cfg config.ClientConfig) audio.PCMFormat {
	return audio.PCMFormat{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		BitDepth:   cfg.BitDepth,
	}
}

func newDeliveryClient(cfg *config.Config, store *localstore.Store, logger *slog.Logger) (*delivery.Client, error) {
	return delivery.NewClient(&delivery.WSDialer{
		URL:          cfg.Client.ServerURL,
		Logger:       logger,
		WriteTimeout: cfg.Server.GetWriteTimeoutDuration(),
	}, store, delivery.Config{
		BackoffInitial:    cfg.Client.GetBackoffInitialDuration(),
		BackoffMax:        cfg.Client.GetBackoffMaxDuration(),
		AckTimeout:        cfg.Client.GetAckTimeoutDuration(),
		KeepaliveInterval: cfg.Client.GetKeepaliveDuration(),
	}, logger)
}

func runRecord(cmd *cobra.Command, cmdCtx *commandContext, opts recordOptions) error {
	cfg := cmdCtx.configValue()
	logger := cmdCtx.loggerValue()
	format := captureFormat(cfg.Client)
	out := cmd.OutOrStdout()

	src, closeSrc, err := openCaptureInput(opts.input, format)
	if err != nil {
		return err
	}
	defer closeSrc()
	if opts.realtime {
		src = &pacedReader{r: src, byteRate: format.ByteRate()}
	}

	store, err := cmdCtx.openLocalStore()
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := newDeliveryClient(cfg, store, logger)
	if err != nil {
		return err
	}

	rec, err := recorder.New(recorder.Config{
		Format:        format,
		ChunkDuration: cfg.Client.GetChunkDuration(),
		Envelope:      cfg.Client.Envelope,
	}, store, client, logger)
	if err != nil {
		return err
	}

	// Delivery outlives the capture so the tail can still be sent
	runCtx, cancelRun := context.WithCancel(cmd.Context())
	defer cancelRun()
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(runCtx) }()

	captureCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var key recording.SessionKey
	if opts.sessionID != "" {
		key = recording.SessionKey{PatientID: opts.patientID, SessionID: opts.sessionID}
		if err := key.Validate(); err != nil {
			return err
		}
		err = rec.StartSession(captureCtx, key)
	} else {
		key, err = rec.Start(captureCtx, opts.patientID)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Recording session %s for patient %s (Ctrl-C to stop)\n", key.SessionID, key.PatientID)

	captureErr := rec.Capture(captureCtx, src)
	// A second interrupt exits immediately; everything captured is already stored
	stop()

	stats, stopErr := rec.Stop(context.Background())
	if stopErr != nil {
		logger.Error("Failed to stop recording", slog.String("error", stopErr.Error()))
	}
	fmt.Fprintf(out, "Captured %d chunks (%s)\n", stats.ChunksProduced, format.Duration(int64(stats.BytesProduced)).Round(time.Millisecond))

	waitCtx, cancelWait := context.WithTimeout(cmd.Context(), opts.drainTimeout)
	defer cancelWait()
	delivered := waitForSession(waitCtx, store, key.SessionID)

	cancelRun()
	<-runDone

	if delivered {
		fmt.Fprintln(out, "All chunks delivered")
	} else {
		st, _ := store.Stats(context.Background())
		fmt.Fprintf(out, "%d chunks pending upload; run `medinote drain` when the server is reachable\n", st.Total())
	}

	return errors.Join(captureErr, stopErr)
}

// openCaptureInput opens a raw PCM or WAV source. WAV input must match the
// configured capture format.
func openCaptureInput(path string, format audio.PCMFormat) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	closeFn := func() { f.Close() }

	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		return f, closeFn, nil
	}

	wavFormat, dataSize, err := audio.ReadWAVHeader(f)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	if wavFormat != format {
		closeFn()
		return nil, nil, fmt.Errorf("%s is %d Hz/%d ch/%d bit, capture format is %d Hz/%d ch/%d bit",
			path, wavFormat.SampleRate, wavFormat.Channels, wavFormat.BitDepth,
			format.SampleRate, format.Channels, format.BitDepth)
	}

	var r io.Reader = f
	if dataSize > 0 {
		r = io.LimitReader(f, int64(dataSize))
	}
	return r, closeFn, nil
}

// waitForSession polls the local store until nothing of the session is queued
func waitForSession(ctx context.Context, store *localstore.Store, sessionID string) bool {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		backlog, err := store.Sessions(ctx)
		if err == nil {
			found := false
			for _, b := range backlog {
				if b.SessionID == sessionID {
					found = true
					break
				}
			}
			if !found {
				return true
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// pacedReader releases data no faster than byteRate so file input behaves
// like a live capture
type pacedReader struct {
	r        io.Reader
	byteRate int
	start    time.Time
	read     int64
}

func (p *pacedReader) Read(b []byte) (int, error) {
	if p.start.IsZero() {
		p.start = time.Now()
	}
	n, err := p.r.Read(b)
	p.read += int64(n)

	due := p.start.Add(time.Duration(float64(p.read) / float64(p.byteRate) * float64(time.Second)))
	if d := time.Until(due); d > 0 {
		time.Sleep(d)
	}
	return n, err
}
