package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/divij2510/MediNote-App-sub001/internal/audio"
	"github.com/divij2510/MediNote-App-sub001/internal/persistence"
	"github.com/divij2510/MediNote-App-sub001/internal/reconstruct"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

func newExportCommand(ctx *commandContext) *cobra.Command {
	var output string
	var format string

	cmd := &cobra.Command{
		Use:   "export SESSION",
		Short: "Reconstruct a stored session into an audio file",
		Long: `Export reads the server's chunk storage directly and writes the session's
audio in stored order. Chunks that cannot be unwrapped are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			if err := recording.ValidateSessionID(sessionID); err != nil {
				return err
			}
			if format != "wav" && format != "raw" {
				return fmt.Errorf("unsupported format %q (use wav or raw)", format)
			}
			if output == "" {
				output = sessionID + "." + format
			}

			cfg := ctx.configValue()
			logger := ctx.loggerValue()

			chunks, err := persistence.Open(cmd.Context(), cfg.Storage.Path, logger)
			if err != nil {
				return fmt.Errorf("open chunk storage: %w", err)
			}
			defer chunks.Close()

			svc := reconstruct.NewService(chunks, captureFormat(cfg.Client), logger)

			// Measure first so a WAV header can be written up front
			summary, err := svc.Measure(cmd.Context(), sessionID)
			if err != nil {
				return err
			}

			body, err := svc.Stream(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			defer body.Close()

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}

			pcmFormat := svc.DefaultFormat()
			if summary.Format != nil {
				pcmFormat = *summary.Format
			}
			if format == "wav" {
				if err := audio.WriteWAVHeader(f, pcmFormat, summary.Bytes); err != nil {
					f.Close()
					return err
				}
			}
			if _, err := io.CopyN(f, body, summary.Bytes); err != nil {
				f.Close()
				return fmt.Errorf("write audio: %w", err)
			}
			if err := f.Close(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s: %d chunks, %d bytes, %s",
				output, summary.Chunks, summary.Bytes,
				pcmFormat.Duration(summary.Bytes).Round(time.Millisecond))
			if summary.Skipped > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), ", %d corrupt chunks skipped", summary.Skipped)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default SESSION.wav or SESSION.raw)")
	cmd.Flags().StringVar(&format, "format", "wav", "Output format: wav or raw")
	return cmd
}
