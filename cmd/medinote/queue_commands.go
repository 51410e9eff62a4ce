package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/divij2510/MediNote-App-sub001/internal/localstore"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

func newDrainCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver every queued chunk and pending session end, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			logger := ctx.loggerValue()

			store, err := ctx.openLocalStore()
			if err != nil {
				return err
			}
			defer store.Close()

			client, err := newDeliveryClient(cfg, store, logger)
			if err != nil {
				return err
			}

			drainCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			drainErr := client.DrainOnce(drainCtx)

			st := client.Status(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Delivered %d chunks\n", st.Delivered)
			if remaining := st.Pending + st.InFlight + st.Failed; remaining > 0 {
				fmt.Fprintf(out, "%d chunks pending upload (%d failed)\n", remaining, st.Failed)
			}
			if drainErr != nil {
				return fmt.Errorf("drain: %w", drainErr)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Give up after this long")
	return cmd
}

func newPendingCommand(ctx *commandContext) *cobra.Command {
	var chunks bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Show chunks waiting for upload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openLocalStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if chunks {
				return showPendingChunks(cmd, store, jsonOutput)
			}
			return showPendingSessions(cmd, store, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&chunks, "chunks", false, "List individual chunks instead of sessions")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func showPendingSessions(cmd *cobra.Command, store *localstore.Store, jsonOutput bool) error {
	backlog, err := store.Sessions(cmd.Context())
	if err != nil {
		return err
	}
	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(cmd, map[string]any{
			"sessions": backlog,
			"stats":    stats,
		})
	}

	out := cmd.OutOrStdout()
	if len(backlog) == 0 {
		fmt.Fprintln(out, "Nothing pending upload")
		return nil
	}

	rows := make([][]string, 0, len(backlog))
	for _, b := range backlog {
		rows = append(rows, []string{
			b.SessionID,
			b.PatientID,
			strconv.Itoa(b.Chunks),
			strconv.Itoa(b.Failed),
			strconv.FormatInt(b.Bytes, 10),
			yesNo(b.EndPending),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Session", "Patient", "Chunks", "Failed", "Bytes", "End pending"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	))
	fmt.Fprintf(out, "%d chunks pending upload (%d bytes)\n", stats.Total(), stats.Bytes)
	return nil
}

func showPendingChunks(cmd *cobra.Command, store *localstore.Store, jsonOutput bool) error {
	entries, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(cmd, entries)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "Nothing pending upload")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.SessionID,
			strconv.FormatInt(e.Order, 10),
			string(e.Status),
			strconv.Itoa(e.Attempts),
			strconv.FormatInt(e.Size, 10),
			e.CapturedAt.Local().Format(time.DateTime),
			e.LastError,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Session", "Order", "Status", "Attempts", "Bytes", "Captured", "Last error"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
	return nil
}

func newDiscardCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "discard SESSION [ORDER...]",
		Short: "Remove queued chunks without delivering them",
		Long: `Discard deletes chunks from the local store. They will never reach the
server. Pass chunk orders, or --all to drop everything queued for the session.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			if err := recording.ValidateSessionID(sessionID); err != nil {
				return err
			}
			if len(args) == 1 && !all {
				return fmt.Errorf("specify chunk orders or --all")
			}

			store, err := ctx.openLocalStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var orders []int64
			if all {
				pending, err := store.Pending(cmd.Context(), sessionID)
				if err != nil {
					return err
				}
				for _, c := range pending {
					orders = append(orders, c.Order)
				}
			} else {
				for _, arg := range args[1:] {
					order, err := strconv.ParseInt(arg, 10, 64)
					if err != nil || order < 0 {
						return fmt.Errorf("invalid chunk order %q", arg)
					}
					orders = append(orders, order)
				}
			}

			for _, order := range orders {
				if err := store.Discard(cmd.Context(), sessionID, order); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discarded %d chunks of session %s\n", len(orders), sessionID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Discard every queued chunk of the session")
	return cmd
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
