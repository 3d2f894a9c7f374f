package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"kiln/pkg/state"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail   int
	follow bool
}

// eventSource is the read side of the event log.
type eventSource interface {
	RecentEvents(ctx context.Context, limit int, afterID int64) ([]state.Event, error)
}

// newLogsCmd creates the "kiln logs" subcommand.
func newLogsCmd() *cobra.Command {
	var lc logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the event log",
		Long:  "Displays recent events: watch cycles, dispatches, job outcomes and\nmaintenance runs. Optionally follow new events.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()
			if lc.follow {
				return followEvents(ctx, store, w, lc.tail, time.Second)
			}
			return printEvents(ctx, store, w, lc.tail)
		},
	}

	cmd.Flags().IntVar(&lc.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&lc.follow, "follow", "f", false, "poll for new events every 1s")

	return cmd
}

// printEvents displays the last tail events.
func printEvents(ctx context.Context, src eventSource, w io.Writer, tail int) error {
	events, err := src.RecentEvents(ctx, tail, 0)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}
	for i := range events {
		formatEvent(w, &events[i])
	}
	return nil
}

// followEvents prints the last tail events, then polls for newer ones until
// ctx is done.
func followEvents(ctx context.Context, src eventSource, w io.Writer, tail int, every time.Duration) error {
	events, err := src.RecentEvents(ctx, tail, 0)
	if err != nil {
		return err
	}
	var lastID int64
	for i := range events {
		formatEvent(w, &events[i])
		lastID = events[i].ID
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			newEvents, err := src.RecentEvents(ctx, 100, lastID)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			for i := range newEvents {
				formatEvent(w, &newEvents[i])
				lastID = newEvents[i].ID
			}
		}
	}
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, evt *state.Event) {
	st := newStyler(w)
	ts := evt.CreatedAt
	if t, err := time.Parse(time.RFC3339Nano, evt.CreatedAt); err == nil {
		ts = t.Local().Format(time.DateTime)
	}

	line := fmt.Sprintf("%s  %-10s %-10s", st.muted(ts), evt.Type, evt.Source)
	if evt.Number.Valid {
		line += fmt.Sprintf(" #%d", evt.Number.Int64)
	}
	if evt.Payload.Valid {
		line += "  " + evt.Payload.String
	}
	fmt.Fprintln(w, line)
}
