package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// monitorCmd polls a process session's admin resource on an interval and
// prints population deltas. The admin API has no streaming endpoint (TRDP
// processes are configuration-declarative, not event-driven at this level),
// so this is a poll loop rather than the server-streaming watch the
// underlying transport would otherwise support.
func monitorCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor <key>",
		Short: "Poll a process session and print population changes",
		Long:  "Repeatedly fetches /v1/sessions/<key> and prints a line whenever publisher, subscriber, or MD session counts change, until interrupted (Ctrl+C).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var prev sessionSummary
			first := true

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				if err := pollOnce(ctx, cmd, key, &prev, &first); err != nil {
					return err
				}

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")

	return cmd
}

func pollOnce(ctx context.Context, cmd *cobra.Command, key string, prev *sessionSummary, first *bool) error {
	var cur sessionSummary
	if err := getJSON(ctx, "/v1/sessions/"+key, &cur); err != nil {
		return err
	}

	if *first || cur != *prev {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  publishers=%d subscribers=%d md_sessions=%d\n",
			time.Now().Format(time.RFC3339), cur.NumPublishers, cur.NumSubscribers, cur.NumMDSessions)
		*prev = cur
		*first = false
	}

	return nil
}
