package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

// sessionSummary mirrors internal/server's list-view JSON shape.
type sessionSummary struct {
	Key            string `json:"key"`
	LocalAddr      string `json:"local_addr"`
	NumPublishers  int    `json:"num_publishers"`
	NumSubscribers int    `json:"num_subscribers"`
	NumMDSessions  int    `json:"num_md_sessions"`
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect declared TRDP process sessions",
	}

	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(publishersCmd())
	cmd.AddCommand(subscribersCmd())
	cmd.AddCommand(mdSessionsCmd())

	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all open process sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var sessions []sessionSummary
			if err := getJSON(cmd.Context(), "/v1/sessions", &sessions); err != nil {
				return err
			}

			out, err := formatSessions(sessions, outputFormat)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show a single process session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess sessionSummary
			if err := getJSON(cmd.Context(), "/v1/sessions/"+args[0], &sess); err != nil {
				return err
			}

			out, err := formatSession(sess, outputFormat)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func publishersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publishers <key>",
		Short: "List PD publishers for a process session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pubs []publisherView
			if err := getJSON(cmd.Context(), "/v1/sessions/"+args[0]+"/publishers", &pubs); err != nil {
				return err
			}

			out, err := formatPublishers(pubs, outputFormat)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func subscribersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribers <key>",
		Short: "List PD subscribers for a process session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var subs []subscriberView
			if err := getJSON(cmd.Context(), "/v1/sessions/"+args[0]+"/subscribers", &subs); err != nil {
				return err
			}

			out, err := formatSubscribers(subs, outputFormat)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func mdSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "md-sessions <key>",
		Short: "List open MD dialogs for a process session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var mds []mdSessionView
			if err := getJSON(cmd.Context(), "/v1/sessions/"+args[0]+"/md-sessions", &mds); err != nil {
				return err
			}

			out, err := formatMDSessions(mds, outputFormat)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

// -------------------------------------------------------------------------
// HTTP helper
// -------------------------------------------------------------------------

func getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverAddr+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}

	return nil
}
