package app

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	clientapp "github.com/chronodesk/chronosync/internal/app"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local changes and pull remote ones",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		full, err := cmd.Flags().GetBool("full")
		if err != nil {
			return fmt.Errorf("failed to get full flag: %w", err)
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			if err := s.client.Sync(ctx, full); err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			return printStatusFor(ctx, cmd.OutOrStdout(), s.client)
		})
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push local changes without pulling",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			pending, err := s.client.PushableModels(ctx)
			if err != nil {
				return err
			}
			if err := s.client.Push(ctx); err != nil {
				return fmt.Errorf("push failed: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d change(s)\n", len(pending))
			return err
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show login, backend and sync status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			return printStatusFor(ctx, cmd.OutOrStdout(), s.client)
		})
	},
}

func init() {
	syncCmd.Flags().Bool("full", false, "Download everything and drop local data the backend no longer has")
}

func printStatusFor(ctx context.Context, w io.Writer, client *clientapp.Client) error {
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	return printStatus(w, st)
}

// printStatus renders the status as a two column table
func printStatus(w io.Writer, st *clientapp.Status) error {
	rows := [][]string{
		{"Logged in", strconv.FormatBool(st.LoggedIn)},
		{"Backend", st.Backend},
		{"Pending changes", strconv.Itoa(st.Pushable)},
		{"Realtime", strconv.FormatBool(st.Realtime)},
		{"Last operation", orDash(st.Sync.Operation)},
		{"Phase", orDash(string(st.Sync.Phase))},
		{"Last sync", formatTime(st.Sync.LastSyncTime)},
	}
	if st.BackendError != "" {
		rows = append(rows, []string{"Backend error", st.BackendError})
	}
	if st.Sync.Message != "" {
		rows = append(rows, []string{"Message", st.Sync.Message})
	}

	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
