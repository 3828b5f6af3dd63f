package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	clientapp "github.com/chronodesk/chronosync/internal/app"
)

var startCmd = &cobra.Command{
	Use:   "start [description]",
	Short: "Start a time entry, stopping the running one",
	RunE: func(cmd *cobra.Command, args []string) error {
		description := strings.Join(args, " ")
		return withSession(cmd, func(ctx context.Context, s *session) error {
			entry, err := s.client.StartTimeEntry(ctx, description)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "Started %q at %s\n",
				entry.Description, entry.Start.Local().Format("15:04")); err != nil {
				return err
			}
			return pushQuietly(ctx, cmd, s)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running time entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			entry, err := s.client.StopTimeEntry(ctx)
			if errors.Is(err, clientapp.ErrNoRunningEntry) {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "Nothing is running")
				return err
			}
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "Stopped %q after %ds\n",
				entry.Description, entry.Duration); err != nil {
				return err
			}
			return pushQuietly(ctx, cmd, s)
		})
	},
}

// pushQuietly tries to push right away. Offline the change stays queued.
func pushQuietly(ctx context.Context, cmd *cobra.Command, s *session) error {
	if err := s.client.Push(ctx); err != nil {
		_, werr := fmt.Fprintf(cmd.ErrOrStderr(), "Saved locally, will sync later: %v\n", err)
		return werr
	}
	return nil
}
