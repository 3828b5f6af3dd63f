package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login [email]",
	Short: "Log in and download your data",
	Long: `Log in with your email address and password, store the API token and
download your workspaces, projects, tags and time entries.

The password is read from the terminal, or from STDIN when it is not a
terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the API token and delete local data",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			if err := s.client.Logout(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return err
		})
	},
}

func runLogin(cmd *cobra.Command, args []string) error {
	email := strings.TrimSpace(args[0])
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}

	var reader io.Reader
	if term.IsTerminal(int(os.Stdin.Fd())) {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		passwordReader, err := readerFromTerminal()
		_, _ = fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		reader = passwordReader
	} else {
		reader = cmd.InOrStdin()
	}

	password, err := readPassword(reader)
	if err != nil {
		return err
	}

	return withSession(cmd, func(ctx context.Context, s *session) error {
		user, err := s.client.Login(ctx, email, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		slog.Debug("Login complete", "user_id", user.ID)
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", user.Email)
		return err
	})
}

func readerFromTerminal() (io.Reader, error) {
	passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return bytes.NewReader(passwordBytes), nil
}

// readPassword reads the first line of r
func readPassword(r io.Reader) (string, error) {
	passwordBytes, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password, _, _ := strings.Cut(string(passwordBytes), "\n")
	password = strings.TrimRight(password, "\r")
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	return password, nil
}
