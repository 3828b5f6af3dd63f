// Package app provides the commands of the chronosync command line client.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	clientapp "github.com/chronodesk/chronosync/internal/app"
	"github.com/chronodesk/chronosync/internal/config"
	"github.com/chronodesk/chronosync/internal/logging"
	"github.com/chronodesk/chronosync/internal/telemetry"
	"github.com/chronodesk/chronosync/internal/versions"
)

// logCloser releases the log file opened by the root command
var logCloser io.Closer

var rootCmd = &cobra.Command{
	Use:               "chronosync",
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	Short:             "Offline-first time tracking sync client",
	Long: `chronosync keeps a local copy of your time tracking data, lets you
start and stop entries offline and synchronizes them with the backend.`,
	PersistentPreRun: func(*cobra.Command, []string) {
		setupLogging(logging.Options{Level: envLogLevel()})
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			slog.Error("Error displaying help", "error", err)
		}
	},
}

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		slog.Error("Error binding config flag", "error", err)
	}
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		slog.Error("Error binding debug flag", "error", err)
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(watchCmd)

	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			return fmt.Errorf("failed to get format flag: %w", err)
		}
		return printVersion(cmd.OutOrStdout(), format)
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}

func printVersion(w io.Writer, format string) error {
	info := versions.GetVersionInfo()
	if format == "json" {
		output, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format version info as JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(output))
		return err
	}

	_, err := fmt.Fprintf(w, "chronosync %s (commit %s, built %s, %s %s)\n",
		info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
	return err
}

// envLogLevel returns the level requested before any configuration is read
func envLogLevel() string {
	if viper.GetBool("debug") {
		return "debug"
	}
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v.GetString("LOG_LEVEL")
}

// setupLogging installs the default logger, replacing any previous one.
// Output goes to stderr so stdout stays clean for command output.
func setupLogging(opts logging.Options) {
	if logCloser != nil {
		_ = logCloser.Close()
	}
	handler, closer := logging.New(opts)
	logCloser = closer
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the configuration named by --config and applies its
// logging settings.
func loadConfig() (*config.Config, error) {
	var opts []config.Option
	if path := viper.GetString("config"); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}

	cfg, err := config.LoadConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level := cfg.Logging.Level
	if viper.GetBool("debug") {
		level = "debug"
	}
	setupLogging(logging.Options{
		Level:      level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	return cfg, nil
}

// session is a client plus the telemetry it reports to
type session struct {
	client    *clientapp.Client
	telemetry *telemetry.Telemetry
	config    *config.Config
}

// openSession loads the configuration and builds a client. The caller must
// call close.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx,
		telemetry.WithTelemetryConfig(cfg.Telemetry),
		telemetry.WithServiceVersion(versions.GetVersionInfo().Version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	client, err := clientapp.New(ctx,
		clientapp.WithConfig(cfg),
		clientapp.WithMeterProvider(tel.MeterProvider()),
		clientapp.WithTracerProvider(tel.TracerProvider()))
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	return &session{client: client, telemetry: tel, config: cfg}, nil
}

func (s *session) close(ctx context.Context) {
	if err := s.client.Close(); err != nil {
		slog.Error("Failed to close client", "error", err)
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		slog.Error("Failed to shutdown telemetry", "error", err)
	}
}

// withSession runs fn with an open session
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close(context.WithoutCancel(ctx))
	return fn(ctx, s)
}
