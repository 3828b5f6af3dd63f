package coordinator

import (
	"log/slog"
	"time"

	"github.com/chronodesk/chronosync/internal/config"
)

// getSyncInterval extracts the sync interval from the sync configuration
func getSyncInterval(cfg *config.SyncConfig) time.Duration {
	if cfg != nil && cfg.Interval != "" {
		if interval, err := time.ParseDuration(cfg.Interval); err == nil && interval > 0 {
			return interval
		}
		slog.Warn("Invalid sync interval, using default",
			"interval", cfg.Interval,
			"default", config.DefaultSyncInterval)
	}
	return config.DefaultSyncInterval
}

// getSyncJitter returns the maximum random offset, never more than half the
// interval so that consecutive syncs cannot collapse into one.
func getSyncJitter(cfg *config.SyncConfig, interval time.Duration) time.Duration {
	jitter := config.DefaultSyncJitter
	if cfg != nil && cfg.Jitter != "" {
		if parsed, err := time.ParseDuration(cfg.Jitter); err == nil && parsed >= 0 {
			jitter = parsed
		} else {
			slog.Warn("Invalid sync jitter, using default",
				"jitter", cfg.Jitter,
				"default", config.DefaultSyncJitter)
		}
	}
	return min(jitter, interval/2)
}
