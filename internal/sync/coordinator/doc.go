// Package coordinator runs automatic background synchronization.
//
// It sits on top of a Syncer (the client context in production) and handles:
//
//   - An initial full sync on start
//   - Incremental syncs on the configured interval, each offset by a random
//     jitter so that many clients do not hit the backend at the same moment
//   - Graceful shutdown
//
// # Usage Example
//
//	coord := coordinator.New(client, &cfg.Sync)
//
//	go func() {
//	    if err := coord.Start(ctx); err != nil {
//	        slog.Error("Sync coordinator failed", "error", err)
//	    }
//	}()
//
//	// ... later
//	coord.Stop()
//
// # Error Handling
//
// A failed round is logged and the loop keeps running; the next attempt
// happens on the next interval. While the backend is down or gone the Syncer
// fails fast without touching the network, so the coordinator does not need
// its own backoff.
package coordinator
