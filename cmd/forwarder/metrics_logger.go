package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sdtruck/forwarder/internal/metrics"
)

// startMetricsLogger periodically logs the counters snapshot, for
// deployments without a Prometheus scraper. interval <= 0 disables it.
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"can_rx", snap.CANRx, "can_tx", snap.CANTx,
					"mcast_rx", snap.McastRx, "mcast_tx", snap.McastTx,
					"malformed", snap.Malformed, "bad_commands", snap.BadCommands,
					"session_starts", snap.SessionStart, "session_stops", snap.SessionStop,
				)
			}
		}
	}()
}
