package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sdtruck/forwarder/internal/config"
	"github.com/sdtruck/forwarder/internal/httpclient"
	"github.com/sdtruck/forwarder/internal/ignition"
	"github.com/sdtruck/forwarder/internal/metrics"
	"github.com/sdtruck/forwarder/internal/runner"
)

// Helper implementations live in dedicated files: version.go, logger.go,
// metrics_logger.go, mdns.go, canbus_init.go.

func main() {
	cfg, showVersion, err := config.Load(os.Args[1:])
	if showVersion {
		fmt.Printf("forwarder %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	l := setupLogger(cfg.LogFormat, cfg.LogLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("boot", "instance_id", cfg.InstanceID, "mac", cfg.MAC, "device", cfg.Device)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.LogMetricsEvery, l, &wg)

	can0, can1, err := initCANChannels(cfg, l)
	if err != nil {
		l.Error("can_init_failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = can0.Close()
		if can1 != nil {
			_ = can1.Close()
		}
	}()

	client := httpclient.New(fmt.Sprintf("%s:%d", cfg.ServerAddress, cfg.ServerPort), cfg.MAC, cfg.AttachedDevices)
	client.Connect()

	rn := runner.New(cfg.CANIface0, client, can0, can1, ignition.NoopController{})

	diagPort := diagnosticsPort(cfg.MetricsAddr)
	cleanupMDNS, err := startMDNS(ctx, cfg, diagPort)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
	} else {
		defer cleanupMDNS()
	}

	metrics.SetReadinessFunc(func() bool {
		return client.Status() != httpclient.Unreachable
	})
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runLoop(ctx, rn)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	wg.Wait()
}

// runLoop drives the runner's single-threaded tick (§4.7, §5): every
// operation inside Tick is non-blocking, so the loop free-runs rather than
// waiting on a ticker, keeping CAN-to-multicast latency minimal.
func runLoop(ctx context.Context, rn *runner.Runner) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rn.Tick(time.Now())
	}
}
