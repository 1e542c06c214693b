package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/sdtruck/forwarder/internal/config"
)

// mdnsServiceType tags this as a forwarder for field-technician discovery
// tooling; it is never consulted by the session state machine (§6:
// Controller discovery is config-file driven).
const mdnsServiceType = "_forwarder._tcp"

// startMDNS advertises the forwarder and its diagnostics (metrics) port, if
// any, over mDNS. diagPort is 0 when metrics HTTP is disabled; zeroconf
// accepts a zero port as "no service endpoint", advertising presence only.
func startMDNS(ctx context.Context, cfg *config.Config, diagPort int) (func(), error) {
	if !cfg.MDNSEnable {
		return func() {}, nil
	}
	instance := cfg.MDNSName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("forwarder-%s", host)
	}
	meta := []string{
		"device=" + cfg.Device,
		"mac=" + cfg.MAC,
		"instance=" + cfg.InstanceID.String(),
		"version=" + version,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", diagPort, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}

// diagnosticsPort extracts the numeric port from a metrics listen address
// like ":9100", returning 0 if metrics HTTP is disabled or unparsable.
func diagnosticsPort(addr string) int {
	if addr == "" {
		return 0
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return n
}
