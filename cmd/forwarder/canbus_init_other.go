//go:build !linux

package main

import (
	"fmt"

	"github.com/sdtruck/forwarder/internal/canbus"
)

// Placeholder so non-linux builds compile; SocketCAN is Linux-only.
func openSocketCANBackend(iface string) (canbus.Driver, error) {
	return nil, fmt.Errorf("socketcan backend unsupported on this platform")
}
