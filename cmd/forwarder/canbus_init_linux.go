//go:build linux

package main

import "github.com/sdtruck/forwarder/internal/canbus"

func openSocketCANBackend(iface string) (canbus.Driver, error) {
	return canbus.OpenSocketCAN(iface, true)
}
