package main

import (
	"fmt"
	"log/slog"

	"github.com/sdtruck/forwarder/internal/canbus"
	"github.com/sdtruck/forwarder/internal/config"
)

// initCANChannels brings up CAN0 (required) and CAN1 (optional, nil when
// the config marks it absent), running autobaud on any channel whose
// configured bitrate is 0 (§4.4).
func initCANChannels(cfg *config.Config, l *slog.Logger) (can0, can1 canbus.Driver, err error) {
	can0, err = openChannel(cfg, canbus.CAN0, cfg.CANIface0, cfg.CAN0Bitrate, l)
	if err != nil {
		return nil, nil, fmt.Errorf("can0: %w", err)
	}
	if cfg.CAN1Bitrate < 0 {
		return can0, nil, nil
	}
	can1, err = openChannel(cfg, canbus.CAN1, cfg.CANIface1, cfg.CAN1Bitrate, l)
	if err != nil {
		_ = can0.Close()
		return nil, nil, fmt.Errorf("can1: %w", err)
	}
	return can0, can1, nil
}

func openChannel(cfg *config.Config, ch canbus.Channel, iface string, bitrate int, l *slog.Logger) (canbus.Driver, error) {
	drv, err := openBackend(cfg, iface)
	if err != nil {
		return nil, err
	}
	if bitrate == 0 {
		accepted, err := canbus.Autobaud(drv, ch)
		if err != nil {
			_ = drv.Close()
			return nil, err
		}
		l.Info("can_channel_up", "channel", ch, "bitrate", accepted, "autobaud", true)
		return drv, nil
	}
	if err := drv.SetBitrate(bitrate); err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("set bitrate %d: %w", bitrate, err)
	}
	l.Info("can_channel_up", "channel", ch, "bitrate", bitrate, "autobaud", false)
	return drv, nil
}

func openBackend(cfg *config.Config, iface string) (canbus.Driver, error) {
	if cfg.Backend == "serial" {
		port, err := canbus.OpenSerialPort(cfg.SerialDevice, cfg.SerialBaud, cfg.SerialReadTO)
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", cfg.SerialDevice, err)
		}
		return canbus.NewSerialCANDriver(port), nil
	}
	return openSocketCANBackend(iface)
}
