package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/sdtruck/forwarder/internal/canbus"
	"github.com/sdtruck/forwarder/internal/config"
)

type fakeSerialPort struct{}

func (fakeSerialPort) Read(p []byte) (int, error)  { return 0, nil }
func (fakeSerialPort) Write(p []byte) (int, error) { return len(p), nil }
func (fakeSerialPort) Close() error                { return nil }

func withFakeSerial(t *testing.T) {
	t.Helper()
	orig := canbus.OpenSerialPort
	canbus.OpenSerialPort = func(name string, baud int, readTimeout time.Duration) (canbus.SerialPort, error) {
		return fakeSerialPort{}, nil
	}
	t.Cleanup(func() { canbus.OpenSerialPort = orig })
}

func TestInitCANChannelsCAN1Absent(t *testing.T) {
	withFakeSerial(t)
	cfg := &config.Config{Backend: "serial", SerialDevice: "/dev/null", SerialBaud: 115200, SerialReadTO: time.Millisecond, CAN0Bitrate: 500000, CAN1Bitrate: -1}
	l := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	can0, can1, err := initCANChannels(cfg, l)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if can0 == nil {
		t.Fatal("expected a CAN0 driver")
	}
	if can1 != nil {
		t.Fatal("expected CAN1 to be nil when CAN1Bitrate < 0")
	}
}

func TestInitCANChannelsBothPresent(t *testing.T) {
	withFakeSerial(t)
	cfg := &config.Config{Backend: "serial", SerialDevice: "/dev/null", SerialBaud: 115200, SerialReadTO: time.Millisecond, CAN0Bitrate: 500000, CAN1Bitrate: 250000}
	l := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	can0, can1, err := initCANChannels(cfg, l)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if can0 == nil || can1 == nil {
		t.Fatal("expected both channels present")
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }
