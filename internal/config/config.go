// Package config loads the forwarder's configuration: the domain record
// from config.txt (§6 — device role, Controller address, attached-ECU
// descriptors, optional CAN bitrates) plus the ambient operational flags
// (log format/level, metrics listener, CAN backend selection), using the
// same flag > env > default precedence the gateway's config.go applies.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// fileConfig is the on-disk shape of config.txt (§6).
type fileConfig struct {
	SSSFDevice      string          `json:"SSSFDevice"`
	ServerAddress   string          `json:"serverAddress"`
	ServerPort      uint16          `json:"serverPort"`
	AttachedDevices json.RawMessage `json:"AttachedDevices"`
	CAN0Bitrate     *int            `json:"CAN0Bitrate,omitempty"`
	CAN1Bitrate     *int            `json:"CAN1Bitrate,omitempty"`
}

// Config is the forwarder's fully resolved, immutable-for-the-run
// configuration (§3: "Configuration is created at boot, never mutated").
type Config struct {
	// Domain fields, loaded once from config.txt.
	Device          string
	ServerAddress   string
	ServerPort      uint16
	AttachedDevices json.RawMessage
	CAN0Bitrate     int // 0 = autobaud, <0 = channel absent
	CAN1Bitrate     int

	// Ambient operational fields, flag/env with flag taking precedence.
	ConfigPath   string
	LogFormat    string
	LogLevel     string
	MetricsAddr  string
	Backend      string // "serial" or "socketcan"
	CANIface0    string
	CANIface1    string
	SerialDevice string
	SerialBaud   int
	SerialReadTO time.Duration
	MDNSEnable   bool
	MDNSName     string
	// LogMetricsEvery, if > 0, enables periodic text-log metrics snapshots
	// for deployments without a Prometheus scraper. 0 disables it.
	LogMetricsEvery time.Duration

	// InstanceID is generated fresh at boot, independent of any persisted
	// identity, to tag this process's log lines and metrics across restarts
	// without needing durable storage (no Non-goal is violated: it carries
	// no captured traffic).
	InstanceID uuid.UUID
	MAC        string
}

// Load reads config.txt into the domain fields, parses the ambient flags
// (with FORWARDER_* environment overrides applied to any flag not set
// explicitly), and
// fills in the boot-scoped identity fields. showVersion reports whether
// --version was passed (the caller should print version info and exit).
func Load(args []string) (cfg *Config, showVersion bool, err error) {
	fs := flag.NewFlagSet("forwarder", flag.ContinueOnError)

	configPath := fs.String("config", "config.txt", "Path to the JSON configuration file")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g. :9100); empty disables")
	backend := fs.String("backend", "socketcan", "CAN backend: serial|socketcan")
	canIf0 := fs.String("can0-if", "can0", "CAN0 SocketCAN interface name")
	canIf1 := fs.String("can1-if", "can1", "CAN1 SocketCAN interface name")
	serialDevice := fs.String("serial", "/dev/ttyUSB0", "Serial device path (when --backend=serial)")
	serialBaud := fs.Int("baud", 115200, "Serial baud rate")
	serialReadTO := fs.Duration("serial-read-timeout", 10*time.Millisecond, "Serial read timeout")
	mdnsEnable := fs.Bool("mdns-enable", false, "Advertise this forwarder over mDNS")
	mdnsName := fs.String("mdns-name", "", "mDNS instance name (default forwarder-<hostname>)")
	logMetricsEvery := fs.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	showVersionFlag := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg = &Config{
		ConfigPath:      *configPath,
		LogFormat:       *logFormat,
		LogLevel:        *logLevel,
		MetricsAddr:     *metricsAddr,
		Backend:         *backend,
		CANIface0:       *canIf0,
		CANIface1:       *canIf1,
		SerialDevice:    *serialDevice,
		SerialBaud:      *serialBaud,
		SerialReadTO:    *serialReadTO,
		MDNSEnable:      *mdnsEnable,
		MDNSName:        *mdnsName,
		LogMetricsEvery: *logMetricsEvery,
	}

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersionFlag, err
	}

	fc, err := loadFile(cfg.ConfigPath)
	if err != nil {
		return nil, *showVersionFlag, err
	}
	cfg.Device = fc.SSSFDevice
	cfg.ServerAddress = fc.ServerAddress
	cfg.ServerPort = fc.ServerPort
	cfg.AttachedDevices = fc.AttachedDevices
	cfg.CAN0Bitrate = 0
	if fc.CAN0Bitrate != nil {
		cfg.CAN0Bitrate = *fc.CAN0Bitrate
	}
	cfg.CAN1Bitrate = -1
	if fc.CAN1Bitrate != nil {
		cfg.CAN1Bitrate = *fc.CAN1Bitrate
	}

	cfg.InstanceID = uuid.New()
	cfg.MAC = readMAC()

	if err := cfg.validate(); err != nil {
		return nil, *showVersionFlag, err
	}
	return cfg, *showVersionFlag, nil
}

func loadFile(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &fc, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log-format %q", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log-level %q", c.LogLevel)
	}
	switch c.Backend {
	case "serial", "socketcan":
	default:
		return fmt.Errorf("config: invalid backend %q", c.Backend)
	}
	switch c.Device {
	case "SSS3", "CAN-to-Ethernet":
	default:
		return fmt.Errorf("config: invalid SSSFDevice %q", c.Device)
	}
	if c.ServerAddress == "" {
		return errors.New("config: serverAddress is required")
	}
	if c.ServerPort == 0 {
		return errors.New("config: serverPort is required")
	}
	if c.SerialBaud <= 0 {
		return fmt.Errorf("config: baud must be > 0 (got %d)", c.SerialBaud)
	}
	if c.SerialReadTO <= 0 {
		return errors.New("config: serial-read-timeout must be > 0")
	}
	if c.CAN0Bitrate < 0 {
		return fmt.Errorf("config: CAN0Bitrate must be >= 0 (0 = autobaud; CAN0 cannot be absent), got %d", c.CAN0Bitrate)
	}
	if c.CAN1Bitrate < -1 {
		return fmt.Errorf("config: CAN1Bitrate must be -1 (absent) or >= 0 (0 = autobaud), got %d", c.CAN1Bitrate)
	}
	return nil
}

// applyEnvOverrides maps FORWARDER_* environment variables onto cfg,
// skipping any field whose flag was explicitly set (flag wins over env,
// matching the gateway's applyEnvOverrides precedence).
func applyEnvOverrides(c *Config, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	recordErr := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if _, ok := set["config"]; !ok {
		if v, ok := get("FORWARDER_CONFIG"); ok && v != "" {
			c.ConfigPath = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("FORWARDER_LOG_FORMAT"); ok && v != "" {
			c.LogFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("FORWARDER_LOG_LEVEL"); ok && v != "" {
			c.LogLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("FORWARDER_METRICS_ADDR"); ok {
			c.MetricsAddr = v
		}
	}
	if _, ok := set["backend"]; !ok {
		if v, ok := get("FORWARDER_BACKEND"); ok && v != "" {
			c.Backend = v
		}
	}
	if _, ok := set["can0-if"]; !ok {
		if v, ok := get("FORWARDER_CAN0_IF"); ok && v != "" {
			c.CANIface0 = v
		}
	}
	if _, ok := set["can1-if"]; !ok {
		if v, ok := get("FORWARDER_CAN1_IF"); ok && v != "" {
			c.CANIface1 = v
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("FORWARDER_SERIAL"); ok && v != "" {
			c.SerialDevice = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("FORWARDER_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.SerialBaud = n
			} else if err != nil {
				recordErr(fmt.Errorf("invalid FORWARDER_BAUD: %w", err))
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("FORWARDER_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.SerialReadTO = d
			} else if err != nil {
				recordErr(fmt.Errorf("invalid FORWARDER_SERIAL_READ_TIMEOUT: %w", err))
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("FORWARDER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.MDNSEnable = true
			case "0", "false", "no", "off":
				c.MDNSEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("FORWARDER_MDNS_NAME"); ok && v != "" {
			c.MDNSName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("FORWARDER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.LogMetricsEvery = d
			} else if err != nil {
				recordErr(fmt.Errorf("invalid FORWARDER_LOG_METRICS_INTERVAL: %w", err))
			}
		}
	}
	return firstErr
}

// readMAC reads the first non-loopback interface's hardware address at
// boot (§6), formatted lowercase hex colon-separated. Returns "" if no
// suitable interface is found (e.g. in a container with only loopback).
func readMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(ifi.HardwareAddr) == 0 {
			continue
		}
		return strings.ToLower(ifi.HardwareAddr.String())
	}
	return ""
}
