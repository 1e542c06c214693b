package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.txt")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config.txt: %v", err)
	}
	return path
}

func TestLoadParsesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `{
		"SSSFDevice": "SSS3",
		"serverAddress": "controller.example.com",
		"serverPort": 8080,
		"AttachedDevices": ["ecu-a", "ecu-b"]
	}`)

	cfg, showVersion, err := Load([]string{"-config", path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if showVersion {
		t.Fatal("did not request --version")
	}
	if cfg.Device != "SSS3" {
		t.Fatalf("expected Device SSS3, got %q", cfg.Device)
	}
	if cfg.ServerAddress != "controller.example.com" || cfg.ServerPort != 8080 {
		t.Fatalf("unexpected server address/port: %s:%d", cfg.ServerAddress, cfg.ServerPort)
	}
	if cfg.CAN0Bitrate != 0 {
		t.Fatalf("expected CAN0Bitrate to default to 0 (autobaud), got %d", cfg.CAN0Bitrate)
	}
	if cfg.CAN1Bitrate != -1 {
		t.Fatalf("expected CAN1Bitrate to default to -1 (absent), got %d", cfg.CAN1Bitrate)
	}
	if cfg.InstanceID.String() == "" {
		t.Fatal("expected a generated InstanceID")
	}
}

func TestLoadRejectsInvalidDevice(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `{
		"SSSFDevice": "not-a-real-device",
		"serverAddress": "controller.example.com",
		"serverPort": 8080
	}`)
	if _, _, err := Load([]string{"-config", path}); err == nil {
		t.Fatal("expected an error for an invalid SSSFDevice value")
	}
}

func TestLoadRejectsMissingServerAddress(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `{"SSSFDevice": "SSS3", "serverPort": 8080}`)
	if _, _, err := Load([]string{"-config", path}); err == nil {
		t.Fatal("expected an error for a missing serverAddress")
	}
}

func TestEnvOverrideAppliesWhenFlagNotSet(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `{"SSSFDevice": "SSS3", "serverAddress": "c", "serverPort": 1}`)

	t.Setenv("FORWARDER_LOG_LEVEL", "debug")
	cfg, _, err := Load([]string{"-config", path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected env override to set log level to debug, got %q", cfg.LogLevel)
	}
}

func TestLoadRejectsNegativeCAN0Bitrate(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `{
		"SSSFDevice": "SSS3",
		"serverAddress": "c",
		"serverPort": 1,
		"CAN0Bitrate": -5
	}`)
	if _, _, err := Load([]string{"-config", path}); err == nil {
		t.Fatal("expected an error for a negative CAN0Bitrate (CAN0 cannot be absent)")
	}
}

func TestLoadRejectsCAN1BitrateBelowAbsentSentinel(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `{
		"SSSFDevice": "SSS3",
		"serverAddress": "c",
		"serverPort": 1,
		"CAN1Bitrate": -2
	}`)
	if _, _, err := Load([]string{"-config", path}); err == nil {
		t.Fatal("expected an error for a CAN1Bitrate below the -1 absent sentinel")
	}
}

func TestFlagTakesPrecedenceOverEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `{"SSSFDevice": "SSS3", "serverAddress": "c", "serverPort": 1}`)

	t.Setenv("FORWARDER_LOG_LEVEL", "debug")
	cfg, _, err := Load([]string{"-config", path, "-log-level", "warn"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected explicit flag to win over env, got %q", cfg.LogLevel)
	}
}
