package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTmpConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write tmp config: %v", err)
	}
	return p
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
sipwatch:
  node:
    ip: "10.0.0.1"
    hostname: "test-host"
    tags:
      env: "test"
  control:
    socket: "/tmp/test.sock"
    pid_file: "/tmp/test.pid"
  sip:
    noincomplete: false
    calls: 500
  log:
    level: "debug"
    format: "json"
  metrics:
    enabled: true
    listen: "0.0.0.0:9090"
    path: "/metrics"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.IP != "10.0.0.1" {
		t.Errorf("Node.IP = %q, want 10.0.0.1", cfg.Node.IP)
	}
	if cfg.Node.Hostname != "test-host" {
		t.Errorf("Node.Hostname = %q, want test-host", cfg.Node.Hostname)
	}
	if cfg.Node.Tags["env"] != "test" {
		t.Errorf("Node.Tags[env] = %q, want test", cfg.Node.Tags["env"])
	}
	if cfg.Control.Socket != "/tmp/test.sock" {
		t.Errorf("Control.Socket = %q", cfg.Control.Socket)
	}
	if cfg.Control.PIDFile != "/tmp/test.pid" {
		t.Errorf("Control.PIDFile = %q", cfg.Control.PIDFile)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
	if cfg.SIP.NoIncomplete {
		t.Error("SIP.NoIncomplete = true, want false (explicit override)")
	}
	if cfg.SIP.Calls != 500 {
		t.Errorf("SIP.Calls = %d, want 500", cfg.SIP.Calls)
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
sipwatch:
  node:
    ip: "10.0.0.1"
  log:
    level: "invalid"
    format: "json"
`))
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("error = %v, want 'invalid log level'", err)
	}
}

func TestLoadInvalidLogFormat(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
sipwatch:
  node:
    ip: "10.0.0.1"
  log:
    level: "info"
    format: "invalid"
`))
	if err == nil {
		t.Fatal("expected error for invalid log format")
	}
}

func TestAutoDetectHostname(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
sipwatch:
  node:
    ip: "10.0.0.1"
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.Hostname == "" {
		t.Error("expected auto-detected hostname, got empty")
	}
	expected, _ := os.Hostname()
	if cfg.Node.Hostname != expected {
		t.Errorf("Node.Hostname = %q, want %q", cfg.Node.Hostname, expected)
	}
}

func TestNodeIPExplicit(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
sipwatch:
  node:
    ip: "192.168.1.100"
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.IP != "192.168.1.100" {
		t.Errorf("Node.IP = %q, want 192.168.1.100", cfg.Node.IP)
	}
}

func TestDefaultsAppliedForPacketEnableFlags(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
sipwatch:
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Capture.Packet.SIP || !cfg.Capture.Packet.RTP || !cfg.Capture.Packet.HEP {
		t.Errorf("expected all dissectors enabled by default, got %+v", cfg.Capture.Packet)
	}
}

func TestDefaultsAppliedForSIPAndStorage(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
sipwatch:
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.SIP.NoIncomplete {
		t.Error("expected sip.noincomplete default true")
	}
	if cfg.Storage.Limit != 20000 {
		t.Errorf("Storage.Limit = %d, want 20000", cfg.Storage.Limit)
	}
	if cfg.Storage.StreamIdleTimeout != "2m" {
		t.Errorf("Storage.StreamIdleTimeout = %q, want 2m", cfg.Storage.StreamIdleTimeout)
	}
}

func TestGetFlatAccessor(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
sipwatch:
  log:
    level: "info"
    format: "json"
  filter:
    payload: "INVITE"
    methods: ["INVITE", "BYE"]
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if v, ok := cfg.Get("sip.noincomplete"); !ok || v != "true" {
		t.Errorf("Get(sip.noincomplete) = %q, %v", v, ok)
	}
	if v, ok := cfg.Get("filter.payload"); !ok || v != "INVITE" {
		t.Errorf("Get(filter.payload) = %q, %v", v, ok)
	}
	if v, ok := cfg.Get("capture.packet.sip"); !ok || v != "true" {
		t.Errorf("Get(capture.packet.sip) = %q, %v", v, ok)
	}
	if _, ok := cfg.Get("nonexistent.key"); ok {
		t.Error("expected unknown key to report ok=false")
	}
}

func TestEEPVersionValidation(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
sipwatch:
  log:
    level: "info"
    format: "json"
  eep:
    send:
      version: 5
`))
	if err == nil {
		t.Fatal("expected error for invalid eep.send.version")
	}
}
