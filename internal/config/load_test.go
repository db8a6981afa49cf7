package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "miel.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
[global]
bind_address = "0.0.0.0"
log_level = "debug"
log_dir = "/tmp/miel-logs"
max_sessions = 100

[[service]]
name = "fake-ssh"
port = 2222
protocol = "tcp"
container_template = "ssh-t"
pool_target = 2
capture = { pty = true, pcap = false, metadata = true }
session = { timeout_seconds = 300, max_bytes = 1048576 }
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Services) != 1 {
		t.Fatalf("expected 1 service, got %d", len(cfg.Services))
	}
	svc := cfg.Services[0]
	if svc.Name != "fake-ssh" || svc.Port != 2222 {
		t.Errorf("unexpected service: %+v", svc)
	}
	if svc.PoolTargetSize() != 2 {
		t.Errorf("PoolTargetSize() = %d, want 2", svc.PoolTargetSize())
	}
	if svc.IdleTimeout().Seconds() != 300 {
		t.Errorf("IdleTimeout() = %v, want 300s", svc.IdleTimeout())
	}
}

func writeYAMLConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "miel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAcceptsLegacyYAMLConfig(t *testing.T) {
	path := writeYAMLConfig(t, `
global:
  bind_address: "0.0.0.0"
  max_sessions: 50
services:
  - name: fake-ssh
    port: 2222
    protocol: tcp
    container_template: ssh-t
    pool_target: 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Services) != 1 || cfg.Services[0].Name != "fake-ssh" {
		t.Fatalf("unexpected services: %+v", cfg.Services)
	}
	if cfg.Services[0].PoolTargetSize() != 3 {
		t.Errorf("PoolTargetSize() = %d, want 3", cfg.Services[0].PoolTargetSize())
	}
}

func TestLoadRejectsUnknownKeysInYAML(t *testing.T) {
	path := writeYAMLConfig(t, `
global:
  bind_address: "0.0.0.0"
  bogus_key: "x"
services:
  - name: svc
    port: 1
    protocol: tcp
    container_template: t
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key in legacy yaml config")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[global]
bind_address = "0.0.0.0"
bogus_key = "x"

[[service]]
name = "svc"
port = 1
protocol = "tcp"
container_template = "t"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadRejectsDuplicatePortProtocol(t *testing.T) {
	path := writeConfig(t, `
[[service]]
name = "a"
port = 22
protocol = "tcp"
container_template = "t1"

[[service]]
name = "b"
port = 22
protocol = "tcp"
container_template = "t2"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate (port, protocol)")
	}
}

func TestLoadRejectsUDP(t *testing.T) {
	path := writeConfig(t, `
[[service]]
name = "dns-honeypot"
port = 53
protocol = "udp"
container_template = "dns-t"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error: udp not yet implemented")
	}
}

func TestLoadRejectsMissingTemplate(t *testing.T) {
	path := writeConfig(t, `
[[service]]
name = "a"
port = 22
protocol = "tcp"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing container_template")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "trace")
	t.Setenv(EnvLogDir, "/custom/logs")

	cfg := &Config{Global: Global{LogLevel: "info", LogDir: "/var/log/miel"}}
	ApplyEnvOverrides(cfg)

	if cfg.Global.LogLevel != "trace" {
		t.Errorf("LogLevel = %q, want trace", cfg.Global.LogLevel)
	}
	if cfg.Global.LogDir != "/custom/logs" {
		t.Errorf("LogDir = %q, want /custom/logs", cfg.Global.LogDir)
	}
}
