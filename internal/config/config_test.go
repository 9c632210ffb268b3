// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

const validDaemonYAML = `
control:
  listen: "unix:///var/run/zfsapid/control.sock"
streaming:
  tcp_address: "0.0.0.0:9851"
  local_path: "/var/run/zfsapid/stream.sock"
tls:
  ca_cert: /tmp/ca.pem
  server_cert: /tmp/server.pem
  server_key: /tmp/server-key.pem
tokens:
  mac_secret_file: /tmp/mac.key
`

func TestLoadDaemonConfig_ExampleFile(t *testing.T) {
	cfgPath := writeTempConfig(t, validDaemonYAML)
	cfg, err := LoadDaemonConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Control.Listen != "unix:///var/run/zfsapid/control.sock" {
		t.Errorf("expected control.listen set, got %q", cfg.Control.Listen)
	}
	if cfg.Streaming.TCPAddress != "0.0.0.0:9851" {
		t.Errorf("expected streaming.tcp_address set, got %q", cfg.Streaming.TCPAddress)
	}
	if cfg.Tokens.DefaultTTL != 5*time.Minute {
		t.Errorf("expected default token ttl 5m, got %v", cfg.Tokens.DefaultTTL)
	}
	if cfg.Jobs.Workers != 4 {
		t.Errorf("expected default jobs.workers 4, got %d", cfg.Jobs.Workers)
	}
	if cfg.SSH.DialTimeout != 10*time.Second {
		t.Errorf("expected default ssh.dial_timeout 10s, got %v", cfg.SSH.DialTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging.level info, got %q", cfg.Logging.Level)
	}
}

func TestLoadDaemonConfig_MissingControlListen(t *testing.T) {
	content := `
streaming:
  local_path: "/var/run/zfsapid/stream.sock"
tokens:
  mac_secret_file: /tmp/mac.key
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadDaemonConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for missing control.listen")
	}
}

func TestLoadDaemonConfig_MissingStreamingEndpoints(t *testing.T) {
	content := `
control:
  listen: "127.0.0.1:9850"
tokens:
  mac_secret_file: /tmp/mac.key
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadDaemonConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for missing streaming endpoints")
	}
}

func TestLoadDaemonConfig_TCPStreamingRequiresTLS(t *testing.T) {
	content := `
control:
  listen: "127.0.0.1:9850"
streaming:
  tcp_address: "0.0.0.0:9851"
tokens:
  mac_secret_file: /tmp/mac.key
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadDaemonConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for tcp streaming without tls material")
	}
}

func TestLoadDaemonConfig_UnixOnlySkipsTLSRequirement(t *testing.T) {
	content := `
control:
  listen: "127.0.0.1:9850"
streaming:
  local_path: "/var/run/zfsapid/stream.sock"
tokens:
  mac_secret_file: /tmp/mac.key
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadDaemonConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadDaemonConfig_MissingMACSecret(t *testing.T) {
	content := `
control:
  listen: "127.0.0.1:9850"
streaming:
  local_path: "/var/run/zfsapid/stream.sock"
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadDaemonConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for missing tokens.mac_secret_file")
	}
}

func TestLoadDaemonConfig_ObjectStoreRequiresBucket(t *testing.T) {
	content := `
control:
  listen: "127.0.0.1:9850"
streaming:
  local_path: "/var/run/zfsapid/stream.sock"
tokens:
  mac_secret_file: /tmp/mac.key
object_stores:
  cold:
    region: us-east-1
`
	cfgPath := writeTempConfig(t, content)
	_, err := LoadDaemonConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for object store missing bucket")
	}
}

func TestLoadDaemonConfig_FileNotFound(t *testing.T) {
	_, err := LoadDaemonConfig("/nonexistent/path/daemon.yaml")
	if err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadDaemonConfig_InvalidYAML(t *testing.T) {
	cfgPath := writeTempConfig(t, "{{invalid yaml}}")
	_, err := LoadDaemonConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"256mb": 256 * 1024 * 1024,
		"1gb":   1024 * 1024 * 1024,
		"64kb":  64 * 1024,
		"128":   128,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseByteSize_Invalid(t *testing.T) {
	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected error for invalid size string")
	}
	if _, err := ParseByteSize(""); err == nil {
		t.Fatal("expected error for empty size string")
	}
}
