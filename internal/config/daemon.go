// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonConfig is the full configuration of a zfsapid process: its
// control-plane listener, its streaming-socket endpoints, the
// credentials backing both, and the stores it persists job and token
// state to.
type DaemonConfig struct {
	Control   ControlListen  `yaml:"control"`
	Streaming StreamingAddrs `yaml:"streaming"`
	TLS       TLSServer      `yaml:"tls"`
	Redis     RedisConfig    `yaml:"redis"`
	Tokens    TokenConfig    `yaml:"tokens"`
	Jobs      JobsConfig     `yaml:"jobs"`
	SSH       SSHConfig      `yaml:"ssh"`
	Objects   map[string]ObjectStoreConfig `yaml:"object_stores"`
	Logging   LoggingInfo    `yaml:"logging"`
}

// ControlListen is the control API's own listen address. The control
// API is a local/trusted surface (unix socket or loopback), separate
// from the mTLS-fronted streaming sockets.
type ControlListen struct {
	Listen string `yaml:"listen"` // e.g. "unix:///var/run/zfsapid/control.sock" or "127.0.0.1:9850"
}

// StreamingAddrs is the pair of endpoints a streaming socket server
// exposes, matching streamsock.Endpoints.
type StreamingAddrs struct {
	TCPAddress string `yaml:"tcp_address"` // mTLS-fronted, e.g. "0.0.0.0:9851"
	LocalPath  string `yaml:"local_path"`  // unix socket, e.g. "/var/run/zfsapid/stream.sock"
}

// RedisConfig points the kvstore at its backing Redis instance.
type RedisConfig struct {
	Address  string `yaml:"address"` // "" selects the in-memory kvstore, used for single-node/dev setups
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TokenConfig configures the capability-token authenticator.
type TokenConfig struct {
	MACSecretFile string        `yaml:"mac_secret_file"`
	DefaultTTL    time.Duration `yaml:"default_ttl"` // default: 5m
}

// JobsConfig configures the Job Manager.
type JobsConfig struct {
	Workers int    `yaml:"workers"` // default: 4
	LogDir  string `yaml:"log_dir"` // "" disables per-job log files
}

// SSHConfig configures the remote-endpoint dialer.
type SSHConfig struct {
	KnownHostsFile string        `yaml:"known_hosts_file"`
	KeyFile        string        `yaml:"key_file"`
	DialTimeout    time.Duration `yaml:"dial_timeout"` // default: 10s
}

// ObjectStoreConfig names a registered object-storage endpoint an
// EndpointSpec's object_store key can resolve to.
type ObjectStoreConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint,omitempty"` // "" selects the SDK's default resolver
}

// TLSServer carries the mTLS material fronting the TCP streaming
// socket, matching internal/pki's NewServerTLSConfig inputs.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// LoadDaemonConfig reads and validates path as a DaemonConfig.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading daemon config: %w", err)
	}

	var cfg DaemonConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing daemon config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating daemon config: %w", err)
	}

	return &cfg, nil
}

func (c *DaemonConfig) validate() error {
	if c.Control.Listen == "" {
		return fmt.Errorf("control.listen is required")
	}
	if c.Streaming.TCPAddress == "" && c.Streaming.LocalPath == "" {
		return fmt.Errorf("streaming: at least one of tcp_address or local_path is required")
	}
	if c.Streaming.TCPAddress != "" {
		if c.TLS.CACert == "" {
			return fmt.Errorf("tls.ca_cert is required when streaming.tcp_address is set")
		}
		if c.TLS.ServerCert == "" {
			return fmt.Errorf("tls.server_cert is required when streaming.tcp_address is set")
		}
		if c.TLS.ServerKey == "" {
			return fmt.Errorf("tls.server_key is required when streaming.tcp_address is set")
		}
	}

	if c.Tokens.MACSecretFile == "" {
		return fmt.Errorf("tokens.mac_secret_file is required")
	}
	if c.Tokens.DefaultTTL <= 0 {
		c.Tokens.DefaultTTL = 5 * time.Minute
	}

	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 4
	}

	if c.SSH.DialTimeout <= 0 {
		c.SSH.DialTimeout = 10 * time.Second
	}

	for name, store := range c.Objects {
		if store.Bucket == "" {
			return fmt.Errorf("object_stores[%s].bucket is required", name)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
