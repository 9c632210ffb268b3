// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command zfsapid runs the replication control/data-plane daemon: it
// builds the Control API Surface (§4.H) in-process, serves the
// streaming sockets (§4.F) over TCP (mTLS) and/or a unix socket, and
// drives queued migrations through the Job Manager (§4.G) and the
// Replication Engine (§4.E). The control API's own wire transport is
// out of scope (see SPEC_FULL.md §1 Non-goals); callers embed this
// binary and drive controlapi.API directly, or front it with their own
// RPC layer.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/nishisan-dev/zfsapid/internal/config"
	"github.com/nishisan-dev/zfsapid/internal/controlapi"
	"github.com/nishisan-dev/zfsapid/internal/hoststats"
	"github.com/nishisan-dev/zfsapid/internal/jobqueue"
	"github.com/nishisan-dev/zfsapid/internal/kvstore"
	"github.com/nishisan-dev/zfsapid/internal/logging"
	"github.com/nishisan-dev/zfsapid/internal/objectstore"
	"github.com/nishisan-dev/zfsapid/internal/pki"
	"github.com/nishisan-dev/zfsapid/internal/replication"
	"github.com/nishisan-dev/zfsapid/internal/streamsock"
	"github.com/nishisan-dev/zfsapid/internal/tokenstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "zfsapid:", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := os.Getenv("ZFSAPID_CONFIG")
	if cfgPath == "" {
		cfgPath = "/etc/zfsapid/daemon.yaml"
	}
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.LoadDaemonConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer closeLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := buildKV(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}

	macSecret, err := os.ReadFile(cfg.Tokens.MACSecretFile)
	if err != nil {
		return fmt.Errorf("reading token mac secret: %w", err)
	}
	tokens := tokenstore.New(kv, tokenstore.Config{MACSecret: macSecret}, logger)

	dialer, err := buildSSHDialer(cfg.SSH)
	if err != nil {
		return fmt.Errorf("configuring ssh dialer: %w", err)
	}

	inspector := replication.NewDefaultInspector(logger, dialer)
	planner := replication.NewPlanner(inspector)
	engine := replication.NewEngine(planner, dialer, logger)

	stores, err := buildObjectStores(ctx, cfg.Objects)
	if err != nil {
		return fmt.Errorf("configuring object stores: %w", err)
	}

	jobs := jobqueue.New(kv, "zfsapid", cfg.Jobs.Workers, logger).WithJobLogDir(cfg.Jobs.LogDir)
	jobs.RegisterHandler("migration", controlapi.NewMigrationHandler(engine, stores))

	stats := hoststats.NewCollector([]string{"/"})
	endpoints := streamsock.Endpoints{TCPAddress: cfg.Streaming.TCPAddress, LocalPath: cfg.Streaming.LocalPath}

	// api is the in-process handle embedders drive directly; this binary
	// itself only needs it to exist and share the jobs/tokens it wraps.
	_ = controlapi.New(jobs, tokens, endpoints, stats, logger)

	var streamTLS *tls.Config
	if cfg.Streaming.TCPAddress != "" {
		streamTLS, err = pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
		if err != nil {
			return fmt.Errorf("building server tls config: %w", err)
		}
	}
	streamSrv := streamsock.NewServer(tokens, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- jobs.Run(ctx) }()
	go func() { errCh <- streamSrv.Run(ctx, cfg.Streaming.TCPAddress, streamTLS, cfg.Streaming.LocalPath) }()

	logger.Info("zfsapid started",
		"control_listen", cfg.Control.Listen,
		"stream_tcp", cfg.Streaming.TCPAddress,
		"stream_unix", cfg.Streaming.LocalPath,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func buildKV(cfg config.RedisConfig) (kvstore.KV, error) {
	if cfg.Address == "" {
		return kvstore.NewMemoryKV(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := client.Ping().Result(); err != nil {
		return nil, err
	}
	return kvstore.NewRedisKV(client), nil
}

func buildSSHDialer(cfg config.SSHConfig) (*replication.SSHDialer, error) {
	if cfg.KeyFile == "" {
		return nil, nil
	}
	keyData, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, err
	}
	return replication.NewSSHDialer(currentUser(), signer, hostKeyCallback)
}

func buildObjectStores(ctx context.Context, cfgs map[string]config.ObjectStoreConfig) (map[string]replication.ObjectStore, error) {
	stores := make(map[string]replication.ObjectStore, len(cfgs))
	for name, c := range cfgs {
		store, err := objectstore.New(ctx, c, nil)
		if err != nil {
			return nil, fmt.Errorf("object store %q: %w", name, err)
		}
		stores[name] = store
	}
	return stores, nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "zfsapid"
}
