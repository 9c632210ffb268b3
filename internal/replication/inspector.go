// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/nishisan-dev/zfsapid/internal/apierr"
	"github.com/nishisan-dev/zfsapid/internal/zfscmd"
	"github.com/nishisan-dev/zfsapid/internal/zfsmodel"
)

// Inspector answers the read-only questions the planner needs about a
// dataset endpoint: its resume token, its snapshot set, and whether it
// can participate in native-compressed send/receive. A local and an
// SSH-backed implementation share this seam so the planner never knows
// which transport it is talking to.
type Inspector interface {
	ResumeToken(ctx context.Context, e Endpoint) (string, error)
	ListSnapshotTags(ctx context.Context, e Endpoint) ([]string, error)
	FilesystemVersionOK(ctx context.Context, e Endpoint) (bool, error)
	CompressionEnabled(ctx context.Context, e Endpoint) (bool, error)
	ToolAvailable(ctx context.Context, e Endpoint, tool string) bool
	AbortResume(ctx context.Context, e Endpoint) error
}

// execRunner abstracts "run this argv against this endpoint and return
// stdout", implemented locally via os/exec and remotely via an SSH
// session (ssh.go). DefaultInspector below is built on top of it so the
// query logic itself is written once.
type execRunner interface {
	run(ctx context.Context, e Endpoint, argv []string) ([]byte, error)
}

// DefaultInspector implements Inspector against real tooling: local
// commands run in-process, remote-dataset commands run over the SSH
// connection pool in ssh.go.
type DefaultInspector struct {
	logger *slog.Logger
	runner execRunner
}

// NewDefaultInspector builds an Inspector that dials remote endpoints
// via dialer.
func NewDefaultInspector(logger *slog.Logger, dialer *SSHDialer) *DefaultInspector {
	return &DefaultInspector{logger: logger, runner: &mixedRunner{dialer: dialer}}
}

type mixedRunner struct {
	dialer *SSHDialer
}

func (r *mixedRunner) run(ctx context.Context, e Endpoint, argv []string) ([]byte, error) {
	if e.Kind == RemoteDataset {
		return r.dialer.Run(ctx, e, argv)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, apierr.Wrap(apierr.KindSpawnError, "running "+argv[0]+": "+stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

func (d *DefaultInspector) ResumeToken(ctx context.Context, e Endpoint) (string, error) {
	out, err := d.runner.run(ctx, e, zfscmd.ResumeTokenProperty(e.Dataset))
	if err != nil {
		return "", err
	}
	// "zfs get -H -p" output: name\tproperty\tvalue\tsource
	fields := strings.Split(strings.TrimSpace(string(out)), "\t")
	if len(fields) < 3 {
		return "", nil
	}
	if fields[2] == "-" || fields[2] == "" {
		return "", nil
	}
	return fields[2], nil
}

func (d *DefaultInspector) ListSnapshotTags(ctx context.Context, e Endpoint) ([]string, error) {
	out, err := d.runner.run(ctx, e, zfscmd.SnapshotList(e.Dataset))
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		name := fields[0]
		if idx := strings.IndexByte(name, '@'); idx >= 0 {
			tags = append(tags, name[idx+1:])
		}
	}
	return tags, nil
}

// FilesystemVersionOK reports whether e's pool advertises a filesystem
// version new enough to participate in native-compressed send/receive,
// per spec.md §4.E rule 5's "filesystem version >= 2.0" test. Rule 5
// applies this check to both the source and the destination.
func (d *DefaultInspector) FilesystemVersionOK(ctx context.Context, e Endpoint) (bool, error) {
	pool := e.Dataset
	if idx := strings.IndexByte(string(pool), '/'); idx >= 0 {
		pool = zfsmodel.Dataset(string(pool)[:idx])
	}
	verOut, err := d.runner.run(ctx, e, zfscmd.PoolGet(string(pool), "version"))
	if err != nil {
		return false, nil // treat an unreadable pool version as "assume not supported"
	}
	verFields := strings.Split(strings.TrimSpace(string(verOut)), "\t")
	if len(verFields) < 3 {
		return false, nil
	}
	if verFields[2] == "-" {
		return true, nil // feature-flag pools report "-" for the legacy version property and are always >= 2.0
	}
	v, err := strconv.ParseFloat(verFields[2], 64)
	if err != nil {
		return false, nil
	}
	return v >= 2.0, nil
}

// CompressionEnabled reports whether e's own dataset has its compression
// property set to anything other than off. Rule 5 only asks this of the
// source: a destination with compression=off still receives a natively
// compressed stream fine, it simply doesn't re-encode anything locally.
func (d *DefaultInspector) CompressionEnabled(ctx context.Context, e Endpoint) (bool, error) {
	out, err := d.runner.run(ctx, e, zfscmd.DatasetGet(e.Dataset, "compression"))
	if err != nil {
		return false, err
	}
	fields := strings.Split(strings.TrimSpace(string(out)), "\t")
	if len(fields) < 3 || fields[2] == "off" {
		return false, nil
	}
	return true, nil
}

func (d *DefaultInspector) ToolAvailable(ctx context.Context, e Endpoint, tool string) bool {
	_, err := d.runner.run(ctx, e, zfscmd.ToolAvailabilityCheck(tool))
	return err == nil
}

// AbortResume discards e's pending partially-received stream, clearing
// its resume token so a retried transfer renegotiates from scratch
// instead of looping on the same stalled resume, per the fallback rule
// in spec.md §4.E.
func (d *DefaultInspector) AbortResume(ctx context.Context, e Endpoint) error {
	_, err := d.runner.run(ctx, e, zfscmd.ReceiveAbort(e.Dataset))
	return err
}
