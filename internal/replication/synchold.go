// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nishisan-dev/zfsapid/internal/apierr"
	"github.com/nishisan-dev/zfsapid/internal/procexec"
	"github.com/nishisan-dev/zfsapid/internal/zfscmd"
	"github.com/nishisan-dev/zfsapid/internal/zfsmodel"
)

// ApplySyncHold implements rule 6: after a successful transfer, place a
// hold tagged sync_<timestamp>_<peer> on both endpoints' transferred
// snapshot, then release every older sync hold for the same peer.
func (e *Engine) ApplySyncHold(ctx context.Context, plan Plan, peer string, now time.Time) error {
	tag := fmt.Sprintf("sync_%d_%s", now.Unix(), peer)

	if err := e.holdOne(ctx, plan.Source, plan.Snapshot, tag); err != nil {
		return err
	}
	if plan.Dest.Kind == LocalDataset || plan.Dest.Kind == RemoteDataset {
		if err := e.holdOne(ctx, plan.Dest, plan.Snapshot, tag); err != nil {
			return err
		}
	}

	if err := e.releaseOlderHolds(ctx, plan.Source, peer, tag); err != nil {
		return err
	}
	if plan.Dest.Kind == LocalDataset || plan.Dest.Kind == RemoteDataset {
		if err := e.releaseOlderHolds(ctx, plan.Dest, peer, tag); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) holdOne(ctx context.Context, ep Endpoint, snapshotTag, holdTag string) error {
	snap, err := zfsmodel.NewSnapshot(ep.Dataset, snapshotTag)
	if err != nil {
		return apierr.Wrap(apierr.KindInvalidRequest, "building snapshot reference", err)
	}
	return e.runQuiet(ctx, ep, zfscmd.SnapshotHold(snap, holdTag, false))
}

// releaseOlderHolds lists the holds on every snapshot of the dataset and
// releases ones matching sync_<ts>_<peer> other than keepTag.
func (e *Engine) releaseOlderHolds(ctx context.Context, ep Endpoint, peer, keepTag string) error {
	prefix := "sync_"
	suffix := "_" + peer

	snaps, err := e.snapshotTags(ctx, ep)
	if err != nil {
		return err
	}
	for _, tag := range snaps {
		snap, err := zfsmodel.NewSnapshot(ep.Dataset, tag)
		if err != nil {
			continue
		}
		out, err := e.runCapture(ctx, ep, zfscmd.SnapshotHolds(snap))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(out), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			holdTag := fields[1]
			if holdTag == keepTag {
				continue
			}
			if strings.HasPrefix(holdTag, prefix) && strings.HasSuffix(holdTag, suffix) {
				_ = e.runQuiet(ctx, ep, zfscmd.SnapshotRelease(snap, holdTag, false))
			}
		}
	}
	return nil
}

func (e *Engine) snapshotTags(ctx context.Context, ep Endpoint) ([]string, error) {
	if e.dialer == nil && ep.Kind == RemoteDataset {
		return nil, apierr.New(apierr.KindInvalidRequest, "remote endpoint requires an ssh dialer")
	}
	out, err := e.runCapture(ctx, ep, zfscmd.SnapshotList(ep.Dataset))
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
		if idx := strings.IndexByte(fields[0], '@'); idx >= 0 {
			tags = append(tags, fields[0][idx+1:])
		}
	}
	return tags, nil
}

func (e *Engine) runQuiet(ctx context.Context, ep Endpoint, argv []string) error {
	_, err := e.runCapture(ctx, ep, argv)
	return err
}

func (e *Engine) runCapture(ctx context.Context, ep Endpoint, argv []string) ([]byte, error) {
	if ep.Kind == RemoteDataset {
		if e.dialer == nil {
			return nil, apierr.New(apierr.KindInvalidRequest, "remote endpoint requires an ssh dialer")
		}
		return e.dialer.Run(ctx, ep, argv)
	}
	pipe, err := procexec.Spawn(ctx, e.logger, []procexec.Stage{{Name: "query", Argv: argv}})
	if err != nil {
		return nil, err
	}
	pipe.Stdin.Close()
	data, readErr := io.ReadAll(pipe.Stdout)
	waitErr := pipe.Wait()
	if waitErr != nil {
		return nil, waitErr
	}
	return data, readErr
}
