// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package controlapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nishisan-dev/zfsapid/internal/apierr"
	"github.com/nishisan-dev/zfsapid/internal/jobqueue"
	"github.com/nishisan-dev/zfsapid/internal/progressmeter"
	"github.com/nishisan-dev/zfsapid/internal/replication"
	"github.com/nishisan-dev/zfsapid/internal/zfsmodel"
)

// EndpointSpec is the wire shape of a replication.Endpoint: plain
// strings only, so a migration_create request body can name an object
// store by a registry key instead of embedding a live client.
type EndpointSpec struct {
	Kind       string `json:"kind"` // "local-dataset", "remote-dataset", "local-file", "object"
	Dataset    string `json:"dataset,omitempty"`
	SSHHost    string `json:"ssh_host,omitempty"`
	SSHPort    int    `json:"ssh_port,omitempty"`
	SSHUser    string `json:"ssh_user,omitempty"`
	Path       string `json:"path,omitempty"`
	Bucket     string `json:"bucket,omitempty"`
	Key        string `json:"key,omitempty"`
	ObjectName string `json:"object_store,omitempty"` // registry key resolved by the handler
}

func (s EndpointSpec) toEndpoint(stores map[string]replication.ObjectStore) (replication.Endpoint, error) {
	ep := replication.Endpoint{
		Dataset: zfsmodel.Dataset(s.Dataset),
		SSHHost: s.SSHHost,
		SSHPort: s.SSHPort,
		SSHUser: s.SSHUser,
		Path:    s.Path,
		Bucket:  s.Bucket,
		Key:     s.Key,
	}
	switch s.Kind {
	case "local-dataset":
		ep.Kind = replication.LocalDataset
	case "remote-dataset":
		ep.Kind = replication.RemoteDataset
	case "local-file":
		ep.Kind = replication.LocalFile
	case "object":
		ep.Kind = replication.Object
		store, ok := stores[s.ObjectName]
		if !ok {
			return replication.Endpoint{}, apierr.New(apierr.KindInvalidRequest, fmt.Sprintf("unknown object store %q", s.ObjectName))
		}
		ep.Store = store
	default:
		return replication.Endpoint{}, apierr.New(apierr.KindInvalidRequest, fmt.Sprintf("unknown endpoint kind %q", s.Kind))
	}
	return ep, nil
}

// PolicySpec is the wire shape of replication.Policy.
type PolicySpec struct {
	AllowFullSend           bool   `json:"allow_full_send"`
	CreateSnapshotOnMiss    bool   `json:"create_snapshot_on_miss"`
	Recursive               bool   `json:"recursive"`
	SyncHold                bool   `json:"sync_hold"`
	SyncPeerTag             string `json:"sync_peer_tag,omitempty"`
	CaseInsensitiveFallback bool   `json:"case_insensitive_fallback"`
	ExternalAlgorithm       string `json:"external_algorithm,omitempty"`
	AutoDetectCompression   bool   `json:"auto_detect_compression"`
	MaxBytesPerSec          int64  `json:"max_bytes_per_sec,omitempty"`
	DisableResumeFallback   bool   `json:"disable_resume_fallback"`
}

func (p PolicySpec) toPolicy() replication.Policy {
	return replication.Policy{
		AllowFullSend:           p.AllowFullSend,
		CreateSnapshotOnMiss:    p.CreateSnapshotOnMiss,
		Recursive:               p.Recursive,
		SyncHold:                p.SyncHold,
		SyncPeerTag:             p.SyncPeerTag,
		CaseInsensitiveFallback: p.CaseInsensitiveFallback,
		ExternalAlgorithm:       p.ExternalAlgorithm,
		AutoDetectCompression:   p.AutoDetectCompression,
		MaxBytesPerSec:          p.MaxBytesPerSec,
		DisableResumeFallback:   p.DisableResumeFallback,
	}
}

// MigrationParams is the params body of a migration_create call,
// persisted verbatim as the job record's params field.
type MigrationParams struct {
	Source  EndpointSpec `json:"source"`
	Dest    EndpointSpec `json:"dest"`
	Policy  PolicySpec   `json:"policy"`
	OwnerID string       `json:"owner_id"`
}

// migrationResult is the job record's result field once a transfer
// reaches a terminal state.
type migrationResult struct {
	State            string `json:"state"`
	BytesTransferred int64  `json:"bytes_transferred"`
}

// NewMigrationHandler builds the jobqueue.Handler that drives a
// migration job through the Replication Engine, bridging §4.E and §4.G.
// stores resolves the object-store registry keys an EndpointSpec may
// name.
func NewMigrationHandler(engine *replication.Engine, stores map[string]replication.ObjectStore) jobqueue.Handler {
	return func(ctx context.Context, params json.RawMessage, progress func(json.RawMessage)) (json.RawMessage, error) {
		var p MigrationParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apierr.Wrap(apierr.KindInvalidRequest, "unmarshalling migration params", err)
		}

		source, err := p.Source.toEndpoint(stores)
		if err != nil {
			return nil, err
		}
		dest, err := p.Dest.toEndpoint(stores)
		if err != nil {
			return nil, err
		}

		handle, err := engine.Transfer(ctx, source, dest, p.Policy.toPolicy(), func(rec progressmeter.Record) {
			if data, err := json.Marshal(rec); err == nil {
				progress(data)
			}
		})
		if err != nil {
			return nil, err
		}

		// Propagate a job-level cancel (delivered via ctx.Done by the
		// worker that owns this handler) into the pipeline's process
		// groups, per §4.G's cancellation path.
		go func() {
			<-ctx.Done()
			handle.Cancel(context.Background())
		}()

		result := handle.Wait()
		data, _ := json.Marshal(migrationResult{
			State:            result.State.String(),
			BytesTransferred: result.BytesTransferred,
		})

		if result.Err != nil {
			return data, result.Err
		}
		return data, nil
	}
}
