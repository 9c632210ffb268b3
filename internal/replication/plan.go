// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"context"
	"fmt"

	"github.com/nishisan-dev/zfsapid/internal/apierr"
)

// Kind is the outcome of planning, matching the three branches out of
// "planning" in spec.md §4.E's state machine plus the immediate
// up-to-date short circuit.
type Kind int

const (
	KindUpToDate Kind = iota
	KindResumable
	KindFull
	KindIncremental
)

func (k Kind) String() string {
	switch k {
	case KindUpToDate:
		return "up_to_date"
	case KindResumable:
		return "resumable"
	case KindFull:
		return "need_full"
	case KindIncremental:
		return "need_full" // incremental is a need_full-branch variant: a spawn_send with a base
	default:
		return "unknown"
	}
}

// CompressionMode selects how the pipeline compresses the wire stream.
type CompressionMode int

const (
	CompressionNone CompressionMode = iota
	CompressionNative                // builder's "-c" flag; no external stage
	CompressionExternal               // external gzip/bzip2/xz/lz4/zstd pipeline stage
)

// Policy carries the caller-supplied knobs the planner consults. Two
// fields resolve open questions left unresolved by spec.md: see
// DESIGN.md for the chosen defaults.
type Policy struct {
	AllowFullSend        bool
	CreateSnapshotOnMiss bool
	Recursive            bool
	SyncHold             bool
	SyncPeerTag          string // used to namespace sync_<timestamp>_<peer> holds

	// CaseInsensitiveFallback: whether incremental base matching retries
	// case-insensitively after an exact match fails. Defaults false.
	CaseInsensitiveFallback bool

	// ExternalAlgorithm, when non-empty, forces the external compressor
	// instead of auto-detection (gzip, bzip2, xz, lz4, zstd).
	ExternalAlgorithm string
	// AutoDetectCompression enables probing for zstd then lz4c on both
	// endpoints when ExternalAlgorithm is empty and native compression
	// is unavailable.
	AutoDetectCompression bool

	// MaxBytesPerSec caps the transfer's destination-write rate. <= 0
	// means unthrottled.
	MaxBytesPerSec int64

	// DisableResumeFallback turns off the one-shot fallback to a
	// renegotiated incremental send after a resumed send fails. Left
	// false (the default), a failed resume aborts the destination's
	// pending partial receive and retries once as a fresh plan; a
	// second failure is fatal. Matches the original tool's unconditional
	// fallback behaviour.
	DisableResumeFallback bool
}

// Plan is the Transfer Plan the engine produces before execution.
type Plan struct {
	Kind Kind

	Source Endpoint
	Dest   Endpoint

	Snapshot     string // tag to send (newest on source, or a freshly created one)
	FromSnapshot string // incremental base tag; empty for a full send
	ResumeToken  string // non-empty only for KindResumable

	CreatedSnapshot bool // true if Snapshot was freshly created by rule 4

	Compression       CompressionMode
	ExternalAlgorithm string
}

// Planner implements spec.md §4.E's six ordered planning rules.
type Planner struct {
	inspector Inspector
}

// NewPlanner builds a Planner backed by inspector.
func NewPlanner(inspector Inspector) *Planner {
	return &Planner{inspector: inspector}
}

// Plan evaluates the six planning rules against source and dest in
// order, returning the resulting Transfer Plan.
func (p *Planner) Plan(ctx context.Context, source, dest Endpoint, policy Policy) (Plan, error) {
	if !supported(source, dest) {
		return Plan{}, apierr.New(apierr.KindInvalidRequest,
			fmt.Sprintf("unsupported endpoint combination: %s -> %s", source.Kind, dest.Kind))
	}

	plan := Plan{Source: source, Dest: dest}

	// Rule 1: resume check. Only dataset destinations carry a resume
	// token property.
	if dest.Kind == LocalDataset || dest.Kind == RemoteDataset {
		token, err := p.inspector.ResumeToken(ctx, dest)
		if err != nil {
			return Plan{}, apierr.Wrap(apierr.KindRemoteUnreachable, "checking resume token", err)
		}
		if token != "" {
			plan.Kind = KindResumable
			plan.ResumeToken = token
			return plan, nil
		}
	}

	// A file or object source has no snapshot set of its own to
	// negotiate against: it is read and streamed in full, per the
	// cross-product table's "read stream" cells.
	if source.Kind == LocalFile || source.Kind == Object {
		plan.Kind = KindFull
		return p.resolveCompression(ctx, plan, policy)
	}

	sourceSnaps, err := p.inspector.ListSnapshotTags(ctx, source)
	if err != nil {
		return Plan{}, apierr.Wrap(apierr.KindRemoteUnreachable, "listing source snapshots", err)
	}

	if len(sourceSnaps) == 0 {
		if !policy.CreateSnapshotOnMiss {
			return Plan{}, apierr.New(apierr.KindNoCommonSnapshot, "source has no snapshots and creation is disabled")
		}
		plan.Kind = KindFull
		plan.CreatedSnapshot = true
		plan.Snapshot = "" // filled by the caller after actually creating it
		return p.resolveCompression(ctx, plan, policy)
	}
	newest := sourceSnaps[len(sourceSnaps)-1]

	// Rule 2: incremental negotiation, only against a dataset destination.
	if dest.Kind == LocalDataset || dest.Kind == RemoteDataset {
		destSnaps, err := p.inspector.ListSnapshotTags(ctx, dest)
		if err != nil {
			return Plan{}, apierr.Wrap(apierr.KindRemoteUnreachable, "listing destination snapshots", err)
		}

		base := matchBase(sourceSnaps, destSnaps, false)
		if base == "" && policy.CaseInsensitiveFallback {
			base = matchBase(sourceSnaps, destSnaps, true)
		}

		if base != "" {
			if base == newest {
				plan.Kind = KindUpToDate
				plan.Snapshot = newest
				return plan, nil
			}
			plan.Kind = KindIncremental
			plan.Snapshot = newest
			plan.FromSnapshot = base
			return p.resolveCompression(ctx, plan, policy)
		}
	}

	// Rule 3: full send.
	if !policy.AllowFullSend {
		return Plan{}, apierr.New(apierr.KindNoCommonSnapshot, "no common snapshot and full send is not permitted")
	}
	plan.Kind = KindFull
	plan.Snapshot = newest
	return p.resolveCompression(ctx, plan, policy)
}

// matchBase finds the newest source snapshot also present at the
// destination, matching case-sensitively or, when insensitive is true,
// case-insensitively.
func matchBase(sourceSnaps, destSnaps []string, insensitive bool) string {
	destSet := make(map[string]string, len(destSnaps))
	for _, s := range destSnaps {
		key := s
		if insensitive {
			key = toLower(s)
		}
		destSet[key] = s
	}
	for i := len(sourceSnaps) - 1; i >= 0; i-- {
		key := sourceSnaps[i]
		if insensitive {
			key = toLower(key)
		}
		if _, ok := destSet[key]; ok {
			return sourceSnaps[i]
		}
	}
	return ""
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// resolveCompression implements rule 5: native compression applies when
// both endpoints' filesystem versions are new enough and the source
// dataset's own compression property is not off. The destination's
// compression setting is never consulted — a destination with
// compression=off still receives a natively compressed stream fine.
func (p *Planner) resolveCompression(ctx context.Context, plan Plan, policy Policy) (Plan, error) {
	var sourceNative bool
	if plan.Source.Kind == LocalDataset || plan.Source.Kind == RemoteDataset {
		versionOK, err := p.inspector.FilesystemVersionOK(ctx, plan.Source)
		if err != nil {
			versionOK = false
		}
		compressionOn, err := p.inspector.CompressionEnabled(ctx, plan.Source)
		if err != nil {
			compressionOn = false
		}
		sourceNative = versionOK && compressionOn
	}
	destNative := true
	if plan.Dest.Kind == LocalDataset || plan.Dest.Kind == RemoteDataset {
		var err error
		destNative, err = p.inspector.FilesystemVersionOK(ctx, plan.Dest)
		if err != nil {
			destNative = false
		}
	}

	if sourceNative && destNative {
		plan.Compression = CompressionNative
		return plan, nil
	}

	if policy.ExternalAlgorithm != "" {
		plan.Compression = CompressionExternal
		plan.ExternalAlgorithm = policy.ExternalAlgorithm
		return plan, nil
	}

	if policy.AutoDetectCompression {
		for _, candidate := range []string{"zstd", "lz4c"} {
			if p.inspector.ToolAvailable(ctx, plan.Source, candidate) &&
				p.inspector.ToolAvailable(ctx, plan.Dest, candidate) {
				plan.Compression = CompressionExternal
				if candidate == "lz4c" {
					plan.ExternalAlgorithm = "lz4"
				} else {
					plan.ExternalAlgorithm = candidate
				}
				return plan, nil
			}
		}
	}

	plan.Compression = CompressionNone
	return plan, nil
}
