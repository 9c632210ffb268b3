// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package zfscmd is the pure, stateless Command Builder: every filesystem
// tool invocation in the system is constructed here and nowhere else.
// Functions take (operation, arguments) and return a string argument
// vector; none of them touch the filesystem or spawn anything.
package zfscmd

import (
	"fmt"

	"github.com/nishisan-dev/zfsapid/internal/zfsmodel"
)

// ErrInvalidCombination is returned when flags conflict, e.g. a resume
// token supplied alongside an explicit snapshot pair.
type ErrInvalidCombination struct {
	Reason string
}

func (e *ErrInvalidCombination) Error() string {
	return "zfscmd: invalid flag combination: " + e.Reason
}

// ---------------------------------------------------------------- Datasets

func DatasetCreate(dataset zfsmodel.Dataset, properties map[string]string) []string {
	cmd := []string{"zfs", "create"}
	for k, v := range properties {
		cmd = append(cmd, "-o", k+"="+v)
	}
	return append(cmd, string(dataset))
}

func DatasetDestroy(dataset zfsmodel.Dataset, recursive bool) []string {
	cmd := []string{"zfs", "destroy"}
	if recursive {
		cmd = append(cmd, "-R")
	}
	return append(cmd, string(dataset))
}

func DatasetList(root zfsmodel.Dataset, recursive bool) []string {
	cmd := []string{"zfs", "list", "-H"}
	if root != "" {
		if recursive {
			cmd = append(cmd, "-r")
		}
		cmd = append(cmd, string(root))
	}
	return cmd
}

func DatasetGet(dataset zfsmodel.Dataset, property string) []string {
	if property == "" {
		property = "all"
	}
	return []string{"zfs", "get", "-H", "-p", property, string(dataset)}
}

func DatasetSet(dataset zfsmodel.Dataset, property, value string) []string {
	return []string{"zfs", "set", property + "=" + value, string(dataset)}
}

func DatasetMount(dataset zfsmodel.Dataset) []string {
	return []string{"zfs", "mount", string(dataset)}
}

func DatasetRename(old, new zfsmodel.Dataset) []string {
	return []string{"zfs", "rename", string(old), string(new)}
}

func DatasetPromote(dataset zfsmodel.Dataset) []string {
	return []string{"zfs", "promote", string(dataset)}
}

// ---------------------------------------------------------------- Snapshots

func SnapshotCreate(dataset zfsmodel.Dataset, tag string, recursive bool) []string {
	cmd := []string{"zfs", "snapshot"}
	if recursive {
		cmd = append(cmd, "-r")
	}
	return append(cmd, string(dataset)+"@"+tag)
}

func SnapshotList(dataset zfsmodel.Dataset) []string {
	return []string{"zfs", "list", "-H", "-p", "-t", "snapshot", "-o", "name,creation", "-s", "creation", "-r", string(dataset)}
}

func SnapshotDestroy(snap zfsmodel.Snapshot, recursive bool) []string {
	cmd := []string{"zfs", "destroy"}
	if recursive {
		cmd = append(cmd, "-r")
	}
	return append(cmd, string(snap))
}

func SnapshotRollback(snap zfsmodel.Snapshot, force bool) []string {
	cmd := []string{"zfs", "rollback"}
	if force {
		cmd = append(cmd, "-r")
	}
	return append(cmd, string(snap))
}

func SnapshotHold(snap zfsmodel.Snapshot, tag string, recursive bool) []string {
	cmd := []string{"zfs", "hold"}
	if recursive {
		cmd = append(cmd, "-r")
	}
	return append(cmd, tag, string(snap))
}

func SnapshotRelease(snap zfsmodel.Snapshot, tag string, recursive bool) []string {
	cmd := []string{"zfs", "release"}
	if recursive {
		cmd = append(cmd, "-r")
	}
	return append(cmd, tag, string(snap))
}

func SnapshotHolds(snap zfsmodel.Snapshot) []string {
	return []string{"zfs", "holds", "-H", string(snap)}
}

func SnapshotDiff(a, b zfsmodel.Snapshot) []string {
	if b == "" {
		return []string{"zfs", "diff", "-H", string(a)}
	}
	return []string{"zfs", "diff", "-H", string(a), string(b)}
}

// ---------------------------------------------------------------- Bookmarks

func BookmarkCreate(snap zfsmodel.Snapshot, bookmark zfsmodel.Bookmark) []string {
	return []string{"zfs", "bookmark", string(snap), string(bookmark)}
}

func BookmarkList(dataset zfsmodel.Dataset) []string {
	return []string{"zfs", "list", "-H", "-t", "bookmark", "-r", string(dataset)}
}

func BookmarkDestroy(bookmark zfsmodel.Bookmark) []string {
	return []string{"zfs", "destroy", string(bookmark)}
}

// ---------------------------------------------------------------- Volumes & clones

func VolumeCreate(dataset zfsmodel.Dataset, sizeBytes int64, blockSize string) []string {
	cmd := []string{"zfs", "create", "-V", fmt.Sprintf("%d", sizeBytes)}
	if blockSize != "" {
		cmd = append(cmd, "-o", "volblocksize="+blockSize)
	}
	return append(cmd, string(dataset))
}

func VolumeList() []string {
	return []string{"zfs", "list", "-H", "-t", "volume"}
}

func VolumeDestroy(dataset zfsmodel.Dataset) []string {
	return []string{"zfs", "destroy", string(dataset)}
}

func CloneCreate(snap zfsmodel.Snapshot, target zfsmodel.Dataset, properties map[string]string) []string {
	cmd := []string{"zfs", "clone"}
	for k, v := range properties {
		cmd = append(cmd, "-o", k+"="+v)
	}
	return append(cmd, string(snap), string(target))
}

func CloneList(root zfsmodel.Dataset) []string {
	return []string{"zfs", "list", "-H", "-o", "name,origin", "-r", string(root)}
}

func CloneDestroy(dataset zfsmodel.Dataset, recursive bool) []string {
	return DatasetDestroy(dataset, recursive)
}

// ---------------------------------------------------------------- Pools

func PoolList() []string                           { return []string{"zpool", "list", "-H"} }
func PoolGet(pool, property string) []string       { return []string{"zpool", "get", "-H", property, pool} }
func PoolSet(pool, property, value string) []string {
	return []string{"zpool", "set", property + "=" + value, pool}
}
func PoolScrubStart(pool string) []string { return []string{"zpool", "scrub", pool} }
func PoolScrubStop(pool string) []string  { return []string{"zpool", "scrub", "-s", pool} }
func PoolStatus(pool string) []string     { return []string{"zpool", "status", pool} }
func PoolImport(pool string, force bool) []string {
	cmd := []string{"zpool", "import"}
	if force {
		cmd = append(cmd, "-f")
	}
	return append(cmd, pool)
}
func PoolExport(pool string, force bool) []string {
	cmd := []string{"zpool", "export"}
	if force {
		cmd = append(cmd, "-f")
	}
	return append(cmd, pool)
}

// ---------------------------------------------------------------- Send / receive

// SendOptions captures the flag-derivation inputs for a send invocation,
// per §4.A's rules for raw/compressed/recursive/resumable/incremental.
type SendOptions struct {
	Dataset      zfsmodel.Dataset
	Snapshot     string // tag, not full "dataset@tag"
	FromSnapshot string // optional, enables incremental ("-I")
	Raw          bool   // encrypted-stream passthrough ("-w")
	Compressed   bool   // block-level compressed stream ("-c")
	Recursive    bool   // "-R"
	ResumeToken  string // mutually exclusive with Snapshot/FromSnapshot
}

// Send builds a "zfs send" argument vector. A resume token takes
// precedence and is mutually exclusive with an explicit snapshot pair —
// supplying both is rejected at construction time per §4.A.
func Send(opt SendOptions) ([]string, error) {
	if opt.ResumeToken != "" && (opt.Snapshot != "" || opt.FromSnapshot != "") {
		return nil, &ErrInvalidCombination{Reason: "resume token cannot be combined with an explicit snapshot pair"}
	}
	cmd := []string{"zfs", "send"}
	if opt.ResumeToken != "" {
		return append(cmd, "-t", opt.ResumeToken), nil
	}
	if opt.Snapshot == "" {
		return nil, &ErrInvalidCombination{Reason: "snapshot is required unless a resume token is supplied"}
	}
	if opt.Raw {
		cmd = append(cmd, "-w")
	}
	if opt.Compressed {
		cmd = append(cmd, "-c")
	}
	if opt.Recursive {
		cmd = append(cmd, "-R")
	}
	if opt.FromSnapshot != "" {
		cmd = append(cmd, "-I", string(opt.Dataset)+"@"+opt.FromSnapshot)
	}
	return append(cmd, string(opt.Dataset)+"@"+opt.Snapshot), nil
}

// SendEstimate builds the dry-run size-estimation form of send ("-nv").
func SendEstimate(opt SendOptions) ([]string, error) {
	if opt.ResumeToken != "" {
		return nil, &ErrInvalidCombination{Reason: "size estimation is not defined for a resume-token send"}
	}
	cmd, err := Send(opt)
	if err != nil {
		return nil, err
	}
	// insert "-nv" right after "send"
	out := make([]string, 0, len(cmd)+1)
	out = append(out, cmd[0], cmd[1], "-nv")
	out = append(out, cmd[2:]...)
	return out, nil
}

// ReceiveOptions captures the flag-derivation inputs for a receive
// invocation. Resumable applies only to receive (it enables resume-token
// production on a subsequent partial transfer), per §4.A.
type ReceiveOptions struct {
	Dataset   zfsmodel.Dataset
	Force     bool // "-F"
	Resumable bool // "-s"
}

func Receive(opt ReceiveOptions) []string {
	cmd := []string{"zfs", "receive"}
	if opt.Force {
		cmd = append(cmd, "-F")
	}
	if opt.Resumable {
		cmd = append(cmd, "-s")
	}
	return append(cmd, string(opt.Dataset))
}

// ResumeTokenProperty builds the command to read the destination's
// pending resume-token property, consulted by the planner's resume check.
func ResumeTokenProperty(dataset zfsmodel.Dataset) []string {
	return DatasetGet(dataset, "receive_resume_token")
}

// ReceiveAbort builds the command that discards a dataset's pending
// partially-received stream ("-A"), clearing its resume token so a
// subsequent send must renegotiate from scratch.
func ReceiveAbort(dataset zfsmodel.Dataset) []string {
	return []string{"zfs", "receive", "-A", string(dataset)}
}

// ---------------------------------------------------------------- External tooling

// CompressorCommand builds the argv for an external compressor/decompressor
// stage of a subprocess pipeline, per the candidates in spec §4.E rule 5.
func CompressorCommand(algorithm string, decompress bool) ([]string, error) {
	switch algorithm {
	case "gzip":
		if decompress {
			return []string{"gzip", "-d"}, nil
		}
		return []string{"gzip"}, nil
	case "bzip2":
		if decompress {
			return []string{"bzip2", "-d"}, nil
		}
		return []string{"bzip2"}, nil
	case "xz":
		if decompress {
			return []string{"xz", "-d"}, nil
		}
		return []string{"xz"}, nil
	case "lz4":
		if decompress {
			return []string{"lz4c", "-d"}, nil
		}
		return []string{"lz4c"}, nil
	case "zstd":
		if decompress {
			return []string{"zstd", "-d"}, nil
		}
		return []string{"zstd"}, nil
	default:
		return nil, fmt.Errorf("zfscmd: unknown compression algorithm %q", algorithm)
	}
}

// MeterCommand builds the argv for the byte-metering tool with
// machine-readable progress enabled (component C's upstream producer).
func MeterCommand() []string {
	return []string{"pv", "-f", "-n", "-b"}
}

// ToolAvailabilityCheck builds a command that succeeds iff the named
// external tool is on PATH, used to probe for zstd/lz4c availability.
func ToolAvailabilityCheck(tool string) []string {
	return []string{"which", tool}
}
