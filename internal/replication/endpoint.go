// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package replication implements the Replication Engine of §4.E: given a
// source endpoint, a destination endpoint, and a policy, it produces and
// executes a Transfer Plan.
package replication

import (
	"io"

	"github.com/nishisan-dev/zfsapid/internal/zfsmodel"
)

// EndpointKind distinguishes the four endpoint shapes this engine
// understands. LocalDataset and RemoteDataset come from spec.md §4.E
// directly; LocalFile and Object are the domain-stack additions that let
// a transfer terminate in a plain file or an object-storage bucket
// instead of a second dataset.
type EndpointKind int

const (
	LocalDataset EndpointKind = iota
	RemoteDataset
	LocalFile
	Object
)

// Endpoint is one side of a transfer. Exactly the fields relevant to
// Kind are populated; the planner and executor never inspect fields
// outside that set.
type Endpoint struct {
	Kind EndpointKind

	// LocalDataset / RemoteDataset
	Dataset zfsmodel.Dataset

	// RemoteDataset only
	SSHHost string
	SSHPort int
	SSHUser string

	// LocalFile only
	Path string

	// Object only
	Bucket string
	Key    string
	Store  ObjectStore
}

// ObjectStore is the minimal seam the engine needs from an
// object-storage backend: a writable sink for send output and a
// readable source for receive input. A concrete implementation backed
// by an AWS S3 client lives in internal/objectstore and is wired in by
// cmd/zfsapid; the engine never imports the SDK directly, keeping this
// package's tests free of network dependencies.
type ObjectStore interface {
	PutObject(bucket, key string) (WriteCloserAt, error)
	GetObject(bucket, key string) (ReadCloserAt, error)
}

// WriteCloserAt is the write side of an object-storage upload (e.g.
// objectstore's pipe-backed upload writer). It is an alias of
// io.WriteCloser, so a PutObject returning io.WriteCloser satisfies
// ObjectStore.
type WriteCloserAt = io.WriteCloser

// ReadCloserAt is the read side of an object-storage download, an alias
// of io.ReadCloser for the same reason.
type ReadCloserAt = io.ReadCloser

// supported reports whether the (source, dest) pair is one of the
// combinations in spec.md §4.E's cross-product table.
func supported(source, dest Endpoint) bool {
	switch source.Kind {
	case LocalDataset:
		return true // local source pairs with everything
	case RemoteDataset:
		return dest.Kind != RemoteDataset
	case LocalFile:
		return dest.Kind == LocalDataset
	case Object:
		return dest.Kind == LocalDataset
	default:
		return false
	}
}

func (k EndpointKind) String() string {
	switch k {
	case LocalDataset:
		return "local-dataset"
	case RemoteDataset:
		return "remote-dataset"
	case LocalFile:
		return "local-file"
	case Object:
		return "object"
	default:
		return "unknown"
	}
}
