// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package compressor provides in-process compression stages for the
// object-storage transfer variants of §4.E: unlike the subprocess-pipeline
// path (which shells out to gzip/bzip2/xz/lz4/zstd binaries between two
// zfs commands), a send that terminates in an object-storage bucket has
// no second subprocess to pipe into, so the compression happens here, as
// an io.Writer/io.Reader stage wrapped directly around the upload/download.
package compressor

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names the supported in-process compressors.
type Algorithm string

const (
	Gzip Algorithm = "gzip"
	Zstd Algorithm = "zstd"
	LZ4  Algorithm = "lz4"
)

// NewWriter wraps w with a compressing writer for algo. Callers must
// Close the returned writer to flush trailing frames before closing w
// itself.
func NewWriter(algo Algorithm, w io.Writer) (io.WriteCloser, error) {
	switch algo {
	case Gzip:
		return pgzip.NewWriter(w), nil
	case Zstd:
		return zstd.NewWriter(w)
	case LZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("compressor: unknown algorithm %q", algo)
	}
}

// NewReader wraps r with a decompressing reader for algo.
func NewReader(algo Algorithm, r io.Reader) (io.ReadCloser, error) {
	switch algo {
	case Gzip:
		zr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("compressor: unknown algorithm %q", algo)
	}
}
