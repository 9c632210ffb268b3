// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package compressor

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundtrip(t *testing.T, algo Algorithm) {
	t.Helper()
	payload := bytes.Repeat([]byte("zfs send stream payload "), 256)

	var buf bytes.Buffer
	w, err := NewWriter(algo, &buf)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(algo, &buf)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestGzipRoundtrip(t *testing.T) { roundtrip(t, Gzip) }
func TestZstdRoundtrip(t *testing.T) { roundtrip(t, Zstd) }
func TestLZ4Roundtrip(t *testing.T)  { roundtrip(t, LZ4) }

func TestUnknownAlgorithm(t *testing.T) {
	_, err := NewWriter(Algorithm("rot13"), &bytes.Buffer{})
	assert.Error(t, err)
}
