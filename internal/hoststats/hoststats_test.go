// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hoststats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectReportsMemoryAndDisk(t *testing.T) {
	c := NewCollector([]string{"/"})
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Greater(t, snap.MemoryTotal, uint64(0))
	require.Len(t, snap.Disks, 1)
	assert.Equal(t, "/", snap.Disks[0].Path)
}

func TestCollectSkipsUnknownMountPoint(t *testing.T) {
	c := NewCollector([]string{"/definitely-does-not-exist-zfsapid"})
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Disks)
}
