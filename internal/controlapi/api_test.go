// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package controlapi

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nishisan-dev/zfsapid/internal/hoststats"
	"github.com/nishisan-dev/zfsapid/internal/jobqueue"
	"github.com/nishisan-dev/zfsapid/internal/kvstore"
	"github.com/nishisan-dev/zfsapid/internal/streamsock"
	"github.com/nishisan-dev/zfsapid/internal/tokenstore"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	kv := kvstore.NewMemoryKV()
	jobs := jobqueue.New(kv, "test", 1, slog.Default())
	tokens := tokenstore.New(kv, tokenstore.Config{MACSecret: []byte("secret")}, slog.Default())
	endpoints := streamsock.Endpoints{TCPAddress: "127.0.0.1:9000", LocalPath: "/var/run/zfsapid.sock"}
	stats := hoststats.NewCollector([]string{"/"})
	return New(jobs, tokens, endpoints, stats, slog.Default())
}

func withOwner(owner string) context.Context {
	return WithIdentity(context.Background(), Identity{OwnerID: owner})
}

func TestMigrationCreateRequiresIdentity(t *testing.T) {
	api := newTestAPI(t)
	_, err := api.MigrationCreate(context.Background(), MigrationParams{
		Source: EndpointSpec{Kind: "local-dataset", Dataset: "tank/src"},
		Dest:   EndpointSpec{Kind: "local-dataset", Dataset: "tank/dst"},
	})
	require.Error(t, err)
}

func TestMigrationCreateAndGet(t *testing.T) {
	api := newTestAPI(t)
	ctx := withOwner("owner-1")

	jobID, err := api.MigrationCreate(ctx, MigrationParams{
		Source: EndpointSpec{Kind: "local-dataset", Dataset: "tank/src"},
		Dest:   EndpointSpec{Kind: "local-dataset", Dataset: "tank/dst"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	rec, err := api.MigrationGet(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StatusPending, rec.Status)

	recs, err := api.MigrationList(ctx, jobqueue.StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMigrationCreateRejectsMissingEndpointKind(t *testing.T) {
	api := newTestAPI(t)
	ctx := withOwner("owner-1")
	_, err := api.MigrationCreate(ctx, MigrationParams{})
	require.Error(t, err)
}

func TestTokenLifecycle(t *testing.T) {
	api := newTestAPI(t)
	ctx := withOwner("owner-1")

	tok, err := api.TokenCreateSend(ctx, "tank/src", "daily-01", tokenstore.Parameters{}, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, tok.ID)

	list, err := api.TokenList(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// A different owner may not revoke it.
	otherCtx := withOwner("owner-2")
	_, err = api.TokenRevoke(otherCtx, tok.ID)
	require.Error(t, err)

	ok, err := api.TokenRevoke(ctx, tok.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStreamEndpoints(t *testing.T) {
	api := newTestAPI(t)
	ctx := withOwner("owner-1")
	ep, err := api.StreamEndpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", ep.TCPAddress)
}

func TestHostStats(t *testing.T) {
	api := newTestAPI(t)
	ctx := withOwner("owner-1")
	snap, err := api.HostStats(ctx)
	require.NoError(t, err)
	assert.Greater(t, snap.MemoryTotal, uint64(0))
}
