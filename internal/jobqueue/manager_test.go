// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package jobqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nishisan-dev/zfsapid/internal/kvstore"
)

func newTestManager(t *testing.T, workers int) *Manager {
	t.Helper()
	return New(kvstore.NewMemoryKV(), "test", workers, slog.Default())
}

func TestCreateGetCompleted(t *testing.T) {
	m := newTestManager(t, 1)
	done := make(chan struct{})
	m.RegisterHandler("echo", func(ctx context.Context, params json.RawMessage, progress func(json.RawMessage)) (json.RawMessage, error) {
		progress(json.RawMessage(`{"percent":50}`))
		defer close(done)
		return params, nil
	})

	id, err := m.Create("echo", "owner-1", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)

	rec, found, err := m.Get(id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusPending, rec.Status)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	cancel()

	waitForStatus(t, m, id, StatusCompleted)
	rec, _, err = m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"x":1}`), rec.Result)
}

func TestCancelRunningJobInvokesCancelFunc(t *testing.T) {
	m := newTestManager(t, 1)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	m.RegisterHandler("long", func(ctx context.Context, params json.RawMessage, progress func(json.RawMessage)) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})

	id, err := m.Create("long", "owner-1", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	ok, err := m.Cancel(id)
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel func was never invoked")
	}

	waitForStatus(t, m, id, StatusCancelled)
}

func TestCancelUnknownJobFails(t *testing.T) {
	m := newTestManager(t, 1)
	_, err := m.Cancel("does-not-exist")
	require.Error(t, err)
}

func TestListFiltersByStatus(t *testing.T) {
	m := newTestManager(t, 0) // never run, all stay pending
	id1, err := m.Create("noop", "owner-1", nil)
	require.NoError(t, err)
	_, err = m.Create("noop", "owner-1", nil)
	require.NoError(t, err)

	recs, err := m.List(StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = m.List(StatusCompleted, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = m.List(StatusPending, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	_ = id1
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, found, err := m.Get(id)
		require.NoError(t, err)
		require.True(t, found)
		if rec.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
}
