// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package streamsock

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nishisan-dev/zfsapid/internal/kvstore"
	"github.com/nishisan-dev/zfsapid/internal/tokenstore"
	"github.com/nishisan-dev/zfsapid/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *tokenstore.Store) {
	t.Helper()
	kv := kvstore.NewMemoryKV()
	store := tokenstore.New(kv, tokenstore.Config{MACSecret: []byte("test-secret")}, slog.Default())
	return NewServer(store, slog.Default()), store
}

func startListener(t *testing.T, s *Server) (net.Addr, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go s.RunListener(ctx, ln)

	return ln.Addr(), func() {
		cancel()
		ln.Close()
	}
}

// The "zfs"/"pv" binaries are assumed absent in the test sandbox, so a
// valid, single-use token still reaches a deterministic spawn failure
// after "started" — this exercises the whole protocol without requiring
// a real filesystem.
func TestServeSendUnknownToolFailsAfterStarted(t *testing.T) {
	s, store := newTestServer(t)
	addr, stop := startListener(t, s)
	defer stop()

	tok, err := store.Issue(tokenstore.IssueRequest{
		Operation: tokenstore.OperationSend,
		Dataset:   "tank/src",
		Snapshot:  "a",
		OwnerID:   "owner-1",
		TTL:       time.Minute,
	})
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteToken(conn, tok.ID))

	status, err := wire.ReadStatus(conn)
	require.NoError(t, err)
	require.Equal(t, "started", status.Status)
	require.Equal(t, "tank/src", status.Dataset)

	var out bytes.Buffer
	_, err = wire.ReadChunks(conn, &out)
	require.NoError(t, err)

	errMsg, err := wire.ReadErrorFrame(conn)
	require.NoError(t, err)
	require.NotEmpty(t, errMsg)
}

func TestConnectionRejectedForUnknownToken(t *testing.T) {
	s, _ := newTestServer(t)
	addr, stop := startListener(t, s)
	defer stop()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteToken(conn, "does-not-exist"))

	status, err := wire.ReadStatus(conn)
	require.NoError(t, err)
	require.Equal(t, "failed", status.Status)
	require.Equal(t, "not_found", status.Error)
}

func TestConnectionRejectedForReusedToken(t *testing.T) {
	s, store := newTestServer(t)
	addr, stop := startListener(t, s)
	defer stop()

	tok, err := store.Issue(tokenstore.IssueRequest{
		Operation: tokenstore.OperationReceive,
		Dataset:   "tank/dst",
		OwnerID:   "owner-1",
		TTL:       time.Minute,
	})
	require.NoError(t, err)

	// First connection consumes the token; drive it far enough to latch
	// used=true, then drop it.
	conn1, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	require.NoError(t, wire.WriteToken(conn1, tok.ID))
	_, err = wire.ReadStatus(conn1)
	require.NoError(t, err)
	conn1.Close()

	// Give the first handler a moment to finish MarkUsed before the
	// second connection races it.
	time.Sleep(50 * time.Millisecond)

	conn2, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn2.Close()
	require.NoError(t, wire.WriteToken(conn2, tok.ID))

	status, err := wire.ReadStatus(conn2)
	require.NoError(t, err)
	require.Equal(t, "failed", status.Status)
	require.Equal(t, "already_used", status.Error)
}
