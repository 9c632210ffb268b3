// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package streamsock implements the Streaming Socket Authenticator of
// spec.md §4.F: two listeners (TCP, mTLS-fronted, and a Unix domain
// socket for intra-host privileged callers) serving an identical
// per-connection protocol built on internal/wire's framing and gated by
// internal/tokenstore's single-use capability tokens.
package streamsock

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/nishisan-dev/zfsapid/internal/procexec"
	"github.com/nishisan-dev/zfsapid/internal/tokenstore"
	"github.com/nishisan-dev/zfsapid/internal/wire"
	"github.com/nishisan-dev/zfsapid/internal/zfscmd"
	"github.com/nishisan-dev/zfsapid/internal/zfsmodel"
)

// Server serves the streaming socket protocol. Each accepted connection
// authenticates a single token against the Token Store, then spawns the
// local half of the send/receive pipeline the token describes.
type Server struct {
	tokens *tokenstore.Store
	logger *slog.Logger
}

// NewServer builds a Server backed by tokens.
func NewServer(tokens *tokenstore.Store, logger *slog.Logger) *Server {
	return &Server{tokens: tokens, logger: logger}
}

// Endpoints reports the addresses a caller should be handed back from
// control API's stream_endpoints, per §4.H.
type Endpoints struct {
	TCPAddress string
	LocalPath  string
}

// Run starts both listeners and blocks until ctx is cancelled. tcpAddr or
// unixPath may be empty to skip that listener (tests commonly run only
// one at a time via RunListener).
func (s *Server) Run(ctx context.Context, tcpAddr string, tlsCfg *tls.Config, unixPath string) error {
	var wg sync.WaitGroup

	if tcpAddr != "" {
		ln, err := tls.Listen("tcp", tcpAddr, tlsCfg)
		if err != nil {
			return err
		}
		s.logger.Info("streamsock tcp listening", "address", tcpAddr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunListener(ctx, ln)
		}()
	}

	if unixPath != "" {
		_ = os.Remove(unixPath)
		ln, err := net.Listen("unix", unixPath)
		if err != nil {
			return err
		}
		s.logger.Info("streamsock unix listening", "path", unixPath)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunListener(ctx, ln)
		}()
	}

	wg.Wait()
	return nil
}

// RunListener runs the accept-loop-with-backoff for a single, already
// constructed listener, closing it when ctx is cancelled. Exposed
// directly so tests can drive an in-memory or bufconn-style listener.
func (s *Server) RunListener(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				consecutiveErrors++
				s.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}
		consecutiveErrors = 0
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection implements the six-step per-connection protocol of
// §4.F. Any protocol violation closes the connection without further
// bytes; pipeline errors after "started" get an error frame when possible.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer := conn.RemoteAddr().String()

	id, err := wire.ReadToken(conn)
	if err != nil {
		s.logger.Debug("malformed token frame", "peer", peer, "error", err)
		return
	}

	tok, ok, reason := s.tokens.Validate(id, peer)
	if !ok {
		_ = wire.WriteStatus(conn, wire.StatusMessage{Status: "failed", Error: reason})
		return
	}

	used, err := s.tokens.MarkUsed(id, peer)
	if err != nil || !used {
		r := "already_used"
		if err != nil {
			r = "persistence_error"
		}
		_ = wire.WriteStatus(conn, wire.StatusMessage{Status: "failed", Error: r})
		return
	}

	if err := wire.WriteStatus(conn, wire.StatusMessage{
		Status:    "started",
		Operation: string(tok.Operation),
		Dataset:   tok.Dataset,
	}); err != nil {
		s.logger.Debug("writing started status", "peer", peer, "error", err)
		return
	}

	switch tok.Operation {
	case tokenstore.OperationSend:
		s.serveSend(ctx, conn, tok)
	case tokenstore.OperationReceive:
		s.serveReceive(ctx, conn, tok)
	default:
		_ = wire.WriteErrorFrame(conn, "unknown operation")
	}
}

// serveSend spawns the local send pipeline the token describes and
// streams its stdout to conn as chunked frames, per §4.F step 5.
func (s *Server) serveSend(ctx context.Context, conn net.Conn, tok tokenstore.Token) {
	argv, err := zfscmd.Send(zfscmd.SendOptions{
		Dataset:      zfsmodel.Dataset(tok.Dataset),
		Snapshot:     tok.Snapshot,
		FromSnapshot: tok.FromSnapshot,
		Raw:          tok.Parameters.Raw,
		Compressed:   tok.Parameters.Compressed,
		Recursive:    tok.Parameters.Recursive,
	})
	if err != nil {
		_, _ = wire.CopyChunks(conn, bytes.NewReader(nil))
		_ = wire.WriteErrorFrame(conn, err.Error())
		return
	}

	pipe, err := procexec.Spawn(ctx, s.logger, []procexec.Stage{{Name: "send", Argv: argv}})
	if err != nil {
		_, _ = wire.CopyChunks(conn, bytes.NewReader(nil))
		_ = wire.WriteErrorFrame(conn, err.Error())
		return
	}
	pipe.Stdin.Close()

	_, copyErr := wire.CopyChunks(conn, pipe.Stdout)
	waitErr := pipe.Wait()

	if copyErr != nil {
		s.logger.Error("streaming send output", "dataset", tok.Dataset, "error", copyErr)
		return
	}
	if waitErr != nil {
		_ = wire.WriteErrorFrame(conn, waitErr.Error())
	}
}

// serveReceive spawns the local receive pipeline and copies bytes from
// conn into its stdin until the client half-closes, per §4.F step 6.
func (s *Server) serveReceive(ctx context.Context, conn net.Conn, tok tokenstore.Token) {
	argv := zfscmd.Receive(zfscmd.ReceiveOptions{
		Dataset:   zfsmodel.Dataset(tok.Dataset),
		Force:     tok.Parameters.Force,
		Resumable: tok.Parameters.Resumable,
	})

	pipe, err := procexec.Spawn(ctx, s.logger, []procexec.Stage{{Name: "receive", Argv: argv}})
	if err != nil {
		_ = wire.WriteErrorFrame(conn, err.Error())
		return
	}

	_, readErr := wire.ReadChunks(conn, pipe.Stdin)
	pipe.Stdin.Close()
	waitErr := pipe.Wait()

	if readErr != nil && readErr != io.EOF {
		s.logger.Error("reading receive input", "dataset", tok.Dataset, "error", readErr)
	}
	if waitErr != nil {
		_ = wire.WriteErrorFrame(conn, waitErr.Error())
	}
}
