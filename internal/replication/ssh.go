// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nishisan-dev/zfsapid/internal/apierr"
)

// SSHDialer maintains one ssh.Client per remote host and multiplexes
// sessions over it, matching spec.md §4.E's "remote dataset over secure
// shell" endpoint: the engine never shells out to an external ssh(1)
// binary, it speaks the protocol directly via golang.org/x/crypto/ssh.
type SSHDialer struct {
	config *ssh.ClientConfig
	dial   func(network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHDialer builds a dialer using signer for public-key auth and
// knownHosts for host-key verification. Passing a nil knownHosts callback
// is refused: the engine never connects with host-key checking disabled.
func NewSSHDialer(user string, signer ssh.Signer, hostKeyCallback ssh.HostKeyCallback) (*SSHDialer, error) {
	if hostKeyCallback == nil {
		return nil, apierr.New(apierr.KindInvalidRequest, "ssh dialer requires a host key callback")
	}
	return &SSHDialer{
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         10 * time.Second,
		},
		dial:    ssh.Dial,
		clients: make(map[string]*ssh.Client),
	}, nil
}

func (d *SSHDialer) clientFor(e Endpoint) (*ssh.Client, error) {
	port := e.SSHPort
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(e.SSHHost, strconv.Itoa(port))

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[addr]; ok {
		return c, nil
	}

	cfg := *d.config
	if e.SSHUser != "" {
		cfg.User = e.SSHUser
	}
	c, err := d.dial("tcp", addr, &cfg)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindRemoteUnreachable, "dialing "+addr, err)
	}
	d.clients[addr] = c
	return c, nil
}

// Run executes argv on e's remote host and returns its stdout, failing
// if the command exits non-zero.
func (d *SSHDialer) Run(ctx context.Context, e Endpoint, argv []string) ([]byte, error) {
	client, err := d.clientFor(e)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindRemoteUnreachable, "opening ssh session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(quoteArgv(argv)) }()

	select {
	case err := <-done:
		if err != nil {
			return nil, apierr.Wrap(apierr.KindSpawnError, "remote command failed: "+stderr.String(), err)
		}
		return stdout.Bytes(), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return nil, apierr.Wrap(apierr.KindRemoteUnreachable, "context cancelled", ctx.Err())
	}
}

// RemoteSession is a remote command started by Stream or StreamShell.
// Its Stdin and Stdout are left to the caller (the pipeline executor) to
// splice with the rest of a send/receive pipeline; the caller then calls
// Wait.
type RemoteSession struct {
	session *ssh.Session
	Stdin   io.WriteCloser
	Stdout  io.Reader
}

// Wait blocks until the remote command exits, returning an *apierr.Error
// of KindPipelineError that wraps the session's exit error on failure.
func (r *RemoteSession) Wait() error {
	err := r.session.Wait()
	if err == nil {
		return nil
	}
	return apierr.Wrap(apierr.KindPipelineError, "remote pipeline stage failed", err)
}

// Close releases the underlying session.
func (r *RemoteSession) Close() error { return r.session.Close() }

// Stream starts argv on e's remote host as a long-running pipeline
// stage, matching the local procexec.Pipeline seam: the caller treats
// r.Stdin/r.Stdout exactly like a local stage's pipes.
func (d *SSHDialer) Stream(ctx context.Context, e Endpoint, argv []string) (*RemoteSession, error) {
	return d.StreamShell(ctx, e, quoteArgv(argv))
}

// StreamShell is Stream for callers that already have a composed shell
// command line (e.g. "zstd -d | zfs receive tank/dst"), used by the
// compression-on-receive path where two remote commands must be piped
// together inside the same remote shell.
func (d *SSHDialer) StreamShell(ctx context.Context, e Endpoint, shellCmd string) (*RemoteSession, error) {
	client, err := d.clientFor(e)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindRemoteUnreachable, "opening ssh session", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, apierr.Wrap(apierr.KindRemoteUnreachable, "opening remote stdin", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, apierr.Wrap(apierr.KindRemoteUnreachable, "opening remote stdout", err)
	}
	if err := session.Start(shellCmd); err != nil {
		session.Close()
		return nil, apierr.Wrap(apierr.KindSpawnError, "starting remote command", err)
	}
	return &RemoteSession{session: session, Stdin: stdin, Stdout: stdout}, nil
}

// Close tears down every cached client.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for addr, c := range d.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.clients, addr)
	}
	return firstErr
}

// quoteArgv renders argv as a shell command line for ssh.Session.Run,
// which only accepts a single string. Each element is single-quoted;
// this is the one place in the engine that builds a shell string instead
// of an argv, because the SSH exec channel protocol has no argv form —
// the remote side always runs it through the login shell.
func quoteArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

// shellPipe joins two argvs into a single remote shell pipeline
// "stage1 | stage2", each side individually quoted.
func shellPipe(stage1, stage2 []string) string {
	return quoteArgv(stage1) + " | " + quoteArgv(stage2)
}
