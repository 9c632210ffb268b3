// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package procexec spawns and supervises subprocess pipelines: the
// Process Executor of §4.B. Every child is placed in its own process
// group, and termination signals each stage's group in turn; stderr is
// captured with bounded buffering; siblings share fate on failure.
package procexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nishisan-dev/zfsapid/internal/apierr"
)

// gracePeriod is how long Terminate waits after SIGTERM before escalating
// to SIGKILL, per §4.B.
const gracePeriod = 5 * time.Second

// stderrCap bounds per-child captured stderr.
const stderrCap = 64 * 1024

// Stage describes one subprocess in a pipeline.
type Stage struct {
	Name string
	Argv []string
}

// Pipeline is a chain of subprocesses connected stdout→stdin, each in its
// own process group. Stage 0's stdin and the last stage's stdout are
// exposed to the caller for splicing to a socket, file, or another
// pipeline.
type Pipeline struct {
	logger *slog.Logger
	cmds   []*exec.Cmd
	stderr []*BoundedBuffer

	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	mu        sync.Mutex
	waited    bool
	waitErr   error
	terminate sync.Once
}

// Spawn starts a pipeline of the given stages, wiring each stage's stdout
// to the next stage's stdin. Returns *apierr.Error wrapping SpawnError if
// any executable cannot be found.
func Spawn(ctx context.Context, logger *slog.Logger, stages []Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, apierr.New(apierr.KindInvalidRequest, "pipeline requires at least one stage")
	}

	p := &Pipeline{logger: logger}
	var prevStdout io.ReadCloser

	for i, stage := range stages {
		cmd := exec.CommandContext(ctx, stage.Argv[0], stage.Argv[1:]...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		stderrBuf := NewBoundedBuffer(stderrCap)
		cmd.Stderr = stderrBuf

		if i == 0 {
			stdin, err := cmd.StdinPipe()
			if err != nil {
				return nil, apierr.Wrap(apierr.KindSpawnError, "opening stdin pipe", err)
			}
			p.Stdin = stdin
		} else {
			cmd.Stdin = prevStdout
		}

		if i == len(stages)-1 {
			stdout, err := cmd.StdoutPipe()
			if err != nil {
				return nil, apierr.Wrap(apierr.KindSpawnError, "opening stdout pipe", err)
			}
			p.Stdout = stdout
		} else {
			stdout, err := cmd.StdoutPipe()
			if err != nil {
				return nil, apierr.Wrap(apierr.KindSpawnError, "opening stdout pipe", err)
			}
			prevStdout = stdout
		}

		if err := cmd.Start(); err != nil {
			// Unwind anything already started so we don't leak process groups.
			p.killStarted()
			return nil, apierr.Wrap(apierr.KindSpawnError, fmt.Sprintf("starting %s", stage.Argv[0]), err)
		}

		// The parent's copy of the read-end feeding the previous stage's
		// stdin is no longer needed once the child has inherited it;
		// closing it here avoids stalling on the child's exit.
		if i > 0 {
			if closer, ok := cmd.Stdin.(io.Closer); ok {
				_ = closer.Close()
			}
		}

		p.cmds = append(p.cmds, cmd)
		p.stderr = append(p.stderr, stderrBuf)
		logger.Debug("spawned pipeline stage", "stage", stage.Name, "pid", cmd.Process.Pid)
	}

	return p, nil
}

func (p *Pipeline) killStarted() {
	for _, cmd := range p.cmds {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
}

// Stderr returns the bounded stderr capture for the stage at index i,
// exposed "for observation" per §4.B.
func (p *Pipeline) Stderr(i int) *BoundedBuffer {
	return p.stderr[i]
}

// Wait blocks until every stage has exited. If any child exits non-zero,
// siblings are signalled (fate sharing) and the returned error is
// *apierr.Error wrapping a PipelineError carrying every non-zero
// returncode and the captured stderr.
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	if p.waited {
		defer p.mu.Unlock()
		return p.waitErr
	}
	p.waited = true
	p.mu.Unlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		codes   []int
		stderrs []string
		anyFail bool
	)

	wg.Add(len(p.cmds))
	for i, cmd := range p.cmds {
		go func(i int, cmd *exec.Cmd) {
			defer wg.Done()
			err := cmd.Wait()
			if err == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if !anyFail {
				anyFail = true
				p.signalSiblings(i)
			}
			code := -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
			codes = append(codes, code)
			stderrs = append(stderrs, p.stderr[i].String())
		}(i, cmd)
	}
	wg.Wait()

	if anyFail {
		p.waitErr = apierr.Wrap(apierr.KindPipelineError, "pipeline exited non-zero", &apierr.PipelineError{
			ReturnCodes: codes,
			Stderr:      joinNonEmpty(stderrs),
		})
	}
	return p.waitErr
}

func joinNonEmpty(parts []string) string {
	var buf bytes.Buffer
	for _, part := range parts {
		if part == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n---\n")
		}
		buf.WriteString(part)
	}
	return buf.String()
}

// signalSiblings sends SIGTERM to every process group other than the one
// at index failedIdx, implementing fate-sharing across the pipeline.
func (p *Pipeline) signalSiblings(failedIdx int) {
	for i, cmd := range p.cmds {
		if i == failedIdx || cmd.Process == nil {
			continue
		}
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}

// Terminate signals every stage's process group, waits up to five
// seconds, then escalates to SIGKILL. Safe to call multiple times and
// after natural completion.
func (p *Pipeline) Terminate(ctx context.Context) {
	p.terminate.Do(func() {
		for _, cmd := range p.cmds {
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
			}
		}

		done := make(chan struct{})
		go func() {
			for _, cmd := range p.cmds {
				_, _ = cmd.Process.Wait()
			}
			close(done)
		}()

		timer := time.NewTimer(gracePeriod)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			for _, cmd := range p.cmds {
				if cmd.Process != nil {
					_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
				}
			}
		case <-ctx.Done():
			for _, cmd := range p.cmds {
				if cmd.Process != nil {
					_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
				}
			}
		}
	})
}
