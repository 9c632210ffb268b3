// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nishisan-dev/zfsapid/internal/apierr"
	"github.com/nishisan-dev/zfsapid/internal/procexec"
	"github.com/nishisan-dev/zfsapid/internal/progressmeter"
	"github.com/nishisan-dev/zfsapid/internal/replication/compressor"
	"github.com/nishisan-dev/zfsapid/internal/zfscmd"
)

// State is a node of spec.md §4.E's per-invocation state machine.
type State int

const (
	StatePlanning State = iota
	StateUpToDate
	StateResumable
	StateNeedFull
	StateSpawnSend
	StateStreaming
	StateFinalising
	StateTerminating
	StateSuccess
	StateCancelled
	StateFailed
)

func (s State) String() string {
	return [...]string{
		"planning", "up_to_date", "resumable", "need_full",
		"spawn_send", "streaming", "finalising", "terminating",
		"success", "cancelled", "failed",
	}[s]
}

// Result is what a completed Transfer reports.
type Result struct {
	State            State
	BytesTransferred int64
	Plan             Plan
	Err              error
}

// Engine ties the planner, inspector, and SSH transport together into
// full send/receive executions, per spec.md §4.E's execution contract.
type Engine struct {
	planner  *Planner
	dialer   *SSHDialer
	logger   *slog.Logger
	snapTime func() time.Time // overridable in tests

	// applySyncHold defaults to e.ApplySyncHold; overridable in tests so
	// the post-run state decision can be exercised without real zfs
	// tooling.
	applySyncHold func(ctx context.Context, plan Plan, peer string, now time.Time) error
}

// NewEngine builds an Engine. dialer may be nil if no remote endpoint
// will ever be used.
func NewEngine(planner *Planner, dialer *SSHDialer, logger *slog.Logger) *Engine {
	e := &Engine{planner: planner, dialer: dialer, logger: logger, snapTime: time.Now}
	e.applySyncHold = e.ApplySyncHold
	return e
}

// Handle is a live or completed transfer, returned by Transfer so a
// caller (the Job Manager) can cancel it.
type Handle struct {
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	local  []*procexec.Pipeline
	remote []*RemoteSession
	done   chan struct{}
	result Result
}

// State reports the current node of the state machine.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Wait blocks until the transfer reaches a terminal state.
func (h *Handle) Wait() Result {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Cancel signals every pipeline stage's process group and remote session,
// transitioning the state machine to terminating then cancelled. Safe to
// call multiple times and after natural completion.
func (h *Handle) Cancel(ctx context.Context) {
	h.setState(StateTerminating)
	h.cancel()
	for _, p := range h.local {
		p.Terminate(ctx)
	}
	for _, r := range h.remote {
		_ = r.Close()
	}
}

// Transfer plans and executes a send/receive per spec.md §4.E, returning
// a Handle immediately; the caller observes completion via Handle.Wait or
// supplies a progress callback that is invoked for every parsed record.
func (e *Engine) Transfer(ctx context.Context, source, dest Endpoint, policy Policy, onProgress func(progressmeter.Record)) (*Handle, error) {
	execCtx, cancel := context.WithCancel(ctx)
	h := &Handle{state: StatePlanning, cancel: cancel, done: make(chan struct{})}

	plan, err := e.planner.Plan(execCtx, source, dest, policy)
	if err != nil {
		cancel()
		close(h.done)
		h.result = Result{State: StateFailed, Err: err}
		return h, err
	}

	switch plan.Kind {
	case KindUpToDate:
		h.setState(StateUpToDate)
		h.setState(StateSuccess)
		h.result = Result{State: StateSuccess, Plan: plan}
		close(h.done)
		return h, nil
	case KindResumable:
		h.setState(StateResumable)
	default:
		h.setState(StateNeedFull)
	}

	if plan.CreatedSnapshot && plan.Snapshot == "" {
		tag := fmt.Sprintf("migrate-%s", e.snapTime().UTC().Format("060102-15-0405"))
		if err := e.createSnapshot(execCtx, source, tag, policy.Recursive); err != nil {
			cancel()
			close(h.done)
			h.result = Result{State: StateFailed, Err: err}
			return h, err
		}
		plan.Snapshot = tag
	}

	go e.run(execCtx, h, plan, policy, onProgress)
	return h, nil
}

// resumeFallbackPlan discards the destination's stalled partial receive
// and renegotiates a fresh plan for the same endpoints, so a second
// resume attempt never simply reproduces the failed one.
func (e *Engine) resumeFallbackPlan(ctx context.Context, plan Plan, policy Policy) (Plan, error) {
	if err := e.planner.inspector.AbortResume(ctx, plan.Dest); err != nil {
		return Plan{}, err
	}
	fallback, err := e.planner.Plan(ctx, plan.Source, plan.Dest, policy)
	if err != nil {
		return Plan{}, err
	}
	if fallback.Kind == KindResumable {
		return Plan{}, apierr.New(apierr.KindResumeMismatch, "destination still reports a resume token after abort")
	}
	return fallback, nil
}

func (e *Engine) createSnapshot(ctx context.Context, source Endpoint, tag string, recursive bool) error {
	argv := zfscmd.SnapshotCreate(source.Dataset, tag, recursive)
	var pipe *procexec.Pipeline
	var err error
	if source.Kind == RemoteDataset {
		if e.dialer == nil {
			return apierr.New(apierr.KindInvalidRequest, "remote endpoint requires an ssh dialer")
		}
		_, err = e.dialer.Run(ctx, source, argv)
		return err
	}
	pipe, err = procexec.Spawn(ctx, e.logger, []procexec.Stage{{Name: "snapshot", Argv: argv}})
	if err != nil {
		return err
	}
	return pipe.Wait()
}

func (e *Engine) run(ctx context.Context, h *Handle, plan Plan, policy Policy, onProgress func(progressmeter.Record)) {
	defer close(h.done)
	h.setState(StateSpawnSend)

	bytesTransferred, runErr := e.execute(ctx, h, plan, policy, onProgress)

	if runErr != nil && plan.Kind == KindResumable && !policy.DisableResumeFallback {
		h.mu.Lock()
		terminating := h.state == StateTerminating
		h.mu.Unlock()
		if !terminating {
			if fallback, fbErr := e.resumeFallbackPlan(ctx, plan, policy); fbErr == nil {
				e.logger.Warn("resumed send failed, retrying once as a renegotiated send",
					"dataset", plan.Dest.Dataset, "error", runErr)
				h.setState(StateSpawnSend)
				plan = fallback
				bytesTransferred, runErr = e.execute(ctx, h, plan, policy, onProgress)
			} else {
				e.logger.Error("resume fallback planning failed", "dataset", plan.Dest.Dataset, "error", fbErr)
			}
		}
	}

	e.finalizeResult(ctx, h, plan, policy, bytesTransferred, runErr)
}

// finalizeResult computes and sets h's terminal Result. On an
// unterminated success it applies a sync hold first, per rule 6, when
// policy.SyncHold is on; a sync-hold failure is logged but never turns a
// successful transfer into a failed one.
func (e *Engine) finalizeResult(ctx context.Context, h *Handle, plan Plan, policy Policy, bytesTransferred int64, runErr error) {
	h.mu.Lock()
	terminating := h.state == StateTerminating
	h.mu.Unlock()

	switch {
	case runErr != nil && terminating:
		h.setState(StateCancelled)
		h.result = Result{State: StateCancelled, BytesTransferred: bytesTransferred, Plan: plan, Err: runErr}
	case runErr != nil:
		h.setState(StateFailed)
		h.result = Result{State: StateFailed, BytesTransferred: bytesTransferred, Plan: plan, Err: runErr}
	default:
		h.setState(StateFinalising)
		if policy.SyncHold {
			if err := e.applySyncHold(ctx, plan, policy.SyncPeerTag, e.snapTime()); err != nil && e.logger != nil {
				e.logger.Error("sync hold failed after successful transfer",
					"dataset", plan.Dest.Dataset, "error", err)
			}
		}
		h.setState(StateSuccess)
		h.result = Result{State: StateSuccess, BytesTransferred: bytesTransferred, Plan: plan}
	}
}

// execute builds and runs the send/receive pipeline for plan, streaming
// progress records to onProgress, and returns the byte count the parser
// observed.
func (e *Engine) execute(ctx context.Context, h *Handle, plan Plan, policy Policy, onProgress func(progressmeter.Record)) (int64, error) {
	sendOpt := zfscmd.SendOptions{
		Dataset:      plan.Source.Dataset,
		Snapshot:     plan.Snapshot,
		FromSnapshot: plan.FromSnapshot,
		Raw:          false,
		Compressed:   plan.Compression == CompressionNative,
		Recursive:    false,
		ResumeToken:  plan.ResumeToken,
	}

	var sendReader io.Reader
	var sendCloser func() error

	switch plan.Source.Kind {
	case LocalDataset:
		stages, err := e.localSendStages(sendOpt, plan)
		if err != nil {
			return 0, err
		}
		pipe, err := procexec.Spawn(ctx, e.logger, stages)
		if err != nil {
			return 0, err
		}
		h.mu.Lock()
		h.local = append(h.local, pipe)
		h.mu.Unlock()
		sendReader = pipe.Stdout
		sendCloser = pipe.Wait
	case RemoteDataset:
		if e.dialer == nil {
			return 0, apierr.New(apierr.KindInvalidRequest, "remote endpoint requires an ssh dialer")
		}
		argv, err := zfscmd.Send(sendOpt)
		if err != nil {
			return 0, err
		}
		var sess *RemoteSession
		if plan.Compression == CompressionExternal {
			compArgv, cErr := zfscmd.CompressorCommand(plan.ExternalAlgorithm, false)
			if cErr != nil {
				return 0, cErr
			}
			sess, err = e.dialer.StreamShell(ctx, plan.Source, shellPipe(argv, compArgv))
		} else {
			sess, err = e.dialer.Stream(ctx, plan.Source, argv)
		}
		if err != nil {
			return 0, err
		}
		h.mu.Lock()
		h.remote = append(h.remote, sess)
		h.mu.Unlock()
		sendReader = sess.Stdout
		sendCloser = sess.Wait
	case LocalFile:
		f, err := os.Open(plan.Source.Path)
		if err != nil {
			return 0, apierr.Wrap(apierr.KindInvalidRequest, "opening source file", err)
		}
		sendReader = f
		sendCloser = f.Close
	case Object:
		rc, err := plan.Source.Store.GetObject(plan.Source.Bucket, plan.Source.Key)
		if err != nil {
			return 0, apierr.Wrap(apierr.KindRemoteUnreachable, "reading object source", err)
		}
		if plan.Compression == CompressionExternal {
			dr, err := compressor.NewReader(compressor.Algorithm(plan.ExternalAlgorithm), rc)
			if err != nil {
				return 0, err
			}
			sendReader = dr
			sendCloser = func() error { dr.Close(); return rc.Close() }
		} else {
			sendReader = rc
			sendCloser = rc.Close
		}
	}

	h.setState(StateStreaming)

	parser := progressmeter.New()
	var bytesTransferred int64
	var bytesMu sync.Mutex
	pr, pw := io.Pipe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = parser.Parse(pr, func(ev progressmeter.Event) {
			if ev.Record == nil {
				return
			}
			bytesMu.Lock()
			bytesTransferred = ev.Record.BytesTransferred
			bytesMu.Unlock()
			if onProgress != nil {
				onProgress(*ev.Record)
			}
		})
	}()

	tee := io.TeeReader(sendReader, pw)

	destErr := e.stream(ctx, h, plan, policy, tee)
	pw.Close()
	wg.Wait()

	var sendErr error
	if sendCloser != nil {
		sendErr = sendCloser()
	}

	bytesMu.Lock()
	total := bytesTransferred
	bytesMu.Unlock()

	if destErr != nil {
		return total, destErr
	}
	return total, sendErr
}

// localSendStages builds the local send pipeline: send → meter →
// optional external compressor.
func (e *Engine) localSendStages(opt zfscmd.SendOptions, plan Plan) ([]procexec.Stage, error) {
	sendArgv, err := zfscmd.Send(opt)
	if err != nil {
		return nil, err
	}
	stages := []procexec.Stage{
		{Name: "send", Argv: sendArgv},
		{Name: "meter", Argv: zfscmd.MeterCommand()},
	}
	if plan.Compression == CompressionExternal {
		compArgv, err := zfscmd.CompressorCommand(plan.ExternalAlgorithm, false)
		if err != nil {
			return nil, err
		}
		stages = append(stages, procexec.Stage{Name: "compress", Argv: compArgv})
	}
	return stages, nil
}

// stream delivers src to the destination endpoint: a local receive
// pipeline, a remote receive session, a local file, or an object sink.
func (e *Engine) stream(ctx context.Context, h *Handle, plan Plan, policy Policy, src io.Reader) error {
	recvOpt := zfscmd.ReceiveOptions{Dataset: plan.Dest.Dataset, Force: false, Resumable: true}

	switch plan.Dest.Kind {
	case LocalDataset:
		stages := []procexec.Stage{}
		if plan.Compression == CompressionExternal {
			compArgv, err := zfscmd.CompressorCommand(plan.ExternalAlgorithm, true)
			if err != nil {
				return err
			}
			stages = append(stages, procexec.Stage{Name: "decompress", Argv: compArgv})
		}
		stages = append(stages, procexec.Stage{Name: "receive", Argv: zfscmd.Receive(recvOpt)})

		pipe, err := procexec.Spawn(ctx, e.logger, stages)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.local = append(h.local, pipe)
		h.mu.Unlock()

		_, copyErr := io.Copy(newThrottledWriter(ctx, pipe.Stdin, policy.MaxBytesPerSec), src)
		pipe.Stdin.Close()
		if waitErr := pipe.Wait(); waitErr != nil {
			return waitErr
		}
		return copyErr

	case RemoteDataset:
		if e.dialer == nil {
			return apierr.New(apierr.KindInvalidRequest, "remote endpoint requires an ssh dialer")
		}
		recvArgv := zfscmd.Receive(recvOpt)
		var sess *RemoteSession
		var err error
		if plan.Compression == CompressionExternal {
			compArgv, cErr := zfscmd.CompressorCommand(plan.ExternalAlgorithm, true)
			if cErr != nil {
				return cErr
			}
			shellCmd := shellPipe(compArgv, recvArgv)
			sess, err = e.dialer.StreamShell(ctx, plan.Dest, shellCmd)
		} else {
			sess, err = e.dialer.Stream(ctx, plan.Dest, recvArgv)
		}
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.remote = append(h.remote, sess)
		h.mu.Unlock()

		_, copyErr := io.Copy(newThrottledWriter(ctx, sess.Stdin, policy.MaxBytesPerSec), src)
		sess.Stdin.Close()
		if waitErr := sess.Wait(); waitErr != nil {
			return waitErr
		}
		return copyErr

	case LocalFile:
		f, err := os.Create(plan.Dest.Path)
		if err != nil {
			return apierr.Wrap(apierr.KindInvalidRequest, "creating destination file", err)
		}
		defer f.Close()
		var dst io.Writer = f
		var closer io.Closer
		if plan.Compression == CompressionExternal {
			cw, err := compressor.NewWriter(compressor.Algorithm(plan.ExternalAlgorithm), f)
			if err != nil {
				return err
			}
			dst = cw
			closer = cw
		}
		_, err = io.Copy(newThrottledWriter(ctx, dst, policy.MaxBytesPerSec), src)
		if closer != nil {
			_ = closer.Close()
		}
		return err

	case Object:
		wc, err := plan.Dest.Store.PutObject(plan.Dest.Bucket, plan.Dest.Key)
		if err != nil {
			return apierr.Wrap(apierr.KindRemoteUnreachable, "opening object destination", err)
		}
		var dst io.Writer = wc
		var cw io.WriteCloser
		if plan.Compression == CompressionExternal {
			cw, err = compressor.NewWriter(compressor.Algorithm(plan.ExternalAlgorithm), wc)
			if err != nil {
				wc.Close()
				return err
			}
			dst = cw
		}
		_, copyErr := io.Copy(newThrottledWriter(ctx, dst, policy.MaxBytesPerSec), src)
		if cw != nil {
			_ = cw.Close()
		}
		if closeErr := wc.Close(); copyErr == nil {
			copyErr = closeErr
		}
		return copyErr

	default:
		return apierr.New(apierr.KindInvalidRequest, "unsupported destination endpoint")
	}
}
