// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package jobqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/zfsapid/internal/apierr"
	"github.com/nishisan-dev/zfsapid/internal/kvstore"
	"github.com/nishisan-dev/zfsapid/internal/logging"
)

// recordTTL is how long a completed job's record survives, per §4.G.
const recordTTL = 7 * 24 * time.Hour

// blockTimeout is how long a worker blocks on the queue pop before
// checking for shutdown, per §4.G and §5's suspension-point guarantees.
const blockTimeout = 1 * time.Second

// Handler runs one job's work. progress may be called any number of
// times; each call atomically replaces the record's progress field. A
// handler observes cancellation via ctx and should return promptly once
// ctx is done.
type Handler func(ctx context.Context, params json.RawMessage, progress func(json.RawMessage)) (json.RawMessage, error)

// CancelFunc is the hook runJob registers for each running job via
// Manager.track so Cancel can reach it. It cancels the job's context; the
// handler observes that and tears down whatever subprocess or session it
// is driving (the Replication Engine's pipeline handle, per §4.E/§4.G).
type CancelFunc func(ctx context.Context)

// Manager is the Job Manager of §4.G.
type Manager struct {
	kv        kvstore.KV
	prefix    string
	logger    *slog.Logger
	workers   int
	handlers  map[string]Handler
	jobLogDir string

	mu      sync.Mutex
	cancels map[string]CancelFunc

	wg sync.WaitGroup
}

// New builds a Manager backed by kv. workers <= 0 defaults to four.
func New(kv kvstore.KV, prefix string, workers int, logger *slog.Logger) *Manager {
	if prefix == "" {
		prefix = "zfsapid"
	}
	if workers <= 0 {
		workers = 4
	}
	return &Manager{
		kv:       kv,
		prefix:   prefix,
		logger:   logger,
		workers:  workers,
		handlers: make(map[string]Handler),
		cancels:  make(map[string]CancelFunc),
	}
}

// WithJobLogDir enables a dedicated debug-level log file per job, written
// under {dir}/{owner_id}/{job_id}.log alongside the process logger.
func (m *Manager) WithJobLogDir(dir string) *Manager {
	m.jobLogDir = dir
	return m
}

func (m *Manager) recordKey(id string) string { return "job:" + id }
func (m *Manager) queueKey() string           { return "jobs:queue" }
func (m *Manager) indexKey() string           { return m.prefix + ":jobs:index" }

// RegisterHandler binds jobType to the function that runs its jobs.
func (m *Manager) RegisterHandler(jobType string, h Handler) {
	m.handlers[jobType] = h
}

// Create allocates a job id, persists the record as pending, and pushes
// it onto the queue. ownerID scopes the job's dedicated log file and is
// otherwise opaque to the Manager.
func (m *Manager) Create(jobType, ownerID string, params json.RawMessage) (string, error) {
	id := uuid.NewString()
	rec := Record{
		ID:        id,
		Type:      jobType,
		OwnerID:   ownerID,
		Status:    StatusPending,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.writeFields(id, rec.toFields()); err != nil {
		return "", err
	}
	if err := m.kv.SAdd(m.indexKey(), id); err != nil {
		return "", apierr.Wrap(apierr.KindPersistencePermanent, "indexing job", err)
	}
	if err := m.kv.RPush(m.queueKey(), id); err != nil {
		return "", apierr.Wrap(apierr.KindPersistencePermanent, "enqueuing job", err)
	}
	return id, nil
}

// writeFields HSets fields under job:<id> and (re)sets its TTL, the one
// place every hash mutation in this package funnels through.
func (m *Manager) writeFields(id string, fields map[string]string) error {
	if err := m.kv.HSet(m.recordKey(id), fields); err != nil {
		return apierr.Wrap(apierr.KindPersistencePermanent, "writing job fields", err)
	}
	if err := m.kv.Expire(m.recordKey(id), recordTTL); err != nil {
		return apierr.Wrap(apierr.KindPersistencePermanent, "setting job ttl", err)
	}
	return nil
}

// Get loads a job record by id.
func (m *Manager) Get(id string) (Record, bool, error) {
	fields, err := m.kv.HGetAll(m.recordKey(id))
	if err != nil {
		return Record{}, false, apierr.Wrap(apierr.KindPersistencePermanent, "reading job record", err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	return recordFromFields(id, fields), true, nil
}

// List enumerates every indexed job, optionally filtered by status, most
// recently created first, capped at limit (0 means unbounded).
func (m *Manager) List(status Status, limit int) ([]Record, error) {
	ids, err := m.kv.SMembers(m.indexKey())
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistencePermanent, "listing jobs", err)
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, found, err := m.Get(id)
		if err != nil || !found {
			continue // expired between SMembers and Get: stale, not an error.
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// track registers the cancellation hook a running handler exposes, and
// returns an untrack func to clear it when the job finishes.
func (m *Manager) track(id string, cancel CancelFunc) func() {
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
	}
}

// Cancel requests cancellation of a running job. Idempotent: cancelling
// a job that is not running, or that has already completed, is not an
// error. A job that completed within the last five seconds of a cancel
// request is treated as a successful cancellation, per §4.G's grace
// window.
func (m *Manager) Cancel(id string) (bool, error) {
	rec, found, err := m.Get(id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, apierr.New(apierr.KindNotFound, "job not found")
	}

	switch rec.Status {
	case StatusCompleted, StatusCancelled:
		if time.Since(rec.CompletedAt) <= 5*time.Second {
			return true, nil
		}
		return false, nil
	case StatusFailed:
		return false, nil
	}

	if err := m.writeFields(id, map[string]string{"cancel_requested": "true"}); err != nil {
		return false, err
	}

	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if ok {
		cancel(context.Background())
	}
	return true, nil
}

// Run starts the worker pool and blocks until ctx is cancelled, then
// waits for every in-flight handler to return before returning itself,
// per §4.G's shutdown contract ("cancels all workers, waits for them
// with a gather, then terminates any lingering pipelines").
func (m *Manager) Run(ctx context.Context) error {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
	<-ctx.Done()
	m.wg.Wait()
	return nil
}

func (m *Manager) worker(ctx context.Context, index int) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, found, err := m.kv.BLPop(m.queueKey(), blockTimeout)
		if err != nil {
			m.logger.Error("popping job queue", "worker", index, "error", err)
			continue
		}
		if !found {
			continue
		}

		m.runJob(ctx, id)
	}
}

func (m *Manager) runJob(ctx context.Context, id string) {
	rec, found, err := m.Get(id)
	if err != nil || !found {
		m.logger.Error("loading dispatched job", "job_id", id, "error", err)
		return
	}

	handler, ok := m.handlers[rec.Type]
	if !ok {
		_ = m.writeFields(id, map[string]string{
			"status":       string(StatusFailed),
			"error":        "no handler registered for job type " + rec.Type,
			"completed_at": formatTime(time.Now().UTC()),
		})
		return
	}

	startedAt := time.Now().UTC()
	if err := m.writeFields(id, map[string]string{
		"status":     string(StatusRunning),
		"started_at": formatTime(startedAt),
	}); err != nil {
		m.logger.Error("persisting job start", "job_id", id, "error", err)
		return
	}

	jobLogger, closeJobLog, _, err := logging.NewJobLogger(m.logger, m.jobLogDir, rec.OwnerID, id)
	if err != nil {
		m.logger.Warn("opening job log file", "job_id", id, "error", err)
		jobLogger, closeJobLog = m.logger, noopCloser{}
	}
	defer closeJobLog.Close()
	jobLogger.Info("job started", "job_id", id, "type", rec.Type)

	jobCtx, cancel := context.WithCancel(ctx)
	untrack := m.track(id, func(context.Context) { cancel() })
	defer untrack()

	progress := func(p json.RawMessage) {
		_ = m.writeFields(id, map[string]string{"progress": string(p)})
	}

	result, runErr := handler(jobCtx, rec.Params, progress)

	fields := map[string]string{"completed_at": formatTime(time.Now().UTC())}
	switch {
	case runErr == nil:
		fields["status"] = string(StatusCompleted)
		fields["result"] = string(result)
		jobLogger.Info("job completed", "job_id", id)
	case jobCtx.Err() != nil:
		fields["status"] = string(StatusCancelled)
		fields["result"] = string(result)
		jobLogger.Info("job cancelled", "job_id", id)
	default:
		fields["status"] = string(StatusFailed)
		fields["error"] = runErr.Error()
		jobLogger.Error("job failed", "job_id", id, "error", runErr)
	}
	_ = m.writeFields(id, fields)
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }
