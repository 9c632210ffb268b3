// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers. Used by NewJobLogger to write simultaneously to the global
// handler and a job's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Each handler's Enabled() is checked individually so a DEBUG
	// record isn't dropped by the secondary handler just because the
	// primary only accepts INFO or above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the job file must not block the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewJobLogger builds a logger that writes both to baseLogger (the
// process-global logger) and to a file dedicated to one migration job,
// created at:
//
//	{jobLogDir}/{ownerID}/{jobID}.log
//
// It returns the enriched logger, an io.Closer to close the job's log
// file, and the file's path (absolute only when jobLogDir is). The
// Closer must be called (via
// defer) once the job reaches a terminal state.
//
// If jobLogDir is empty, the base logger is returned unmodified.
func NewJobLogger(baseLogger *slog.Logger, jobLogDir, ownerID, jobID string) (*slog.Logger, io.Closer, string, error) {
	if jobLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(jobLogDir, ownerID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating job log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, jobID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening job log file %s: %w", logPath, err)
	}

	// The job file always uses JSON at DEBUG level for maximum capture,
	// independent of the base logger's configured level.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveJobLog removes a finished job's dedicated log file. It is a
// no-op if jobLogDir is empty or the file doesn't exist.
func RemoveJobLog(jobLogDir, ownerID, jobID string) {
	if jobLogDir == "" {
		return
	}
	logPath := filepath.Join(jobLogDir, ownerID, jobID+".log")
	os.Remove(logPath)
}
