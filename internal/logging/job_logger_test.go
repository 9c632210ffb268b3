// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewJobLogger_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewJobLogger(base, "", "owner", "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Error("expected base logger when jobLogDir is empty")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestNewJobLogger_CreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewJobLogger(base, dir, "owner-1", "job-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ownerDir := filepath.Join(dir, "owner-1")
	if _, err := os.Stat(ownerDir); os.IsNotExist(err) {
		t.Fatalf("owner dir not created: %s", ownerDir)
	}

	expectedPath := filepath.Join(ownerDir, "job-abc.log")
	if logPath != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, logPath)
	}

	logger.Info("test message", "key", "value")
	closer.Close()

	if !strings.Contains(baseBuf.String(), "test message") {
		t.Errorf("log message not found in base handler output: %s", baseBuf.String())
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading job log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "test message") {
		t.Errorf("log message not found in job file: %s", content)
	}
	if !strings.Contains(content, `"key":"value"`) {
		t.Errorf("structured key not found in job file: %s", content)
	}
}

func TestNewJobLogger_DebugInFileInfoInBase(t *testing.T) {
	dir := t.TempDir()

	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, logPath, err := NewJobLogger(base, dir, "owner", "job-debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("debug only message")
	logger.Info("info for both")

	closer.Close()

	if strings.Contains(baseBuf.String(), "debug only message") {
		t.Error("DEBUG message should not appear in base handler with INFO level")
	}
	if !strings.Contains(baseBuf.String(), "info for both") {
		t.Error("INFO message missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "debug only message") {
		t.Errorf("DEBUG message missing from job file: %s", content)
	}
	if !strings.Contains(content, "info for both") {
		t.Errorf("INFO message missing from job file: %s", content)
	}
}

func TestRemoveJobLog(t *testing.T) {
	dir := t.TempDir()
	ownerDir := filepath.Join(dir, "owner")
	os.MkdirAll(ownerDir, 0755)

	logPath := filepath.Join(ownerDir, "job-to-remove.log")
	os.WriteFile(logPath, []byte("test"), 0644)

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("setup failed: log file not created")
	}

	RemoveJobLog(dir, "owner", "job-to-remove")

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("job log file should have been removed")
	}
}

func TestRemoveJobLog_NoOpWhenEmpty(t *testing.T) {
	RemoveJobLog("", "owner", "job")
}

func TestRemoveJobLog_NoOpWhenFileMissing(t *testing.T) {
	RemoveJobLog(t.TempDir(), "owner", "nonexistent-job")
}

func TestNewJobLogger_WithAttrs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewJobLogger(base, dir, "owner", "job-attrs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	enriched := logger.With("job", "job-attrs", "type", "migration")
	enriched.Info("enriched message")
	closer.Close()

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, `"job":"job-attrs"`) {
		t.Errorf("job attr not found in job file: %s", content)
	}
	if !strings.Contains(content, `"type":"migration"`) {
		t.Errorf("type attr not found in job file: %s", content)
	}
}
