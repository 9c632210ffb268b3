// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package apierr defines the error taxonomy shared by every component of
// the replication control/data plane, so callers can classify failures
// with errors.Is/errors.As instead of string matching.
package apierr

import (
	"errors"
	"fmt"
)

// Kind enumerates the conceptual error categories from the taxonomy.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindTokenReused         Kind = "token_reused"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindNoCommonSnapshot    Kind = "no_common_snapshot"
	KindRemoteUnreachable   Kind = "remote_unreachable"
	KindSpawnError          Kind = "spawn_error"
	KindPipelineError       Kind = "pipeline_error"
	KindResumeMismatch      Kind = "resume_mismatch"
	KindPersistenceTransient Kind = "persistence_transient"
	KindPersistencePermanent Kind = "persistence_permanent"
)

// Error wraps an underlying error with a taxonomy Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// PipelineError carries every non-zero exit code observed across a
// pipeline's children, plus their captured stderr, per §4.B.
type PipelineError struct {
	ReturnCodes []int
	Stderr      string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline: %d non-zero exit(s): %v", len(e.ReturnCodes), e.ReturnCodes)
}

// SpawnError indicates the executable could not be started at all.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
