// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package jobqueue implements the Job Manager of spec.md §4.G: a
// distributed queue of background jobs (migrations), backed by a
// bounded worker pool, with field-level progress updates and a
// cancellation path into the Replication Engine's pipeline handles.
package jobqueue

import (
	"encoding/json"
	"strconv"
	"time"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is a job, persisted as a Redis hash under job:<id> with one
// field per member below — mutated field-by-field so a concurrent
// reader's HGETALL never observes a torn write spanning two fields, per
// §4.G.
type Record struct {
	ID              string
	Type            string
	OwnerID         string
	Status          Status
	Params          json.RawMessage
	Progress        json.RawMessage
	Result          json.RawMessage
	Error           string
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
}

// toFields flattens rec into the hash fields persisted at creation time.
func (r Record) toFields() map[string]string {
	f := map[string]string{
		"id":               r.ID,
		"type":             r.Type,
		"owner_id":         r.OwnerID,
		"status":           string(r.Status),
		"cancel_requested": strconv.FormatBool(r.CancelRequested),
		"created_at":       formatTime(r.CreatedAt),
		"started_at":       formatTime(r.StartedAt),
		"completed_at":     formatTime(r.CompletedAt),
		"error":            r.Error,
	}
	if len(r.Params) > 0 {
		f["params"] = string(r.Params)
	}
	if len(r.Progress) > 0 {
		f["progress"] = string(r.Progress)
	}
	if len(r.Result) > 0 {
		f["result"] = string(r.Result)
	}
	return f
}

func recordFromFields(id string, fields map[string]string) Record {
	r := Record{
		ID:              id,
		Type:            fields["type"],
		OwnerID:         fields["owner_id"],
		Status:          Status(fields["status"]),
		Error:           fields["error"],
		CancelRequested: fields["cancel_requested"] == "true",
		CreatedAt:       parseTime(fields["created_at"]),
		StartedAt:       parseTime(fields["started_at"]),
		CompletedAt:     parseTime(fields["completed_at"]),
	}
	if v, ok := fields["params"]; ok && v != "" {
		r.Params = json.RawMessage(v)
	}
	if v, ok := fields["progress"]; ok && v != "" {
		r.Progress = json.RawMessage(v)
	}
	if v, ok := fields["result"]; ok && v != "" {
		r.Result = json.RawMessage(v)
	}
	return r
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
