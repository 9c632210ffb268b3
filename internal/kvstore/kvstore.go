// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package kvstore is the thin persistence seam shared by the Token Store
// (§4.D) and the Job Manager (§4.G). Both are specified in terms of a
// keyed record with TTL, a set, and a list — exactly what a Redis
// keyspace offers — so this package exposes just that surface and backs
// it with github.com/go-redis/redis in production.
package kvstore

import "time"

// KV is the persistence surface the core depends on. It intentionally
// mirrors Redis primitives (string+TTL, set, hash, list with blocking
// pop) rather than go-redis's concrete command types, so callers and
// tests never import go-redis directly.
type KV interface {
	// SetEX stores value under key with an expiry of ttl.
	SetEX(key string, value []byte, ttl time.Duration) error
	// SetNX atomically stores value under key with an expiry of ttl only
	// if key does not already hold an unexpired value, returning whether
	// the set took effect. This is the CAS primitive callers use to
	// claim a key exactly once under concurrent callers.
	SetNX(key string, value []byte, ttl time.Duration) (bool, error)
	// Get returns the value and true, or (nil, false, nil) if absent.
	Get(key string) ([]byte, bool, error)
	// Del removes key. Idempotent.
	Del(key string) error
	// TTL returns the remaining time-to-live, or (0, false, nil) if the
	// key does not exist or has no expiry.
	TTL(key string) (time.Duration, bool, error)
	// Expire resets key's TTL.
	Expire(key string, ttl time.Duration) error

	SAdd(key, member string) error
	SRem(key, member string) error
	SMembers(key string) ([]string, error)

	HSet(key string, fields map[string]string) error
	HGet(key, field string) (string, bool, error)
	HGetAll(key string) (map[string]string, error)
	HIncrBy(key, field string, delta int64) error

	RPush(key, value string) error
	// BLPop pops the leftmost element of key, blocking up to timeout.
	// Returns ("", false, nil) on timeout with no error.
	BLPop(key string, timeout time.Duration) (string, bool, error)
}

// TransientError marks a failure the caller should retry with backoff,
// as opposed to one that should fail closed immediately.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "kvstore: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }
