// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package kvstore

import (
	"strconv"
	"sync"
	"time"
)

// MemoryKV is an in-process fake of KV for unit tests that exercise
// token/job logic without a real Redis instance. It implements blocking
// pop and TTLs on string keys; Expire on a set, hash or list key is a
// no-op, so those keys never expire here.
type MemoryKV struct {
	mu      sync.Mutex
	strings map[string]memEntry
	sets    map[string]map[string]struct{}
	hashes  map[string]map[string]string
	lists   map[string][]string
	waiters map[string][]chan struct{}
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemoryKV creates an empty fake store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		strings: make(map[string]memEntry),
		sets:    make(map[string]map[string]struct{}),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		waiters: make(map[string][]chan struct{}),
	}
}

func (m *MemoryKV) expired(e memEntry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (m *MemoryKV) SetEX(key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memEntry{value: append([]byte(nil), value...), expires: time.Now().Add(ttl)}
	return nil
}

// SetNX claims key only if it is currently absent or expired, doing the
// check and the write under the same lock so two concurrent callers
// never both observe "absent".
func (m *MemoryKV) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok && !m.expired(e) {
		return false, nil
	}
	m.strings[key] = memEntry{value: append([]byte(nil), value...), expires: time.Now().Add(ttl)}
	return true, nil
}

func (m *MemoryKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || m.expired(e) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryKV) Del(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strings, key)
	delete(m.sets, key)
	delete(m.hashes, key)
	delete(m.lists, key)
	return nil
}

func (m *MemoryKV) TTL(key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || e.expires.IsZero() || m.expired(e) {
		return 0, false, nil
	}
	return time.Until(e.expires), true, nil
}

func (m *MemoryKV) Expire(key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok {
		e.expires = time.Now().Add(ttl)
		m.strings[key] = e
	}
	return nil
}

func (m *MemoryKV) SAdd(key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (m *MemoryKV) SRem(key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sets[key]; ok {
		delete(set, member)
	}
	return nil
}

func (m *MemoryKV) SMembers(key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out, nil
}

func (m *MemoryKV) HSet(key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemoryKV) HGet(key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *MemoryKV) HGetAll(key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryKV) HIncrBy(key, field string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	var cur int64
	if v, ok := h[field]; ok {
		cur, _ = strconv.ParseInt(v, 10, 64)
	}
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return nil
}

func (m *MemoryKV) RPush(key, value string) error {
	m.mu.Lock()
	m.lists[key] = append(m.lists[key], value)
	waiters := m.waiters[key]
	m.waiters[key] = nil
	m.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return nil
}

func (m *MemoryKV) BLPop(key string, timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		list := m.lists[key]
		if len(list) > 0 {
			v := list[0]
			m.lists[key] = list[1:]
			m.mu.Unlock()
			return v, true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.mu.Unlock()
			return "", false, nil
		}
		ch := make(chan struct{})
		m.waiters[key] = append(m.waiters[key], ch)
		m.mu.Unlock()

		select {
		case <-ch:
		case <-time.After(remaining):
			return "", false, nil
		}
	}
}
