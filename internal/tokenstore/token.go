// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package tokenstore implements the Token Store of §4.D: issuance,
// validation, marking-used, revocation, and enumeration of the
// single-use capability tokens that gate the streaming sockets.
package tokenstore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"
)

// Operation is one of the two capability kinds a token can authorize.
type Operation string

const (
	OperationSend    Operation = "send"
	OperationReceive Operation = "receive"
)

// Parameters bags the transfer knobs a token carries, per §3.
type Parameters struct {
	Raw        bool `json:"raw"`
	Compressed bool `json:"compressed"`
	Recursive  bool `json:"recursive"`
	Resumable  bool `json:"resumable"`
	Force      bool `json:"force"`
}

// Token is the Capability Token record of §3.
type Token struct {
	ID           string     `json:"id"`
	Operation    Operation  `json:"operation"`
	Dataset      string     `json:"dataset"`
	Snapshot     string     `json:"snapshot,omitempty"`
	FromSnapshot string     `json:"from_snapshot,omitempty"`
	Parameters   Parameters `json:"parameters"`
	OwnerID      string     `json:"owner_id"`
	BoundPeer    string     `json:"bound_peer,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	UseCount     int        `json:"use_count"`
	Used         bool       `json:"used"`
	LastUsedAt   time.Time  `json:"last_used_at,omitempty"`
	IntegrityTag string     `json:"integrity_tag"`
}

// newID generates an opaque, 128-bit, URL-safe random token identifier.
func newID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// computeTag computes the integrity MAC over (id, operation, dataset,
// owner_id), keyed by the process-global MAC secret.
func computeTag(secret []byte, id string, op Operation, dataset, ownerID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(string(op) + "|" + dataset + "|" + ownerID + "|" + id))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// verifyTag reports whether t's integrity_tag is valid under secret.
// Per §3 invariant (iv), a mismatch must be treated as if the tag were
// absent, i.e. the caller should reject the token rather than panic.
func (t Token) verifyTag(secret []byte) bool {
	expected := computeTag(secret, t.ID, t.Operation, t.Dataset, t.OwnerID)
	return hmac.Equal([]byte(expected), []byte(t.IntegrityTag))
}

func (t Token) marshal() ([]byte, error) { return json.Marshal(t) }

func unmarshalToken(data []byte) (Token, error) {
	var t Token
	err := json.Unmarshal(data, &t)
	return t, err
}
