// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tokenstore

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/zfsapid/internal/apierr"
	"github.com/nishisan-dev/zfsapid/internal/kvstore"
)

// keyPrefix namespaces every key this store touches in the shared
// keyspace, per §6.
type keyPrefix string

func (p keyPrefix) token(id string) string     { return string(p) + ":token:" + id }
func (p keyPrefix) owner(ownerID string) string { return string(p) + ":owner:" + ownerID }
func (p keyPrefix) tokenStats(id string) string { return string(p) + ":token:stats:" + id }
func (p keyPrefix) globalStats(name string) string { return string(p) + ":stats:" + name }
func (p keyPrefix) claim(id string) string     { return string(p) + ":token:claim:" + id }

// Store is the Token Store of §4.D.
type Store struct {
	kv          kvstore.KV
	prefix      keyPrefix
	retry       kvstore.RetryConfig
	maxPerOwner int
	logger      *slog.Logger

	secretMu sync.RWMutex
	secret   []byte
}

// Config configures a Store.
type Config struct {
	Prefix           string
	MaxTokensPerOwner int
	Retry            kvstore.RetryConfig
	MACSecret        []byte
}

// New creates a Store backed by kv.
func New(kv kvstore.KV, cfg Config, logger *slog.Logger) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "zfsapid"
	}
	if cfg.MaxTokensPerOwner == 0 {
		cfg.MaxTokensPerOwner = 16
	}
	if cfg.Retry == (kvstore.RetryConfig{}) {
		cfg.Retry = kvstore.DefaultRetryConfig()
	}
	s := &Store{
		kv:          kv,
		prefix:      keyPrefix(cfg.Prefix),
		retry:       cfg.Retry,
		maxPerOwner: cfg.MaxTokensPerOwner,
		logger:      logger,
		secret:      cfg.MACSecret,
	}
	return s
}

// RotateSecret swaps the process-global MAC secret. Tokens signed by the
// old key become invalid immediately, per §4.D.
func (s *Store) RotateSecret(secret []byte) {
	s.secretMu.Lock()
	defer s.secretMu.Unlock()
	s.secret = secret
}

func (s *Store) currentSecret() []byte {
	s.secretMu.RLock()
	defer s.secretMu.RUnlock()
	return s.secret
}

// IssueRequest carries the inputs to Issue.
type IssueRequest struct {
	Operation    Operation
	Dataset      string
	Snapshot     string
	FromSnapshot string
	OwnerID      string
	Parameters   Parameters
	BoundPeer    string
	TTL          time.Duration
	MaxTTL       time.Duration
}

// Issue allocates a fresh token, persists it, and indexes it under the
// owner's set. Fails with QuotaExceeded if the owner already holds the
// configured maximum number of concurrent tokens.
func (s *Store) Issue(req IssueRequest) (Token, error) {
	if req.MaxTTL > 0 && req.TTL > req.MaxTTL {
		req.TTL = req.MaxTTL
	}
	if req.TTL <= 0 {
		return Token{}, apierr.New(apierr.KindInvalidRequest, "ttl must be positive")
	}

	var members []string
	err := kvstore.Retry(s.retry, func() error {
		var err error
		members, err = s.kv.SMembers(s.prefix.owner(req.OwnerID))
		return err
	})
	if err != nil {
		return Token{}, apierr.Wrap(apierr.KindPersistencePermanent, "checking owner quota", err)
	}
	if len(members) >= s.maxPerOwner {
		return Token{}, apierr.New(apierr.KindQuotaExceeded,
			fmt.Sprintf("owner %s already holds %d concurrent tokens", req.OwnerID, len(members)))
	}

	id, err := newID()
	if err != nil {
		return Token{}, apierr.Wrap(apierr.KindPersistencePermanent, "generating token id", err)
	}

	now := time.Now().UTC()
	tok := Token{
		ID:           id,
		Operation:    req.Operation,
		Dataset:      req.Dataset,
		Snapshot:     req.Snapshot,
		FromSnapshot: req.FromSnapshot,
		Parameters:   req.Parameters,
		OwnerID:      req.OwnerID,
		BoundPeer:    req.BoundPeer,
		CreatedAt:    now,
		ExpiresAt:    now.Add(req.TTL),
	}
	tok.IntegrityTag = computeTag(s.currentSecret(), tok.ID, tok.Operation, tok.Dataset, tok.OwnerID)

	data, err := tok.marshal()
	if err != nil {
		return Token{}, apierr.Wrap(apierr.KindPersistencePermanent, "marshalling token", err)
	}

	err = kvstore.Retry(s.retry, func() error {
		if err := s.kv.SetEX(s.prefix.token(tok.ID), data, req.TTL); err != nil {
			return err
		}
		if err := s.kv.SAdd(s.prefix.owner(tok.OwnerID), tok.ID); err != nil {
			return err
		}
		return s.kv.Expire(s.prefix.owner(tok.OwnerID), req.TTL+60*time.Second)
	})
	if err != nil {
		return Token{}, apierr.Wrap(apierr.KindPersistencePermanent, "persisting token", err)
	}

	_ = kvstore.Retry(s.retry, func() error {
		return s.kv.HIncrBy(s.prefix.globalStats("tokens_created"), "count", 1)
	})

	return tok, nil
}

// Validate fetches and checks a token without mutating it. The returned
// reason names the specific outcome ("ok", "not_found", "expired",
// "bad_mac", "peer_mismatch", "already_used", "corrupt",
// "persistence_error") and is counted in the validation stats. It is not
// masked here; streamsock's handler sends it to the client as the
// failure status's error field.
func (s *Store) Validate(id string, peerAddress string) (Token, bool, string) {
	if id == "" {
		return Token{}, false, "not_found"
	}

	var data []byte
	var found bool
	err := kvstore.Retry(s.retry, func() error {
		var err error
		data, found, err = s.kv.Get(s.prefix.token(id))
		return err
	})
	if err != nil {
		s.bumpValidation("persistence_error")
		return Token{}, false, "persistence_error"
	}
	if !found {
		s.bumpValidation("not_found")
		return Token{}, false, "not_found"
	}

	tok, err := unmarshalToken(data)
	if err != nil {
		s.bumpValidation("corrupt")
		return Token{}, false, "corrupt"
	}

	if time.Now().After(tok.ExpiresAt) {
		s.bumpValidation("expired")
		return Token{}, false, "expired"
	}

	if !tok.verifyTag(s.currentSecret()) {
		s.bumpValidation("bad_mac")
		return Token{}, false, "bad_mac"
	}

	if tok.BoundPeer != "" && tok.BoundPeer != peerAddress {
		s.bumpValidation("peer_mismatch")
		return Token{}, false, "peer_mismatch"
	}

	if tok.Used && tok.UseCount >= 1 {
		s.bumpValidation("already_used")
		return Token{}, false, "already_used"
	}

	s.bumpValidation("ok")
	return tok, true, "ok"
}

func (s *Store) bumpValidation(reason string) {
	_ = kvstore.Retry(s.retry, func() error {
		return s.kv.HIncrBy(s.prefix.globalStats("validation"), reason, 1)
	})
}

// MarkUsed increments use_count and latches used=true. Under the
// single-use policy, a second call on an already-used token returns
// false and the caller must reject the connection.
//
// Validate alone can't enforce this: two concurrent callers can both
// read Used == false before either writes back "used". A per-token
// claim key closes that window — SetNX succeeds for exactly one caller
// regardless of how many race past Validate together, so only the
// claimant proceeds to the read-modify-write below.
func (s *Store) MarkUsed(id string, peerAddress string) (bool, error) {
	tok, ok, reason := s.Validate(id, peerAddress)
	if !ok {
		if reason == "already_used" {
			return false, nil
		}
		return false, apierr.New(apierr.KindUnauthorized, "token invalid: "+reason)
	}

	claimTTL := time.Until(tok.ExpiresAt)
	if claimTTL <= 0 {
		claimTTL = time.Second
	}
	var claimed bool
	err := kvstore.Retry(s.retry, func() error {
		var err error
		claimed, err = s.kv.SetNX(s.prefix.claim(id), []byte("1"), claimTTL)
		return err
	})
	if err != nil {
		return false, apierr.Wrap(apierr.KindPersistencePermanent, "claiming token for single use", err)
	}
	if !claimed {
		return false, nil
	}

	tok.UseCount++
	tok.Used = true
	tok.LastUsedAt = time.Now().UTC()

	data, err := tok.marshal()
	if err != nil {
		return false, apierr.Wrap(apierr.KindPersistencePermanent, "marshalling token", err)
	}

	var ttl time.Duration
	err = kvstore.Retry(s.retry, func() error {
		remaining, found, err := s.kv.TTL(s.prefix.token(id))
		if err != nil {
			return err
		}
		if found {
			ttl = remaining
		} else {
			ttl = time.Until(tok.ExpiresAt)
		}
		if ttl <= 0 {
			ttl = time.Second
		}
		return s.kv.SetEX(s.prefix.token(id), data, ttl)
	})
	if err != nil {
		return false, apierr.Wrap(apierr.KindPersistencePermanent, "persisting used token", err)
	}

	return true, nil
}

// Revoke removes the token record and its owner-index entry. Idempotent.
func (s *Store) Revoke(id string) (bool, error) {
	data, found, err := s.kv.Get(s.prefix.token(id))
	if err != nil {
		return false, apierr.Wrap(apierr.KindPersistencePermanent, "reading token for revoke", err)
	}
	if !found {
		return false, nil
	}
	tok, err := unmarshalToken(data)
	if err != nil {
		return false, apierr.Wrap(apierr.KindPersistencePermanent, "unmarshalling token for revoke", err)
	}

	err = kvstore.Retry(s.retry, func() error {
		if err := s.kv.Del(s.prefix.token(id)); err != nil {
			return err
		}
		return s.kv.SRem(s.prefix.owner(tok.OwnerID), id)
	})
	if err != nil {
		return false, apierr.Wrap(apierr.KindPersistencePermanent, "revoking token", err)
	}

	_ = kvstore.Retry(s.retry, func() error {
		return s.kv.HIncrBy(s.prefix.globalStats("tokens_revoked"), "count", 1)
	})

	return true, nil
}

// List enumerates every token currently indexed for an owner.
func (s *Store) List(ownerID string) ([]Token, error) {
	ids, err := s.kv.SMembers(s.prefix.owner(ownerID))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistencePermanent, "listing owner tokens", err)
	}
	out := make([]Token, 0, len(ids))
	for _, id := range ids {
		data, found, err := s.kv.Get(s.prefix.token(id))
		if err != nil || !found {
			continue // expired between SMembers and Get: not an error, just stale.
		}
		if tok, err := unmarshalToken(data); err == nil {
			out = append(out, tok)
		}
	}
	return out, nil
}

// Stats returns the global validation/issuance counters, grounded on the
// original implementation's get_stats surface.
func (s *Store) Stats() (map[string]string, error) {
	validation, err := s.kv.HGetAll(s.prefix.globalStats("validation"))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistencePermanent, "reading validation stats", err)
	}
	out := make(map[string]string, len(validation))
	for k, v := range validation {
		out["validation."+k] = v
	}
	if created, ok, _ := s.kv.HGet(s.prefix.globalStats("tokens_created"), "count"); ok {
		out["tokens_created"] = created
	}
	if revoked, ok, _ := s.kv.HGet(s.prefix.globalStats("tokens_revoked"), "count"); ok {
		out["tokens_revoked"] = revoked
	}
	return out, nil
}
