// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package controlapi

import (
	"time"

	"github.com/nishisan-dev/zfsapid/internal/tokenstore"
)

// TokenInfo is the client-visible view of a tokenstore.Token: it omits
// the integrity tag, which is an implementation detail of the store.
type TokenInfo struct {
	ID           string               `json:"id"`
	Operation    tokenstore.Operation `json:"operation"`
	Dataset      string               `json:"dataset"`
	Snapshot     string               `json:"snapshot,omitempty"`
	FromSnapshot string               `json:"from_snapshot,omitempty"`
	OwnerID      string               `json:"owner_id"`
	ExpiresAt    time.Time            `json:"expires_at"`
	Used         bool                 `json:"used"`
}

func toTokenInfo(t tokenstore.Token) TokenInfo {
	return TokenInfo{
		ID:           t.ID,
		Operation:    t.Operation,
		Dataset:      t.Dataset,
		Snapshot:     t.Snapshot,
		FromSnapshot: t.FromSnapshot,
		OwnerID:      t.OwnerID,
		ExpiresAt:    t.ExpiresAt,
		Used:         t.Used,
	}
}
