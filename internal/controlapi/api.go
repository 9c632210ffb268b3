// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package controlapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nishisan-dev/zfsapid/internal/apierr"
	"github.com/nishisan-dev/zfsapid/internal/hoststats"
	"github.com/nishisan-dev/zfsapid/internal/jobqueue"
	"github.com/nishisan-dev/zfsapid/internal/streamsock"
	"github.com/nishisan-dev/zfsapid/internal/tokenstore"
)

const defaultTokenMaxTTL = 24 * time.Hour

// API implements the Control API Surface of §4.H.
type API struct {
	jobs      *jobqueue.Manager
	tokens    *tokenstore.Store
	endpoints streamsock.Endpoints
	stats     *hoststats.Collector
	logger    *slog.Logger
}

// New builds an API bound to the given component instances.
func New(jobs *jobqueue.Manager, tokens *tokenstore.Store, endpoints streamsock.Endpoints, stats *hoststats.Collector, logger *slog.Logger) *API {
	return &API{jobs: jobs, tokens: tokens, endpoints: endpoints, stats: stats, logger: logger}
}

func requireIdentity(ctx context.Context) (Identity, error) {
	id, ok := identityFrom(ctx)
	if !ok || id.OwnerID == "" {
		return Identity{}, apierr.New(apierr.KindUnauthorized, "no authenticated identity on context")
	}
	return id, nil
}

// MigrationCreate validates params, binds the caller's owner_id, and
// enqueues a migration job, per §4.H.
func (a *API) MigrationCreate(ctx context.Context, params MigrationParams) (string, error) {
	id, err := requireIdentity(ctx)
	if err != nil {
		return "", err
	}
	params.OwnerID = id.OwnerID

	if params.Source.Kind == "" || params.Dest.Kind == "" {
		return "", apierr.New(apierr.KindInvalidRequest, "source and dest endpoint kinds are required")
	}

	data, err := json.Marshal(params)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInvalidRequest, "marshalling migration params", err)
	}
	return a.jobs.Create("migration", id.OwnerID, data)
}

// MigrationGet returns a job record by id.
func (a *API) MigrationGet(ctx context.Context, jobID string) (jobqueue.Record, error) {
	rec, found, err := a.jobs.Get(jobID)
	if err != nil {
		return jobqueue.Record{}, err
	}
	if !found {
		return jobqueue.Record{}, apierr.New(apierr.KindNotFound, "job not found")
	}
	return rec, nil
}

// MigrationList enumerates jobs, optionally filtered by status.
func (a *API) MigrationList(ctx context.Context, status jobqueue.Status, limit int) ([]jobqueue.Record, error) {
	return a.jobs.List(status, limit)
}

// MigrationCancel requests cancellation of a running migration.
func (a *API) MigrationCancel(ctx context.Context, jobID string) (bool, error) {
	return a.jobs.Cancel(jobID)
}

// MigrationProgress returns the job's last reported progress snapshot.
func (a *API) MigrationProgress(ctx context.Context, jobID string) (json.RawMessage, error) {
	rec, err := a.MigrationGet(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return rec.Progress, nil
}

// TokenCreateSend issues a single-use send-capability token scoped to
// the caller's owner_id.
func (a *API) TokenCreateSend(ctx context.Context, dataset, snapshot string, params tokenstore.Parameters, ttl time.Duration) (TokenInfo, error) {
	id, err := requireIdentity(ctx)
	if err != nil {
		return TokenInfo{}, err
	}
	tok, err := a.tokens.Issue(tokenstore.IssueRequest{
		Operation:  tokenstore.OperationSend,
		Dataset:    dataset,
		Snapshot:   snapshot,
		OwnerID:    id.OwnerID,
		Parameters: params,
		TTL:        ttl,
		MaxTTL:     defaultTokenMaxTTL,
	})
	if err != nil {
		return TokenInfo{}, err
	}
	return toTokenInfo(tok), nil
}

// TokenCreateReceive issues a single-use receive-capability token scoped
// to the caller's owner_id.
func (a *API) TokenCreateReceive(ctx context.Context, dataset string, params tokenstore.Parameters, ttl time.Duration) (TokenInfo, error) {
	id, err := requireIdentity(ctx)
	if err != nil {
		return TokenInfo{}, err
	}
	tok, err := a.tokens.Issue(tokenstore.IssueRequest{
		Operation:  tokenstore.OperationReceive,
		Dataset:    dataset,
		OwnerID:    id.OwnerID,
		Parameters: params,
		TTL:        ttl,
		MaxTTL:     defaultTokenMaxTTL,
	})
	if err != nil {
		return TokenInfo{}, err
	}
	return toTokenInfo(tok), nil
}

// TokenList enumerates every token the caller currently owns.
func (a *API) TokenList(ctx context.Context) ([]TokenInfo, error) {
	id, err := requireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	toks, err := a.tokens.List(id.OwnerID)
	if err != nil {
		return nil, err
	}
	out := make([]TokenInfo, 0, len(toks))
	for _, t := range toks {
		out = append(out, toTokenInfo(t))
	}
	return out, nil
}

// TokenRevoke revokes a token, provided the caller owns it.
func (a *API) TokenRevoke(ctx context.Context, id string) (bool, error) {
	caller, err := requireIdentity(ctx)
	if err != nil {
		return false, err
	}
	owned, err := a.tokens.List(caller.OwnerID)
	if err != nil {
		return false, err
	}
	found := false
	for _, t := range owned {
		if t.ID == id {
			found = true
			break
		}
	}
	if !found {
		return false, apierr.New(apierr.KindNotFound, "token not found for this owner")
	}
	return a.tokens.Revoke(id)
}

// StreamEndpoints reports the addresses a caller should dial to open a
// streaming socket connection, per §4.H.
func (a *API) StreamEndpoints(ctx context.Context) (streamsock.Endpoints, error) {
	if _, err := requireIdentity(ctx); err != nil {
		return streamsock.Endpoints{}, err
	}
	return a.endpoints, nil
}

// HostStats is the domain-stack addition exposing host resource usage
// alongside the core migration/token surface.
func (a *API) HostStats(ctx context.Context) (hoststats.Snapshot, error) {
	if _, err := requireIdentity(ctx); err != nil {
		return hoststats.Snapshot{}, err
	}
	return a.stats.Collect(ctx)
}
