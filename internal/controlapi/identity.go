// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package controlapi implements the Control API Surface of spec.md
// §4.H: the small set of methods a caller uses to create and monitor
// migrations, issue and manage capability tokens, and discover the
// streaming socket endpoints. Authentication itself is out of scope per
// §4.H; this package only binds an already-authenticated caller's
// identity to the owner_id recorded on tokens and jobs.
package controlapi

import "context"

type ctxKey int

const identityKey ctxKey = 0

// Identity is the authenticated caller an outer layer (HTTP middleware,
// an RPC interceptor) attaches to the context before calling into API.
type Identity struct {
	OwnerID string
}

// WithIdentity attaches id to ctx for API methods to read.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
