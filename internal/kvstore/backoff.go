// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package kvstore

import (
	"errors"
	"math"
	"time"
)

// RetryConfig bounds the exponential backoff that Retry wraps around a
// persistence round trip, per §4.D: "initial 1s, cap 10s, configurable maximum
// attempts".
type RetryConfig struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultRetryConfig matches §4.D's defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Initial: 1 * time.Second, Max: 10 * time.Second, MaxAttempts: 5}
}

// sleep is overridable in tests to avoid real delays.
var sleep = time.Sleep

// Retry runs fn, retrying with exponential backoff while fn returns a
// *TransientError, up to cfg.MaxAttempts. A non-transient error returns
// immediately. Exhaustion returns the last error unwrapped so callers can
// distinguish "gave up" from "succeeded".
func Retry(cfg RetryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var transient *TransientError
		if !errors.As(err, &transient) {
			return err
		}
		lastErr = err
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		backoff := time.Duration(math.Min(
			float64(cfg.Initial)*math.Pow(2, float64(attempt)),
			float64(cfg.Max),
		))
		sleep(backoff)
	}
	return lastErr
}
