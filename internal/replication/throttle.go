// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize caps a single throttled write so a large buffer doesn't
// require reserving an equally large token bucket burst up front.
const maxBurstSize = 256 * 1024

// throttledWriter is an io.Writer with token-bucket rate limiting,
// capping a transfer to bytesPerSec bytes/second.
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// newThrottledWriter wraps w with a rate limiter capping it to
// bytesPerSec bytes/second, per Policy.MaxBytesPerSec. bytesPerSec <= 0
// returns w unwrapped.
func newThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &throttledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write splits writes larger than the burst size into chunks so tokens
// are consumed gradually instead of in one large reservation.
func (tw *throttledWriter) Write(p []byte) (int, error) {
	totalWritten := 0

	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}

		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}

		p = p[n:]
	}

	return totalWritten, nil
}
