// Package retry implements the node retry policy: bounded attempts with
// exponential backoff and uniform jitter.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/haasonsaas/amon/internal/errs"
)

// Policy mirrors the per-node retry declaration on a graph node.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// BackoffS is the base delay in seconds after the first failure; the
	// delay before attempt n is BackoffS * 2^(n-2).
	BackoffS float64 `json:"backoff_s" yaml:"backoff_s"`
	// JitterS adds a uniform random delay in [0, JitterS] seconds.
	JitterS float64 `json:"jitter_s" yaml:"jitter_s"`
}

// DefaultPolicy is applied to nodes that declare no retry policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BackoffS: 1, JitterS: 0.5}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BackoffS < 0 {
		p.BackoffS = 0
	}
	if p.JitterS < 0 {
		p.JitterS = 0
	}
	return p
}

// Delay returns the sleep before the given attempt. Attempt numbers are
// 1-based; delays precede attempts 2..MaxAttempts.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	base := p.BackoffS * math.Pow(2, float64(attempt-2))
	jitter := 0.0
	if p.JitterS > 0 {
		jitter = rand.Float64() * p.JitterS // #nosec G404 -- jitter does not require cryptographic randomness
	}
	return time.Duration((base + jitter) * float64(time.Second))
}

// Result reports the outcome of a retried operation.
type Result struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// Do runs op under the policy. Retries stop early when the error is not
// retryable per the errs taxonomy or the context is done. Each attempt is
// reported to onAttempt (may be nil) before it runs.
func Do(ctx context.Context, p Policy, onAttempt func(attempt int), op func(attempt int) error) Result {
	p = p.normalized()
	start := time.Now()
	res := Result{}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if d := p.Delay(attempt); d > 0 {
			select {
			case <-ctx.Done():
				res.Err = errs.Wrap(errs.KindCancelled, ctx.Err())
				res.Duration = time.Since(start)
				return res
			case <-time.After(d):
			}
		}
		if ctx.Err() != nil {
			res.Err = errs.Wrap(errs.KindCancelled, ctx.Err())
			res.Duration = time.Since(start)
			return res
		}

		res.Attempts = attempt
		if onAttempt != nil {
			onAttempt(attempt)
		}
		err := op(attempt)
		if err == nil {
			res.Err = nil
			res.Duration = time.Since(start)
			return res
		}
		res.Err = err
		if !errs.Retryable(err) {
			break
		}
	}
	res.Duration = time.Since(start)
	return res
}
