//  Copyright 2024 Google LLC
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package retry implements retry policies and the runners executing an
// arbitrary function under such a policy.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// DefaultMaximumBackoff is the backoff cap applied when a policy does not
// define its own MaximumBackoff.
const DefaultMaximumBackoff = time.Minute * 30

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the maximum number of attempts before giving up. A zero
	// value means retry indefinitely.
	MaxAttempts int
	// Jitter is the base delay applied between attempts.
	Jitter time.Duration
	// BackoffFactor is the multiplication factor applied to Jitter on every
	// attempt, a factor of 1 gives a constant delay.
	BackoffFactor float64
	// MaximumBackoff caps the delay between attempts. If unset
	// DefaultMaximumBackoff is used.
	MaximumBackoff time.Duration
	// ShouldRetry determines if an error is retriable. If unset every error
	// is considered retriable.
	ShouldRetry func(err error) bool
}

// isRetriable returns true if the policy allows retrying on err.
func isRetriable(policy Policy, err error) bool {
	if policy.ShouldRetry == nil {
		return true
	}
	return policy.ShouldRetry(err)
}

// backoff computes the delay applied after the given attempt. The delay
// grows exponentially with the policy's backoff factor and is capped at the
// policy's maximum backoff.
func backoff(attempt int, policy Policy) time.Duration {
	maxBackoff := policy.MaximumBackoff
	if maxBackoff == 0 {
		maxBackoff = DefaultMaximumBackoff
	}

	// Attempt counter may have wrapped around on extremely long running
	// retriers, assume the backoff is capped at that point.
	if attempt < 0 {
		return maxBackoff
	}

	mult := math.Pow(policy.BackoffFactor, float64(attempt)) * float64(policy.Jitter)
	if math.IsInf(mult, 1) || mult > float64(maxBackoff) {
		return maxBackoff
	}

	return time.Duration(mult)
}

// Run runs fn until it succeeds, retrying failures as the policy allows. It
// returns the last error seen when the policy's attempts are exhausted, fn
// is not retried after ctx is canceled.
func Run(ctx context.Context, policy Policy, fn func() error) error {
	if fn == nil {
		return fmt.Errorf("invalid nil function argument")
	}

	_, err := RunWithResponse(ctx, policy, func() (any, error) {
		return nil, fn()
	})
	return err
}

// RunWithResponse behaves like Run for functions returning a value along
// with an error, the value of the last attempt is returned.
func RunWithResponse[T any](ctx context.Context, policy Policy, fn func() (T, error)) (T, error) {
	var resp T
	var err error

	if fn == nil {
		return resp, fmt.Errorf("invalid nil function argument")
	}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return resp, fmt.Errorf("context canceled before attempt %d: %w", attempt+1, ctx.Err())
		}

		if resp, err = fn(); err == nil {
			return resp, nil
		}

		if !isRetriable(policy, err) {
			return resp, err
		}

		if policy.MaxAttempts != 0 && attempt >= policy.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return resp, fmt.Errorf("context canceled after attempt %d: %w", attempt+1, ctx.Err())
		case <-time.After(backoff(attempt, policy)):
		}
	}

	return resp, fmt.Errorf("exhausted all (%d) attempts, last error: %w", policy.MaxAttempts, err)
}
