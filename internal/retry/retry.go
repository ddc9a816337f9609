// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry provides a small retry policy: a retryable-error
// predicate, a backoff function, and an attempt ceiling.
package retry

import (
	"context"
	"time"
)

// Policy controls how an operation is retried.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// Retryable decides whether an error is worth another attempt.
	// A nil predicate retries every error.
	Retryable func(error) bool
	// Backoff returns the delay before retry number attempt (0-based).
	// A nil function means no delay.
	Backoff func(attempt int) time.Duration
}

// ExponentialBackoff returns base·2^attempt.
func ExponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base << attempt
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt ceiling is reached. It reports the error of the last attempt
// and the total number of attempts made.
func (p Policy) Do(ctx context.Context, fn func() error) (attempts int, err error) {
	for attempt := 0; ; attempt++ {
		attempts++
		err = fn()
		if err == nil {
			return attempts, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return attempts, err
		}
		if attempt >= p.MaxRetries {
			return attempts, err
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-time.After(delay):
		}
	}
}
