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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("connection refused")
var errTerminal = errors.New("endpoint answered 404")

func TestDo_SucceedsAfterRetries(t *testing.T) {
	p := Policy{MaxRetries: 3}

	calls := 0
	attempts, err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	p := Policy{
		MaxRetries: 3,
		Retryable:  func(err error) bool { return errors.Is(err, errTransient) },
	}

	calls := 0
	attempts, err := p.Do(context.Background(), func() error {
		calls++
		return errTerminal
	})

	assert.ErrorIs(t, err, errTerminal)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsCeiling(t *testing.T) {
	p := Policy{MaxRetries: 2}

	calls := 0
	attempts, err := p.Do(context.Background(), func() error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, attempts) // initial attempt + 2 retries
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelsBackoffSleep(t *testing.T) {
	p := Policy{
		MaxRetries: 5,
		Backoff:    func(int) time.Duration { return time.Hour },
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := p.Do(ctx, func() error { return errTransient })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(2 * time.Second)
	assert.Equal(t, 2*time.Second, b(0))
	assert.Equal(t, 4*time.Second, b(1))
	assert.Equal(t, 8*time.Second, b(2))
}
