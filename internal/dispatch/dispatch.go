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

// Package dispatch forwards a matched email to utility endpoints
// concurrently, under a process-wide concurrency cap with per-utility
// timeouts, selective retry, and isolated failure reporting.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bcem/mailrelay/internal/config"
	"github.com/bcem/mailrelay/internal/models"
	"github.com/bcem/mailrelay/internal/retry"
)

// retryBackoffBase is the base of the exponential backoff between
// connection-failure retries.
const retryBackoffBase = 2 * time.Second

// maxRetries is the retry ceiling after the initial attempt.
const maxRetries = 3

// Result holds the per-email delivery outcome counts.
type Result struct {
	Success int
	Failure int
}

// statusError marks an attempt where the endpoint responded but with a
// non-2xx status. Any received response is terminal: the request arrived,
// so retrying would only duplicate it.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("endpoint returned HTTP %d", e.code)
}

// Dispatcher fans matched emails out to utility endpoints. The semaphore
// is shared across all notifications process-wide; it is the single
// control preventing unbounded fan-out onto downstream systems.
type Dispatcher struct {
	client *http.Client
	sem    *semaphore.Weighted
	policy retry.Policy

	// lookupEnv resolves ${ENV_VAR} token references; swapped in tests.
	lookupEnv func(string) string
}

// New creates a dispatcher with a global cap of maxConcurrent in-flight
// forwarding calls.
func New(maxConcurrent int64) *Dispatcher {
	d := &Dispatcher{
		// Per-request timeouts come from each utility's configuration via
		// the request context, so the client itself carries none.
		client:    &http.Client{},
		sem:       semaphore.NewWeighted(maxConcurrent),
		lookupEnv: os.Getenv,
	}
	d.policy = retry.Policy{
		MaxRetries: maxRetries,
		Retryable:  isConnectionError,
		Backoff:    retry.ExponentialBackoff(retryBackoffBase),
	}
	return d
}

// Dispatch forwards the email to every matched utility concurrently and
// returns after all attempts complete. One utility's terminal failure
// never blocks, cancels, or fails another's delivery, and never raises
// out of this call.
func (d *Dispatcher) Dispatch(ctx context.Context, email *models.EmailView, utilities []config.UtilityRule) Result {
	if len(utilities) == 0 {
		return Result{}
	}

	dispatchID := uuid.New().String()
	slog.Info("dispatching email",
		"dispatch_id", dispatchID,
		"message_id", email.MessageID,
		"utilities", len(utilities),
	)

	payload, err := json.Marshal(email)
	if err != nil {
		// Nothing downstream can be attempted without a payload.
		slog.Error("marshal email payload", "dispatch_id", dispatchID, "error", err)
		return Result{Failure: len(utilities)}
	}

	var success, failure atomic.Int64
	var wg sync.WaitGroup

	for i := range utilities {
		u := utilities[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.forward(ctx, dispatchID, payload, &u); err != nil {
				failure.Add(1)
				slog.Error("utility delivery failed",
					"dispatch_id", dispatchID,
					"utility", u.ID,
					"error", err,
				)
			} else {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	res := Result{Success: int(success.Load()), Failure: int(failure.Load())}
	slog.Info("dispatch complete",
		"dispatch_id", dispatchID,
		"success", res.Success,
		"failure", res.Failure,
	)
	return res
}

// forward delivers the payload to one utility, retrying only
// connection-establishment and timeout failures.
func (d *Dispatcher) forward(ctx context.Context, dispatchID string, payload []byte, u *config.UtilityRule) error {
	headers, err := d.buildHeaders(u)
	if err != nil {
		return err
	}

	attempts, err := d.policy.Do(ctx, func() error {
		return d.post(ctx, payload, u, headers)
	})
	if err != nil {
		return fmt.Errorf("after %d attempt(s): %w", attempts, err)
	}
	if attempts > 1 {
		slog.Info("utility delivery succeeded after retry",
			"dispatch_id", dispatchID,
			"utility", u.ID,
			"attempts", attempts,
		)
	}
	return nil
}

// post performs a single delivery attempt under the global cap and the
// utility's own timeout.
func (d *Dispatcher) post(ctx context.Context, payload []byte, u *config.UtilityRule, headers http.Header) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, u.CallTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, u.Endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", u.Endpoint.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// Any 2xx is success; the response body is not interpreted.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// buildHeaders constructs the outbound headers, resolving bearer tokens
// that point at environment-held secrets.
func (d *Dispatcher) buildHeaders(u *config.UtilityRule) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")

	if u.Endpoint.Auth != nil && strings.EqualFold(u.Endpoint.Auth.Type, "bearer") {
		token, err := d.resolveToken(u.Endpoint.Auth.Token)
		if err != nil {
			return nil, fmt.Errorf("utility %s: %w", u.ID, err)
		}
		h.Set("Authorization", "Bearer "+token)
	}
	return h, nil
}

// resolveToken resolves a literal token or a ${ENV_VAR} reference.
func (d *Dispatcher) resolveToken(raw string) (string, error) {
	if strings.HasPrefix(raw, "${") && strings.HasSuffix(raw, "}") {
		name := raw[2 : len(raw)-1]
		v := d.lookupEnv(name)
		if v == "" {
			return "", fmt.Errorf("bearer token env var %s is not set", name)
		}
		return v, nil
	}
	if raw == "" {
		return "", errors.New("bearer token is empty")
	}
	return raw, nil
}

// isConnectionError reports whether an attempt failed without any response
// being received. A statusError means the endpoint answered, which is
// always terminal.
func isConnectionError(err error) bool {
	var se *statusError
	return !errors.As(err, &se)
}
