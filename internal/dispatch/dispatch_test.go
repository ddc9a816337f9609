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

package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailrelay/internal/config"
	"github.com/bcem/mailrelay/internal/models"
)

func testDispatcher(maxConcurrent int64) *Dispatcher {
	d := New(maxConcurrent)
	// Tests must not sit through real backoff sleeps.
	d.policy.Backoff = func(int) time.Duration { return 0 }
	return d
}

func utility(id, url string) config.UtilityRule {
	return config.UtilityRule{
		ID:       id,
		Enabled:  true,
		Endpoint: config.Endpoint{URL: url},
	}
}

func testEmail() *models.EmailView {
	return &models.EmailView{
		MessageID:         "msg-1",
		InternetMessageID: "<x@corp.com>",
		Subject:           "hello",
		To:                []models.EmailAddress{{Address: "a@corp.com"}},
	}
}

func TestDispatch_FailureIsolation(t *testing.T) {
	var okCalls atomic.Int64
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()

	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	d := testDispatcher(25)
	res := d.Dispatch(context.Background(), testEmail(), []config.UtilityRule{
		utility("u1", okSrv.URL),
		utility("u2", badSrv.URL),
		utility("u3", okSrv.URL),
	})

	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 1, res.Failure)
	assert.Equal(t, int64(2), okCalls.Load())
}

func TestDispatch_NoRetryOnHTTPError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := testDispatcher(25)
	res := d.Dispatch(context.Background(), testEmail(), []config.UtilityRule{utility("u1", srv.URL)})

	assert.Equal(t, 1, res.Failure)
	assert.Equal(t, int64(1), calls.Load(), "a received response is terminal, no retry")
}

// flakyTransport fails with a connection error a fixed number of times,
// then delegates to the real transport.
type flakyTransport struct {
	failures int64
	count    atomic.Int64
	inner    http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.count.Add(1) <= f.failures {
		return nil, errors.New("connect: connection reset by peer")
	}
	return f.inner.RoundTrip(r)
}

func TestDispatch_RetriesConnectionErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ft := &flakyTransport{failures: 2, inner: http.DefaultTransport}
	d := testDispatcher(25)
	d.client = &http.Client{Transport: ft}

	res := d.Dispatch(context.Background(), testEmail(), []config.UtilityRule{utility("u1", srv.URL)})

	assert.Equal(t, 1, res.Success)
	assert.Equal(t, int64(3), ft.count.Load(), "two connection failures then success")
}

func TestDispatch_RetryCeiling(t *testing.T) {
	ft := &flakyTransport{failures: 100, inner: http.DefaultTransport}
	d := testDispatcher(25)
	d.client = &http.Client{Transport: ft}

	res := d.Dispatch(context.Background(), testEmail(), []config.UtilityRule{utility("u1", "http://unreachable.invalid")})

	assert.Equal(t, 1, res.Failure)
	assert.Equal(t, int64(1+maxRetries), ft.count.Load())
}

func TestDispatch_GlobalConcurrencyCap(t *testing.T) {
	const delay = 100 * time.Millisecond

	var inFlight, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(delay)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDispatcher(2)
	utilities := make([]config.UtilityRule, 5)
	for i := range utilities {
		utilities[i] = utility("u", srv.URL)
	}

	start := time.Now()
	res := d.Dispatch(context.Background(), testEmail(), utilities)
	elapsed := time.Since(start)

	assert.Equal(t, 5, res.Success)
	assert.LessOrEqual(t, peak.Load(), int64(2))
	// 5 calls through 2 slots of 100ms each need at least 3 rounds.
	assert.GreaterOrEqual(t, elapsed, 3*delay-10*time.Millisecond)
}

func TestDispatch_BearerTokenFromEnv(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDispatcher(25)
	d.lookupEnv = func(name string) string {
		if name == "UTILITY_TOKEN" {
			return "s3cret"
		}
		return ""
	}

	u := utility("u1", srv.URL)
	u.Endpoint.Auth = &config.EndpointAuth{Type: "bearer", Token: "${UTILITY_TOKEN}"}

	res := d.Dispatch(context.Background(), testEmail(), []config.UtilityRule{u})
	require.Equal(t, 1, res.Success)
	assert.Equal(t, "Bearer s3cret", gotAuth.Load())
}

func TestDispatch_MissingTokenEnvFailsDelivery(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	d := testDispatcher(25)
	d.lookupEnv = func(string) string { return "" }

	u := utility("u1", srv.URL)
	u.Endpoint.Auth = &config.EndpointAuth{Type: "bearer", Token: "${MISSING}"}

	res := d.Dispatch(context.Background(), testEmail(), []config.UtilityRule{u})
	assert.Equal(t, 1, res.Failure)
	assert.Equal(t, int64(0), calls.Load(), "no request without a resolvable token")
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, isConnectionError(errors.New("dial tcp: connection refused")))
	assert.False(t, isConnectionError(&statusError{code: 503}))
}
