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

package webhook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailrelay/internal/models"
)

type recordingSink struct {
	batches [][]models.Notification
}

func (s *recordingSink) HandleBatch(batch []models.Notification) int {
	s.batches = append(s.batches, batch)
	return len(batch)
}

func TestHandler_ValidationTokenEcho(t *testing.T) {
	h := NewHandler("state-secret", &recordingSink{})

	req := httptest.NewRequest(http.MethodPost, "/webhook?validationToken=abc%20123", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "abc 123", rec.Body.String(), "token must be echoed verbatim")
}

func TestHandler_AcceptsBatch(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler("state-secret", sink)

	body := `{"value":[
		{"subscriptionId":"s1","clientState":"state-secret","changeType":"created",
		 "resource":"Users/finance@corp.com/Messages/m1","resourceData":{"id":"m1"}},
		{"subscriptionId":"s2","clientState":"state-secret","changeType":"created",
		 "resource":"Users/hr@corp.com/Messages/m2","resourceData":{"id":"m2"}}
	]}`

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 2)
	assert.Equal(t, "m1", sink.batches[0][0].ResourceData.ID)
}

func TestHandler_RejectsWholeBatchOnClientStateMismatch(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler("state-secret", sink)

	// One good notification, one spoofed: nothing may be processed.
	body := `{"value":[
		{"subscriptionId":"s1","clientState":"state-secret","resource":"Users/a/Messages/m1","resourceData":{"id":"m1"}},
		{"subscriptionId":"s2","clientState":"wrong","resource":"Users/b/Messages/m2","resourceData":{"id":"m2"}}
	]}`

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, sink.batches)
}

func TestHandler_MalformedBody(t *testing.T) {
	h := NewHandler("state-secret", &recordingSink{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := NewHandler("state-secret", &recordingSink{})

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_EmptyBatch(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler("state-secret", sink)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"value":[]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}
