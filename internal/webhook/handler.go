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

// Package webhook receives Graph change notifications: it answers
// subscription validation handshakes and hands accepted notification
// batches to the pipeline.
package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/bcem/mailrelay/internal/models"
)

// maxBodyBytes bounds a notification batch body. Graph batches are small;
// anything larger is not a legitimate notification.
const maxBodyBytes = 1 << 20

// BatchSink accepts validated notification batches for asynchronous
// processing. Implemented by the pipeline.
type BatchSink interface {
	HandleBatch(batch []models.Notification) int
}

// Handler serves the notification endpoint.
type Handler struct {
	clientState string
	pipeline    BatchSink
}

// NewHandler creates the webhook handler. clientState is the shared
// secret every subscription is created with.
func NewHandler(clientState string, pipeline BatchSink) *Handler {
	return &Handler{clientState: clientState, pipeline: pipeline}
}

// ServeHTTP implements the notification endpoint contract:
//
//   - a request with a validationToken query parameter is a subscription
//     validation handshake and gets the token echoed back as text/plain;
//   - a notification batch is checked against the shared clientState and
//     rejected whole with 401 on any mismatch;
//   - an accepted batch gets 202 immediately, processing is asynchronous.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, token)
		slog.Info("subscription validation handshake answered")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var batch models.NotificationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		slog.Warn("malformed notification batch", "error", err)
		http.Error(w, "malformed batch", http.StatusBadRequest)
		return
	}

	for _, n := range batch.Value {
		if n.ClientState != h.clientState {
			slog.Warn("clientState mismatch, rejecting batch",
				"subscription_id", n.SubscriptionID,
			)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	accepted := h.pipeline.HandleBatch(batch.Value)
	slog.Debug("notification batch accepted",
		"received", len(batch.Value),
		"accepted", accepted,
	)
	w.WriteHeader(http.StatusAccepted)
}
