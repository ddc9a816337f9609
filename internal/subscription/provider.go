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

// Package subscription manages the lifecycle of provider-side watch
// registrations: reconciling them against the configured utility set,
// renewing near-expiry ones, and collapsing duplicates and orphans.
package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bcem/mailrelay/internal/models"
)

// Maximum subscription lifetime for message resources is 4230 minutes
// (~2.94 days).
const MaxLifetimeMinutes = 4230

// MaxLifetime is the expiration window requested on create and renew.
const MaxLifetime = MaxLifetimeMinutes * time.Minute

// Record represents one provider-side watch registration.
type Record struct {
	ID              string
	Resource        string
	Mailbox         string
	Folder          string
	ExpiresAt       time.Time
	NotificationURL string
	ClientState     string
}

// Pair returns the (mailbox, folder) key this registration covers.
// Mailboxes compare case-insensitively.
func (r *Record) Pair() [2]string {
	return [2]string{strings.ToLower(r.Mailbox), r.Folder}
}

// Provider is the upstream registration API. All four operations may fail
// transiently; the reconciler treats every failure as transient and relies
// on the next pass to retry.
type Provider interface {
	Create(ctx context.Context, resource, notifyURL string, expiration time.Time, clientState string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
	Renew(ctx context.Context, id string, newExpiration time.Time) (*Record, error)
	Delete(ctx context.Context, id string) error
}

// ResourceForPair builds the provider resource path watching a mailbox
// folder. Inbox watches the whole message stream; other folders go
// through the mailFolders segment using well-known folder ids.
func ResourceForPair(mailbox, folder string) string {
	switch folder {
	case "", models.FolderInbox:
		return fmt.Sprintf("users/%s/messages", mailbox)
	case models.FolderSentItems:
		return fmt.Sprintf("users/%s/mailFolders/SentItems/messages", mailbox)
	default:
		return fmt.Sprintf("users/%s/mailFolders/%s/messages", mailbox, folder)
	}
}

// PairForResource inverts ResourceForPair. Registrations with resource
// paths this service never creates yield ok=false and are left alone.
func PairForResource(resource string) (mailbox, folder string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(resource, "/"), "/")
	switch {
	case len(parts) == 3 && strings.EqualFold(parts[0], "users") && strings.EqualFold(parts[2], "messages"):
		return parts[1], models.FolderInbox, true
	case len(parts) == 5 && strings.EqualFold(parts[0], "users") &&
		strings.EqualFold(parts[2], "mailFolders") && strings.EqualFold(parts[4], "messages"):
		folder = parts[3]
		if strings.EqualFold(folder, "SentItems") {
			folder = models.FolderSentItems
		}
		return parts[1], folder, true
	default:
		return "", "", false
	}
}

// GraphProvider implements Provider against the Graph subscriptions API.
// The http.Client carries OAuth2 client-credentials authentication.
type GraphProvider struct {
	client  *http.Client
	baseURL string
}

// NewGraphProvider creates a Graph-backed subscription provider.
func NewGraphProvider(client *http.Client, baseURL string) *GraphProvider {
	return &GraphProvider{client: client, baseURL: baseURL}
}

// graphSubscription mirrors the Graph subscription resource.
type graphSubscription struct {
	ID                 string `json:"id"`
	Resource           string `json:"resource"`
	NotificationURL    string `json:"notificationUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState"`
}

func (g graphSubscription) toRecord() Record {
	expiry, _ := time.Parse(time.RFC3339, g.ExpirationDateTime)
	mailbox, folder, _ := PairForResource(g.Resource)
	return Record{
		ID:              g.ID,
		Resource:        g.Resource,
		Mailbox:         mailbox,
		Folder:          folder,
		ExpiresAt:       expiry,
		NotificationURL: g.NotificationURL,
		ClientState:     g.ClientState,
	}
}

// Create registers a new watch for created messages on the resource.
func (p *GraphProvider) Create(ctx context.Context, resource, notifyURL string, expiration time.Time, clientState string) (*Record, error) {
	payload := map[string]any{
		"changeType":         "created",
		"notificationUrl":    notifyURL,
		"resource":           resource,
		"expirationDateTime": expiration.UTC().Format(time.RFC3339),
		"clientState":        clientState,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal subscription body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/subscriptions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build subscription request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("subscription creation returned HTTP %d for %s", resp.StatusCode, resource)
	}

	var result graphSubscription
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode subscription response: %w", err)
	}
	rec := result.toRecord()
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = expiration
	}
	return &rec, nil
}

// List fetches every registration visible to this app registration,
// following paging links.
func (p *GraphProvider) List(ctx context.Context) ([]Record, error) {
	var records []Record

	for nextURL := p.baseURL + "/subscriptions"; nextURL != ""; {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, nextURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build list request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("subscription list returned HTTP %d", resp.StatusCode)
		}

		var page struct {
			Value    []graphSubscription `json:"value"`
			NextLink string              `json:"@odata.nextLink"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("decode subscription list: %w", err)
		}
		resp.Body.Close()

		for _, s := range page.Value {
			records = append(records, s.toRecord())
		}
		nextURL = page.NextLink
	}
	return records, nil
}

// Renew extends a registration's expiration.
func (p *GraphProvider) Renew(ctx context.Context, id string, newExpiration time.Time) (*Record, error) {
	payload := map[string]string{
		"expirationDateTime": newExpiration.UTC().Format(time.RFC3339),
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		fmt.Sprintf("%s/subscriptions/%s", p.baseURL, id), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build renewal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("renew subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subscription renewal returned HTTP %d", resp.StatusCode)
	}

	var result graphSubscription
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode renewal response: %w", err)
	}
	rec := result.toRecord()
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = newExpiration
	}
	return &rec, nil
}

// Delete removes a registration. A 404 counts as success — the
// registration is gone either way.
func (p *GraphProvider) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/subscriptions/%s", p.baseURL, id), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("subscription deletion returned HTTP %d", resp.StatusCode)
	}
	return nil
}
