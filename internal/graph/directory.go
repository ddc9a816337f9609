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

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bcem/mailrelay/internal/models"
)

// directoryCacheTTL bounds how long a user lookup stays cached. Directory
// attributes change rarely; an hour keeps lookups off the hot path.
const directoryCacheTTL = time.Hour

// Directory resolves email addresses to organisational user records for
// payload enrichment. Lookups are cached in-process; failures degrade to a
// nil record, never to a dispatch error.
type Directory struct {
	client  *http.Client
	baseURL string

	mu    sync.Mutex
	cache map[string]directoryEntry
	now   func() time.Time
}

type directoryEntry struct {
	record  *models.EmployeeData // nil means a cached not-found
	fetched time.Time
}

// NewDirectory creates a directory lookup client.
func NewDirectory(client *http.Client, baseURL string) *Directory {
	return &Directory{
		client:  client,
		baseURL: baseURL,
		cache:   make(map[string]directoryEntry),
		now:     time.Now,
	}
}

// Lookup resolves one address. External addresses and unknown users return
// (nil, nil).
func (d *Directory) Lookup(ctx context.Context, address string) (*models.EmployeeData, error) {
	key := strings.ToLower(address)

	d.mu.Lock()
	if e, ok := d.cache[key]; ok && d.now().Sub(e.fetched) < directoryCacheTTL {
		d.mu.Unlock()
		return e.record, nil
	}
	d.mu.Unlock()

	rec, err := d.fetchUser(ctx, address)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[key] = directoryEntry{record: rec, fetched: d.now()}
	d.mu.Unlock()
	return rec, nil
}

func (d *Directory) fetchUser(ctx context.Context, address string) (*models.EmployeeData, error) {
	u := fmt.Sprintf("%s/users/%s?$select=displayName,mail,department,jobTitle,officeLocation,mobilePhone",
		d.baseURL, url.PathEscape(address))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build user request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch user %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user lookup returned HTTP %d for %s", resp.StatusCode, address)
	}

	var user struct {
		DisplayName    string `json:"displayName"`
		Mail           string `json:"mail"`
		Department     string `json:"department"`
		JobTitle       string `json:"jobTitle"`
		OfficeLocation string `json:"officeLocation"`
		MobilePhone    string `json:"mobilePhone"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}

	email := user.Mail
	if email == "" {
		email = address
	}
	return &models.EmployeeData{
		Email:          email,
		Name:           user.DisplayName,
		Department:     user.Department,
		JobTitle:       user.JobTitle,
		OfficeLocation: user.OfficeLocation,
		MobilePhone:    user.MobilePhone,
	}, nil
}

// Enrich fills the sender and recipient employee blocks on the email.
// Individual lookup failures are logged and leave the block empty.
func (d *Directory) Enrich(ctx context.Context, email *models.EmailView) {
	if email.FromAddress != "" {
		rec, err := d.Lookup(ctx, email.FromAddress)
		if err != nil {
			slog.Warn("sender enrichment failed", "address", email.FromAddress, "error", err)
		} else {
			email.SenderEmployee = rec
		}
	}

	for _, addr := range email.Recipients() {
		rec, err := d.Lookup(ctx, addr.Address)
		if err != nil {
			slog.Warn("recipient enrichment failed", "address", addr.Address, "error", err)
			continue
		}
		if rec != nil {
			email.RecipientEmployees = append(email.RecipientEmployees, *rec)
		}
	}
}
