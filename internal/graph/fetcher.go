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

// Package graph retrieves email content, attachments, and directory data
// from the Microsoft Graph API.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bcem/mailrelay/internal/models"
)

// messageSelect limits the fetch to the fields the relay consumes.
const messageSelect = "id,subject,body,bodyPreview,from,toRecipients,ccRecipients,bccRecipients," +
	"receivedDateTime,sentDateTime,hasAttachments,internetMessageId,conversationId,parentFolderId"

// Fetcher retrieves full email messages from the Graph API. The
// http.Client carries OAuth2 client-credentials authentication.
type Fetcher struct {
	client  *http.Client
	baseURL string
}

// NewFetcher creates a Graph API message fetcher.
func NewFetcher(client *http.Client, baseURL string) *Fetcher {
	return &Fetcher{client: client, baseURL: baseURL}
}

// FetchMessage retrieves one email and normalizes it into an EmailView.
// A 404 returns (nil, nil): the message was deleted between notification
// and fetch, which is routine, not an error.
func (f *Fetcher) FetchMessage(ctx context.Context, mailbox, messageID string) (*models.EmailView, error) {
	url := fmt.Sprintf("%s/users/%s/messages/%s?$select=%s", f.baseURL, mailbox, messageID, messageSelect)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("message not found (may have been deleted)",
			"mailbox", mailbox,
			"message_id", messageID,
		)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph API returned HTTP %d for message %s", resp.StatusCode, messageID)
	}

	email, folderID, err := parseGraphMessage(resp.Body, mailbox)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	email.Folder = f.resolveFolder(ctx, mailbox, folderID)
	email.ResolveDirection()
	return email, nil
}

// resolveFolder maps a parentFolderId to its display name. Lookup failure
// falls back to Inbox rather than failing the whole fetch.
func (f *Fetcher) resolveFolder(ctx context.Context, mailbox, folderID string) string {
	if folderID == "" {
		return models.FolderInbox
	}

	url := fmt.Sprintf("%s/users/%s/mailFolders/%s?$select=displayName", f.baseURL, mailbox, folderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.FolderInbox
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		slog.Debug("folder lookup failed", "mailbox", mailbox, "error", err)
		return models.FolderInbox
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.FolderInbox
	}

	var folder struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&folder); err != nil || folder.DisplayName == "" {
		return models.FolderInbox
	}
	return folder.DisplayName
}
