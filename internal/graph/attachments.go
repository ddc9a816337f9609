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
	"net/http"

	"github.com/bcem/mailrelay/internal/models"
)

// graphAttachment mirrors the Graph fileAttachment resource. ContentBytes
// is present only when content was requested.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int    `json:"size"`
	IsInline     bool   `json:"isInline"`
	ContentBytes string `json:"contentBytes"`
}

// attachmentMetaSelect excludes contentBytes so filename rules can be
// evaluated without downloading attachment content.
const attachmentMetaSelect = "$select=id,name,contentType,size,isInline"

// LoadAttachmentMetadata fills email.Attachments with names, types, and
// sizes but no content. Runs before rule matching so filename criteria
// have something to evaluate.
func (f *Fetcher) LoadAttachmentMetadata(ctx context.Context, email *models.EmailView) error {
	if !email.HasAttachments {
		return nil
	}
	return f.loadAttachments(ctx, email, attachmentMetaSelect)
}

// LoadAttachments fills email.Attachments with full base64 content. It is
// called only after a utility matches, so emails that match nothing never
// pay the download.
func (f *Fetcher) LoadAttachments(ctx context.Context, email *models.EmailView) error {
	if !email.HasAttachments {
		return nil
	}
	return f.loadAttachments(ctx, email, "")
}

func (f *Fetcher) loadAttachments(ctx context.Context, email *models.EmailView, query string) error {
	url := fmt.Sprintf("%s/users/%s/messages/%s/attachments", f.baseURL, email.Mailbox, email.MessageID)
	if query != "" {
		url += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build attachments request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch attachments: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("attachment list returned HTTP %d for message %s", resp.StatusCode, email.MessageID)
	}

	var page struct {
		Value []graphAttachment `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("decode attachments: %w", err)
	}

	attachments := make([]models.Attachment, 0, len(page.Value))
	for _, a := range page.Value {
		attachments = append(attachments, models.Attachment{
			ID:           a.ID,
			Name:         a.Name,
			ContentType:  a.ContentType,
			Size:         a.Size,
			IsInline:     a.IsInline,
			ContentBytes: a.ContentBytes, // base64 as Graph delivers it
		})
	}
	email.Attachments = attachments
	return nil
}
