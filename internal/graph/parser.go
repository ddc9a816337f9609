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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bcem/mailrelay/internal/models"
)

// graphRecipient mirrors the Graph recipient wrapper object.
type graphRecipient struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

// graphMessage mirrors the subset of the Graph message resource selected
// by messageSelect.
type graphMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	BodyPreview       string           `json:"bodyPreview"`
	From              *graphRecipient  `json:"from"`
	ToRecipients      []graphRecipient `json:"toRecipients"`
	CcRecipients      []graphRecipient `json:"ccRecipients"`
	BccRecipients     []graphRecipient `json:"bccRecipients"`
	ReceivedDateTime  string           `json:"receivedDateTime"`
	SentDateTime      string           `json:"sentDateTime"`
	HasAttachments    bool             `json:"hasAttachments"`
	InternetMessageID string           `json:"internetMessageId"`
	ConversationID    string           `json:"conversationId"`
	ParentFolderID    string           `json:"parentFolderId"`
}

// parseGraphMessage decodes a Graph message body into an EmailView. The
// folder is returned as the raw parentFolderId for the caller to resolve.
func parseGraphMessage(r io.Reader, mailbox string) (*models.EmailView, string, error) {
	var msg graphMessage
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return nil, "", fmt.Errorf("decode graph message: %w", err)
	}
	if msg.ID == "" {
		return nil, "", fmt.Errorf("graph message has no id")
	}

	email := &models.EmailView{
		MessageID:         msg.ID,
		InternetMessageID: msg.InternetMessageID,
		ConversationID:    msg.ConversationID,
		Subject:           msg.Subject,
		BodyPreview:       msg.BodyPreview,
		BodyContent:       msg.Body.Content,
		BodyType:          strings.ToLower(msg.Body.ContentType),
		To:                convertRecipients(msg.ToRecipients),
		Cc:                convertRecipients(msg.CcRecipients),
		Bcc:               convertRecipients(msg.BccRecipients),
		HasAttachments:    msg.HasAttachments,
		Attachments:       []models.Attachment{},
		Mailbox:           mailbox,
	}

	if msg.From != nil {
		email.FromAddress = msg.From.EmailAddress.Address
		email.FromName = msg.From.EmailAddress.Name
	}
	if t, err := time.Parse(time.RFC3339, msg.ReceivedDateTime); err == nil {
		email.ReceivedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, msg.SentDateTime); err == nil {
		email.SentAt = &t
	}

	return email, msg.ParentFolderID, nil
}

func convertRecipients(in []graphRecipient) []models.EmailAddress {
	out := make([]models.EmailAddress, 0, len(in))
	for _, r := range in {
		if r.EmailAddress.Address == "" {
			continue
		}
		out = append(out, models.EmailAddress{
			Address: r.EmailAddress.Address,
			Name:    r.EmailAddress.Name,
		})
	}
	return out
}
