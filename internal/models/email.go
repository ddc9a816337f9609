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

// Package models defines the data structures shared across the relay service.
package models

import "time"

// Folder names as Graph reports them.
const (
	FolderInbox     = "Inbox"
	FolderSentItems = "Sent Items"
)

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Attachment represents a file attached to an email. Metadata is always
// present; ContentBytes is base64 content loaded lazily after rule matching.
type Attachment struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	ContentType  string `json:"content_type"`
	Size         int    `json:"size"`
	IsInline     bool   `json:"is_inline,omitempty"`
	ContentBytes string `json:"content_bytes,omitempty"`
}

// EmployeeData holds directory attributes for a sender or recipient,
// filled in only when a matched utility asks for enrichment.
type EmployeeData struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	Department     string `json:"department,omitempty"`
	JobTitle       string `json:"job_title,omitempty"`
	OfficeLocation string `json:"office_location,omitempty"`
	MobilePhone    string `json:"mobile_phone,omitempty"`
}

// EmailView is the normalized representation of one email, built once per
// notification by the fetcher. The pipeline fills attachment content and
// enrichment blocks in place after matching; the matcher and dispatcher
// treat it as read-only. Its JSON serialisation is the payload contract
// with downstream utility endpoints.
type EmailView struct {
	MessageID         string `json:"message_id"`
	InternetMessageID string `json:"internet_message_id"`
	ConversationID    string `json:"conversation_id,omitempty"`

	Subject     string `json:"subject"`
	BodyPreview string `json:"body_preview,omitempty"`
	BodyContent string `json:"body_content"`
	BodyType    string `json:"body_type"` // "html" or "text"

	FromAddress string         `json:"from_address"`
	FromName    string         `json:"from_name,omitempty"`
	To          []EmailAddress `json:"to_recipients"`
	Cc          []EmailAddress `json:"cc_recipients,omitempty"`
	Bcc         []EmailAddress `json:"bcc_recipients,omitempty"`

	ReceivedAt *time.Time `json:"received_datetime,omitempty"`
	SentAt     *time.Time `json:"sent_datetime,omitempty"`

	HasAttachments bool         `json:"has_attachments"`
	Attachments    []Attachment `json:"attachments"`

	SenderEmployee     *EmployeeData  `json:"sender_employee_data,omitempty"`
	RecipientEmployees []EmployeeData `json:"recipient_employee_data,omitempty"`

	Mailbox string `json:"mailbox"`
	Folder  string `json:"folder"`

	Direction string `json:"direction"` // "sent" or "received", derived from Folder
}

// ResolveDirection sets Direction from the folder name. Anything outside
// Sent Items counts as received.
func (e *EmailView) ResolveDirection() {
	if e.Folder == FolderSentItems {
		e.Direction = "sent"
	} else {
		e.Direction = "received"
	}
}

// Recipients returns the to and cc addresses combined, the set the
// receiver filters evaluate against.
func (e *EmailView) Recipients() []EmailAddress {
	out := make([]EmailAddress, 0, len(e.To)+len(e.Cc))
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	return out
}

// AttachmentNames returns the attachment file names.
func (e *EmailView) AttachmentNames() []string {
	names := make([]string, 0, len(e.Attachments))
	for _, a := range e.Attachments {
		names = append(names, a.Name)
	}
	return names
}
