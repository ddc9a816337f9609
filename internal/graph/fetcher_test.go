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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailrelay/internal/models"
)

const sampleMessage = `{
	"id": "AAMk1",
	"subject": "Quarterly Invoice",
	"body": {"contentType": "HTML", "content": "<p>Amount due</p>"},
	"bodyPreview": "Amount due",
	"from": {"emailAddress": {"name": "Vendor", "address": "billing@vendor.com"}},
	"toRecipients": [{"emailAddress": {"address": "finance@corp.com"}}],
	"ccRecipients": [{"emailAddress": {"address": "audit@corp.com", "name": "Audit"}}],
	"receivedDateTime": "2026-08-20T10:30:00Z",
	"sentDateTime": "2026-08-20T10:29:55Z",
	"hasAttachments": true,
	"internetMessageId": "<abc@vendor.com>",
	"conversationId": "conv-1",
	"parentFolderId": "folder-inbox"
}`

func TestParseGraphMessage(t *testing.T) {
	email, folderID, err := parseGraphMessage(strings.NewReader(sampleMessage), "finance@corp.com")
	require.NoError(t, err)

	assert.Equal(t, "AAMk1", email.MessageID)
	assert.Equal(t, "<abc@vendor.com>", email.InternetMessageID)
	assert.Equal(t, "conv-1", email.ConversationID)
	assert.Equal(t, "Quarterly Invoice", email.Subject)
	assert.Equal(t, "html", email.BodyType)
	assert.Equal(t, "<p>Amount due</p>", email.BodyContent)
	assert.Equal(t, "billing@vendor.com", email.FromAddress)
	assert.Equal(t, "Vendor", email.FromName)
	require.Len(t, email.To, 1)
	require.Len(t, email.Cc, 1)
	assert.True(t, email.HasAttachments)
	assert.Equal(t, "finance@corp.com", email.Mailbox)
	assert.Equal(t, "folder-inbox", folderID)
	require.NotNil(t, email.ReceivedAt)
	assert.Equal(t, "2026-08-20T10:30:00Z", email.ReceivedAt.UTC().Format("2006-01-02T15:04:05Z"))
}

func TestParseGraphMessage_MissingID(t *testing.T) {
	_, _, err := parseGraphMessage(strings.NewReader(`{"subject":"x"}`), "mb")
	assert.Error(t, err)
}

func TestFetchMessage_ResolvesFolder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/mailFolders/"):
			w.Write([]byte(`{"displayName": "Sent Items"}`))
		case strings.Contains(r.URL.Path, "/messages/"):
			w.Write([]byte(sampleMessage))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), srv.URL)
	email, err := f.FetchMessage(context.Background(), "finance@corp.com", "AAMk1")
	require.NoError(t, err)
	require.NotNil(t, email)

	assert.Equal(t, models.FolderSentItems, email.Folder)
	assert.Equal(t, "sent", email.Direction)
}

func TestFetchMessage_NotFoundIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), srv.URL)
	email, err := f.FetchMessage(context.Background(), "finance@corp.com", "gone")
	require.NoError(t, err)
	assert.Nil(t, email)
}

func TestFetchMessage_FolderLookupFailureDefaultsInbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/mailFolders/") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(sampleMessage))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), srv.URL)
	email, err := f.FetchMessage(context.Background(), "finance@corp.com", "AAMk1")
	require.NoError(t, err)

	assert.Equal(t, models.FolderInbox, email.Folder)
	assert.Equal(t, "received", email.Direction)
}

func TestLoadAttachments(t *testing.T) {
	var lastQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastQuery = r.URL.RawQuery
		w.Write([]byte(`{"value":[
			{"id":"att1","name":"invoice.pdf","contentType":"application/pdf","size":1024,"contentBytes":"aGVsbG8="}
		]}`))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), srv.URL)
	email := &models.EmailView{MessageID: "AAMk1", Mailbox: "finance@corp.com", HasAttachments: true}

	require.NoError(t, f.LoadAttachmentMetadata(context.Background(), email))
	assert.Contains(t, lastQuery, "$select=")

	require.NoError(t, f.LoadAttachments(context.Background(), email))
	assert.Empty(t, lastQuery, "content load requests everything")

	require.Len(t, email.Attachments, 1)
	assert.Equal(t, "invoice.pdf", email.Attachments[0].Name)
	assert.Equal(t, "aGVsbG8=", email.Attachments[0].ContentBytes)
}

func TestLoadAttachments_NoopWithoutAttachments(t *testing.T) {
	f := NewFetcher(http.DefaultClient, "http://unused.invalid")
	email := &models.EmailView{MessageID: "m", HasAttachments: false}
	require.NoError(t, f.LoadAttachments(context.Background(), email))
}
