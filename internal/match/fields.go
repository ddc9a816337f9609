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

package match

import (
	"strconv"

	"github.com/bcem/mailrelay/internal/models"
)

// fieldAccessor projects one named field out of an EmailView.
type fieldAccessor func(*models.EmailView) FieldValue

// fieldAccessors is the closed set of condition field names. A condition
// naming anything else is a configuration mistake, warned at load and
// evaluated as non-match.
var fieldAccessors = map[string]fieldAccessor{
	"subject": func(e *models.EmailView) FieldValue { return Scalar(e.Subject) },
	"body":    func(e *models.EmailView) FieldValue { return Scalar(e.BodyContent) },
	"body_preview": func(e *models.EmailView) FieldValue {
		return Scalar(e.BodyPreview)
	},
	"subject_body": func(e *models.EmailView) FieldValue {
		return Scalar(e.Subject + "\n" + e.BodyContent)
	},
	"from":      func(e *models.EmailView) FieldValue { return Scalar(e.FromAddress) },
	"sender":    func(e *models.EmailView) FieldValue { return Scalar(e.FromAddress) },
	"from_name": func(e *models.EmailView) FieldValue { return Scalar(e.FromName) },
	"to":        func(e *models.EmailView) FieldValue { return List(addressList(e.To)) },
	"cc":        func(e *models.EmailView) FieldValue { return List(addressList(e.Cc)) },
	"bcc":       func(e *models.EmailView) FieldValue { return List(addressList(e.Bcc)) },
	"recipients": func(e *models.EmailView) FieldValue {
		return List(addressList(e.Recipients()))
	},
	"mailbox":   func(e *models.EmailView) FieldValue { return Scalar(e.Mailbox) },
	"folder":    func(e *models.EmailView) FieldValue { return Scalar(e.Folder) },
	"direction": func(e *models.EmailView) FieldValue { return Scalar(e.Direction) },
	"has_attachments": func(e *models.EmailView) FieldValue {
		return Scalar(strconv.FormatBool(e.HasAttachments))
	},
	"attachment_count": func(e *models.EmailView) FieldValue {
		return Scalar(strconv.Itoa(len(e.Attachments)))
	},
	"attachment_names": func(e *models.EmailView) FieldValue {
		return List(e.AttachmentNames())
	},
}

// KnownField reports whether a condition field name is in the accessor set.
func KnownField(name string) bool {
	_, ok := fieldAccessors[name]
	return ok
}

// KnownOperator reports whether an operator name is in the operator set.
func KnownOperator(name string) bool {
	return knownOperators[name]
}

func addressList(addrs []models.EmailAddress) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}
