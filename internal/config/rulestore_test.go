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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoRuleYAML = `
utilities:
  - id: finance_forwarder
    name: Finance forwarder
    enabled: true
    subscriptions:
      mailboxes:
        - address: finance@corp.com
    pre_filters:
      subject:
        contains: ["invoice"]
    endpoint:
      url: https://utility.corp.com/finance
  - id: hr_archiver
    name: HR archiver
    enabled: false
    subscriptions:
      mailboxes:
        - address: hr@corp.com
          folders: ["Inbox", "Sent Items"]
    pre_filters:
      condition_groups:
        - conditions:
            - field: subject
              operator: contains
              value: resignation
    endpoint:
      url: https://utility.corp.com/hr
      auth:
        type: bearer
        token: ${HR_TOKEN}
`

func storeFromYAML(t *testing.T, content string) (*RuleStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "utilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	s, err := NewRuleStore(path)
	require.NoError(t, err)
	return s, path
}

func TestRuleStore_LoadsBothFormats(t *testing.T) {
	s, _ := storeFromYAML(t, twoRuleYAML)

	all := s.All()
	require.Len(t, all, 2)

	finance := s.Get("finance_forwarder")
	require.NotNil(t, finance)
	assert.False(t, finance.Filter.IsAdvanced())
	assert.True(t, finance.Enabled)

	hr := s.Get("hr_archiver")
	require.NotNil(t, hr)
	assert.True(t, hr.Filter.IsAdvanced())
	require.NotNil(t, hr.Endpoint.Auth)
	assert.Equal(t, "${HR_TOKEN}", hr.Endpoint.Auth.Token, "token references stay unresolved until dispatch")

	enabled := s.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "finance_forwarder", enabled[0].ID)
}

func TestRuleStore_MissingFileIsEmpty(t *testing.T) {
	s, err := NewRuleStore(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, s.All())
}

func TestRuleStore_DuplicateIDRejected(t *testing.T) {
	dup := `
utilities:
  - id: same
    name: One
    endpoint: {url: https://a}
  - id: same
    name: Two
    endpoint: {url: https://b}
`
	path := filepath.Join(t.TempDir(), "utilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(dup), 0o644))
	_, err := NewRuleStore(path)
	assert.ErrorContains(t, err, "duplicate utility id")
}

func TestRuleStore_CreateUpdateDelete(t *testing.T) {
	s, path := storeFromYAML(t, twoRuleYAML)

	changes := 0
	s.OnChange = func() { changes++ }

	newRule := UtilityRule{
		ID:      "sales_hook",
		Name:    "Sales hook",
		Enabled: true,
		Subscriptions: Subscriptions{Mailboxes: []MailboxSubscription{
			{Address: "sales@corp.com"},
		}},
		Endpoint: Endpoint{URL: "https://utility.corp.com/sales"},
	}
	require.NoError(t, s.Create(newRule))
	assert.Error(t, s.Create(newRule), "duplicate id must be rejected")

	newRule.Name = "Sales hook v2"
	require.NoError(t, s.Update(newRule))

	require.NoError(t, s.Delete("hr_archiver"))
	assert.Error(t, s.Delete("hr_archiver"))

	assert.Equal(t, 3, changes, "every successful mutation notifies")

	// Mutations survive a reload from disk.
	reloaded, err := NewRuleStore(path)
	require.NoError(t, err)
	assert.Nil(t, reloaded.Get("hr_archiver"))
	got := reloaded.Get("sales_hook")
	require.NotNil(t, got)
	assert.Equal(t, "Sales hook v2", got.Name)
}

func TestRuleStore_GetReturnsCopy(t *testing.T) {
	s, _ := storeFromYAML(t, twoRuleYAML)

	u := s.Get("finance_forwarder")
	require.NotNil(t, u)
	u.Name = "mutated locally"

	assert.Equal(t, "Finance forwarder", s.Get("finance_forwarder").Name)
}
