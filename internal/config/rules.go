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
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Logic operators for combining checks, groups, and conditions.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// MailboxSubscription names one monitored mailbox and the folders watched
// within it. An empty folder list means Inbox only.
type MailboxSubscription struct {
	Address string   `yaml:"address" json:"address"`
	Folders []string `yaml:"folders,omitempty" json:"folders,omitempty"`
}

// Subscriptions holds the mailbox set a utility listens on.
type Subscriptions struct {
	Mailboxes []MailboxSubscription `yaml:"mailboxes" json:"mailboxes"`
}

// EndpointAuth describes how to authenticate to a utility endpoint.
// Token may be a literal or a ${ENV_VAR} reference resolved at dispatch time.
type EndpointAuth struct {
	Type  string `yaml:"type" json:"type"` // "bearer"
	Token string `yaml:"token" json:"token"`
}

// Endpoint is the destination a matched email is forwarded to.
type Endpoint struct {
	URL  string        `yaml:"url" json:"url"`
	Auth *EndpointAuth `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// TextCriteria filters a text field by keyword list and/or regex.
type TextCriteria struct {
	Contains []string `yaml:"contains,omitempty" json:"contains,omitempty"`
	Regex    string   `yaml:"regex,omitempty" json:"regex,omitempty"`
}

// SenderCriteria filters on the from address.
type SenderCriteria struct {
	Exact    string   `yaml:"exact,omitempty" json:"exact,omitempty"`
	InList   []string `yaml:"in_list,omitempty" json:"in_list,omitempty"`
	Contains []string `yaml:"contains,omitempty" json:"contains,omitempty"`
}

// ReceiverCriteria filters on the combined to+cc recipient set.
type ReceiverCriteria struct {
	InList   []string `yaml:"in_list,omitempty" json:"in_list,omitempty"`
	Contains []string `yaml:"contains,omitempty" json:"contains,omitempty"`
}

// AttachmentCriteria filters on attachment presence and file names.
type AttachmentCriteria struct {
	Required         bool     `yaml:"required,omitempty" json:"required,omitempty"`
	FilenameContains []string `yaml:"filename_contains,omitempty" json:"filename_contains,omitempty"`
}

// LegacyFilter is the fixed-shape filter format. A check whose criteria
// are empty is vacuously true.
type LegacyFilter struct {
	MatchLogic  string             `yaml:"match_logic,omitempty" json:"match_logic,omitempty"` // AND (default) or OR
	Direction   string             `yaml:"direction,omitempty" json:"direction,omitempty"`     // received, sent, both
	Subject     TextCriteria       `yaml:"subject,omitempty" json:"subject,omitempty"`
	Body        TextCriteria       `yaml:"body,omitempty" json:"body,omitempty"`
	Sender      SenderCriteria     `yaml:"sender,omitempty" json:"sender,omitempty"`
	Receiver    ReceiverCriteria   `yaml:"receiver,omitempty" json:"receiver,omitempty"`
	Attachments AttachmentCriteria `yaml:"attachments,omitempty" json:"attachments,omitempty"`
}

// Condition is one leaf of the advanced filter AST.
type Condition struct {
	Field         string `yaml:"field" json:"field"`
	Operator      string `yaml:"operator" json:"operator"`
	Value         any    `yaml:"value,omitempty" json:"value,omitempty"`
	Negate        bool   `yaml:"negate,omitempty" json:"negate,omitempty"`
	CaseSensitive bool   `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
}

// ConditionGroup combines conditions under a single AND/OR operator.
type ConditionGroup struct {
	Logic      string      `yaml:"logic,omitempty" json:"logic,omitempty"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
}

// AdvancedFilter is the generalized condition-group filter format.
type AdvancedFilter struct {
	GroupLogic string           `yaml:"group_logic,omitempty" json:"group_logic,omitempty"`
	Groups     []ConditionGroup `yaml:"condition_groups" json:"condition_groups"`
}

// FilterSpec is a tagged union over the two filter formats. The format is
// selected once at load time by the presence of the condition_groups key
// and never re-inspected during matching. Exactly one side is non-nil for
// a rule loaded from configuration; a fully empty spec (no pre_filters at
// all) matches unconditionally.
type FilterSpec struct {
	Legacy   *LegacyFilter
	Advanced *AdvancedFilter
}

// IsAdvanced reports whether the advanced format is active.
func (f *FilterSpec) IsAdvanced() bool { return f.Advanced != nil }

// UnmarshalYAML selects the filter format by key presence.
func (f *FilterSpec) UnmarshalYAML(node *yaml.Node) error {
	var probe map[string]any
	if err := node.Decode(&probe); err != nil {
		return err
	}
	if _, ok := probe["condition_groups"]; ok {
		var adv AdvancedFilter
		if err := node.Decode(&adv); err != nil {
			return err
		}
		f.Advanced = &adv
		return nil
	}
	var leg LegacyFilter
	if err := node.Decode(&leg); err != nil {
		return err
	}
	f.Legacy = &leg
	return nil
}

// MarshalYAML emits whichever format is active.
func (f FilterSpec) MarshalYAML() (any, error) {
	if f.Advanced != nil {
		return f.Advanced, nil
	}
	if f.Legacy != nil {
		return f.Legacy, nil
	}
	return map[string]any{}, nil
}

// UnmarshalJSON mirrors UnmarshalYAML for the admin API.
func (f *FilterSpec) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if _, ok := probe["condition_groups"]; ok {
		var adv AdvancedFilter
		if err := json.Unmarshal(data, &adv); err != nil {
			return err
		}
		f.Advanced = &adv
		return nil
	}
	var leg LegacyFilter
	if err := json.Unmarshal(data, &leg); err != nil {
		return err
	}
	f.Legacy = &leg
	return nil
}

// MarshalJSON emits whichever format is active.
func (f FilterSpec) MarshalJSON() ([]byte, error) {
	if f.Advanced != nil {
		return json.Marshal(f.Advanced)
	}
	if f.Legacy != nil {
		return json.Marshal(f.Legacy)
	}
	return []byte("{}"), nil
}

// UtilityRule is one downstream consumer's configuration.
type UtilityRule struct {
	ID            string        `yaml:"id" json:"id"`
	Name          string        `yaml:"name" json:"name"`
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Subscriptions Subscriptions `yaml:"subscriptions" json:"subscriptions"`
	Filter        FilterSpec    `yaml:"pre_filters" json:"pre_filters"`
	Endpoint      Endpoint      `yaml:"endpoint" json:"endpoint"`
	TimeoutSecs   int           `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Enrich        bool          `yaml:"enrich_employee_data,omitempty" json:"enrich_employee_data,omitempty"`
}

// DefaultCallTimeout applies when a rule does not set one.
const DefaultCallTimeout = 10 * time.Second

// CallTimeout returns the per-call forwarding timeout for this rule.
func (u *UtilityRule) CallTimeout() time.Duration {
	if u.TimeoutSecs > 0 {
		return time.Duration(u.TimeoutSecs) * time.Second
	}
	return DefaultCallTimeout
}

// WatchPairs returns the (mailbox, folder) pairs this rule subscribes to,
// defaulting to Inbox when no folders are listed.
func (u *UtilityRule) WatchPairs() [][2]string {
	var pairs [][2]string
	for _, mb := range u.Subscriptions.Mailboxes {
		folders := mb.Folders
		if len(folders) == 0 {
			folders = []string{"Inbox"}
		}
		for _, folder := range folders {
			pairs = append(pairs, [2]string{mb.Address, folder})
		}
	}
	return pairs
}

var ruleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidateRule checks the structural invariants a single rule must satisfy.
func ValidateRule(u *UtilityRule) error {
	if u.ID == "" {
		return fmt.Errorf("utility id is required")
	}
	if !ruleIDPattern.MatchString(u.ID) {
		return fmt.Errorf("utility id %q must contain only alphanumeric characters and underscores", u.ID)
	}
	if u.Name == "" {
		return fmt.Errorf("utility %s: name is required", u.ID)
	}
	if u.Endpoint.URL == "" {
		return fmt.Errorf("utility %s: endpoint url is required", u.ID)
	}
	if u.Filter.Legacy != nil && u.Filter.Advanced != nil {
		return fmt.Errorf("utility %s: exactly one filter format may be active", u.ID)
	}
	return nil
}
