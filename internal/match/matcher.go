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
	"log/slog"
	"regexp"
	"strings"

	"github.com/bcem/mailrelay/internal/config"
	"github.com/bcem/mailrelay/internal/models"
)

// FindMatchingUtilities returns the enabled utilities whose filter matches
// the email, preserving input order. An email matching nothing is the
// common case, logged at debug only.
func FindMatchingUtilities(email *models.EmailView, utilities []config.UtilityRule) []config.UtilityRule {
	var matched []config.UtilityRule

	for _, u := range utilities {
		if !u.Enabled {
			continue
		}
		if matchesUtility(email, &u) {
			matched = append(matched, u)
			slog.Info("email matched utility",
				"utility", u.ID,
				"subject", truncate(email.Subject, 50),
			)
		}
	}

	if len(matched) == 0 {
		slog.Debug("email matched no utilities",
			"subject", truncate(email.Subject, 50),
			"mailbox", email.Mailbox,
		)
	}
	return matched
}

// matchesUtility applies the mailbox gate, then whichever filter format the
// rule carries. The gate is mandatory: an email from an unsubscribed
// mailbox never matches, regardless of filter content.
func matchesUtility(email *models.EmailView, u *config.UtilityRule) bool {
	if !mailboxGate(email, u) {
		return false
	}
	if u.Filter.IsAdvanced() {
		return matchAdvanced(email, u.Filter.Advanced)
	}
	if u.Filter.Legacy != nil {
		return matchLegacy(email, u.Filter.Legacy)
	}
	// No pre_filters configured at all: the gate alone decides.
	return true
}

func mailboxGate(email *models.EmailView, u *config.UtilityRule) bool {
	for _, mb := range u.Subscriptions.Mailboxes {
		if strings.EqualFold(mb.Address, email.Mailbox) {
			return true
		}
	}
	return false
}

// --- Advanced format ---

// matchAdvanced combines per-group results under the filter's top-level
// logic. An empty group list matches unconditionally; the mailbox gate has
// already passed.
func matchAdvanced(email *models.EmailView, f *config.AdvancedFilter) bool {
	if len(f.Groups) == 0 {
		return true
	}

	results := make([]bool, 0, len(f.Groups))
	for i := range f.Groups {
		results = append(results, matchGroup(email, &f.Groups[i]))
	}
	return combine(f.GroupLogic, results)
}

func matchGroup(email *models.EmailView, g *config.ConditionGroup) bool {
	if len(g.Conditions) == 0 {
		return true
	}

	results := make([]bool, 0, len(g.Conditions))
	for i := range g.Conditions {
		results = append(results, evalCondition(email, &g.Conditions[i]))
	}
	return combine(g.Logic, results)
}

func evalCondition(email *models.EmailView, c *config.Condition) bool {
	accessor, ok := fieldAccessors[c.Field]
	if !ok {
		slog.Warn("unknown condition field", "field", c.Field)
		return false
	}

	result := Evaluate(accessor(email), c.Operator, c.Value, c.CaseSensitive)
	if c.Negate {
		return !result
	}
	return result
}

// combine folds boolean results under AND (default) or OR.
func combine(logic string, results []bool) bool {
	if strings.EqualFold(logic, config.LogicOr) {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

// --- Legacy format ---

// matchLegacy evaluates the fixed named checks under the rule's
// match_logic. A check with no configured criteria is vacuously true.
func matchLegacy(email *models.EmailView, f *config.LegacyFilter) bool {
	checks := []bool{
		checkDirection(email, f.Direction),
		checkText(email.Subject, &f.Subject),
		checkText(email.BodyContent, &f.Body),
		checkSender(email, &f.Sender),
		checkReceiver(email, &f.Receiver),
		checkAttachments(email, &f.Attachments),
	}
	return combine(f.MatchLogic, checks)
}

func checkDirection(email *models.EmailView, direction string) bool {
	switch direction {
	case "received":
		return email.Folder != models.FolderSentItems
	case "sent":
		return email.Folder == models.FolderSentItems
	default: // "both" or unset
		return true
	}
}

func checkText(value string, c *config.TextCriteria) bool {
	lowered := strings.ToLower(value)

	if len(c.Contains) > 0 {
		found := false
		for _, kw := range c.Contains {
			if strings.Contains(lowered, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if c.Regex != "" {
		re, err := regexp.Compile("(?i)" + c.Regex)
		if err != nil {
			slog.Warn("invalid filter regex", "pattern", c.Regex, "error", err)
			return false
		}
		if !re.MatchString(value) {
			return false
		}
	}

	return true
}

func checkSender(email *models.EmailView, c *config.SenderCriteria) bool {
	sender := strings.ToLower(email.FromAddress)

	if c.Exact != "" {
		return sender == strings.ToLower(c.Exact)
	}

	if len(c.InList) > 0 {
		found := false
		for _, s := range c.InList {
			if sender == strings.ToLower(s) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(c.Contains) > 0 {
		found := false
		for _, p := range c.Contains {
			if strings.Contains(sender, strings.ToLower(p)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

func checkReceiver(email *models.EmailView, c *config.ReceiverCriteria) bool {
	recipients := make([]string, 0, len(email.To)+len(email.Cc))
	for _, r := range email.Recipients() {
		recipients = append(recipients, strings.ToLower(r.Address))
	}

	if len(c.InList) > 0 {
		found := false
		for _, allowed := range c.InList {
			for _, r := range recipients {
				if r == strings.ToLower(allowed) {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}

	if len(c.Contains) > 0 {
		found := false
		for _, r := range recipients {
			for _, p := range c.Contains {
				if strings.Contains(r, strings.ToLower(p)) {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}

	return true
}

func checkAttachments(email *models.EmailView, c *config.AttachmentCriteria) bool {
	if c.Required && !email.HasAttachments {
		return false
	}

	if len(c.FilenameContains) > 0 && email.HasAttachments {
		found := false
		for _, a := range email.Attachments {
			name := strings.ToLower(a.Name)
			for _, p := range c.FilenameContains {
				if strings.Contains(name, strings.ToLower(p)) {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// WarnUnknownFilters logs a configuration warning for every advanced
// condition naming a field or operator outside the closed sets. Called at
// startup and after admin changes so mistakes surface before match time.
func WarnUnknownFilters(utilities []config.UtilityRule) {
	for _, u := range utilities {
		if u.Filter.Advanced == nil {
			continue
		}
		for _, g := range u.Filter.Advanced.Groups {
			for _, c := range g.Conditions {
				if !KnownField(c.Field) {
					slog.Warn("utility condition names unknown field",
						"utility", u.ID,
						"field", c.Field,
					)
				}
				if !KnownOperator(c.Operator) {
					slog.Warn("utility condition names unknown operator",
						"utility", u.ID,
						"operator", c.Operator,
					)
				}
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
