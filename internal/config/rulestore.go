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
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ruleFile mirrors the utilities.yaml document.
type ruleFile struct {
	Utilities []UtilityRule `yaml:"utilities"`
}

// RuleStore is the file-backed source of utility rules. Reads are served
// from an in-memory copy; writes persist to disk and notify the OnChange
// hook so the subscription reconciler can re-run against the new set.
type RuleStore struct {
	path string

	mu    sync.RWMutex
	rules []UtilityRule

	// OnChange is invoked (outside the lock) after any successful mutation.
	OnChange func()
}

// NewRuleStore loads the rule file at path. A missing file yields an empty
// store rather than an error, matching first-boot behaviour.
func NewRuleStore(path string) (*RuleStore, error) {
	s := &RuleStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the rule file from disk.
func (s *RuleStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		slog.Warn("rule file not found, starting with no utilities", "path", s.path)
		s.mu.Lock()
		s.rules = nil
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read rule file %s: %w", s.path, err)
	}

	// No env expansion here: ${VAR} token references are resolved at
	// dispatch time, so secrets never land in the parsed rule set.
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse rule file %s: %w", s.path, err)
	}

	seen := make(map[string]bool, len(file.Utilities))
	for i := range file.Utilities {
		u := &file.Utilities[i]
		if err := ValidateRule(u); err != nil {
			return fmt.Errorf("rule file %s: %w", s.path, err)
		}
		if seen[u.ID] {
			return fmt.Errorf("rule file %s: duplicate utility id %q", s.path, u.ID)
		}
		seen[u.ID] = true
	}

	s.mu.Lock()
	s.rules = file.Utilities
	s.mu.Unlock()

	enabled := 0
	for _, u := range file.Utilities {
		if u.Enabled {
			enabled++
		}
	}
	slog.Info("utility rules loaded",
		"path", s.path,
		"total", len(file.Utilities),
		"enabled", enabled,
	)
	return nil
}

// All returns a copy of every configured rule in file order.
func (s *RuleStore) All() []UtilityRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UtilityRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Enabled returns a copy of the enabled rules in file order.
func (s *RuleStore) Enabled() []UtilityRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UtilityRule
	for _, u := range s.rules {
		if u.Enabled {
			out = append(out, u)
		}
	}
	return out
}

// Get returns the rule with the given id, or nil.
func (s *RuleStore) Get(id string) *UtilityRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			u := s.rules[i]
			return &u
		}
	}
	return nil
}

// Create appends a new rule and persists the file.
func (s *RuleStore) Create(u UtilityRule) error {
	if err := ValidateRule(&u); err != nil {
		return err
	}

	s.mu.Lock()
	for i := range s.rules {
		if s.rules[i].ID == u.ID {
			s.mu.Unlock()
			return fmt.Errorf("utility %q already exists", u.ID)
		}
	}
	s.rules = append(s.rules, u)
	err := s.save()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// Update replaces an existing rule, keyed by its immutable id.
func (s *RuleStore) Update(u UtilityRule) error {
	if err := ValidateRule(&u); err != nil {
		return err
	}

	s.mu.Lock()
	idx := -1
	for i := range s.rules {
		if s.rules[i].ID == u.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("utility %q not found", u.ID)
	}
	s.rules[idx] = u
	err := s.save()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// Delete removes a rule by id.
func (s *RuleStore) Delete(id string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.rules {
		if s.rules[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("utility %q not found", id)
	}
	s.rules = append(s.rules[:idx], s.rules[idx+1:]...)
	err := s.save()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// save writes the current rule set to disk. Caller holds the lock.
func (s *RuleStore) save() error {
	data, err := yaml.Marshal(ruleFile{Utilities: s.rules})
	if err != nil {
		return fmt.Errorf("marshal rule file: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write rule file %s: %w", s.path, err)
	}
	return nil
}

func (s *RuleStore) notify() {
	if s.OnChange != nil {
		s.OnChange()
	}
}
