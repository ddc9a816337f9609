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

// Package dedup suppresses reprocessing of notifications that refer to an
// email already handled within a bounded time window. It is a best-effort
// safety net against provider-side duplicate delivery, not an exactly-once
// mechanism.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/bcem/mailrelay/internal/models"
)

// Filter reports whether an identity has been seen within the dedup
// window, recording it as seen if not. Check and insert are one atomic step.
type Filter interface {
	IsDuplicate(ctx context.Context, identity string) (bool, error)
}

// Policy derives the dedup identity for an email. The internet-message id
// is the only token stable across mailbox/folder views of the same
// message, so it is always the base; fingerprinting and folder scoping are
// operator choices layered on top.
type Policy struct {
	// Fingerprint appends a content hash, so the same internet-message id
	// with materially different content counts as a new event.
	Fingerprint bool
	// PerFolder appends the folder, so the Sent Items and Inbox views of a
	// self-addressed mail count as two events.
	PerFolder bool
}

// Identity builds the dedup key for an email. It is empty when the email
// has no internet-message id: the suffixes alone are shared across
// distinct emails and would suppress them against each other.
func (p Policy) Identity(e *models.EmailView) string {
	id := e.InternetMessageID
	if id == "" {
		return ""
	}
	if p.PerFolder {
		id += "|" + e.Folder
	}
	if p.Fingerprint {
		sum := sha256.Sum256([]byte(e.Subject + "\x00" + e.BodyContent))
		id += "|" + hex.EncodeToString(sum[:8])
	}
	return id
}

// entry is one remembered identity with its first-seen timestamp.
type entry struct {
	identity string
	seenAt   time.Time
}

// MemoryFilter is a bounded, insertion-ordered, time-expiring store. A
// single coarse lock covers the whole check-then-insert step; contention
// here is negligible next to the network calls around it.
type MemoryFilter struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	order      []entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewMemoryFilter creates an in-memory dedup filter.
func NewMemoryFilter(ttl time.Duration, maxEntries int) *MemoryFilter {
	return &MemoryFilter{
		seen:       make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// IsDuplicate purges expired entries, then reports whether the identity is
// still present. Unseen identities are inserted with the current
// timestamp. The bounded-memory guarantee wins over TTL correctness: past
// maxEntries the oldest entry is evicted regardless of age.
func (f *MemoryFilter) IsDuplicate(_ context.Context, identity string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.purge(now)

	if _, ok := f.seen[identity]; ok {
		return true, nil
	}

	f.seen[identity] = now
	f.order = append(f.order, entry{identity: identity, seenAt: now})

	for len(f.order) > f.maxEntries {
		f.evictOldest()
	}
	return false, nil
}

// purge drops entries older than TTL from the front of the insertion order.
func (f *MemoryFilter) purge(now time.Time) {
	cutoff := now.Add(-f.ttl)
	for len(f.order) > 0 && f.order[0].seenAt.Before(cutoff) {
		f.evictOldest()
	}
}

func (f *MemoryFilter) evictOldest() {
	oldest := f.order[0]
	f.order = f.order[1:]
	// Only delete if the map entry still belongs to this insertion; a
	// re-inserted identity after eviction owns a newer timestamp.
	if t, ok := f.seen[oldest.identity]; ok && t.Equal(oldest.seenAt) {
		delete(f.seen, oldest.identity)
	}
}

// Len returns the current number of remembered identities.
func (f *MemoryFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}
