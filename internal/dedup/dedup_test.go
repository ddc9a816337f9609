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

package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailrelay/internal/models"
)

func TestPolicy_Identity(t *testing.T) {
	email := &models.EmailView{
		InternetMessageID: "<abc@corp.com>",
		Subject:           "hello",
		BodyContent:       "world",
		Folder:            models.FolderSentItems,
	}

	base := Policy{}.Identity(email)
	assert.Equal(t, "<abc@corp.com>", base)

	perFolder := Policy{PerFolder: true}.Identity(email)
	assert.Equal(t, "<abc@corp.com>|Sent Items", perFolder)

	fingerprinted := Policy{Fingerprint: true}.Identity(email)
	assert.NotEqual(t, base, fingerprinted)

	// Same id, different content: distinct only under fingerprinting.
	edited := *email
	edited.BodyContent = "world, edited"
	assert.Equal(t, base, Policy{}.Identity(&edited))
	assert.NotEqual(t, fingerprinted, Policy{Fingerprint: true}.Identity(&edited))
}

func TestPolicy_IdentityEmptyWithoutMessageID(t *testing.T) {
	// Two distinct id-less emails in the same folder must never share an
	// identity, whatever the policy variant.
	a := &models.EmailView{Subject: "first", BodyContent: "a", Folder: models.FolderInbox}
	b := &models.EmailView{Subject: "second", BodyContent: "b", Folder: models.FolderInbox}

	for _, p := range []Policy{
		{},
		{PerFolder: true},
		{Fingerprint: true},
		{PerFolder: true, Fingerprint: true},
	} {
		assert.Empty(t, p.Identity(a), "policy %+v", p)
		assert.Empty(t, p.Identity(b), "policy %+v", p)
	}
}

func TestMemoryFilter_SuppressesWithinTTL(t *testing.T) {
	now := time.Now()
	f := NewMemoryFilter(60*time.Second, 100)
	f.now = func() time.Time { return now }

	dup, err := f.IsDuplicate(context.Background(), "id-1")
	require.NoError(t, err)
	assert.False(t, dup)

	// 30s later: still remembered.
	now = now.Add(30 * time.Second)
	dup, err = f.IsDuplicate(context.Background(), "id-1")
	require.NoError(t, err)
	assert.True(t, dup)

	// 61s after first sight: expired, unique again.
	now = now.Add(31 * time.Second)
	dup, err = f.IsDuplicate(context.Background(), "id-1")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestMemoryFilter_BoundedEviction(t *testing.T) {
	f := NewMemoryFilter(time.Hour, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dup, err := f.IsDuplicate(ctx, fmt.Sprintf("id-%d", i))
		require.NoError(t, err)
		assert.False(t, dup)
	}
	assert.Equal(t, 3, f.Len())

	// A fourth insert evicts the oldest despite the long TTL.
	dup, err := f.IsDuplicate(ctx, "id-3")
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, 3, f.Len())

	dup, err = f.IsDuplicate(ctx, "id-0")
	require.NoError(t, err)
	assert.False(t, dup, "evicted identity must read as unique again")

	// id-1 was evicted by the id-0 reinsert; id-2 and id-3 survive.
	dup, err = f.IsDuplicate(ctx, "id-3")
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestMemoryFilter_CheckAndInsertIsOneStep(t *testing.T) {
	f := NewMemoryFilter(time.Hour, 100)
	ctx := context.Background()

	first, err := f.IsDuplicate(ctx, "same")
	require.NoError(t, err)
	second, err := f.IsDuplicate(ctx, "same")
	require.NoError(t, err)

	assert.False(t, first)
	assert.True(t, second)
}
