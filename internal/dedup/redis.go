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
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces dedup keys in Redis.
const keyPrefix = "relay:seen:"

// RedisFilter is a Redis-backed dedup filter for multi-replica
// deployments, where an in-process store cannot see identities handled by
// a sibling. SETNX makes check-then-insert atomic; TTL bounds memory.
type RedisFilter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisFilter creates a dedup filter backed by Redis.
func NewRedisFilter(rdb *redis.Client, ttl time.Duration) *RedisFilter {
	return &RedisFilter{rdb: rdb, ttl: ttl}
}

// IsDuplicate marks the identity as seen and reports whether it already was.
func (f *RedisFilter) IsDuplicate(ctx context.Context, identity string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, keyPrefix+identity, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return !set, nil
}
