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

package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists registration records in Postgres. It is an audit trail
// and restart aid; the provider's own list remains the source of truth
// the reconciler diffs against.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a subscription store backed by the given Postgres pool.
// It ensures the subscriptions table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure subscription schema: %w", err)
	}
	slog.Info("subscription store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id              BIGSERIAL PRIMARY KEY,
			subscription_id TEXT NOT NULL UNIQUE,
			mailbox         TEXT NOT NULL,
			folder          TEXT NOT NULL DEFAULT 'Inbox',
			resource        TEXT NOT NULL,
			client_state    TEXT NOT NULL,
			expires_at      TIMESTAMPTZ NOT NULL,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_subs_mailbox ON subscriptions(mailbox);
		CREATE INDEX IF NOT EXISTS idx_subs_expires ON subscriptions(expires_at);
	`)
	return err
}

// Upsert inserts or updates a registration record keyed on subscription_id.
func (s *Store) Upsert(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions
			(subscription_id, mailbox, folder, resource, client_state, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subscription_id) DO UPDATE SET
			mailbox      = EXCLUDED.mailbox,
			folder       = EXCLUDED.folder,
			resource     = EXCLUDED.resource,
			client_state = EXCLUDED.client_state,
			expires_at   = EXCLUDED.expires_at,
			updated_at   = NOW()
	`, r.ID, r.Mailbox, r.Folder, r.Resource, r.ClientState, r.ExpiresAt)
	return err
}

// Get retrieves a registration record by its provider subscription id.
func (s *Store) Get(ctx context.Context, subscriptionID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT subscription_id, mailbox, folder, resource, client_state, expires_at
		FROM subscriptions
		WHERE subscription_id = $1
	`, subscriptionID)

	var r Record
	err := row.Scan(&r.ID, &r.Mailbox, &r.Folder, &r.Resource, &r.ClientState, &r.ExpiresAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns all persisted registration records.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT subscription_id, mailbox, folder, resource, client_state, expires_at
		FROM subscriptions
		ORDER BY mailbox, folder
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Mailbox, &r.Folder, &r.Resource, &r.ClientState, &r.ExpiresAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ListExpiringSoon returns records expiring within the given window.
func (s *Store) ListExpiringSoon(ctx context.Context, window time.Duration) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT subscription_id, mailbox, folder, resource, client_state, expires_at
		FROM subscriptions
		WHERE expires_at < NOW() + $1::interval
		ORDER BY expires_at
	`, fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Mailbox, &r.Folder, &r.Resource, &r.ClientState, &r.ExpiresAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Delete removes a registration record.
func (s *Store) Delete(ctx context.Context, subscriptionID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM subscriptions WHERE subscription_id = $1
	`, subscriptionID)
	return err
}
