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
	"sort"
	"strings"
	"time"

	"github.com/bcem/mailrelay/internal/config"
)

// Plan is the computed difference between the desired watch set and the
// provider's actual registrations.
type Plan struct {
	// Create lists (mailbox, folder) pairs with no surviving registration.
	Create [][2]string
	// Delete lists registrations to remove: duplicates for a covered pair
	// (all but the furthest-expiring) and orphans no enabled rule references.
	Delete []Record
	// Keep lists the surviving registration per desired pair.
	Keep []Record
}

// DesiredPairs computes the union of (mailbox, folder) pairs over the
// enabled rules. Mailboxes are lowered for case-insensitive identity; the
// folder defaults to Inbox inside WatchPairs.
func DesiredPairs(rules []config.UtilityRule) map[[2]string]string {
	desired := make(map[[2]string]string)
	for _, u := range rules {
		if !u.Enabled {
			continue
		}
		for _, p := range u.WatchPairs() {
			key := [2]string{strings.ToLower(p[0]), p[1]}
			desired[key] = p[0] // preserve original casing for resource paths
		}
	}
	return desired
}

// BuildPlan diffs the desired pairs against the remote registrations.
// Registrations whose resource path this service does not recognise are
// left untouched — another app registration may own them.
func BuildPlan(desired map[[2]string]string, remote []Record) Plan {
	groups := make(map[[2]string][]Record)
	for _, r := range remote {
		if r.Mailbox == "" {
			continue
		}
		key := r.Pair()
		groups[key] = append(groups[key], r)
	}

	var plan Plan
	for key, recs := range groups {
		// Furthest-future expiration survives duplicate collapse.
		sort.Slice(recs, func(i, j int) bool {
			return recs[i].ExpiresAt.After(recs[j].ExpiresAt)
		})

		if _, wanted := desired[key]; !wanted {
			// Orphan cleanup: nothing references this pair any more.
			plan.Delete = append(plan.Delete, recs...)
			continue
		}

		plan.Keep = append(plan.Keep, recs[0])
		plan.Delete = append(plan.Delete, recs[1:]...)
	}

	covered := make(map[[2]string]bool, len(plan.Keep))
	for _, r := range plan.Keep {
		covered[r.Pair()] = true
	}
	for key, mailbox := range desired {
		if !covered[key] {
			plan.Create = append(plan.Create, [2]string{mailbox, key[1]})
		}
	}

	// Deterministic ordering for logs and tests.
	sort.Slice(plan.Create, func(i, j int) bool {
		if plan.Create[i][0] != plan.Create[j][0] {
			return plan.Create[i][0] < plan.Create[j][0]
		}
		return plan.Create[i][1] < plan.Create[j][1]
	})
	sort.Slice(plan.Delete, func(i, j int) bool { return plan.Delete[i].ID < plan.Delete[j].ID })
	sort.Slice(plan.Keep, func(i, j int) bool { return plan.Keep[i].ID < plan.Keep[j].ID })

	return plan
}

// Actions counts the operations applied by one reconciliation pass.
type Actions struct {
	Created int
	Renewed int
	Deleted int
	Errors  int
}

// Reconciler aligns provider registrations with the configured utility
// set. Per-registration failures are logged and skipped; the next pass
// retries naturally because the desired/actual diff still shows them.
type Reconciler struct {
	provider    Provider
	store       *Store // optional audit persistence; nil-safe
	notifyURL   string
	clientState string

	// renewThreshold is how close to expiry a registration must be before
	// the renewal pass extends it.
	renewThreshold time.Duration

	now func() time.Time
}

// NewReconciler creates a reconciler. store may be nil when no database is
// configured.
func NewReconciler(provider Provider, store *Store, notifyURL, clientState string, renewThreshold time.Duration) *Reconciler {
	return &Reconciler{
		provider:       provider,
		store:          store,
		notifyURL:      notifyURL,
		clientState:    clientState,
		renewThreshold: renewThreshold,
		now:            time.Now,
	}
}

// Reconcile computes and applies the create/delete plan for the given
// rule set. It returns the actions taken; an error is returned only when
// the remote snapshot itself cannot be fetched.
func (r *Reconciler) Reconcile(ctx context.Context, rules []config.UtilityRule) (Actions, error) {
	var acts Actions

	remote, err := r.provider.List(ctx)
	if err != nil {
		return acts, fmt.Errorf("list subscriptions: %w", err)
	}

	desired := DesiredPairs(rules)
	plan := BuildPlan(desired, remote)

	slog.Info("reconciling subscriptions",
		"desired", len(desired),
		"remote", len(remote),
		"create", len(plan.Create),
		"delete", len(plan.Delete),
	)

	for _, rec := range plan.Delete {
		if err := r.provider.Delete(ctx, rec.ID); err != nil {
			acts.Errors++
			slog.Error("subscription delete failed",
				"subscription_id", rec.ID,
				"mailbox", rec.Mailbox,
				"folder", rec.Folder,
				"error", err,
			)
			continue
		}
		acts.Deleted++
		r.forget(ctx, rec.ID)
		slog.Info("subscription deleted",
			"subscription_id", rec.ID,
			"mailbox", rec.Mailbox,
			"folder", rec.Folder,
		)
	}

	for _, pair := range plan.Create {
		mailbox, folder := pair[0], pair[1]
		resource := ResourceForPair(mailbox, folder)
		expiry := r.now().UTC().Add(MaxLifetime)

		rec, err := r.provider.Create(ctx, resource, r.notifyURL, expiry, r.clientState)
		if err != nil {
			acts.Errors++
			slog.Error("subscription create failed",
				"mailbox", mailbox,
				"folder", folder,
				"error", err,
			)
			continue
		}
		acts.Created++
		r.remember(ctx, rec)
		slog.Info("subscription created",
			"subscription_id", rec.ID,
			"mailbox", mailbox,
			"folder", folder,
			"expires_at", rec.ExpiresAt,
		)
	}

	return acts, nil
}

// RenewExpiring extends every registration with less than the renewal
// threshold remaining. It runs on its own timer, independent of the
// desired/actual diff.
func (r *Reconciler) RenewExpiring(ctx context.Context) (Actions, error) {
	var acts Actions

	remote, err := r.provider.List(ctx)
	if err != nil {
		return acts, fmt.Errorf("list subscriptions: %w", err)
	}

	for _, rec := range remote {
		remaining := rec.ExpiresAt.Sub(r.now())
		if remaining >= r.renewThreshold {
			continue
		}

		newExpiry := r.now().UTC().Add(MaxLifetime)
		renewed, err := r.provider.Renew(ctx, rec.ID, newExpiry)
		if err != nil {
			acts.Errors++
			slog.Error("subscription renewal failed",
				"subscription_id", rec.ID,
				"mailbox", rec.Mailbox,
				"error", err,
			)
			continue
		}
		acts.Renewed++
		r.remember(ctx, renewed)
		slog.Info("subscription renewed",
			"subscription_id", rec.ID,
			"mailbox", rec.Mailbox,
			"folder", rec.Folder,
			"new_expiry", renewed.ExpiresAt,
		)
	}

	return acts, nil
}

func (r *Reconciler) remember(ctx context.Context, rec *Record) {
	if r.store == nil {
		return
	}
	if err := r.store.Upsert(ctx, *rec); err != nil {
		slog.Error("persist subscription record", "subscription_id", rec.ID, "error", err)
	}
}

func (r *Reconciler) forget(ctx context.Context, id string) {
	if r.store == nil {
		return
	}
	if err := r.store.Delete(ctx, id); err != nil {
		slog.Error("remove subscription record", "subscription_id", id, "error", err)
	}
}
