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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bcem/mailrelay/internal/config"
)

// Manager runs reconciliation at startup, on configuration changes, and
// on a periodic renewal timer. Only one pass runs at a time: a trigger
// arriving while a pass is in flight is skipped, not queued, so two
// passes can never race create/delete calls against the provider.
type Manager struct {
	reconciler *Reconciler
	rules      func() []config.UtilityRule
	interval   time.Duration

	inFlight atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a lifecycle manager. rules supplies the current
// enabled utility set on each pass.
func NewManager(reconciler *Reconciler, rules func() []config.UtilityRule, interval time.Duration) *Manager {
	return &Manager{
		reconciler: reconciler,
		rules:      rules,
		interval:   interval,
	}
}

// Start runs an initial reconciliation pass, then the periodic renewal
// loop in the background. The initial pass blocks so startup failures
// surface before the service reports ready; its error is returned but the
// loop starts regardless — reconciliation is self-healing.
func (m *Manager) Start(ctx context.Context, reconcileNow bool) error {
	var firstErr error
	if reconcileNow {
		firstErr = m.runPass(ctx, true)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(loopCtx)

	slog.Info("subscription manager started", "renewal_interval", m.interval)
	return firstErr
}

// Stop cancels the background loop and waits for any in-flight pass.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("subscription manager stopped")
}

// Kick triggers an asynchronous reconciliation pass, called after any
// utility configuration change.
func (m *Manager) Kick(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.runPass(ctx, true); err != nil {
			slog.Error("configuration-change reconciliation failed", "error", err)
		}
	}()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.runPass(ctx, true); err != nil {
				slog.Error("scheduled reconciliation failed", "error", err)
			}
		}
	}
}

// runPass executes one reconcile-and-renew pass under the single-flight
// guard.
func (m *Manager) runPass(ctx context.Context, renew bool) error {
	if !m.inFlight.CompareAndSwap(false, true) {
		slog.Warn("reconciliation already in flight, skipping")
		return nil
	}
	defer m.inFlight.Store(false)

	acts, err := m.reconciler.Reconcile(ctx, m.rules())
	if err != nil {
		return err
	}

	if renew {
		renewActs, err := m.reconciler.RenewExpiring(ctx)
		if err != nil {
			return err
		}
		acts.Renewed += renewActs.Renewed
		acts.Errors += renewActs.Errors
	}

	if acts.Created+acts.Renewed+acts.Deleted+acts.Errors > 0 {
		slog.Info("reconciliation pass complete",
			"created", acts.Created,
			"renewed", acts.Renewed,
			"deleted", acts.Deleted,
			"errors", acts.Errors,
		)
	}
	return nil
}
