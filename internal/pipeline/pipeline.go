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

// Package pipeline coordinates notification processing: dedup, fetch,
// match, attachment loading, enrichment, and dispatch, run by a bounded
// worker pool fed from the webhook handler.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bcem/mailrelay/internal/config"
	"github.com/bcem/mailrelay/internal/dedup"
	"github.com/bcem/mailrelay/internal/dispatch"
	"github.com/bcem/mailrelay/internal/match"
	"github.com/bcem/mailrelay/internal/models"
)

// MessageFetcher retrieves email content from the mail provider.
type MessageFetcher interface {
	FetchMessage(ctx context.Context, mailbox, messageID string) (*models.EmailView, error)
	LoadAttachmentMetadata(ctx context.Context, email *models.EmailView) error
	LoadAttachments(ctx context.Context, email *models.EmailView) error
}

// Forwarder delivers a matched email to its utility endpoints.
type Forwarder interface {
	Dispatch(ctx context.Context, email *models.EmailView, utilities []config.UtilityRule) dispatch.Result
}

// Enricher fills directory attributes onto an email.
type Enricher interface {
	Enrich(ctx context.Context, email *models.EmailView)
}

// Pipeline owns the notification work queue and the workers that drain
// it. The webhook handler enqueues and returns immediately; everything
// after acceptance is asynchronous.
type Pipeline struct {
	queue   chan models.Notification
	workers int

	rules     *config.RuleStore
	filter    dedup.Filter
	policy    dedup.Policy
	fetcher   MessageFetcher
	forwarder Forwarder
	enricher  Enricher

	closed  atomic.Bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// Options wires the pipeline's collaborators.
type Options struct {
	Rules      *config.RuleStore
	Filter     dedup.Filter
	Policy     dedup.Policy
	Fetcher    MessageFetcher
	Forwarder  Forwarder
	Enricher   Enricher
	Workers    int
	QueueDepth int
}

// New creates a pipeline. Workers are not started until Start.
func New(opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	return &Pipeline{
		queue:     make(chan models.Notification, opts.QueueDepth),
		workers:   opts.Workers,
		rules:     opts.Rules,
		filter:    opts.Filter,
		policy:    opts.Policy,
		fetcher:   opts.Fetcher,
		forwarder: opts.Forwarder,
		enricher:  opts.Enricher,
	}
}

// Start launches the worker pool. ctx bounds the provider and endpoint
// calls made while processing.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	slog.Info("pipeline started", "workers", p.workers, "queue_depth", cap(p.queue))
}

// Stop closes the intake and waits for the workers to drain what was
// already accepted. Enqueue calls after Stop are rejected.
func (p *Pipeline) Stop() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
	slog.Info("pipeline stopped", "dropped_total", p.dropped.Load())
}

// Enqueue accepts one notification for asynchronous processing. A full
// queue drops the notification rather than blocking the webhook response;
// the provider redelivers undelivered changes on its own schedule.
func (p *Pipeline) Enqueue(n models.Notification) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.queue <- n:
		return true
	default:
		p.dropped.Add(1)
		slog.Warn("notification queue full, dropping",
			"subscription_id", n.SubscriptionID,
			"message_id", n.ResourceData.ID,
		)
		return false
	}
}

// HandleBatch enqueues every notification in a webhook batch and returns
// the accepted count.
func (p *Pipeline) HandleBatch(batch []models.Notification) int {
	accepted := 0
	for _, n := range batch {
		if p.Enqueue(n) {
			accepted++
		}
	}
	return accepted
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for n := range p.queue {
		p.process(ctx, n)
	}
	slog.Debug("pipeline worker exiting", "worker", id)
}

// process runs one notification through the full chain. Every failure
// path logs and returns; a bad notification never takes down a worker.
func (p *Pipeline) process(ctx context.Context, n models.Notification) {
	if n.ChangeType != "" && n.ChangeType != "created" {
		slog.Debug("skipping non-created notification",
			"change_type", n.ChangeType,
			"resource", n.Resource,
		)
		return
	}

	mailbox, resourceMsgID, ok := parseResource(n.Resource)
	if !ok {
		slog.Warn("notification for unrecognised resource",
			"resource", n.Resource,
			"subscription_id", n.SubscriptionID,
		)
		return
	}
	messageID := n.ResourceData.ID
	if messageID == "" {
		messageID = resourceMsgID
	}
	if messageID == "" {
		slog.Warn("notification carries no message id", "subscription_id", n.SubscriptionID)
		return
	}

	email, err := p.fetcher.FetchMessage(ctx, mailbox, messageID)
	if err != nil {
		slog.Error("message fetch failed",
			"mailbox", mailbox,
			"message_id", messageID,
			"error", err,
		)
		return
	}
	if email == nil {
		return // deleted between notification and fetch
	}

	if dup := p.isDuplicate(ctx, email); dup {
		slog.Debug("duplicate suppressed",
			"mailbox", mailbox,
			"internet_message_id", email.InternetMessageID,
		)
		return
	}

	// Filename criteria need attachment names before matching; content
	// stays unloaded until a utility actually matches.
	if email.HasAttachments {
		if err := p.fetcher.LoadAttachmentMetadata(ctx, email); err != nil {
			slog.Warn("attachment metadata load failed",
				"message_id", messageID,
				"error", err,
			)
		}
	}

	matched := match.FindMatchingUtilities(email, p.rules.Enabled())
	if len(matched) == 0 {
		return
	}

	if email.HasAttachments {
		if err := p.fetcher.LoadAttachments(ctx, email); err != nil {
			slog.Warn("attachment content load failed, forwarding metadata only",
				"message_id", messageID,
				"error", err,
			)
		}
	}

	if p.enricher != nil && anyWantsEnrichment(matched) {
		p.enricher.Enrich(ctx, email)
	}

	p.forwarder.Dispatch(ctx, email, matched)
}

// isDuplicate consults the dedup filter. An unavailable filter backend
// fails open: forwarding twice beats dropping silently.
func (p *Pipeline) isDuplicate(ctx context.Context, email *models.EmailView) bool {
	identity := p.policy.Identity(email)
	if identity == "" || p.filter == nil {
		return false
	}
	dup, err := p.filter.IsDuplicate(ctx, identity)
	if err != nil {
		slog.Warn("dedup check failed, treating as unique", "error", err)
		return false
	}
	return dup
}

// parseResource extracts the mailbox and message id from a notification
// resource string. Graph sends either
// "Users/{userId}/Messages/{messageId}" or, for folder subscriptions,
// "Users/{userId}/MailFolders('{folderId}')/Messages/{messageId}".
func parseResource(resource string) (mailbox, messageID string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(resource, "/"), "/")
	switch {
	case len(parts) == 4 && strings.EqualFold(parts[0], "users") && strings.EqualFold(parts[2], "messages"):
		return parts[1], parts[3], true
	case len(parts) == 5 && strings.EqualFold(parts[0], "users") &&
		strings.HasPrefix(strings.ToLower(parts[2]), "mailfolders") &&
		strings.EqualFold(parts[3], "messages"):
		return parts[1], parts[4], true
	default:
		return "", "", false
	}
}

func anyWantsEnrichment(utilities []config.UtilityRule) bool {
	for i := range utilities {
		if utilities[i].Enrich {
			return true
		}
	}
	return false
}
