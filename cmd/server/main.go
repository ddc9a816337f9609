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

// Mail Relay — webhook relay service
//
// Entry point for the relay service. It:
//  1. Loads configuration and the utility rule set
//  2. Connects to PostgreSQL and Redis where configured
//  3. Serves the Graph change-notification webhook
//  4. Reconciles Graph subscriptions against the enabled utilities
//  5. Runs the notification pipeline: dedup, match, enrich, dispatch
//  6. Serves the admin API for runtime rule management
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/mailrelay/internal/api"
	"github.com/bcem/mailrelay/internal/config"
	"github.com/bcem/mailrelay/internal/dedup"
	"github.com/bcem/mailrelay/internal/dispatch"
	"github.com/bcem/mailrelay/internal/graph"
	"github.com/bcem/mailrelay/internal/match"
	"github.com/bcem/mailrelay/internal/pipeline"
	"github.com/bcem/mailrelay/internal/subscription"
	"github.com/bcem/mailrelay/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting mail relay service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	rules, err := config.NewRuleStore(cfg.RulesPath)
	if err != nil {
		slog.Error("failed to load utility rules", "error", err)
		os.Exit(1)
	}
	match.WarnUnknownFilters(rules.All())
	slog.Info("configuration loaded",
		"utilities", len(rules.All()),
		"max_concurrent_forwards", cfg.MaxConcurrentForwards,
		"workers", cfg.BatchWorkers,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL (optional) ---
	var pgPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pgPool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")
	}

	// --- Dedup Filter ---
	policy := dedup.Policy{
		Fingerprint: cfg.Dedup.Fingerprint,
		PerFolder:   cfg.Dedup.PerFolder,
	}
	var filter dedup.Filter
	var rdb *redis.Client
	if cfg.Dedup.Backend == "redis" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis")
		filter = dedup.NewRedisFilter(rdb, cfg.Dedup.TTL)
	} else {
		filter = dedup.NewMemoryFilter(cfg.Dedup.TTL, cfg.Dedup.MaxEntries)
	}

	// --- OAuth2 Graph client ---
	creds := &clientcredentials.Config{
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.Graph.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	graphClient := creds.Client(ctx)

	fetcher := graph.NewFetcher(graphClient, cfg.GraphBaseURL)
	directory := graph.NewDirectory(graphClient, cfg.GraphBaseURL)

	// --- Resolve webhook URL ---
	webhookURL := resolveWebhookURL(cfg.WebhookURL)
	if webhookURL == "" {
		slog.Error("WEBHOOK_URL is required — Graph API subscriptions need a public webhook endpoint")
		os.Exit(1)
	}
	slog.Info("webhook URL resolved", "url", webhookURL)

	// clientState is the shared secret notifications must echo back.
	// Rotating it on restart invalidates old registrations, which the
	// reconciler replaces on its first pass.
	clientState := os.Getenv("WEBHOOK_CLIENT_STATE")
	if clientState == "" {
		clientState = uuid.New().String()
		slog.Warn("WEBHOOK_CLIENT_STATE not set, generated one for this run")
	}

	// --- Pipeline ---
	dispatcher := dispatch.New(int64(cfg.MaxConcurrentForwards))
	pipe := pipeline.New(pipeline.Options{
		Rules:      rules,
		Filter:     filter,
		Policy:     policy,
		Fetcher:    fetcher,
		Forwarder:  dispatcher,
		Enricher:   directory,
		Workers:    cfg.BatchWorkers,
		QueueDepth: cfg.QueueDepth,
	})
	pipe.Start(ctx)

	// --- Phase 1: Start webhook server BEFORE registering subscriptions ---
	// Graph validates the endpoint immediately when creating a subscription.
	handler := webhook.NewHandler(clientState, pipe)
	ready, err := webhook.Serve(ctx, cfg.WebhookPort, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("webhook server ready, proceeding to register subscriptions")

	// --- Phase 2: Subscription reconciliation ---
	var store *subscription.Store
	if pgPool != nil {
		store, err = subscription.NewStore(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise subscription store", "error", err)
			os.Exit(1)
		}
	}

	provider := subscription.NewGraphProvider(graphClient, cfg.GraphBaseURL)
	reconciler := subscription.NewReconciler(provider, store, webhookURL, clientState, cfg.RenewalThreshold)
	manager := subscription.NewManager(reconciler, rules.Enabled, cfg.RenewalInterval)

	if err := manager.Start(ctx, cfg.ReconcileOnStart); err != nil {
		slog.Error("initial reconciliation failed, continuing — next pass will retry", "error", err)
	}

	// Rule mutations re-align subscriptions without waiting for the timer.
	rules.OnChange = func() { manager.Kick(ctx) }

	// --- Phase 3: Admin API ---
	admin := api.NewServer(rules, cfg.AdminToken, cfg.AdminPort, func() { manager.Kick(ctx) })

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)

		manager.Stop()
		pipe.Stop()
		cancel() // stops webhook server, admin API, background goroutines

		if rdb != nil {
			rdb.Close()
		}
		if pgPool != nil {
			pgPool.Close()
		}
	}()

	if err := admin.Start(ctx); err != nil {
		slog.Error("admin API error", "error", err)
		os.Exit(1)
	}

	slog.Info("mail relay service stopped")
}

// logLevel maps LOG_LEVEL (debug, info, warn, error) onto a slog level.
// Unset or unrecognised values fall back to info.
func logLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// resolveWebhookURL resolves the webhook URL from config.
//
//   - Empty string → error (webhook is required)
//   - "auto" → discover the public URL from a local ngrok container
//   - Any other string → use as-is (production)
func resolveWebhookURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if strings.ToLower(raw) != "auto" {
		return raw
	}

	// Auto-discover from ngrok's local API.
	ngrokAPI := os.Getenv("NGROK_API_URL")
	if ngrokAPI == "" {
		ngrokAPI = "http://ngrok:4040"
	}

	slog.Info("discovering webhook URL from ngrok", "api", ngrokAPI)

	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		resp, err := http.Get(ngrokAPI + "/api/tunnels")
		if err != nil {
			lastErr = err
			slog.Debug("ngrok not ready, retrying",
				"attempt", attempt+1,
				"error", err,
			)
			time.Sleep(2 * time.Second)
			continue
		}

		var result struct {
			Tunnels []struct {
				PublicURL string `json:"public_url"`
				Proto     string `json:"proto"`
			} `json:"tunnels"`
		}
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			time.Sleep(2 * time.Second)
			continue
		}

		for _, t := range result.Tunnels {
			if t.Proto == "https" {
				slog.Info("ngrok tunnel discovered", "url", t.PublicURL)
				return t.PublicURL + "/webhook"
			}
		}

		if len(result.Tunnels) > 0 {
			url := result.Tunnels[0].PublicURL
			slog.Info("ngrok tunnel discovered", "url", url)
			return url + "/webhook"
		}

		lastErr = fmt.Errorf("no tunnels found")
		time.Sleep(2 * time.Second)
	}

	slog.Error("failed to discover ngrok tunnel", "error", lastErr)
	return ""
}
