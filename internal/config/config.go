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

// Package config loads service configuration from config.yaml and
// environment variables, and owns the utility rule model consumed by the
// matcher, dispatcher, and reconciler.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GraphConfig holds the app registration credentials for the mail tenant.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// DedupConfig controls the duplicate-suppression policy.
type DedupConfig struct {
	// Backend selects the store: "memory" (default) or "redis".
	Backend string `yaml:"backend"`
	// TTL is how long an identity is remembered.
	TTL time.Duration `yaml:"ttl"`
	// MaxEntries bounds the in-memory store; oldest entries are evicted
	// past this size regardless of TTL.
	MaxEntries int `yaml:"max_entries"`
	// Fingerprint adds a content hash to the identity, so identical
	// internet-message ids with different content count as distinct.
	Fingerprint bool `yaml:"fingerprint"`
	// PerFolder scopes the identity to the folder view, treating the
	// Sent Items and Inbox copies of a self-addressed mail as two events.
	PerFolder bool `yaml:"per_folder"`
}

// Config holds all configuration for the relay service.
type Config struct {
	Graph        GraphConfig
	GraphBaseURL string

	// Webhook
	WebhookURL  string
	WebhookPort int

	// Admin API
	AdminPort  int
	AdminToken string

	// Storage
	DatabaseURL string
	RedisURL    string
	RulesPath   string

	// Processing
	MaxConcurrentForwards int
	BatchWorkers          int
	QueueDepth            int

	Dedup DedupConfig

	// Subscription lifecycle
	RenewalThreshold time.Duration
	RenewalInterval  time.Duration
	ReconcileOnStart bool
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Graph   GraphConfig `yaml:"graph"`
	Webhook struct {
		URL  string `yaml:"url"`
		Port int    `yaml:"port"`
	} `yaml:"webhook"`
	Admin struct {
		Port int `yaml:"port"`
	} `yaml:"admin"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Rules struct {
		Path string `yaml:"path"`
	} `yaml:"rules"`
	Dedup DedupConfig `yaml:"dedup"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Graph:        raw.Graph,
		GraphBaseURL: envOrDefault("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0"),

		WebhookURL:  firstNonEmpty(raw.Webhook.URL, os.Getenv("WEBHOOK_URL")),
		WebhookPort: firstNonZero(raw.Webhook.Port, envOrDefaultInt("WEBHOOK_PORT", 8080)),

		AdminPort:  firstNonZero(raw.Admin.Port, envOrDefaultInt("ADMIN_PORT", 8081)),
		AdminToken: os.Getenv("ADMIN_API_TOKEN"),

		DatabaseURL: firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		RulesPath:   firstNonEmpty(raw.Rules.Path, envOrDefault("RULES_PATH", "config/utilities.yaml")),

		MaxConcurrentForwards: envOrDefaultInt("MAX_CONCURRENT_FORWARDS", 25),
		BatchWorkers:          envOrDefaultInt("BATCH_WORKERS", 10),
		QueueDepth:            envOrDefaultInt("QUEUE_DEPTH", 256),

		Dedup: raw.Dedup,

		RenewalThreshold: envOrDefaultDuration("RENEWAL_THRESHOLD", 24*time.Hour),
		RenewalInterval:  envOrDefaultDuration("RENEWAL_INTERVAL", 12*time.Hour),
		ReconcileOnStart: envOrDefault("RECONCILE_ON_START", "true") == "true",
	}

	if cfg.Dedup.Backend == "" {
		cfg.Dedup.Backend = "memory"
	}
	if cfg.Dedup.TTL <= 0 {
		cfg.Dedup.TTL = envOrDefaultDuration("DEDUPLICATION_TTL", 5*time.Minute)
	}
	if cfg.Dedup.MaxEntries <= 0 {
		cfg.Dedup.MaxEntries = 10000
	}

	if cfg.Graph.TenantID == "" || cfg.Graph.ClientID == "" || cfg.Graph.ClientSecret == "" {
		return nil, fmt.Errorf("graph credentials missing — check config.yaml and environment variables")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
