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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileStoreConfig holds credentials for the external file-storage service.
// A missing ClientID means unauthenticated access; a missing URL disables
// attachment registration entirely.
type FileStoreConfig struct {
	URL          string `yaml:"url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
}

// Config holds all configuration for the RFI ingestion service.
type Config struct {
	// Postgres
	DatabaseURL string

	// Redis
	RedisURL           string
	NotificationsQueue string

	// File storage collaborator
	FileStore FileStoreConfig

	// Pipeline
	MaxConcurrent int
	NotifyTimeout time.Duration

	// Servers: health/metrics and webhook listener
	Port        int
	WebhookPort int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Notifications string `yaml:"notifications"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	FileStore FileStoreConfig `yaml:"file_store"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. The YAML file is optional:
// a deployment may configure everything through the environment.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case os.IsNotExist(err):
		// Environment-only deployment.
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		DatabaseURL:        firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:           firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		NotificationsQueue: firstNonEmpty(raw.Redis.Queues.Notifications, envOrDefault("NOTIFICATIONS_QUEUE", "notifications")),
		FileStore: FileStoreConfig{
			URL:          firstNonEmpty(raw.FileStore.URL, os.Getenv("FILE_STORE_URL")),
			ClientID:     firstNonEmpty(raw.FileStore.ClientID, os.Getenv("FILE_STORE_CLIENT_ID")),
			ClientSecret: firstNonEmpty(raw.FileStore.ClientSecret, os.Getenv("FILE_STORE_CLIENT_SECRET")),
			TokenURL:     firstNonEmpty(raw.FileStore.TokenURL, os.Getenv("FILE_STORE_TOKEN_URL")),
		},
		MaxConcurrent: envOrDefaultInt("MAX_CONCURRENT", 8),
		NotifyTimeout: envOrDefaultDuration("NOTIFY_TIMEOUT", 5*time.Second),
		Port:          envOrDefaultInt("PORT", 8080),
		WebhookPort:   envOrDefaultInt("WEBHOOK_PORT", 8081),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("no database configured — set database.url in config.yaml or DATABASE_URL")
	}
	if cfg.FileStore.ClientID != "" && cfg.FileStore.TokenURL == "" {
		return nil, fmt.Errorf("file_store.client_id set without file_store.token_url")
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
