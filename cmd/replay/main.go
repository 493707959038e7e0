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

// FieldScope RFI Mail — Unmatched Replay Command
//
// Standalone CLI tool that re-runs unmatched inbound emails through the
// ingestion pipeline. Run it after creating RFIs that arrived late, or
// after a matcher improvement.
//
// Usage:
//
//	go run ./cmd/replay/ [--since 720h] [--limit 100] [--dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fieldscope/rfimail/internal/config"
	"github.com/fieldscope/rfimail/internal/dedup"
	"github.com/fieldscope/rfimail/internal/filestore"
	"github.com/fieldscope/rfimail/internal/match"
	"github.com/fieldscope/rfimail/internal/notify"
	"github.com/fieldscope/rfimail/internal/pipeline"
	"github.com/fieldscope/rfimail/internal/record"
	"github.com/fieldscope/rfimail/internal/replay"
	"github.com/fieldscope/rfimail/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	sinceFlag := flag.String("since", "720h", "Lookback duration (e.g. 168h for 1 week, 720h for 30 days)")
	limitFlag := flag.Int("limit", 100, "Maximum unmatched entries to replay in one run")
	dryRunFlag := flag.Bool("dry-run", false, "List eligible entries without replaying them")
	flag.Parse()

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.FileStore.URL == "" {
		slog.Error("replay needs file storage configured — raw emails are fetched by reference")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	rfiStore, err := store.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise RFI store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := notify.NewPublisher(rdb, cfg.NotificationsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- File storage client ---
	httpClient := filestore.NewHTTPClient(ctx,
		cfg.FileStore.ClientID,
		cfg.FileStore.ClientSecret,
		cfg.FileStore.TokenURL,
	)
	files := filestore.NewClient(httpClient, cfg.FileStore.URL)

	// --- Pipeline ---
	dispatcher := notify.NewDispatcher(publisher, rfiStore, dedup.NewFilter(rdb), cfg.NotifyTimeout)
	pipe := pipeline.New(
		match.NewMatcher(rfiStore),
		record.NewRecorder(rfiStore),
		rfiStore,
		dispatcher,
		files,
		cfg.MaxConcurrent,
	)

	// --- Run Replay ---
	runner := replay.NewRunner(replay.RunnerConfig{
		Source:    rfiStore,
		Fetcher:   files,
		Processor: pipe,
	})

	result, err := runner.Run(ctx, replay.Request{
		Since:  sinceDuration,
		Limit:  *limitFlag,
		DryRun: *dryRunFlag,
	})
	if err != nil {
		slog.Error("replay failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("replay complete",
		"listed", result.Listed,
		"matched", result.Matched,
		"still_unmatched", result.StillUnmatched,
		"missing", result.Missing,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)
}
