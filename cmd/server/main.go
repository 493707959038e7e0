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

// FieldScope RFI Mail — ingestion service
//
// Entry point for the inbound RFI email service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL (RFI store) and Redis (notifications, dedup)
//  3. Wires the decode → match → record pipeline with its collaborators
//  4. Serves the inbound-email webhook endpoint
//  5. Serves health and metrics endpoints
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fieldscope/rfimail/internal/config"
	"github.com/fieldscope/rfimail/internal/dedup"
	"github.com/fieldscope/rfimail/internal/filestore"
	"github.com/fieldscope/rfimail/internal/match"
	"github.com/fieldscope/rfimail/internal/notify"
	"github.com/fieldscope/rfimail/internal/pipeline"
	"github.com/fieldscope/rfimail/internal/record"
	"github.com/fieldscope/rfimail/internal/store"
	"github.com/fieldscope/rfimail/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting FieldScope RFI mail service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"webhook_port", cfg.WebhookPort,
		"max_concurrent", cfg.MaxConcurrent,
		"file_store", cfg.FileStore.URL != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
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

	publisher := notify.NewPublisher(rdb, cfg.NotificationsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Notification suppression filter ---
	filter := dedup.NewFilter(rdb)

	// --- File storage collaborator (optional) ---
	var registrar pipeline.Registrar
	if cfg.FileStore.URL != "" {
		httpClient := filestore.NewHTTPClient(ctx,
			cfg.FileStore.ClientID,
			cfg.FileStore.ClientSecret,
			cfg.FileStore.TokenURL,
		)
		registrar = filestore.NewClient(httpClient, cfg.FileStore.URL)
		slog.Info("file storage configured",
			"url", cfg.FileStore.URL,
			"authenticated", cfg.FileStore.ClientID != "",
		)
	} else {
		slog.Warn("no file storage configured, attachment refs will be empty")
	}

	// --- Pipeline ---
	dispatcher := notify.NewDispatcher(publisher, rfiStore, filter, cfg.NotifyTimeout)
	pipe := pipeline.New(
		match.NewMatcher(rfiStore),
		record.NewRecorder(rfiStore),
		rfiStore,
		dispatcher,
		registrar,
		cfg.MaxConcurrent,
	)

	// --- Webhook server ---
	handler := webhook.NewHandler(pipe)
	ready, err := webhook.Serve(ctx, cfg.WebhookPort, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("webhook server ready")

	// --- Health and metrics server ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := rfiStore.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // stops the webhook server

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("rfi mail service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("rfi mail service stopped")
}
