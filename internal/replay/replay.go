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

// Package replay re-runs unmatched emails through the ingestion pipeline.
// Emails that arrived before their RFI existed, or with correlation data
// the matcher has since learned to read, get a second chance here.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldscope/rfimail/internal/models"
	"github.com/fieldscope/rfimail/internal/pipeline"
)

// Source lists unmatched email-log rows and stamps them after replay.
type Source interface {
	ListUnmatched(ctx context.Context, since time.Time, limit int) ([]models.RFIEmailLog, error)
	MarkReplayed(ctx context.Context, logID int64) error
}

// Fetcher retrieves raw email blobs from file storage by reference.
type Fetcher interface {
	FetchRaw(ctx context.Context, ref string) ([]byte, error)
}

// Processor runs one delivery through the ingestion pipeline.
type Processor interface {
	Process(ctx context.Context, d pipeline.Delivery) (*pipeline.Outcome, error)
}

// Request defines the scope of a replay run.
type Request struct {
	Since  time.Duration // lookback window (e.g. 720h = 30 days)
	Limit  int           // max entries per run
	DryRun bool          // list only, change nothing
}

// Result summarises a completed replay run.
type Result struct {
	Listed         int
	Matched        int
	StillUnmatched int
	Missing        int // raw email no longer in file storage
	Errors         int
	Elapsed        time.Duration
}

// Runner replays unmatched emails.
type Runner struct {
	source    Source
	fetcher   Fetcher
	processor Processor
	delay     time.Duration // delay between entries to go easy on collaborators
}

// RunnerConfig holds dependencies for the replay runner.
type RunnerConfig struct {
	Source    Source
	Fetcher   Fetcher
	Processor Processor
	Delay     time.Duration
}

// NewRunner creates a replay runner.
func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.Delay
	if delay == 0 {
		delay = 100 * time.Millisecond
	}
	return &Runner{
		source:    cfg.Source,
		fetcher:   cfg.Fetcher,
		processor: cfg.Processor,
		delay:     delay,
	}
}

// Run replays unmatched entries within the lookback window. Each replayed
// entry is stamped whether it matched or not: a still-unmatched replay
// writes a fresh unmatched log row, and stamping the old one keeps a
// single live row per email.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	since := time.Now().UTC().Add(-req.Since)

	entries, err := r.source.ListUnmatched(ctx, since, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("list unmatched: %w", err)
	}

	result := &Result{Listed: len(entries)}

	slog.Info("starting unmatched replay",
		"since", since.Format(time.RFC3339),
		"entries", len(entries),
		"dry_run", req.DryRun,
	)

	for i, entry := range entries {
		if i > 0 {
			select {
			case <-ctx.Done():
				result.Elapsed = time.Since(start)
				return result, ctx.Err()
			case <-time.After(r.delay):
			}
		}

		if req.DryRun {
			slog.Info("would replay",
				"log_id", entry.ID,
				"source_message_id", entry.SourceMessageID,
				"raw_ref", entry.RawEmailRef,
				"received", entry.CreatedAt.Format(time.RFC3339),
			)
			continue
		}

		if err := r.replayEntry(ctx, entry, result); err != nil {
			slog.Warn("replay failed for entry",
				"log_id", entry.ID,
				"error", err,
			)
			result.Errors++
		}
	}

	result.Elapsed = time.Since(start)

	slog.Info("unmatched replay complete",
		"listed", result.Listed,
		"matched", result.Matched,
		"still_unmatched", result.StillUnmatched,
		"missing", result.Missing,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

func (r *Runner) replayEntry(ctx context.Context, entry models.RFIEmailLog, result *Result) error {
	raw, err := r.fetcher.FetchRaw(ctx, entry.RawEmailRef)
	if err != nil {
		return fmt.Errorf("fetch raw %s: %w", entry.RawEmailRef, err)
	}
	if raw == nil {
		// Blob aged out; nothing left to replay. Stamp it so the next run
		// does not retry forever.
		result.Missing++
		return r.source.MarkReplayed(ctx, entry.ID)
	}

	outcome, err := r.processor.Process(ctx, pipeline.Delivery{
		DeliveryID:  entry.DeliveryID,
		Raw:         raw,
		ProjectHint: entry.ProjectHint,
		RawRef:      entry.RawEmailRef,
	})
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}

	switch outcome.Disposition {
	case pipeline.DispositionMatched, pipeline.DispositionDuplicate:
		result.Matched++
		slog.Info("replayed email matched",
			"log_id", entry.ID,
			"rfi", outcome.RFI.Number,
			"matched_via", string(outcome.MatchedVia),
		)
	default:
		result.StillUnmatched++
	}

	return r.source.MarkReplayed(ctx, entry.ID)
}
