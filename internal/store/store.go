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

// Package store is the Postgres-backed RFI store collaborator. It serves
// the matcher's read queries and the recorder's writes, and it is where
// the (rfi_id, source_message_id) idempotency key lives: a uniqueness
// constraint makes the check-then-insert atomic so concurrent redeliveries
// cannot create duplicate responses.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldscope/rfimail/internal/match"
	"github.com/fieldscope/rfimail/internal/models"
)

// Store provides RFI queries and response/log writes on Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates the store backed by the given Postgres pool.
// It ensures the schema exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure rfi schema: %w", err)
	}
	slog.Info("rfi store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rfis (
			id              BIGSERIAL PRIMARY KEY,
			number          TEXT NOT NULL UNIQUE,
			project_id      TEXT NOT NULL,
			subject         TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'draft',
			email_thread_id TEXT NOT NULL DEFAULT '',
			requester       TEXT NOT NULL DEFAULT '',
			recipients      TEXT[] NOT NULL DEFAULT '{}',
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_rfis_thread ON rfis(LOWER(email_thread_id));
		CREATE INDEX IF NOT EXISTS idx_rfis_project ON rfis(project_id);

		CREATE TABLE IF NOT EXISTS rfi_responses (
			id                BIGSERIAL PRIMARY KEY,
			rfi_id            BIGINT NOT NULL REFERENCES rfis(id),
			from_address      TEXT NOT NULL DEFAULT '',
			body_text         TEXT NOT NULL DEFAULT '',
			body_html         TEXT NOT NULL DEFAULT '',
			received_at       TIMESTAMPTZ NOT NULL,
			source_message_id TEXT NOT NULL,
			matched_via       TEXT NOT NULL,
			attachments       JSONB NOT NULL DEFAULT '[]',
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(rfi_id, source_message_id)
		);

		CREATE TABLE IF NOT EXISTS outbound_emails (
			id         BIGSERIAL PRIMARY KEY,
			rfi_id     BIGINT NOT NULL REFERENCES rfis(id),
			message_id TEXT NOT NULL UNIQUE,
			sent_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_outbound_message ON outbound_emails(LOWER(message_id));

		CREATE TABLE IF NOT EXISTS rfi_email_log (
			id                BIGSERIAL PRIMARY KEY,
			rfi_id            BIGINT REFERENCES rfis(id),
			direction         TEXT NOT NULL DEFAULT 'inbound',
			delivery_id       TEXT NOT NULL DEFAULT '',
			source_message_id TEXT NOT NULL DEFAULT '',
			raw_email_ref     TEXT NOT NULL DEFAULT '',
			project_hint      TEXT NOT NULL DEFAULT '',
			matched_via       TEXT NOT NULL DEFAULT '',
			unmatched_reason  TEXT NOT NULL DEFAULT '',
			replayed_at       TIMESTAMPTZ,
			created_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_email_log_unmatched ON rfi_email_log(created_at) WHERE rfi_id IS NULL;

		CREATE TABLE IF NOT EXISTS rfi_notification_log (
			id         BIGSERIAL PRIMARY KEY,
			rfi_id     BIGINT NOT NULL REFERENCES rfis(id),
			event_type TEXT NOT NULL,
			recipients TEXT[] NOT NULL DEFAULT '{}',
			reason     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

const rfiColumns = `id, number, project_id, subject, status, email_thread_id,
       requester, recipients, created_at, updated_at`

// FindByThreadID resolves an RFI by its email thread correlation id,
// case-insensitively. Returns nil when nothing matches and
// match.ErrAmbiguous when more than one RFI claims the thread.
func (s *Store) FindByThreadID(ctx context.Context, threadID string) (*models.RFI, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rfiColumns+`
		FROM rfis
		WHERE email_thread_id <> '' AND LOWER(email_thread_id) = LOWER($1)
		LIMIT 2
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("find by thread id: %w", err)
	}
	defer rows.Close()
	return singleRFI(rows)
}

// FindByNumber resolves an RFI by its canonical number, case-insensitively.
// Numbers are globally unique, so more than one row is bad data and is
// reported as match.ErrAmbiguous rather than guessed at.
func (s *Store) FindByNumber(ctx context.Context, number string) (*models.RFI, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rfiColumns+`
		FROM rfis
		WHERE UPPER(number) = UPPER($1)
		LIMIT 2
	`, number)
	if err != nil {
		return nil, fmt.Errorf("find by number: %w", err)
	}
	defer rows.Close()
	return singleRFI(rows)
}

// FindOutboundMessageID resolves the RFI whose outbound email carried the
// given Message-ID.
func (s *Store) FindOutboundMessageID(ctx context.Context, messageID string) (*models.RFI, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.number, r.project_id, r.subject, r.status, r.email_thread_id,
		       r.requester, r.recipients, r.created_at, r.updated_at
		FROM outbound_emails o
		JOIN rfis r ON r.id = o.rfi_id
		WHERE LOWER(o.message_id) = LOWER($1)
		LIMIT 2
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("find outbound message id: %w", err)
	}
	defer rows.Close()
	return singleRFI(rows)
}

// GetRFI retrieves a single RFI by id.
func (s *Store) GetRFI(ctx context.Context, id int64) (*models.RFI, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+rfiColumns+`
		FROM rfis
		WHERE id = $1
	`, id)
	rfi, err := scanRFI(row)
	if err != nil {
		return nil, fmt.Errorf("get rfi %d: %w", id, err)
	}
	return rfi, nil
}

// CreateResponse inserts a response unless one already exists for the same
// (rfi_id, source_message_id). ON CONFLICT DO NOTHING makes the
// check-then-insert a single atomic statement; when the insert is skipped,
// the existing row is returned with created=false.
func (s *Store) CreateResponse(ctx context.Context, r *models.RFIResponse) (*models.RFIResponse, bool, error) {
	attachments, err := json.Marshal(r.Attachments)
	if err != nil {
		return nil, false, fmt.Errorf("marshal attachments: %w", err)
	}

	stored := *r
	err = s.pool.QueryRow(ctx, `
		INSERT INTO rfi_responses
			(rfi_id, from_address, body_text, body_html, received_at,
			 source_message_id, matched_via, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (rfi_id, source_message_id) DO NOTHING
		RETURNING id, created_at
	`, r.RFIID, r.FromAddress, r.BodyText, r.BodyHTML, r.ReceivedAt,
		r.SourceMessageID, string(r.MatchedVia), attachments,
	).Scan(&stored.ID, &stored.CreatedAt)

	if err == nil {
		return &stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert response: %w", err)
	}

	// Conflict: a previous delivery already recorded this response.
	existing, err := s.findResponse(ctx, r.RFIID, r.SourceMessageID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) findResponse(ctx context.Context, rfiID int64, sourceMessageID string) (*models.RFIResponse, error) {
	var (
		r           models.RFIResponse
		matchedVia  string
		attachments []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, rfi_id, from_address, body_text, body_html, received_at,
		       source_message_id, matched_via, attachments, created_at
		FROM rfi_responses
		WHERE rfi_id = $1 AND source_message_id = $2
	`, rfiID, sourceMessageID).Scan(
		&r.ID, &r.RFIID, &r.FromAddress, &r.BodyText, &r.BodyHTML, &r.ReceivedAt,
		&r.SourceMessageID, &matchedVia, &attachments, &r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("select existing response: %w", err)
	}
	r.MatchedVia = models.MatchStrategy(matchedVia)
	if err := json.Unmarshal(attachments, &r.Attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}
	return &r, nil
}

// UpdateStatus sets the RFI's status.
func (s *Store) UpdateStatus(ctx context.Context, rfiID int64, status models.Status) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE rfis
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, string(status), rfiID)
	if err != nil {
		return fmt.Errorf("update rfi status: %w", err)
	}
	return nil
}

// CreateEmailLog appends one audit row for a processed inbound delivery.
// Exactly one row is written per delivery that reaches the decoder, so a
// redelivered duplicate gets its own row.
func (s *Store) CreateEmailLog(ctx context.Context, entry *models.RFIEmailLog) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rfi_email_log
			(rfi_id, direction, delivery_id, source_message_id, raw_email_ref,
			 project_hint, matched_via, unmatched_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, entry.RFIID, entry.Direction, entry.DeliveryID, entry.SourceMessageID,
		entry.RawEmailRef, entry.ProjectHint, entry.MatchedVia, entry.UnmatchedReason,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert email log: %w", err)
	}
	return id, nil
}

// CreateNotificationLog records who was notified about an RFI event and why.
func (s *Store) CreateNotificationLog(ctx context.Context, rfiID int64, eventType string, recipients []string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rfi_notification_log (rfi_id, event_type, recipients, reason)
		VALUES ($1, $2, $3, $4)
	`, rfiID, eventType, recipients, reason)
	if err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}
	return nil
}

// ListUnmatched returns unmatched email-log rows not yet replayed, oldest
// first. Used by the replay tool.
func (s *Store) ListUnmatched(ctx context.Context, since time.Time, limit int) ([]models.RFIEmailLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, rfi_id, direction, delivery_id, source_message_id, raw_email_ref,
		       project_hint, matched_via, unmatched_reason, replayed_at, created_at
		FROM rfi_email_log
		WHERE rfi_id IS NULL AND replayed_at IS NULL AND created_at >= $1
		ORDER BY created_at
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list unmatched: %w", err)
	}
	defer rows.Close()

	var entries []models.RFIEmailLog
	for rows.Next() {
		var e models.RFIEmailLog
		if err := rows.Scan(
			&e.ID, &e.RFIID, &e.Direction, &e.DeliveryID, &e.SourceMessageID,
			&e.RawEmailRef, &e.ProjectHint, &e.MatchedVia, &e.UnmatchedReason,
			&e.ReplayedAt, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan email log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkReplayed stamps an unmatched log row after the replay tool re-ran it.
func (s *Store) MarkReplayed(ctx context.Context, logID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE rfi_email_log
		SET replayed_at = NOW()
		WHERE id = $1
	`, logID)
	if err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	return nil
}

// Ping checks the Postgres connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// singleRFI scans at most one RFI from rows, reporting ambiguity when a
// second row is present.
func singleRFI(rows pgx.Rows) (*models.RFI, error) {
	var found *models.RFI
	for rows.Next() {
		if found != nil {
			return nil, match.ErrAmbiguous
		}
		rfi, err := scanRFI(rows)
		if err != nil {
			return nil, err
		}
		found = rfi
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return found, nil
}

func scanRFI(row pgx.Row) (*models.RFI, error) {
	var r models.RFI
	err := row.Scan(
		&r.ID, &r.Number, &r.ProjectID, &r.Subject, &r.Status, &r.EmailThreadID,
		&r.Requester, &r.Recipients, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
