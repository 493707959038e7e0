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

// Package record persists matched inbound responses and advances the RFI
// lifecycle. Creation is idempotent on (rfiID, sourceMessageID): the store
// enforces uniqueness atomically, and a replayed delivery surfaces as a
// no-op with the existing response, never as an error.
package record

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldscope/rfimail/internal/models"
)

// Store is the write capability the recorder needs over RFI storage.
type Store interface {
	// CreateResponse inserts a response unless one already exists for the
	// same (RFIID, SourceMessageID). It returns the stored response and
	// created=false when a previous delivery already recorded it. The
	// check-then-insert must be atomic in the store.
	CreateResponse(ctx context.Context, response *models.RFIResponse) (*models.RFIResponse, bool, error)

	// UpdateStatus sets the RFI's status.
	UpdateStatus(ctx context.Context, rfiID int64, status models.Status) error
}

// Outcome describes what recording a response did.
type Outcome struct {
	Response  *models.RFIResponse
	Duplicate bool
	OldStatus models.Status
	NewStatus models.Status
}

// StatusChanged reports whether the RFI transitioned.
func (o *Outcome) StatusChanged() bool { return o.OldStatus != o.NewStatus }

// Recorder creates RFIResponses and drives status transitions.
type Recorder struct {
	store Store
}

// NewRecorder creates a response recorder.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record persists one matched response against rfi.
//
// Responses are accepted in every status — mail is never discarded for
// arriving late — but only open and waiting_response transition to
// answered. A duplicate (same source message id, e.g. a webhook
// redelivery) returns the existing response untouched; the transition is
// still applied if the RFI owes one, because a previous delivery may have
// inserted the response and then failed its status write.
func (r *Recorder) Record(
	ctx context.Context,
	rfi *models.RFI,
	email *models.ParsedEmail,
	strategy models.MatchStrategy,
	attachments []models.Attachment,
) (*Outcome, error) {
	receivedAt := email.Date
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	if attachments == nil {
		attachments = []models.Attachment{}
	}

	response := &models.RFIResponse{
		RFIID:           rfi.ID,
		FromAddress:     email.From,
		BodyText:        email.BodyText,
		BodyHTML:        email.BodyHTML,
		ReceivedAt:      receivedAt,
		SourceMessageID: email.MessageID,
		MatchedVia:      strategy,
		Attachments:     attachments,
	}

	stored, created, err := r.store.CreateResponse(ctx, response)
	if err != nil {
		return nil, fmt.Errorf("create response: %w", err)
	}

	outcome := &Outcome{
		Response:  stored,
		OldStatus: rfi.Status,
		NewStatus: rfi.Status,
	}

	// The transition runs on duplicates too: the response row and the
	// status write are separate statements, so a delivery can insert the
	// response and fail the status write. The redelivery then lands here
	// with the RFI still owing its transition. Next is a no-op once the
	// status has advanced, so healthy redeliveries change nothing.
	if next, ok := Next(rfi.Status, EventResponseReceived); ok {
		if err := r.store.UpdateStatus(ctx, rfi.ID, next); err != nil {
			return nil, fmt.Errorf("update status: %w", err)
		}
		outcome.NewStatus = next
	}

	if !created {
		outcome.Duplicate = true
		slog.Info("duplicate response delivery, keeping existing record",
			"rfi", rfi.Number,
			"source_message_id", email.MessageID,
			"status", string(outcome.NewStatus),
		)
		return outcome, nil
	}

	slog.Info("response recorded",
		"rfi", rfi.Number,
		"source_message_id", email.MessageID,
		"matched_via", string(strategy),
		"status", string(outcome.NewStatus),
	)

	return outcome, nil
}
