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

// Package pipeline runs one inbound delivery end to end: decode the raw
// email, correlate it with an RFI, record the response or the unmatched
// miss, and hand status transitions to the notifier. Processing is
// synchronous so the webhook's acknowledgment reflects what actually
// happened to the email.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fieldscope/rfimail/internal/decode"
	"github.com/fieldscope/rfimail/internal/match"
	"github.com/fieldscope/rfimail/internal/metrics"
	"github.com/fieldscope/rfimail/internal/models"
	"github.com/fieldscope/rfimail/internal/notify"
	"github.com/fieldscope/rfimail/internal/record"
)

// ErrStorage marks failures of the RFI store. The webhook maps it to a
// retryable acknowledgment so the provider redelivers.
var ErrStorage = errors.New("rfi storage unavailable")

// Delivery is one webhook delivery, decoded from the push envelope.
type Delivery struct {
	DeliveryID  string
	Raw         []byte
	PublishTime time.Time
	Attempt     int

	// ProjectHint, when present, guards subject and In-Reply-To matches
	// against cross-project misfiling.
	ProjectHint string

	// RawRef is the provider's reference to the stored raw email. Falls
	// back to DeliveryID when the envelope carries none.
	RawRef string

	// ThreadID from envelope attributes, used when the message headers
	// carry no thread correlation id of their own.
	ThreadID string
}

// Disposition says what the pipeline did with a delivery.
type Disposition string

const (
	DispositionMatched   Disposition = "matched"
	DispositionDuplicate Disposition = "duplicate"
	DispositionUnmatched Disposition = "unmatched"
)

// Outcome reports the result of processing one delivery.
type Outcome struct {
	Disposition     Disposition
	RFI             *models.RFI
	Email           *models.ParsedEmail
	MatchedVia      models.MatchStrategy
	UnmatchedReason string
	LogID           int64
}

// AuditLog is the append-only email log the pipeline writes every decoded
// delivery to, matched or not.
type AuditLog interface {
	CreateEmailLog(ctx context.Context, entry *models.RFIEmailLog) (int64, error)
}

// Notifier receives status transitions. Implementations must be
// best-effort: Dispatch cannot fail the pipeline.
type Notifier interface {
	Dispatch(ctx context.Context, ev notify.Event)
}

// Registrar registers attachment metadata with external file storage.
type Registrar interface {
	Register(ctx context.Context, sourceMessageID string, meta models.AttachmentMeta) (string, error)
}

// Pipeline wires the decoder, matcher, recorder, audit log and notifier.
type Pipeline struct {
	matcher   *match.Matcher
	recorder  *record.Recorder
	audit     AuditLog
	notifier  Notifier
	registrar Registrar
	sem       chan struct{}
}

// DefaultMaxConcurrent bounds simultaneous deliveries being processed.
const DefaultMaxConcurrent = 8

// New creates a pipeline. registrar may be nil when no file-storage
// collaborator is configured; attachments then keep empty storage refs.
func New(matcher *match.Matcher, recorder *record.Recorder, audit AuditLog, notifier Notifier, registrar Registrar, maxConcurrent int) *Pipeline {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Pipeline{
		matcher:   matcher,
		recorder:  recorder,
		audit:     audit,
		notifier:  notifier,
		registrar: registrar,
		sem:       make(chan struct{}, maxConcurrent),
	}
}

// Process runs one delivery through the pipeline.
//
// Error contract: a decode failure comes back as a decode.DecodeError (the
// payload is bad and redelivery cannot help); storage failures come back
// wrapped in ErrStorage (redelivery should retry). Every successfully
// decoded delivery writes exactly one email-log row, including duplicates.
func (p *Pipeline) Process(ctx context.Context, d Delivery) (*Outcome, error) {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	start := time.Now()
	defer func() {
		metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}()

	email, err := decode.Decode(d.Raw)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("decode_error").Inc()
		return nil, fmt.Errorf("decode delivery %s: %w", d.DeliveryID, err)
	}
	if email.ThreadID == "" {
		email.ThreadID = d.ThreadID
	}
	if d.ProjectHint == "" {
		d.ProjectHint = hintFromRecipients(email.To)
	}

	result, err := p.matcher.Match(ctx, email, d.ProjectHint)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("storage_error").Inc()
		return nil, errors.Join(ErrStorage, err)
	}

	if !result.Matched() {
		return p.recordUnmatched(ctx, d, email, result.UnmatchedReason)
	}
	return p.recordMatched(ctx, d, email, result)
}

func (p *Pipeline) recordMatched(ctx context.Context, d Delivery, email *models.ParsedEmail, result match.Result) (*Outcome, error) {
	rfi := result.RFI

	outcome, err := p.recorder.Record(ctx, rfi, email, result.Strategy, p.registerAttachments(ctx, email))
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("storage_error").Inc()
		return nil, errors.Join(ErrStorage, err)
	}

	matchedVia := string(result.Strategy)
	logID, err := p.audit.CreateEmailLog(ctx, &models.RFIEmailLog{
		RFIID:           &rfi.ID,
		Direction:       "inbound",
		DeliveryID:      d.DeliveryID,
		SourceMessageID: email.MessageID,
		RawEmailRef:     d.rawRef(),
		ProjectHint:     d.ProjectHint,
		MatchedVia:      matchedVia,
	})
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("storage_error").Inc()
		return nil, errors.Join(ErrStorage, err)
	}

	disposition := DispositionMatched
	if outcome.Duplicate {
		disposition = DispositionDuplicate
	} else {
		metrics.MatchesTotal.WithLabelValues(matchedVia).Inc()
	}
	metrics.DeliveriesTotal.WithLabelValues(string(disposition)).Inc()

	if outcome.StatusChanged() {
		p.notifier.Dispatch(ctx, notify.Event{
			RFI:             rfi,
			OldStatus:       outcome.OldStatus,
			NewStatus:       outcome.NewStatus,
			SourceMessageID: email.MessageID,
		})
	}

	return &Outcome{
		Disposition: disposition,
		RFI:         rfi,
		Email:       email,
		MatchedVia:  result.Strategy,
		LogID:       logID,
	}, nil
}

func (p *Pipeline) recordUnmatched(ctx context.Context, d Delivery, email *models.ParsedEmail, reason string) (*Outcome, error) {
	logID, err := p.audit.CreateEmailLog(ctx, &models.RFIEmailLog{
		Direction:       "inbound",
		DeliveryID:      d.DeliveryID,
		SourceMessageID: email.MessageID,
		RawEmailRef:     d.rawRef(),
		ProjectHint:     d.ProjectHint,
		UnmatchedReason: reason,
	})
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("storage_error").Inc()
		return nil, errors.Join(ErrStorage, err)
	}
	metrics.DeliveriesTotal.WithLabelValues("unmatched").Inc()

	slog.Info("inbound email did not match any RFI",
		"delivery_id", d.DeliveryID,
		"source_message_id", email.MessageID,
		"from", email.From,
		"subject", email.Subject,
		"reason", reason,
	)

	return &Outcome{
		Disposition:     DispositionUnmatched,
		Email:           email,
		UnmatchedReason: reason,
		LogID:           logID,
	}, nil
}

// registerAttachments hands attachment metadata to file storage. A failed
// registration keeps the metadata with an empty ref rather than losing the
// response over it.
func (p *Pipeline) registerAttachments(ctx context.Context, email *models.ParsedEmail) []models.Attachment {
	attachments := make([]models.Attachment, 0, len(email.Attachments))
	for _, meta := range email.Attachments {
		att := models.Attachment{
			Filename:    meta.Filename,
			ContentType: meta.ContentType,
			SizeBytes:   meta.SizeBytes,
		}
		if p.registrar != nil {
			ref, err := p.registrar.Register(ctx, email.MessageID, meta)
			if err != nil {
				slog.Warn("attachment registration failed, keeping metadata without ref",
					"filename", meta.Filename,
					"error", err,
				)
			} else {
				att.StorageRef = ref
			}
		}
		attachments = append(attachments, att)
	}
	return attachments
}

// hintFromRecipients derives a project hint from plus-addressed inbound
// recipients: mail to rfi+{project}@... hints at {project}.
func hintFromRecipients(to []string) string {
	for _, addr := range to {
		at := strings.Index(addr, "@")
		if at < 0 {
			continue
		}
		local := addr[:at]
		if rest, ok := strings.CutPrefix(local, "rfi+"); ok && rest != "" {
			return rest
		}
	}
	return ""
}

func (d Delivery) rawRef() string {
	if d.RawRef != "" {
		return d.RawRef
	}
	return d.DeliveryID
}
