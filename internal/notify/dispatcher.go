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

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldscope/rfimail/internal/dedup"
	"github.com/fieldscope/rfimail/internal/metrics"
	"github.com/fieldscope/rfimail/internal/models"
)

// AuditStore records who was notified and why.
type AuditStore interface {
	CreateNotificationLog(ctx context.Context, rfiID int64, eventType string, recipients []string, reason string) error
}

// Event is a status transition that may need to notify people.
type Event struct {
	RFI             *models.RFI
	OldStatus       models.Status
	NewStatus       models.Status
	SourceMessageID string
}

// DefaultTimeout bounds a single dispatch so a slow delivery collaborator
// cannot hold up webhook acknowledgment.
const DefaultTimeout = 5 * time.Second

// Dispatcher resolves recipients for status transitions and hands
// notification requests to the delivery collaborator. Dispatch is
// best-effort by contract: failures are logged and never propagated, so
// they cannot roll back the response record or status transition.
type Dispatcher struct {
	publisher *Publisher
	audit     AuditStore
	filter    *dedup.Filter
	timeout   time.Duration
}

// NewDispatcher creates a dispatcher. filter may be nil, in which case
// redelivered emails may notify twice (still harmless, just noisy). A
// non-positive timeout falls back to DefaultTimeout.
func NewDispatcher(publisher *Publisher, audit AuditStore, filter *dedup.Filter, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		publisher: publisher,
		audit:     audit,
		filter:    filter,
		timeout:   timeout,
	}
}

// Dispatch notifies the people affected by ev. It never returns an error
// and never blocks past the dispatcher's timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	eventType := eventTypeFor(ev.NewStatus)
	recipients := Recipients(ev.RFI, ev.NewStatus)
	if eventType == "" || len(recipients) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if d.filter != nil {
		seen, err := d.filter.Seen(ctx, ev.RFI.ID, ev.SourceMessageID, eventType)
		if err != nil {
			slog.Warn("notification suppression check failed, dispatching anyway", "error", err)
		} else if seen {
			slog.Debug("suppressing duplicate notification",
				"rfi", ev.RFI.Number,
				"event", eventType,
			)
			metrics.NotificationsTotal.WithLabelValues("suppressed").Inc()
			return
		}
	}

	req := &Request{
		RFIID:      ev.RFI.ID,
		RFINumber:  ev.RFI.Number,
		EventType:  eventType,
		Recipients: recipients,
	}

	if err := d.publisher.Publish(ctx, req); err != nil {
		slog.Error("notification dispatch failed",
			"rfi", ev.RFI.Number,
			"event", eventType,
			"error", err,
		)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("dispatched").Inc()

	// Claim the suppression key only after the publish went out. A failed
	// publish must stay eligible for the next redelivery.
	if d.filter != nil {
		if err := d.filter.Mark(ctx, ev.RFI.ID, ev.SourceMessageID, eventType); err != nil {
			slog.Warn("notification suppression mark failed", "error", err)
		}
	}

	reason := fmt.Sprintf("status %s -> %s", ev.OldStatus, ev.NewStatus)
	if err := d.audit.CreateNotificationLog(ctx, ev.RFI.ID, eventType, recipients, reason); err != nil {
		slog.Error("notification audit write failed",
			"rfi", ev.RFI.Number,
			"event", eventType,
			"error", err,
		)
	}
}

// Recipients resolves who gets notified for a status:
// open notifies the RFI's assigned recipients, answered notifies the
// original requester, closed notifies both.
func Recipients(rfi *models.RFI, status models.Status) []string {
	switch status {
	case models.StatusOpen:
		return dropEmpty(rfi.Recipients)
	case models.StatusAnswered:
		return dropEmpty([]string{rfi.Requester})
	case models.StatusClosed:
		return dropEmpty(append([]string{rfi.Requester}, rfi.Recipients...))
	default:
		return nil
	}
}

func eventTypeFor(status models.Status) string {
	switch status {
	case models.StatusOpen:
		return "rfi.opened"
	case models.StatusAnswered:
		return "rfi.answered"
	case models.StatusClosed:
		return "rfi.closed"
	default:
		return ""
	}
}

func dropEmpty(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
