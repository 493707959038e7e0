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

// Package metrics exposes Prometheus counters for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeliveriesTotal counts processed webhook deliveries by outcome:
	// matched, unmatched, duplicate, decode_error, storage_error.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfimail_deliveries_total",
			Help: "Total webhook deliveries processed, by outcome",
		},
		[]string{"outcome"},
	)

	// MatchesTotal counts matched emails by the strategy that matched them.
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfimail_matches_total",
			Help: "Total matched emails, by strategy",
		},
		[]string{"strategy"},
	)

	// NotificationsTotal counts notification dispatch attempts by result:
	// dispatched, suppressed, failed.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfimail_notifications_total",
			Help: "Total notification dispatches, by result",
		},
		[]string{"result"},
	)

	// PipelineDuration observes end-to-end processing time per delivery.
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "rfimail_pipeline_duration_seconds",
			Help: "Duration of full pipeline processing per delivery",
		},
	)
)
