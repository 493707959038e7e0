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

// Package models defines the data structures shared across the RFI
// ingestion service.
package models

import "time"

// Status is the lifecycle state of an RFI.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusOpen            Status = "open"
	StatusWaitingResponse Status = "waiting_response"
	StatusAnswered        Status = "answered"
	StatusClosed          Status = "closed"
	StatusCancelled       Status = "cancelled"
)

// MatchStrategy identifies which heuristic correlated an inbound email
// with an RFI. Recorded per response, not per RFI.
type MatchStrategy string

const (
	MatchThread    MatchStrategy = "thread"
	MatchSubject   MatchStrategy = "subject"
	MatchInReplyTo MatchStrategy = "in_reply_to"
)

// RFI is one formal Request for Information. Created outside this
// service; mutated here only via status transitions and response linkage.
type RFI struct {
	ID            int64     `json:"id"`
	Number        string    `json:"number"` // RFI-{projectCode}-{sequence}, globally unique
	ProjectID     string    `json:"project_id"`
	Subject       string    `json:"subject"`
	Status        Status    `json:"status"`
	EmailThreadID string    `json:"email_thread_id,omitempty"`
	Requester     string    `json:"requester"`
	Recipients    []string  `json:"recipients"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Attachment is file metadata embedded in an RFIResponse. The blob itself
// lives in external file storage behind StorageRef.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	StorageRef  string `json:"storage_ref,omitempty"`
}

// RFIResponse is one inbound reply tied to exactly one RFI.
// At most one response exists per (RFIID, SourceMessageID) pair.
type RFIResponse struct {
	ID              int64         `json:"id"`
	RFIID           int64         `json:"rfi_id"`
	FromAddress     string        `json:"from_address"`
	BodyText        string        `json:"body_text"`
	BodyHTML        string        `json:"body_html,omitempty"`
	ReceivedAt      time.Time     `json:"received_at"`
	SourceMessageID string        `json:"source_message_id"`
	MatchedVia      MatchStrategy `json:"matched_via"`
	Attachments     []Attachment  `json:"attachments"`
	CreatedAt       time.Time     `json:"created_at"`
}

// RFIEmailLog is the append-only audit record written for every inbound
// email that reaches the decoder, matched or not. RFIID is nil for
// unmatched mail.
type RFIEmailLog struct {
	ID              int64      `json:"id"`
	RFIID           *int64     `json:"rfi_id,omitempty"`
	Direction       string     `json:"direction"` // "inbound"
	DeliveryID      string     `json:"delivery_id"`
	SourceMessageID string     `json:"source_message_id"`
	RawEmailRef     string     `json:"raw_email_ref"`
	ProjectHint     string     `json:"project_hint,omitempty"`
	MatchedVia      string     `json:"matched_via,omitempty"`
	UnmatchedReason string     `json:"unmatched_reason,omitempty"`
	ReplayedAt      *time.Time `json:"replayed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
