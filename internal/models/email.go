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

package models

import "time"

// AttachmentMeta is attachment metadata extracted during decoding, before
// the file-storage collaborator has assigned a storage reference.
type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// ParsedEmail is the structured form of a raw inbound email, produced by
// the decoder and consumed by the matcher and recorder.
//
// Headers is keyed by lower-cased header name. MessageID and InReplyTo are
// stored without angle brackets. When the original message carried no
// Message-ID, MessageID holds a deterministic hash of envelope fields so
// downstream idempotency still has a key.
type ParsedEmail struct {
	MessageID   string            `json:"message_id"`
	InReplyTo   string            `json:"in_reply_to,omitempty"`
	References  []string          `json:"references,omitempty"`
	ThreadID    string            `json:"thread_id,omitempty"`
	Subject     string            `json:"subject"`
	From        string            `json:"from"`
	To          []string          `json:"to"`
	Date        time.Time         `json:"date"`
	BodyText    string            `json:"body_text"`
	BodyHTML    string            `json:"body_html,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []AttachmentMeta  `json:"attachments"`
}
