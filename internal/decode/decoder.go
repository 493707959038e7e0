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

// Package decode turns a raw RFC 5322 email into a ParsedEmail. Parsing is
// best-effort: a structurally broken but decodable message yields partial
// output, never an error. A DecodeError is returned only when the header
// block itself cannot be read.
package decode

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/fieldscope/rfimail/internal/models"
)

// threadIDHeaders are provider-specific correlation headers, checked in order.
var threadIDHeaders = []string{"x-thread-id", "x-gm-thrid", "thread-index"}

// DecodeError indicates the raw payload could not be decoded at all.
// This is fatal for a delivery; everything else is tolerated.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode email: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode email: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Decode parses a raw email into a ParsedEmail.
//
// Behavior:
//   - headers are collected case-insensitively under lower-cased keys
//   - plain text is preferred for the body; HTML is stripped to text when
//     no plain part exists
//   - attachment filename/content-type/size are extracted, bytes discarded
//   - a missing Message-ID is replaced with a deterministic hash of
//     envelope fields
func Decode(raw []byte) (*models.ParsedEmail, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, &DecodeError{Reason: "unreadable header block", Err: err}
	}

	parsed := &models.ParsedEmail{
		Headers:     headerMap(mr.Header.Header),
		Attachments: []models.AttachmentMeta{},
	}

	if subject, err := mr.Header.Subject(); err == nil {
		parsed.Subject = subject
	} else {
		parsed.Subject = mr.Header.Get("Subject")
	}

	if id, err := mr.Header.MessageID(); err == nil {
		parsed.MessageID = id
	}
	if ids, err := mr.Header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		parsed.InReplyTo = ids[0]
	}
	if refs, err := mr.Header.MsgIDList("References"); err == nil {
		parsed.References = refs
	}

	if date, err := mr.Header.Date(); err == nil {
		parsed.Date = date
	}

	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		parsed.From = addrs[0].Address
	} else {
		parsed.From = strings.TrimSpace(mr.Header.Get("From"))
	}
	if addrs, err := mr.Header.AddressList("To"); err == nil {
		for _, a := range addrs {
			parsed.To = append(parsed.To, a.Address)
		}
	}

	for _, key := range threadIDHeaders {
		if v := parsed.Headers[key]; v != "" {
			parsed.ThreadID = v
			break
		}
	}

	readParts(mr, parsed)

	if parsed.BodyText == "" && parsed.BodyHTML != "" {
		parsed.BodyText = StripHTML(parsed.BodyHTML)
	}

	if parsed.MessageID == "" {
		parsed.MessageID = syntheticMessageID(parsed)
		slog.Debug("message has no Message-ID, synthesised one",
			"message_id", parsed.MessageID,
		)
	}

	return parsed, nil
}

// readParts walks the MIME tree collecting body text and attachment
// metadata. A malformed part terminates the walk with whatever has been
// extracted so far.
func readParts(mr *mail.Reader, parsed *models.ParsedEmail) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			slog.Debug("stopping at malformed MIME part", "error", err)
			return
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, ctErr := h.ContentType()
			if ctErr != nil {
				ct = "text/plain"
			}
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				slog.Debug("partial inline part read", "error", readErr)
			}
			switch {
			case strings.EqualFold(ct, "text/plain") && parsed.BodyText == "":
				parsed.BodyText = string(body)
			case strings.EqualFold(ct, "text/html") && parsed.BodyHTML == "":
				parsed.BodyHTML = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, ctErr := h.ContentType()
			if ctErr != nil {
				ct = "application/octet-stream"
			}
			// Count the bytes, discard the content — blob storage is the
			// file-storage collaborator's job.
			size, _ := io.Copy(io.Discard, part.Body)
			parsed.Attachments = append(parsed.Attachments, models.AttachmentMeta{
				Filename:    filename,
				ContentType: ct,
				SizeBytes:   size,
			})
		}
	}
}

// headerMap flattens a message header into a lower-cased key map.
// Repeated headers keep the first value seen.
func headerMap(h message.Header) map[string]string {
	out := make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if _, ok := out[key]; ok {
			continue
		}
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		out[key] = value
	}
	return out
}

// syntheticMessageID builds a deterministic idempotency key for messages
// without a Message-ID header. The same raw message always hashes to the
// same ID, so redeliveries still deduplicate.
func syntheticMessageID(parsed *models.ParsedEmail) string {
	hash := sha256.New()
	for _, field := range []string{
		parsed.From,
		parsed.Subject,
		parsed.Date.UTC().Format(time.RFC3339),
		parsed.BodyText,
	} {
		hash.Write([]byte(field))
		hash.Write([]byte{0})
	}
	return fmt.Sprintf("synthetic-%x", hash.Sum(nil)[:16])
}
