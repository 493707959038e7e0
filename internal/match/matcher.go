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

// Package match correlates a parsed inbound email with an existing RFI.
// Matching is a fixed-priority cascade of strategies; the first strategy
// that resolves exactly one acceptable RFI wins, and strategies that fail
// or resolve ambiguously hand over to the next one.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/fieldscope/rfimail/internal/models"
)

// ErrAmbiguous is returned by Query implementations when a lookup resolves
// more than one RFI. The matcher treats it as a miss for that strategy.
var ErrAmbiguous = errors.New("lookup matched multiple RFIs")

// Query is the read-only capability the matcher needs over RFI storage.
type Query interface {
	// FindByThreadID resolves an RFI by its email thread correlation id.
	// Comparison is case-insensitive. Returns nil when no RFI matches.
	FindByThreadID(ctx context.Context, threadID string) (*models.RFI, error)

	// FindByNumber resolves an RFI by its canonical number. Comparison is
	// case-insensitive. Returns nil when no RFI matches.
	FindByNumber(ctx context.Context, number string) (*models.RFI, error)

	// FindOutboundMessageID resolves the RFI whose previously sent outbound
	// email carried the given Message-ID. Returns nil when none matches.
	FindOutboundMessageID(ctx context.Context, messageID string) (*models.RFI, error)
}

// Result is the outcome of a match attempt: either a matched RFI plus the
// strategy that found it, or an unmatched reason.
type Result struct {
	RFI             *models.RFI
	Strategy        models.MatchStrategy
	UnmatchedReason string
}

// Matched reports whether the cascade resolved an RFI.
func (r Result) Matched() bool { return r.RFI != nil }

// ReasonNoStrategy is recorded when every strategy came up empty.
const ReasonNoStrategy = "no_strategy_matched"

type strategyFunc func(ctx context.Context, email *models.ParsedEmail, projectHint string) (*models.RFI, error)

type strategy struct {
	name models.MatchStrategy
	run  strategyFunc
}

// Matcher applies the strategy cascade against a Query.
type Matcher struct {
	query      Query
	strategies []strategy
}

// NewMatcher builds a matcher with the standard cascade:
// thread id, then subject number, then In-Reply-To.
func NewMatcher(query Query) *Matcher {
	m := &Matcher{query: query}
	m.strategies = []strategy{
		{name: models.MatchThread, run: m.byThreadID},
		{name: models.MatchSubject, run: m.bySubjectNumber},
		{name: models.MatchInReplyTo, run: m.byInReplyTo},
	}
	return m
}

// Match runs the cascade. projectHint, when non-empty, rejects candidates
// resolved by the subject and In-Reply-To strategies that belong to a
// different project; the thread id is authoritative and is not hint-checked.
// Each strategy runs at most once. Storage errors abort the cascade.
func (m *Matcher) Match(ctx context.Context, email *models.ParsedEmail, projectHint string) (Result, error) {
	for _, s := range m.strategies {
		rfi, err := s.run(ctx, email, projectHint)
		if errors.Is(err, ErrAmbiguous) {
			slog.Warn("ambiguous match, falling through to next strategy",
				"strategy", string(s.name),
				"message_id", email.MessageID,
			)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("match strategy %s: %w", s.name, err)
		}
		if rfi == nil {
			continue
		}
		return Result{RFI: rfi, Strategy: s.name}, nil
	}
	return Result{UnmatchedReason: ReasonNoStrategy}, nil
}

func (m *Matcher) byThreadID(ctx context.Context, email *models.ParsedEmail, _ string) (*models.RFI, error) {
	if email.ThreadID == "" {
		return nil, nil
	}
	return m.query.FindByThreadID(ctx, email.ThreadID)
}

func (m *Matcher) bySubjectNumber(ctx context.Context, email *models.ParsedEmail, projectHint string) (*models.RFI, error) {
	number, ok := ExtractNumber(email.Subject)
	if !ok {
		return nil, nil
	}
	rfi, err := m.query.FindByNumber(ctx, number)
	if err != nil || rfi == nil {
		return nil, err
	}
	if rejectedByHint(rfi, projectHint) {
		slog.Warn("subject number resolved to a different project, rejecting",
			"number", number,
			"rfi_project", rfi.ProjectID,
			"project_hint", projectHint,
		)
		return nil, nil
	}
	return rfi, nil
}

func (m *Matcher) byInReplyTo(ctx context.Context, email *models.ParsedEmail, projectHint string) (*models.RFI, error) {
	if email.InReplyTo == "" {
		return nil, nil
	}
	rfi, err := m.query.FindOutboundMessageID(ctx, email.InReplyTo)
	if err != nil || rfi == nil {
		return nil, err
	}
	if rejectedByHint(rfi, projectHint) {
		slog.Warn("In-Reply-To resolved to a different project, rejecting",
			"in_reply_to", email.InReplyTo,
			"rfi_project", rfi.ProjectID,
			"project_hint", projectHint,
		)
		return nil, nil
	}
	return rfi, nil
}

func rejectedByHint(rfi *models.RFI, projectHint string) bool {
	return projectHint != "" && !strings.EqualFold(rfi.ProjectID, projectHint)
}

// rfiNumber accepts the canonical RFI-{projectCode}-{sequence} format with
// minor variants: arbitrary case and stray whitespace around the hyphens.
var rfiNumber = regexp.MustCompile(`(?i)\bRFI\s*-\s*([A-Z][A-Z0-9]*)\s*-\s*([0-9]{1,6})\b`)

// replyPrefix matches leading Re:/Fw:/Fwd: marks, optionally bracketed.
var replyPrefix = regexp.MustCompile(`(?i)^\s*(\[\s*)?(re|fw|fwd)(\s*\])?\s*:\s*`)

// ExtractNumber scans a subject line for exactly one RFI number and returns
// it in canonical form. Reply prefixes and surrounding brackets are
// stripped first. Subjects naming more than one distinct RFI are treated
// as carrying none, so the cascade can fall through.
func ExtractNumber(subject string) (string, bool) {
	s := subject
	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = strings.Trim(strings.TrimSpace(s), "[]() ")

	matches := rfiNumber.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return "", false
	}

	first := canonicalNumber(matches[0][1], matches[0][2])
	for _, m := range matches[1:] {
		if canonicalNumber(m[1], m[2]) != first {
			return "", false
		}
	}
	return first, true
}

// canonicalNumber normalises case and zero-pads the sequence to four
// digits, the format RFIs are numbered with at creation.
func canonicalNumber(code, seq string) string {
	for len(seq) < 4 {
		seq = "0" + seq
	}
	return fmt.Sprintf("RFI-%s-%s", strings.ToUpper(code), seq)
}
