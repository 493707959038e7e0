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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldscope/rfimail/internal/decode"
	"github.com/fieldscope/rfimail/internal/match"
	"github.com/fieldscope/rfimail/internal/models"
	"github.com/fieldscope/rfimail/internal/notify"
	"github.com/fieldscope/rfimail/internal/record"
)

// --- fakes ---

type fakeQuery struct {
	byThread   map[string]*models.RFI
	byNumber   map[string]*models.RFI
	byOutbound map[string]*models.RFI
	err        error
}

func (f *fakeQuery) FindByThreadID(_ context.Context, threadID string) (*models.RFI, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byThread[strings.ToLower(threadID)], nil
}

func (f *fakeQuery) FindByNumber(_ context.Context, number string) (*models.RFI, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byNumber[strings.ToUpper(number)], nil
}

func (f *fakeQuery) FindOutboundMessageID(_ context.Context, messageID string) (*models.RFI, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byOutbound[strings.ToLower(messageID)], nil
}

type fakeRecStore struct {
	responses map[string]*models.RFIResponse
	statuses  []models.Status
	rfis      map[int64]*models.RFI // status writes land here, like the real store
	nextID    int64
	err       error
	statusErr error
}

func newFakeRecStore() *fakeRecStore {
	return &fakeRecStore{
		responses: make(map[string]*models.RFIResponse),
		rfis:      make(map[int64]*models.RFI),
	}
}

func (f *fakeRecStore) key(rfiID int64, msgID string) string {
	return fmt.Sprintf("%d|%s", rfiID, msgID)
}

func (f *fakeRecStore) CreateResponse(_ context.Context, r *models.RFIResponse) (*models.RFIResponse, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	k := f.key(r.RFIID, r.SourceMessageID)
	if existing, ok := f.responses[k]; ok {
		return existing, false, nil
	}
	f.nextID++
	stored := *r
	stored.ID = f.nextID
	f.responses[k] = &stored
	return &stored, true, nil
}

func (f *fakeRecStore) UpdateStatus(_ context.Context, rfiID int64, status models.Status) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statuses = append(f.statuses, status)
	if rfi, ok := f.rfis[rfiID]; ok {
		rfi.Status = status
	}
	return nil
}

type fakeAuditLog struct {
	entries []models.RFIEmailLog
	err     error
}

func (f *fakeAuditLog) CreateEmailLog(_ context.Context, entry *models.RFIEmailLog) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.entries = append(f.entries, *entry)
	return int64(len(f.entries)), nil
}

type fakeNotifier struct {
	events []notify.Event
}

func (f *fakeNotifier) Dispatch(_ context.Context, ev notify.Event) {
	f.events = append(f.events, ev)
}

type fakeRegistrar struct {
	refs map[string]string
	err  error
}

func (f *fakeRegistrar) Register(_ context.Context, _ string, meta models.AttachmentMeta) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.refs[meta.Filename], nil
}

// --- fixtures ---

func openRFI() *models.RFI {
	return &models.RFI{
		ID:            7,
		Number:        "RFI-ACME-0007",
		ProjectID:     "acme",
		Status:        models.StatusOpen,
		EmailThreadID: "t-123",
		Requester:     "lead@acme.example.com",
		Recipients:    []string{"dana@contractor.example.com"},
	}
}

func rawEmail(headers map[string]string, body string) []byte {
	var b strings.Builder
	b.WriteString("From: dana@contractor.example.com\r\n")
	b.WriteString("To: rfi@fieldscope.example.com\r\n")
	b.WriteString("Date: Mon, 24 Aug 2026 10:00:00 +0000\r\n")
	b.WriteString("Message-ID: <reply-1@contractor.example.com>\r\n")
	for k, v := range headers {
		b.WriteString(k + ": " + v + "\r\n")
	}
	b.WriteString("Content-Type: text/plain\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

const attachmentEmail = "From: dana@contractor.example.com\r\n" +
	"To: rfi@fieldscope.example.com\r\n" +
	"Date: Mon, 24 Aug 2026 10:00:00 +0000\r\n" +
	"Message-ID: <reply-2@contractor.example.com>\r\n" +
	"Subject: Re: RFI-ACME-0007 slab detail\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=xyz\r\n" +
	"\r\n" +
	"--xyz\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Detail attached.\r\n" +
	"--xyz\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"sketch.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"aGVsbG8gd29ybGQh\r\n" +
	"--xyz--\r\n"

type testEnv struct {
	query     *fakeQuery
	recStore  *fakeRecStore
	audit     *fakeAuditLog
	notifier  *fakeNotifier
	registrar *fakeRegistrar
	pipeline  *Pipeline
}

func newTestEnv(rfi *models.RFI) *testEnv {
	env := &testEnv{
		query: &fakeQuery{
			byThread:   make(map[string]*models.RFI),
			byNumber:   make(map[string]*models.RFI),
			byOutbound: make(map[string]*models.RFI),
		},
		recStore:  newFakeRecStore(),
		audit:     &fakeAuditLog{},
		notifier:  &fakeNotifier{},
		registrar: &fakeRegistrar{refs: map[string]string{"sketch.pdf": "att/abc"}},
	}
	if rfi != nil {
		env.query.byThread[strings.ToLower(rfi.EmailThreadID)] = rfi
		env.query.byNumber[rfi.Number] = rfi
		env.recStore.rfis[rfi.ID] = rfi
	}
	env.pipeline = New(
		match.NewMatcher(env.query),
		record.NewRecorder(env.recStore),
		env.audit,
		env.notifier,
		env.registrar,
		2,
	)
	return env
}

// --- tests ---

func TestProcessMatchedViaThread(t *testing.T) {
	env := newTestEnv(openRFI())

	out, err := env.pipeline.Process(context.Background(), Delivery{
		DeliveryID: "d-1",
		Raw:        rawEmail(map[string]string{"Subject": "question", "X-Thread-ID": "t-123"}, "here you go"),
	})
	require.NoError(t, err)

	assert.Equal(t, DispositionMatched, out.Disposition)
	assert.Equal(t, models.MatchThread, out.MatchedVia)
	require.NotNil(t, out.RFI)
	assert.Equal(t, "RFI-ACME-0007", out.RFI.Number)

	// Response persisted and the RFI advanced.
	require.Len(t, env.recStore.responses, 1)
	assert.Equal(t, []models.Status{models.StatusAnswered}, env.recStore.statuses)

	// Exactly one audit row, linked to the RFI.
	require.Len(t, env.audit.entries, 1)
	entry := env.audit.entries[0]
	require.NotNil(t, entry.RFIID)
	assert.Equal(t, int64(7), *entry.RFIID)
	assert.Equal(t, "d-1", entry.DeliveryID)
	assert.Equal(t, "reply-1@contractor.example.com", entry.SourceMessageID)
	assert.Equal(t, "thread", entry.MatchedVia)

	// The transition was dispatched.
	require.Len(t, env.notifier.events, 1)
	assert.Equal(t, models.StatusOpen, env.notifier.events[0].OldStatus)
	assert.Equal(t, models.StatusAnswered, env.notifier.events[0].NewStatus)
}

func TestProcessMatchedViaSubject(t *testing.T) {
	env := newTestEnv(openRFI())

	out, err := env.pipeline.Process(context.Background(), Delivery{
		DeliveryID: "d-1",
		Raw:        rawEmail(map[string]string{"Subject": "Re: RFI-ACME-0007 slab detail"}, "see below"),
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionMatched, out.Disposition)
	assert.Equal(t, models.MatchSubject, out.MatchedVia)
}

func TestProcessUnmatched(t *testing.T) {
	env := newTestEnv(nil)

	out, err := env.pipeline.Process(context.Background(), Delivery{
		DeliveryID: "d-1",
		Raw:        rawEmail(map[string]string{"Subject": "lunch order"}, "two sandwiches"),
	})
	require.NoError(t, err)

	assert.Equal(t, DispositionUnmatched, out.Disposition)
	assert.Equal(t, match.ReasonNoStrategy, out.UnmatchedReason)
	assert.Empty(t, env.recStore.responses)
	assert.Empty(t, env.notifier.events)

	// Unmatched mail still gets its audit row, with no RFI link.
	require.Len(t, env.audit.entries, 1)
	assert.Nil(t, env.audit.entries[0].RFIID)
	assert.Equal(t, match.ReasonNoStrategy, env.audit.entries[0].UnmatchedReason)
}

func TestProcessRedeliveryIsDuplicate(t *testing.T) {
	env := newTestEnv(openRFI())
	d := Delivery{
		DeliveryID: "d-1",
		Raw:        rawEmail(map[string]string{"Subject": "Re: RFI-ACME-0007"}, "answer"),
	}

	first, err := env.pipeline.Process(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, DispositionMatched, first.Disposition)

	d.DeliveryID = "d-2"
	second, err := env.pipeline.Process(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, DispositionDuplicate, second.Disposition)
	assert.Len(t, env.recStore.responses, 1, "redelivery must not create a second response")
	assert.Len(t, env.audit.entries, 2, "each delivery gets its own audit row")
	assert.Len(t, env.recStore.statuses, 1, "status written once")
	assert.Len(t, env.notifier.events, 1, "transition dispatched once")
}

func TestProcessRedeliveryRepairsFailedStatusWrite(t *testing.T) {
	env := newTestEnv(openRFI())
	d := Delivery{
		DeliveryID: "d-1",
		Raw:        rawEmail(map[string]string{"Subject": "Re: RFI-ACME-0007"}, "answer"),
	}

	// First delivery: response row lands, status write fails, webhook
	// would 500 and the provider redelivers.
	env.recStore.statusErr = errors.New("pg down")
	_, err := env.pipeline.Process(context.Background(), d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	require.Len(t, env.recStore.responses, 1)
	assert.Empty(t, env.notifier.events)

	// Redelivery with storage healthy again: the duplicate still owes
	// the transition and its notification.
	env.recStore.statusErr = nil
	d.DeliveryID = "d-2"
	out, err := env.pipeline.Process(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, DispositionDuplicate, out.Disposition)
	assert.Equal(t, []models.Status{models.StatusAnswered}, env.recStore.statuses)
	assert.Len(t, env.recStore.responses, 1)
	require.Len(t, env.notifier.events, 1)
	assert.Equal(t, models.StatusAnswered, env.notifier.events[0].NewStatus)
}

func TestProcessDecodeError(t *testing.T) {
	env := newTestEnv(nil)

	_, err := env.pipeline.Process(context.Background(), Delivery{
		DeliveryID: "d-1",
		Raw:        []byte("   "),
	})
	require.Error(t, err)
	assert.True(t, decode.IsDecodeError(err))
	assert.False(t, errors.Is(err, ErrStorage))
	assert.Empty(t, env.audit.entries, "undecodable mail is not logged")
}

func TestProcessStorageErrorDuringMatch(t *testing.T) {
	env := newTestEnv(openRFI())
	env.query.err = errors.New("connection refused")

	_, err := env.pipeline.Process(context.Background(), Delivery{
		DeliveryID: "d-1",
		Raw:        rawEmail(map[string]string{"Subject": "Re: RFI-ACME-0007"}, "answer"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Empty(t, env.audit.entries)
}

func TestProcessStorageErrorDuringAuditLog(t *testing.T) {
	env := newTestEnv(openRFI())
	env.audit.err = errors.New("connection refused")

	_, err := env.pipeline.Process(context.Background(), Delivery{
		DeliveryID: "d-1",
		Raw:        rawEmail(map[string]string{"Subject": "lunch order"}, "two sandwiches"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
}

func TestProcessRegistersAttachments(t *testing.T) {
	env := newTestEnv(openRFI())

	out, err := env.pipeline.Process(context.Background(), Delivery{
		DeliveryID: "d-1",
		Raw:        []byte(attachmentEmail),
	})
	require.NoError(t, err)
	require.Equal(t, DispositionMatched, out.Disposition)

	require.Len(t, env.recStore.responses, 1)
	for _, r := range env.recStore.responses {
		require.Len(t, r.Attachments, 1)
		assert.Equal(t, "sketch.pdf", r.Attachments[0].Filename)
		assert.Equal(t, int64(12), r.Attachments[0].SizeBytes)
		assert.Equal(t, "att/abc", r.Attachments[0].StorageRef)
	}
}

func TestProcessAttachmentRegistrationFailureIsTolerated(t *testing.T) {
	env := newTestEnv(openRFI())
	env.registrar.err = errors.New("file store down")

	out, err := env.pipeline.Process(context.Background(), Delivery{
		DeliveryID: "d-1",
		Raw:        []byte(attachmentEmail),
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionMatched, out.Disposition)

	for _, r := range env.recStore.responses {
		require.Len(t, r.Attachments, 1)
		assert.Empty(t, r.Attachments[0].StorageRef, "metadata kept without a ref")
	}
}

func TestProcessThreadIDFromEnvelope(t *testing.T) {
	env := newTestEnv(openRFI())

	// No correlation header on the message itself; the envelope carried one.
	out, err := env.pipeline.Process(context.Background(), Delivery{
		DeliveryID: "d-1",
		Raw:        rawEmail(map[string]string{"Subject": "question"}, "here"),
		ThreadID:   "t-123",
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionMatched, out.Disposition)
	assert.Equal(t, models.MatchThread, out.MatchedVia)
}

func TestProcessProjectHintRejectsSubjectMatch(t *testing.T) {
	env := newTestEnv(openRFI())

	out, err := env.pipeline.Process(context.Background(), Delivery{
		DeliveryID:  "d-1",
		Raw:         rawEmail(map[string]string{"Subject": "Re: RFI-ACME-0007"}, "answer"),
		ProjectHint: "northside",
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionUnmatched, out.Disposition)
}

func TestProcessProjectHintFromPlusAddress(t *testing.T) {
	env := newTestEnv(openRFI())

	raw := []byte("From: dana@contractor.example.com\r\n" +
		"To: rfi+northside@fieldscope.example.com\r\n" +
		"Date: Mon, 24 Aug 2026 10:00:00 +0000\r\n" +
		"Message-ID: <reply-3@contractor.example.com>\r\n" +
		"Subject: Re: RFI-ACME-0007\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"answer\r\n")

	// No explicit hint; the plus-addressed recipient supplies one that
	// contradicts the subject match.
	out, err := env.pipeline.Process(context.Background(), Delivery{
		DeliveryID: "d-1",
		Raw:        raw,
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionUnmatched, out.Disposition)
	require.Len(t, env.audit.entries, 1)
	assert.Equal(t, "northside", env.audit.entries[0].ProjectHint)
}

func TestHintFromRecipients(t *testing.T) {
	tests := []struct {
		to   []string
		want string
	}{
		{[]string{"rfi+acme@fieldscope.example.com"}, "acme"},
		{[]string{"other@x.com", "rfi+north@fieldscope.example.com"}, "north"},
		{[]string{"rfi@fieldscope.example.com"}, ""},
		{[]string{"rfi+@fieldscope.example.com"}, ""},
		{[]string{"not-an-address"}, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hintFromRecipients(tt.to), "to=%v", tt.to)
	}
}

func TestProcessRawRefFallsBackToDeliveryID(t *testing.T) {
	env := newTestEnv(nil)

	_, err := env.pipeline.Process(context.Background(), Delivery{
		DeliveryID: "d-9",
		Raw:        rawEmail(map[string]string{"Subject": "hi"}, "x"),
	})
	require.NoError(t, err)
	require.Len(t, env.audit.entries, 1)
	assert.Equal(t, "d-9", env.audit.entries[0].RawEmailRef)

	_, err = env.pipeline.Process(context.Background(), Delivery{
		DeliveryID: "d-10",
		Raw:        rawEmail(map[string]string{"Subject": "hi"}, "x"),
		RawRef:     "blob/123",
	})
	require.NoError(t, err)
	require.Len(t, env.audit.entries, 2)
	assert.Equal(t, "blob/123", env.audit.entries[1].RawEmailRef)
}
