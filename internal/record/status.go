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

package record

import "github.com/fieldscope/rfimail/internal/models"

// Event is something that happens to an RFI and may advance its status.
type Event string

const (
	// EventSubmit moves an authored draft into circulation.
	EventSubmit Event = "submit"
	// EventSent marks the initiating email as delivered to recipients.
	EventSent Event = "sent"
	// EventResponseReceived is fired by this pipeline for every matched
	// inbound response.
	EventResponseReceived Event = "response_received"
	// EventClose and EventCancel are terminal; they are driven by the RFI
	// CRUD surface, not this pipeline, but live in the same table so the
	// whole machine is inspectable in one place.
	EventClose  Event = "close"
	EventCancel Event = "cancel"
)

// transitions is the full RFI state machine:
//
//	draft -> open -> waiting_response -> answered -> closed
//	any-of{open, waiting_response, answered} -> cancelled
//
// Absent entries mean "status unchanged". In particular, a response
// received while answered, draft, closed, or cancelled is still recorded
// but does not transition.
var transitions = map[models.Status]map[Event]models.Status{
	models.StatusDraft: {
		EventSubmit: models.StatusOpen,
	},
	models.StatusOpen: {
		EventSent:             models.StatusWaitingResponse,
		EventResponseReceived: models.StatusAnswered,
		EventCancel:           models.StatusCancelled,
	},
	models.StatusWaitingResponse: {
		EventResponseReceived: models.StatusAnswered,
		EventCancel:           models.StatusCancelled,
	},
	models.StatusAnswered: {
		EventClose:  models.StatusClosed,
		EventCancel: models.StatusCancelled,
	},
}

// Next returns the status an RFI moves to when event fires in the current
// status. ok is false when the event does not transition from that status,
// which callers treat as "leave the status alone", never as an error.
func Next(current models.Status, event Event) (models.Status, bool) {
	next, ok := transitions[current][event]
	return next, ok
}
