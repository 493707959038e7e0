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

// Package webhook receives inbound email push deliveries. The email
// provider POSTs one delivery per request: a JSON envelope whose data
// field carries the base64-encoded raw email. Processing is synchronous;
// the HTTP status tells the provider whether to redeliver.
package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fieldscope/rfimail/internal/decode"
	"github.com/fieldscope/rfimail/internal/pipeline"
)

// maxBodyBytes caps a push delivery request body. Raw emails above this
// should be delivered by reference, not inline.
const maxBodyBytes = 32 << 20

// pushMessage is the inner message of a push envelope.
type pushMessage struct {
	MessageID   string            `json:"messageId"`
	Data        string            `json:"data"`
	PublishTime time.Time         `json:"publishTime"`
	Attributes  map[string]string `json:"attributes"`
}

// pushEnvelope is the JSON body the provider POSTs per delivery.
type pushEnvelope struct {
	Message         pushMessage `json:"message"`
	Subscription    string      `json:"subscription"`
	DeliveryAttempt int         `json:"deliveryAttempt"`
}

// Processor runs one delivery through the ingestion pipeline.
type Processor interface {
	Process(ctx context.Context, d pipeline.Delivery) (*pipeline.Outcome, error)
}

// Handler turns push requests into pipeline deliveries and maps pipeline
// results onto acknowledgment statuses:
//
//	400 — malformed envelope or undecodable email; redelivery cannot help
//	200 — processed (matched, unmatched, or duplicate)
//	500 — storage failure; the provider should redeliver
type Handler struct {
	processor Processor
}

// NewHandler creates a push delivery handler.
func NewHandler(processor Processor) *Handler {
	return &Handler{processor: processor}
}

// ServePush handles one push delivery request.
func (h *Handler) ServePush(w http.ResponseWriter, r *http.Request) {
	// Subscription validation probe: echo the token back.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		slog.Info("subscription validation probe received")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Error("failed to read push body", "error", err)
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		slog.Warn("push body is not a valid envelope", "body_len", len(body), "error", err)
		writeError(w, http.StatusBadRequest, "invalid envelope")
		return
	}
	if envelope.Message.MessageID == "" || envelope.Message.Data == "" {
		writeError(w, http.StatusBadRequest, "envelope missing messageId or data")
		return
	}

	raw, err := decodeData(envelope.Message.Data)
	if err != nil {
		slog.Warn("push data is not valid base64",
			"delivery_id", envelope.Message.MessageID,
			"error", err,
		)
		writeError(w, http.StatusBadRequest, "data not base64")
		return
	}

	attrs := envelope.Message.Attributes
	outcome, err := h.processor.Process(r.Context(), pipeline.Delivery{
		DeliveryID:  envelope.Message.MessageID,
		Raw:         raw,
		PublishTime: envelope.Message.PublishTime,
		Attempt:     envelope.DeliveryAttempt,
		ProjectHint: attrs["projectId"],
		RawRef:      attrs["rawRef"],
		ThreadID:    attrs["threadId"],
	})
	if err != nil {
		switch {
		case decode.IsDecodeError(err):
			slog.Warn("rejecting undecodable email",
				"delivery_id", envelope.Message.MessageID,
				"error", err,
			)
			writeError(w, http.StatusBadRequest, "undecodable email")
		case errors.Is(err, pipeline.ErrStorage):
			slog.Error("storage failure, requesting redelivery",
				"delivery_id", envelope.Message.MessageID,
				"attempt", envelope.DeliveryAttempt,
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, "storage unavailable")
		default:
			slog.Error("pipeline failure, requesting redelivery",
				"delivery_id", envelope.Message.MessageID,
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, "processing failed")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": string(outcome.Disposition),
	})
}

// decodeData accepts the base64 variants providers actually send: standard
// and URL-safe alphabets, padded or not.
func decodeData(data string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(data); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("not valid base64 in any accepted alphabet")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Serve starts the webhook HTTP server on the given port. It binds the
// port immediately and signals readiness via the returned channel before
// accepting connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/inbound-email", handler.ServePush)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
