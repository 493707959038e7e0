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

// Package filestore talks to the external file-storage service that holds
// raw email blobs and attachment content. This service only ever handles
// references; the bytes live with the collaborator.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/fieldscope/rfimail/internal/models"
)

// Client registers attachment metadata and retrieves raw email blobs.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a file-storage client. httpClient should come from
// NewHTTPClient so requests carry credentials when the service requires them.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// NewHTTPClient builds the HTTP client for the file-storage service. With a
// client ID configured it authenticates via OAuth2 client credentials;
// otherwise it returns a plain client for deployments where the service
// sits on a trusted network.
func NewHTTPClient(ctx context.Context, clientID, clientSecret, tokenURL string) *http.Client {
	if clientID == "" {
		return &http.Client{Timeout: 30 * time.Second}
	}
	creds := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return creds.Client(ctx)
}

// registration is the metadata posted when an attachment is registered.
type registration struct {
	SourceMessageID string `json:"source_message_id"`
	Filename        string `json:"filename"`
	ContentType     string `json:"content_type"`
	SizeBytes       int64  `json:"size_bytes"`
}

// Register records an attachment with the file-storage service and returns
// the storage reference to embed in the response record.
func (c *Client) Register(ctx context.Context, sourceMessageID string, meta models.AttachmentMeta) (string, error) {
	payload, err := json.Marshal(registration{
		SourceMessageID: sourceMessageID,
		Filename:        meta.Filename,
		ContentType:     meta.ContentType,
		SizeBytes:       meta.SizeBytes,
	})
	if err != nil {
		return "", fmt.Errorf("marshal registration: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/attachments", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("register attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("file store returned HTTP %d for %s", resp.StatusCode, meta.Filename)
	}

	var out struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse registration response: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("file store returned empty ref for %s", meta.Filename)
	}
	return out.Ref, nil
}

// FetchRaw retrieves a raw email blob by its storage reference. Returns
// (nil, nil) when the blob has aged out of the store.
func (c *Client) FetchRaw(ctx context.Context, ref string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v1/raw/%s", c.baseURL, url.PathEscape(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch raw email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("raw email not found (may have expired)", "ref", ref)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file store returned HTTP %d for ref %s", resp.StatusCode, ref)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read raw email: %w", err)
	}
	return raw, nil
}
