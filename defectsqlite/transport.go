// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/irlam/defect-tracker-sub006/defectsync"
)

// ErrTransport wraps failures to reach the sync endpoint or non-2xx answers.
// The sync manager treats anything wrapped in it as "batch never processed".
var ErrTransport = fmt.Errorf("sync transport error")

// Transport submits operation batches to the sync endpoint over HTTP with a
// bearer token. Token is called per request so callers can refresh JWTs
// without rebuilding the client.
type Transport struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error)
	HTTP    *http.Client
}

// NewTransport builds a transport with a sane default timeout.
func NewTransport(baseURL string, token func(ctx context.Context) (string, error)) *Transport {
	return &Transport{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SendBatch POSTs a batch of operations and decodes the per-operation results.
func (t *Transport) SendBatch(ctx context.Context, req *defectsync.SyncRequest) (*defectsync.SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := t.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := t.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: sync endpoint returned %d: %s", ErrTransport, resp.StatusCode, payload)
	}

	var out defectsync.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode sync response: %v", ErrTransport, err)
	}
	return &out, nil
}

// Probe checks endpoint liveness with an unauthenticated GET and returns the
// server's view of time along with its status.
func (t *Transport) Probe(ctx context.Context) (*defectsync.ProbeResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/sync", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := t.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: probe returned %d", ErrTransport, resp.StatusCode)
	}

	var probe defectsync.ProbeResponse
	if err := json.NewDecoder(resp.Body).Decode(&probe); err != nil {
		return nil, fmt.Errorf("%w: failed to decode probe response: %v", ErrTransport, err)
	}
	return &probe, nil
}

func (t *Transport) authorize(ctx context.Context, req *http.Request) error {
	if t.Token == nil {
		return nil
	}
	token, err := t.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (t *Transport) httpClient() *http.Client {
	if t.HTTP != nil {
		return t.HTTP
	}
	return http.DefaultClient
}
