// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tillware/go-possync/possync"
)

// RemoteEndpoint is the authority the dispatcher pushes batches to.
// Implementations must be safe for concurrent use across organizations.
type RemoteEndpoint interface {
	Push(ctx context.Context, organizationID string, req *possync.PushRequest) (*possync.PushResponse, error)
}

// TokenFunc supplies a bearer token for one organization's requests.
type TokenFunc func(ctx context.Context, organizationID string) (string, error)

// HTTPRemote talks to a possync authority over its REST surface.
type HTTPRemote struct {
	baseURL    string
	httpClient *http.Client
	tokenFunc  TokenFunc
}

// NewHTTPRemote creates a remote endpoint for the authority at baseURL.
func NewHTTPRemote(baseURL string, tokenFunc TokenFunc) *HTTPRemote {
	return &HTTPRemote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokenFunc:  tokenFunc,
	}
}

// SetHTTPClient replaces the underlying HTTP client, e.g. to tune
// timeouts or inject transports in tests.
func (r *HTTPRemote) SetHTTPClient(client *http.Client) { r.httpClient = client }

func (r *HTTPRemote) Push(ctx context.Context, organizationID string, req *possync.PushRequest) (*possync.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.tokenFunc != nil {
		token, err := r.tokenFunc(ctx, organizationID)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain auth token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		var apiErr possync.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("authority returned %d: %s", httpResp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("authority returned %d", httpResp.StatusCode)
	}

	var resp possync.PushResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	return &resp, nil
}
