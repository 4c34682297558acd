/*
 * Copyright 2025 OpenHearth Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package assistapi is the typed REST client for the assistant backend.
package assistapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openhearth/fleetconsole/pkg/logger"
	"github.com/openhearth/fleetconsole/pkg/models"
)

const (
	defaultTimeout = 10 * time.Second

	// maxErrorBodyBytes bounds how much of an error response is retained
	// for display.
	maxErrorBodyBytes = 4 << 10
)

var errBaseURLRequired = errors.New("backend base_url is required")

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// IsRejection reports whether err is a backend command rejection (any
// non-2xx response), as opposed to a transport failure.
func IsRejection(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// Client talks to the assistant backend's REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     logger.Logger
}

// NewClient builds a Client from backend config. The bearer token is
// supplied externally and attached to every request.
func NewClient(cfg *models.BackendConfig, log logger.Logger) (*Client, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, errBaseURLRequired
	}

	timeout := time.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log,
	}, nil
}

// GetFleet fetches the full satellite fleet and the latest published
// firmware version.
func (c *Client) GetFleet(ctx context.Context) (*models.FleetResponse, error) {
	var resp models.FleetResponse

	if err := c.do(ctx, http.MethodGet, "/api/satellites", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch fleet: %w", err)
	}

	return &resp, nil
}

// TriggerUpdate asks the backend to queue a firmware update for one device.
// Success means the attempt was accepted, not that it completed.
func (c *Client) TriggerUpdate(ctx context.Context, deviceID string) error {
	path := fmt.Sprintf("/api/satellites/%s/update", url.PathEscape(deviceID))

	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to trigger update for %s: %w", deviceID, err)
	}

	return nil
}

// GetWakeWordSettings fetches current wake-word settings plus the available
// keyword list and subscriber count.
func (c *Client) GetWakeWordSettings(ctx context.Context) (*models.WakeWordSettings, error) {
	var resp models.WakeWordSettings

	if err := c.do(ctx, http.MethodGet, "/api/settings/wakeword", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch wake-word settings: %w", err)
	}

	return &resp, nil
}

// PutWakeWordSettings applies new wake-word settings; the backend broadcasts
// them to all connected satellites.
func (c *Client) PutWakeWordSettings(ctx context.Context, cfg *models.WakeWordConfig) error {
	if err := c.do(ctx, http.MethodPut, "/api/settings/wakeword", cfg, nil); err != nil {
		return fmt.Errorf("failed to save wake-word settings: %w", err)
	}

	return nil
}

// GetSyncStatus reports per-device acknowledgement of the last settings
// broadcast.
func (c *Client) GetSyncStatus(ctx context.Context) (*models.SyncStatus, error) {
	var resp models.SyncStatus

	if err := c.do(ctx, http.MethodGet, "/api/settings/wakeword/sync-status", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch sync status: %w", err)
	}

	return &resp, nil
}

// GetIntents lists registered intents and their integrations.
func (c *Client) GetIntents(ctx context.Context) ([]models.Intent, error) {
	var resp struct {
		Intents []models.Intent `json:"intents"`
	}

	if err := c.do(ctx, http.MethodGet, "/api/intents", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch intents: %w", err)
	}

	return resp.Intents, nil
}

// GetTasks lists backend background tasks.
func (c *Client) GetTasks(ctx context.Context) ([]models.BackgroundTask, error) {
	var resp struct {
		Tasks []models.BackgroundTask `json:"tasks"`
	}

	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch tasks: %w", err)
	}

	return resp.Tasks, nil
}

// Register passes an account registration through to the backend.
func (c *Client) Register(ctx context.Context, req *models.RegistrationRequest) error {
	if err := c.do(ctx, http.MethodPost, "/api/register", req, nil); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}

		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(detail)),
		}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
