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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openhearth/fleetconsole/pkg/assistapi"
	"github.com/openhearth/fleetconsole/pkg/fleet"
	"github.com/openhearth/fleetconsole/pkg/history"
	"github.com/openhearth/fleetconsole/pkg/logger"
	"github.com/openhearth/fleetconsole/pkg/models"
	"github.com/openhearth/fleetconsole/pkg/wakeword"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFleetService struct {
	snapshot   *models.FleetSnapshot
	views      map[string]fleet.UpdateView
	status     fleet.Status
	triggerErr error

	triggered []string
	dismissed bool
}

func (s *stubFleetService) Snapshot() *models.FleetSnapshot    { return s.snapshot }
func (s *stubFleetService) Views() map[string]fleet.UpdateView { return s.views }
func (s *stubFleetService) Status() fleet.Status               { return s.status }
func (s *stubFleetService) DismissError()                      { s.dismissed = true }

func (s *stubFleetService) DeviceView(deviceID string) (models.Satellite, fleet.UpdateView, bool) {
	if s.snapshot == nil {
		return models.Satellite{}, fleet.UpdateView{}, false
	}

	sat, ok := s.snapshot.Devices[deviceID]
	if !ok {
		return models.Satellite{}, fleet.UpdateView{}, false
	}

	return sat, s.views[deviceID], true
}

func (s *stubFleetService) TriggerUpdate(_ context.Context, deviceID string) error {
	if s.triggerErr != nil {
		return s.triggerErr
	}

	s.triggered = append(s.triggered, deviceID)

	return nil
}

type stubWakeWordService struct {
	settings *models.WakeWordSettings
	saveID   string
	saveErr  error
	view     wakeword.SessionView

	saved *models.WakeWordConfig
}

func (s *stubWakeWordService) Settings(_ context.Context) (*models.WakeWordSettings, error) {
	return s.settings, nil
}

func (s *stubWakeWordService) Save(_ context.Context, cfg *models.WakeWordConfig) (string, error) {
	if s.saveErr != nil {
		return "", s.saveErr
	}

	s.saved = cfg

	return s.saveID, nil
}

func (s *stubWakeWordService) Status() wakeword.SessionView { return s.view }

type stubAssistantService struct {
	intents     []models.Intent
	tasks       []models.BackgroundTask
	registerErr error
}

func (s *stubAssistantService) GetIntents(_ context.Context) ([]models.Intent, error) {
	return s.intents, nil
}

func (s *stubAssistantService) GetTasks(_ context.Context) ([]models.BackgroundTask, error) {
	return s.tasks, nil
}

func (s *stubAssistantService) Register(_ context.Context, _ *models.RegistrationRequest) error {
	return s.registerErr
}

type stubHistoryService struct {
	updates  []history.UpdateRecord
	sessions []history.SyncSessionRecord
	err      error

	lastLimit int
}

func (s *stubHistoryService) RecentUpdates(_ context.Context, limit int) ([]history.UpdateRecord, error) {
	s.lastLimit = limit
	return s.updates, s.err
}

func (s *stubHistoryService) RecentSyncSessions(_ context.Context, limit int) ([]history.SyncSessionRecord, error) {
	s.lastLimit = limit
	return s.sessions, s.err
}

func testSnapshot() *models.FleetSnapshot {
	return models.NewFleetSnapshot(&models.FleetResponse{
		Satellites: []models.Satellite{
			{DeviceID: "kitchen-01", Version: "1.2.0", State: models.SatelliteIdle},
		},
		LatestVersion: "1.3.0",
	}, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func newTestServer(opts ...Option) *APIServer {
	return NewAPIServer(":0", models.CORSConfig{}, logger.NewTestLogger(), opts...)
}

func doRequest(s *APIServer, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	return rec
}

func TestAPIServer_GetFleet(t *testing.T) {
	fleetSvc := &stubFleetService{
		snapshot: testSnapshot(),
		views: map[string]fleet.UpdateView{
			"kitchen-01": {Status: models.UpdateAvailable},
		},
		status: fleet.Status{LastRefresh: time.Now()},
	}

	s := newTestServer(WithFleetService(fleetSvc))

	rec := doRequest(s, http.MethodGet, "/api/fleet", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Snapshot *models.FleetSnapshot       `json:"snapshot"`
		Updates  map[string]fleet.UpdateView `json:"updates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.NotNil(t, page.Snapshot)
	assert.Contains(t, page.Snapshot.Devices, "kitchen-01")
	assert.Equal(t, models.UpdateAvailable, page.Updates["kitchen-01"].Status)
}

func TestAPIServer_GetDeviceNotFound(t *testing.T) {
	s := newTestServer(WithFleetService(&stubFleetService{snapshot: testSnapshot()}))

	rec := doRequest(s, http.MethodGet, "/api/fleet/ghost-99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIServer_TriggerUpdateAccepted(t *testing.T) {
	fleetSvc := &stubFleetService{snapshot: testSnapshot()}
	s := newTestServer(WithFleetService(fleetSvc))

	rec := doRequest(s, http.MethodPost, "/api/fleet/kitchen-01/update", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"kitchen-01"}, fleetSvc.triggered)
}

func TestAPIServer_TriggerUpdateRejectionKeepsBackendStatus(t *testing.T) {
	fleetSvc := &stubFleetService{
		triggerErr: &assistapi.StatusError{StatusCode: http.StatusConflict, Body: "update already in progress"},
	}
	s := newTestServer(WithFleetService(fleetSvc))

	rec := doRequest(s, http.MethodPost, "/api/fleet/kitchen-01/update", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "update already in progress")
}

func TestAPIServer_TriggerUpdateTransportFailureIs502(t *testing.T) {
	fleetSvc := &stubFleetService{triggerErr: errors.New("connection refused")}
	s := newTestServer(WithFleetService(fleetSvc))

	rec := doRequest(s, http.MethodPost, "/api/fleet/kitchen-01/update", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAPIServer_PutWakeWordReturnsSessionID(t *testing.T) {
	wwSvc := &stubWakeWordService{saveID: "session-42"}
	s := newTestServer(WithWakeWordService(wwSvc))

	body := []byte(`{"active_keywords": ["nova"], "sensitivity": 0.5}`)
	rec := doRequest(s, http.MethodPut, "/api/settings/wakeword", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "session-42")
	require.NotNil(t, wwSvc.saved)
	assert.Equal(t, []string{"nova"}, wwSvc.saved.ActiveKeywords)
}

func TestAPIServer_PutWakeWordBadBody(t *testing.T) {
	s := newTestServer(WithWakeWordService(&stubWakeWordService{}))

	rec := doRequest(s, http.MethodPut, "/api/settings/wakeword", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIServer_SyncBeforeAnySession(t *testing.T) {
	s := newTestServer(WithWakeWordService(&stubWakeWordService{}))

	rec := doRequest(s, http.MethodGet, "/api/settings/wakeword/sync", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIServer_SyncReturnsLiveSession(t *testing.T) {
	wwSvc := &stubWakeWordService{view: wakeword.SessionView{
		Exists: true,
		ID:     "session-42",
		Active: true,
		Polls:  3,
	}}
	s := newTestServer(WithWakeWordService(wwSvc))

	rec := doRequest(s, http.MethodGet, "/api/settings/wakeword/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view wakeword.SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "session-42", view.ID)
	assert.True(t, view.Active)
}

func TestAPIServer_HistoryPassesLimit(t *testing.T) {
	histSvc := &stubHistoryService{
		updates: []history.UpdateRecord{{AttemptID: "attempt-1", DeviceID: "kitchen-01"}},
	}
	s := newTestServer(WithHistoryService(histSvc))

	rec := doRequest(s, http.MethodGet, "/api/history/updates?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, histSvc.lastLimit)
	assert.Contains(t, rec.Body.String(), "attempt-1")
}

func TestAPIServer_HistoryFailureIs500(t *testing.T) {
	s := newTestServer(WithHistoryService(&stubHistoryService{err: errors.New("db closed")}))

	rec := doRequest(s, http.MethodGet, "/api/history/sync", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAPIServer_DismissError(t *testing.T) {
	fleetSvc := &stubFleetService{status: fleet.Status{LastError: "backend unreachable"}}
	s := newTestServer(WithFleetService(fleetSvc))

	rec := doRequest(s, http.MethodPost, "/api/status/dismiss", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, fleetSvc.dismissed)
}

func TestAPIServer_RegisterCreated(t *testing.T) {
	s := newTestServer(WithAssistantService(&stubAssistantService{}))

	body := []byte(`{"username": "sam", "email": "sam@example.com", "password": "hunter2"}`)
	rec := doRequest(s, http.MethodPost, "/api/register", body)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestAPIServer_RegisterRejectionKeepsBackendStatus(t *testing.T) {
	s := newTestServer(WithAssistantService(&stubAssistantService{
		registerErr: &assistapi.StatusError{StatusCode: http.StatusUnprocessableEntity, Body: "username taken"},
	}))

	rec := doRequest(s, http.MethodPost, "/api/register", []byte(`{"username": "sam"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "username taken")
}

func TestAPIServer_APIKeyRequired(t *testing.T) {
	fleetSvc := &stubFleetService{snapshot: testSnapshot()}
	s := newTestServer(WithFleetService(fleetSvc), WithAPIKey("sekrit"))

	rec := doRequest(s, http.MethodGet, "/api/fleet", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/fleet", nil)
	req.Header.Set("X-API-Key", "sekrit")
	ok := httptest.NewRecorder()
	s.Router().ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)

	// Websocket clients cannot set headers; the query parameter works too.
	viaQuery := doRequest(s, http.MethodGet, "/api/fleet?api_key=sekrit", nil)
	assert.Equal(t, http.StatusOK, viaQuery.Code)
}

func TestCommonMiddleware_CORSAllowList(t *testing.T) {
	cors := models.CORSConfig{AllowedOrigins: []string{"http://console.local"}, AllowCredentials: true}

	handler := CommonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), cors, logger.NewTestLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/fleet", nil)
	req.Header.Set("Origin", "http://console.local")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "http://console.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	denied := httptest.NewRequest(http.MethodGet, "/api/fleet", nil)
	denied.Header.Set("Origin", "http://evil.example")
	deniedRec := httptest.NewRecorder()
	handler.ServeHTTP(deniedRec, denied)

	assert.Empty(t, deniedRec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCommonMiddleware_PreflightShortCircuits(t *testing.T) {
	called := false

	handler := CommonMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		called = true
	}), models.CORSConfig{}, logger.NewTestLogger())

	req := httptest.NewRequest(http.MethodOptions, "/api/fleet", nil)
	req.Header.Set("Origin", "http://console.local")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called)
}
