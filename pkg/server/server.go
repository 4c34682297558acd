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

// Package server exposes the console's own HTTP API: the reconciled fleet
// read model, wake-word settings, history, and a websocket stream for live
// dashboards.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/openhearth/fleetconsole/pkg/assistapi"
	"github.com/openhearth/fleetconsole/pkg/fleet"
	"github.com/openhearth/fleetconsole/pkg/history"
	"github.com/openhearth/fleetconsole/pkg/logger"
	"github.com/openhearth/fleetconsole/pkg/models"
	"github.com/openhearth/fleetconsole/pkg/sysinfo"
	"github.com/openhearth/fleetconsole/pkg/wakeword"
)

const (
	shutdownTimeout = 10 * time.Second

	frameFleet = "fleet"
	frameSync  = "sync"
)

// FleetService is the scheduler surface the API serves.
type FleetService interface {
	Snapshot() *models.FleetSnapshot
	Views() map[string]fleet.UpdateView
	DeviceView(deviceID string) (models.Satellite, fleet.UpdateView, bool)
	TriggerUpdate(ctx context.Context, deviceID string) error
	Status() fleet.Status
	DismissError()
}

// WakeWordService is the wake-word manager surface the API serves.
type WakeWordService interface {
	Settings(ctx context.Context) (*models.WakeWordSettings, error)
	Save(ctx context.Context, cfg *models.WakeWordConfig) (string, error)
	Status() wakeword.SessionView
}

// AssistantService covers the simple backend surfaces the console proxies.
type AssistantService interface {
	GetIntents(ctx context.Context) ([]models.Intent, error)
	GetTasks(ctx context.Context) ([]models.BackgroundTask, error)
	Register(ctx context.Context, req *models.RegistrationRequest) error
}

// HistoryService reads persisted attempt/session history.
type HistoryService interface {
	RecentUpdates(ctx context.Context, limit int) ([]history.UpdateRecord, error)
	RecentSyncSessions(ctx context.Context, limit int) ([]history.SyncSessionRecord, error)
}

// APIServer serves the console API.
type APIServer struct {
	router     *mux.Router
	logger     logger.Logger
	cors       models.CORSConfig
	apiKey     string
	listenAddr string

	fleet     FleetService
	wakewords WakeWordService
	assistant AssistantService
	histories HistoryService

	hub     *streamHub
	httpSrv *http.Server
}

// Option configures the API server.
type Option func(*APIServer)

// WithFleetService attaches the fleet scheduler.
func WithFleetService(f FleetService) Option {
	return func(s *APIServer) { s.fleet = f }
}

// WithWakeWordService attaches the wake-word manager.
func WithWakeWordService(w WakeWordService) Option {
	return func(s *APIServer) { s.wakewords = w }
}

// WithAssistantService attaches the backend proxy surfaces.
func WithAssistantService(a AssistantService) Option {
	return func(s *APIServer) { s.assistant = a }
}

// WithHistoryService attaches the history reader.
func WithHistoryService(h HistoryService) Option {
	return func(s *APIServer) { s.histories = h }
}

// WithAPIKey requires the given key on every request.
func WithAPIKey(key string) Option {
	return func(s *APIServer) { s.apiKey = key }
}

// NewAPIServer creates the API server and wires its routes.
func NewAPIServer(listenAddr string, cors models.CORSConfig, log logger.Logger, options ...Option) *APIServer {
	s := &APIServer{
		router:     mux.NewRouter(),
		logger:     log,
		cors:       cors,
		listenAddr: listenAddr,
	}

	for _, o := range options {
		o(s)
	}

	s.hub = newStreamHub(log)
	s.setupRoutes()

	return s
}

// Router exposes the configured handler, mainly for tests.
func (s *APIServer) Router() http.Handler {
	return s.router
}

// PublishFleet pushes a fleet frame to stream subscribers. Wired as the
// scheduler's snapshot listener.
func (s *APIServer) PublishFleet(_ *models.FleetSnapshot) {
	s.hub.Broadcast(frameFleet, s.fleetPage())
}

// PublishSync pushes a sync-session frame to stream subscribers. Wired as
// the wake-word manager's session listener.
func (s *APIServer) PublishSync(view wakeword.SessionView) {
	s.hub.Broadcast(frameSync, view)
}

// Start serves until ctx is canceled.
func (s *APIServer) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	s.logger.Info().Str("listen_addr", s.listenAddr).Msg("Console API listening")

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}

// Stop drains connections and closes the stream hub.
func (s *APIServer) Stop(ctx context.Context) error {
	s.hub.Close()

	if s.httpSrv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *APIServer) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return CommonMiddleware(next, s.cors, s.logger)
	})
	api.Use(APIKeyMiddleware(s.apiKey, s.logger))

	api.HandleFunc("/fleet", s.handleGetFleet).Methods(http.MethodGet)
	api.HandleFunc("/fleet/{id}", s.handleGetDevice).Methods(http.MethodGet)
	api.HandleFunc("/fleet/{id}/update", s.handleTriggerUpdate).Methods(http.MethodPost)

	api.HandleFunc("/settings/wakeword", s.handleGetWakeWord).Methods(http.MethodGet)
	api.HandleFunc("/settings/wakeword", s.handlePutWakeWord).Methods(http.MethodPut)
	api.HandleFunc("/settings/wakeword/sync", s.handleGetSync).Methods(http.MethodGet)

	api.HandleFunc("/history/updates", s.handleUpdateHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/sync", s.handleSyncHistory).Methods(http.MethodGet)

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/status/dismiss", s.handleDismiss).Methods(http.MethodPost)

	api.HandleFunc("/intents", s.handleIntents).Methods(http.MethodGet)
	api.HandleFunc("/tasks", s.handleTasks).Methods(http.MethodGet)
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)

	api.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
}

// fleetPage is the combined read model served on /api/fleet and pushed on
// the stream.
type fleetPage struct {
	Snapshot *models.FleetSnapshot       `json:"snapshot"`
	Updates  map[string]fleet.UpdateView `json:"updates"`
	Status   fleet.Status                `json:"status"`
}

func (s *APIServer) fleetPage() *fleetPage {
	return &fleetPage{
		Snapshot: s.fleet.Snapshot(),
		Updates:  s.fleet.Views(),
		Status:   s.fleet.Status(),
	}
}

func (s *APIServer) handleGetFleet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.fleetPage())
}

func (s *APIServer) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	sat, view, ok := s.fleet.DeviceView(deviceID)
	if !ok {
		writeError(w, "Device not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device": sat,
		"update": view,
	})
}

func (s *APIServer) handleTriggerUpdate(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	if err := s.fleet.TriggerUpdate(r.Context(), deviceID); err != nil {
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("Update trigger failed")
		writeBackendError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"device_id": deviceID, "status": "queued"})
}

func (s *APIServer) handleGetWakeWord(w http.ResponseWriter, r *http.Request) {
	settings, err := s.wakewords.Settings(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, settings)
}

func (s *APIServer) handlePutWakeWord(w http.ResponseWriter, r *http.Request) {
	var cfg models.WakeWordConfig

	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sessionID, err := s.wakewords.Save(r.Context(), &cfg)
	if err != nil {
		s.logger.Error().Err(err).Msg("Settings save failed")
		writeBackendError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

func (s *APIServer) handleGetSync(w http.ResponseWriter, _ *http.Request) {
	view := s.wakewords.Status()
	if !view.Exists {
		writeError(w, "No sync session has run", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *APIServer) handleUpdateHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.histories.RecentUpdates(r.Context(), limitParam(r))
	if err != nil {
		s.logger.Error().Err(err).Msg("Update history query failed")
		writeError(w, "History unavailable", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"updates": records})
}

func (s *APIServer) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.histories.RecentSyncSessions(r.Context(), limitParam(r))
	if err != nil {
		s.logger.Error().Err(err).Msg("Sync history query failed")
		writeError(w, "History unavailable", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": records})
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"fleet": s.fleet.Status(),
		"host":  sysinfo.Collect(r.Context()),
	}

	if s.wakewords != nil {
		resp["sync"] = s.wakewords.Status()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleDismiss(w http.ResponseWriter, _ *http.Request) {
	s.fleet.DismissError()
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleIntents(w http.ResponseWriter, r *http.Request) {
	intents, err := s.assistant.GetIntents(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"intents": intents})
}

func (s *APIServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.assistant.GetTasks(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *APIServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegistrationRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.assistant.Register(r.Context(), &req); err != nil {
		writeBackendError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}

	return n
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeBackendError maps backend rejections to their original status code
// and transport failures to 502.
func writeBackendError(w http.ResponseWriter, err error) {
	var se *assistapi.StatusError
	if errors.As(err, &se) {
		message := se.Body
		if message == "" {
			message = http.StatusText(se.StatusCode)
		}

		writeError(w, message, se.StatusCode)

		return
	}

	writeError(w, err.Error(), http.StatusBadGateway)
}
