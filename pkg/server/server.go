// Copyright 2025 The Corral Authors
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

// Package server is the thin HTTP adapter over the orchestrator facade:
// handlers decode, call the facade, encode. Progress streams over a
// websocket subscription on the event bus.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/corralhq/corral/pkg/catalog"
	"github.com/corralhq/corral/pkg/eventbus"
	"github.com/corralhq/corral/pkg/lifecycle"
	"github.com/corralhq/corral/pkg/logger"
	"github.com/corralhq/corral/pkg/orchestrator"
	"github.com/corralhq/corral/pkg/protocol"
)

// Facade is the orchestrator surface the handlers call.
type Facade interface {
	RunAgent(ctx context.Context, agentID, task string, opts orchestrator.RunOptions) (string, error)
	RunTeam(ctx context.Context, teamID, task string, opts orchestrator.RunOptions) (string, error)
	RunWorkflow(ctx context.Context, workflowID string, opts orchestrator.RunOptions) (string, error)
	Cancel(id string) error
	Execution(id string) (orchestrator.Record, bool)
	Executions() []orchestrator.Record
}

var _ Facade = (*orchestrator.Orchestrator)(nil)

// Providers is the lifecycle surface the provider endpoints call.
type Providers interface {
	Install(ctx context.Context, req lifecycle.InstallRequest) (*lifecycle.ManifestEntry, error)
	Uninstall(ctx context.Context, name string) error
	Installed() []lifecycle.ManifestEntry
	Logs(ctx context.Context, name string, tail int) (string, error)
}

// Server serves the HTTP API.
type Server struct {
	facade    Facade
	providers Providers
	catalog   *catalog.Catalog
	bus       *eventbus.Bus
	metrics   http.Handler
	logger    *slog.Logger

	http *http.Server
}

type Option func(*Server)

// WithProviders enables the provider management endpoints.
func WithProviders(p Providers) Option {
	return func(s *Server) { s.providers = p }
}

// WithMetricsHandler mounts a handler at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func New(addr string, facade Facade, cat *catalog.Catalog, bus *eventbus.Bus, opts ...Option) *Server {
	s := &Server{
		facade:  facade,
		catalog: cat,
		bus:     bus,
		logger:  logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Post("/agents/{id}/run", s.handleRunAgent)
		r.Post("/teams/{id}/run", s.handleRunTeam)
		r.Post("/workflows/{id}/run", s.handleRunWorkflow)

		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Post("/executions/{id}/cancel", s.handleCancel)

		r.Get("/providers", s.handleListProviders)
		if s.providers != nil {
			r.Post("/providers", s.handleInstallProvider)
			r.Delete("/providers/{name}", s.handleUninstallProvider)
			r.Get("/providers/{name}/logs", s.handleProviderLogs)
		}
	})
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP API listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type runRequest struct {
	Task            string            `json:"task"`
	SessionID       string            `json:"session_id,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
	ApprovalGranted bool              `json:"approval_granted,omitempty"`
}

func (r runRequest) options() orchestrator.RunOptions {
	return orchestrator.RunOptions{
		SessionID:       r.SessionID,
		Context:         r.Context,
		Params:          r.Params,
		ApprovalGranted: r.ApprovalGranted,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunAgent(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.facade.RunAgent(r.Context(), chi.URLParam(r, "id"), req.Task, req.options())
	if err != nil {
		writeFacadeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (s *Server) handleRunTeam(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.facade.RunTeam(r.Context(), chi.URLParam(r, "id"), req.Task, req.options())
	if err != nil {
		writeFacadeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.facade.RunWorkflow(r.Context(), chi.URLParam(r, "id"), req.options())
	if err != nil {
		writeFacadeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.facade.Executions())
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.facade.Execution(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("execution not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.Cancel(chi.URLParam(r, "id")); err != nil {
		writeFacadeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.List())
}

type installProviderRequest struct {
	Name    string            `json:"name,omitempty"`
	Package string            `json:"package"`
	Version string            `json:"version,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (s *Server) handleInstallProvider(w http.ResponseWriter, r *http.Request) {
	var req installProviderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := s.providers.Install(r.Context(), lifecycle.InstallRequest{
		Name:    req.Name,
		Package: req.Package,
		Version: req.Version,
		Env:     req.Env,
	})
	if err != nil {
		// A bad install request (duplicate name, invalid name) is the
		// caller's fault, unlike a missing run target.
		if protocol.KindOf(err) == protocol.ErrConfiguration {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeFacadeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleUninstallProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.providers.Uninstall(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeFacadeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviderLogs(w http.ResponseWriter, r *http.Request) {
	tail := 200
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid tail %q", v))
			return
		}
		tail = n
	}
	out, err := s.providers.Logs(r.Context(), chi.URLParam(r, "name"), tail)
	if err != nil {
		writeFacadeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": out})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeFacadeError maps facade error kinds onto HTTP statuses.
func writeFacadeError(w http.ResponseWriter, err error) {
	switch protocol.KindOf(err) {
	case protocol.ErrConfiguration:
		writeError(w, http.StatusNotFound, err)
	case protocol.ErrUnknownProvider, protocol.ErrUnknownTool:
		writeError(w, http.StatusNotFound, err)
	case protocol.ErrTimeout:
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
