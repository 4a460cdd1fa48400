// Copyright 2025 The FAIR Authors
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

// Package api provides the HTTP API for the daemon.
package api

import (
	"log/slog"
	"net/http"

	"github.com/azapg/FAIR/internal/daemon/auth"
	"github.com/azapg/FAIR/internal/daemon/httputil"
	"github.com/azapg/FAIR/internal/log"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version string
	Logger  *slog.Logger
}

// Router wraps an http.ServeMux. Routes under /v1 pass through the auth
// middleware; /healthz and /metrics stay public.
type Router struct {
	mux     *http.ServeMux
	v1      *http.ServeMux
	config  RouterConfig
	authMW  *auth.Middleware
	logMW   *log.HTTPMiddleware
	logger  *slog.Logger
	version string
}

// NewRouter creates the router skeleton. Handlers register themselves via
// Handle; the daemon wires the auth middleware and metrics handler.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		mux:     http.NewServeMux(),
		v1:      http.NewServeMux(),
		config:  cfg,
		logger:  logger.With("component", "api"),
		version: cfg.Version,
	}
	r.logMW = log.NewHTTPMiddleware(r.logger)

	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.Handle("/v1/", http.HandlerFunc(r.serveV1))
	return r
}

// SetAuthMiddleware guards the /v1 routes.
func (r *Router) SetAuthMiddleware(mw *auth.Middleware) {
	r.authMW = mw
}

// SetMetricsHandler exposes the Prometheus scrape endpoint.
func (r *Router) SetMetricsHandler(handler http.Handler) {
	if handler != nil {
		r.mux.Handle("GET /metrics", handler)
	}
}

// Handle registers an authenticated route.
func (r *Router) Handle(pattern string, handler http.Handler) {
	r.v1.Handle(pattern, handler)
}

// HandleScoped registers an authenticated route that also requires a JWT
// scope.
func (r *Router) HandleScoped(pattern, scope string, handler http.Handler) {
	r.v1.Handle(pattern, auth.RequireScope(scope, handler))
}

// ServeHTTP implements http.Handler with request logging outermost.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.logMW.Wrap(r.mux).ServeHTTP(w, req)
}

// serveV1 applies the auth middleware in front of the v1 mux.
func (r *Router) serveV1(w http.ResponseWriter, req *http.Request) {
	if r.authMW != nil {
		r.authMW.Wrap(r.v1).ServeHTTP(w, req)
		return
	}
	r.v1.ServeHTTP(w, req)
}

// handleHealth handles GET /healthz, unauthenticated.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": r.version,
	})
}
