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

package api

import (
	"net/http"

	"github.com/azapg/FAIR/internal/daemon/httputil"
	"github.com/azapg/FAIR/internal/registry"
)

// PluginsHandler serves the plugin catalog.
type PluginsHandler struct {
	reg *registry.Registry
}

// NewPluginsHandler creates the handler.
func NewPluginsHandler(reg *registry.Registry) *PluginsHandler {
	return &PluginsHandler{reg: reg}
}

// RegisterRoutes registers plugin routes on the router.
func (h *PluginsHandler) RegisterRoutes(r *Router) {
	r.Handle("GET /v1/plugins", http.HandlerFunc(h.handleList))
}

// handleList handles GET /v1/plugins, returning manifests including the
// settings schemas.
func (h *PluginsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	manifests := h.reg.Manifests()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"plugins": manifests,
		"count":   len(manifests),
	})
}
