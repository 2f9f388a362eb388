// Package handler holds the plain HTTP introspection endpoints that sit
// alongside the /judge WebSocket protocol: version, health and the
// installed-runtime listing.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/coderunr/judgesession/internal/runtime"
	"github.com/coderunr/judgesession/internal/types"
)

// Handler serves the ancillary, non-protocol HTTP surface.
type Handler struct {
	logger *logrus.Logger
}

// NewHandler creates a new handler instance.
func NewHandler(logger *logrus.Logger) *Handler {
	return &Handler{logger: logger}
}

// GetVersion returns the engine version.
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]string{"message": "judgesession v1.0.0"}, http.StatusOK)
}

// GetHealth reports liveness.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// GetRuntimes returns the installed runtimes, for client-side discovery
// of valid (language, version) pairs to pass to /judge's init message.
func (h *Handler) GetRuntimes(w http.ResponseWriter, r *http.Request) {
	runtimes := runtime.GetRuntimes()

	response := make([]types.RuntimeInfo, len(runtimes))
	for i, rt := range runtimes {
		runtimeName := rt.Runtime
		if runtimeName == "" {
			runtimeName = rt.Language
		}
		response[i] = types.RuntimeInfo{
			Language: rt.Language,
			Version:  rt.Version.String(),
			Aliases:  rt.Aliases,
			Runtime:  runtimeName,
			Compiled: rt.Compiled,
		}
	}

	h.sendJSON(w, response, http.StatusOK)
}

func (h *Handler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("failed to encode JSON response")
	}
}
