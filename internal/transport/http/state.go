package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fleet-monitor/cleaning/internal/store"
)

type StateReader interface {
	VehicleState(ctx context.Context, vehicleID string) (map[string]string, error)
	DirtyVehicles(ctx context.Context) ([]string, error)
}

// StateHandler serves the live cleanliness view kept in Redis.
type StateHandler struct {
	State  StateReader
	Logger *slog.Logger
}

func (h *StateHandler) RegisterRoutes(r chi.Router) {
	r.Get("/vehicles/{vehicleID}/state", h.handleVehicleState)
	r.Get("/vehicles/dirty", h.handleDirtyVehicles)
}

func (h *StateHandler) handleVehicleState(w http.ResponseWriter, r *http.Request) {
	state, err := h.State.VehicleState(r.Context(), chi.URLParam(r, "vehicleID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no state for vehicle")
		return
	}
	if err != nil {
		h.Logger.Error("vehicle state failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load vehicle state")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *StateHandler) handleDirtyVehicles(w http.ResponseWriter, r *http.Request) {
	ids, err := h.State.DirtyVehicles(r.Context())
	if err != nil {
		h.Logger.Error("dirty vehicles failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load dirty vehicles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicle_ids": ids, "count": len(ids)})
}
