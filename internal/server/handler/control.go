package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Resumer lifts the entry halt of an instrument. It returns domain.ErrNotFound
// for an instrument it does not run.
type Resumer interface {
	Resume(ctx context.Context, instrument string) error
}

// ControlHandler serves operator commands.
type ControlHandler struct {
	resumer Resumer
	logger  *slog.Logger
}

// NewControlHandler creates a ControlHandler.
func NewControlHandler(resumer Resumer, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{resumer: resumer, logger: logHandler(logger, "control")}
}

// Resume asks the instrument's controller to resume entries. The request is
// applied asynchronously at the controller's next select.
// POST /api/instruments/{instrument}/resume
func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	inst := r.PathValue("instrument")
	err := h.resumer.Resume(r.Context(), inst)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown instrument "+inst)
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "resume failed",
			slog.String("instrument", inst),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "resume failed")
		return
	}
	h.logger.InfoContext(r.Context(), "resume requested", slog.String("instrument", inst))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "instrument": inst})
}
