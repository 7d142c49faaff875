package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// HistoryHandler serves the persisted history: closed positions, past
// allocations and the audit log. Nil stores answer 503.
type HistoryHandler struct {
	positions   domain.PositionStore
	allocations domain.AllocationStore
	audit       domain.AuditStore
	logger      *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(
	positions domain.PositionStore,
	allocations domain.AllocationStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *HistoryHandler {
	return &HistoryHandler{
		positions:   positions,
		allocations: allocations,
		audit:       audit,
		logger:      logHandler(logger, "history"),
	}
}

// ClosedPositions lists CLOSED positions, most recent exit first.
// GET /api/positions/closed[?instrument=&limit=&offset=&since=&until=]
func (h *HistoryHandler) ClosedPositions(w http.ResponseWriter, r *http.Request) {
	if h.positions == nil {
		writeError(w, http.StatusServiceUnavailable, "position history unavailable")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid time range: "+err.Error())
		return
	}
	inst := r.URL.Query().Get("instrument")
	positions, err := h.positions.ListClosed(r.Context(), inst, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list closed positions failed",
			slog.String("instrument", inst),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// Allocations lists allocation snapshots, newest first.
// GET /api/allocations/history[?instrument=&limit=&offset=&since=&until=]
func (h *HistoryHandler) Allocations(w http.ResponseWriter, r *http.Request) {
	if h.allocations == nil {
		writeError(w, http.StatusServiceUnavailable, "allocation history unavailable")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid time range: "+err.Error())
		return
	}
	inst := r.URL.Query().Get("instrument")
	records, err := h.allocations.List(r.Context(), inst, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list allocations failed",
			slog.String("instrument", inst),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list allocations")
		return
	}
	if records == nil {
		records = []domain.AllocationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"allocations": records})
}

// Audit lists audit log entries, newest first. event filters by prefix, so
// event=strategy matches every strategy lifecycle event.
// GET /api/audit[?event=&limit=&offset=&since=&until=]
func (h *HistoryHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid time range: "+err.Error())
		return
	}
	event := r.URL.Query().Get("event")
	entries, err := h.audit.List(r.Context(), event, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
