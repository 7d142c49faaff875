package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// SnapshotSource provides the latest snapshot of every instrument.
type SnapshotSource interface {
	Snapshots() []domain.Snapshot
	Snapshot(instrument string) (domain.Snapshot, bool)
}

// SnapshotHandler serves views derived from the live snapshots.
type SnapshotHandler struct {
	source SnapshotSource
	logger *slog.Logger
}

// NewSnapshotHandler creates a SnapshotHandler.
func NewSnapshotHandler(source SnapshotSource, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{source: source, logger: logHandler(logger, "snapshot")}
}

// selected returns the snapshot of ?instrument= or all snapshots.
func (h *SnapshotHandler) selected(r *http.Request) []domain.Snapshot {
	if inst := r.URL.Query().Get("instrument"); inst != "" {
		s, ok := h.source.Snapshot(inst)
		if !ok {
			return nil
		}
		return []domain.Snapshot{s}
	}
	return h.source.Snapshots()
}

// List returns every instrument's snapshot.
// GET /api/snapshot
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps := h.source.Snapshots()
	if snaps == nil {
		snaps = []domain.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

// Get returns one instrument's snapshot.
// GET /api/instruments/{instrument}/snapshot
func (h *SnapshotHandler) Get(w http.ResponseWriter, r *http.Request) {
	inst := r.PathValue("instrument")
	s, ok := h.source.Snapshot(inst)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instrument "+inst)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// OpenPositions returns the positions not yet CLOSED.
// GET /api/positions[?instrument=]
func (h *SnapshotHandler) OpenPositions(w http.ResponseWriter, r *http.Request) {
	positions := []domain.Position{}
	for _, s := range h.selected(r) {
		positions = append(positions, s.Positions...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// Performance returns each strategy's track record and skill metrics.
// GET /api/performance[?instrument=]
func (h *SnapshotHandler) Performance(w http.ResponseWriter, r *http.Request) {
	records := []domain.PerformanceRecord{}
	for _, s := range h.selected(r) {
		records = append(records, s.Performance...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"performance": records})
}
