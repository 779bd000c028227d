package handlers

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eargollo/sift/internal/scan"
)

// ScansHandler handles scan-related API endpoints.
type ScansHandler struct {
	DB      *sql.DB
	Manager *scan.Manager
}

// Create handles POST /api/scans. It triggers a manual scan.
func (h *ScansHandler) Create(w http.ResponseWriter, r *http.Request) {
	// Not the request context: the scan outlives the request.
	active, err := h.Manager.Start(context.Background(), "manual")
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "SCAN_ALREADY_RUNNING", "A scan is already in progress")
		case errors.Is(err, scan.ErrInvalidRoot), errors.Is(err, scan.ErrPatternCompile), errors.Is(err, scan.ErrBadExclude):
			writeError(w, http.StatusUnprocessableEntity, "INVALID_SCAN_OPTIONS", err.Error())
		default:
			slog.Error("scans: start", "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start scan")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":           active.ID,
		"status":       scan.StatusRunning,
		"started_at":   active.StartedAt.UTC().Format(time.RFC3339),
		"triggered_by": active.TriggeredBy,
	})
}

// Cancel handles DELETE /api/scans/current. The scan stops asynchronously and
// its partial report is stored as incomplete.
func (h *ScansHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Manager.Cancel()
	if err != nil {
		if errors.Is(err, scan.ErrNoActiveScan) {
			writeError(w, http.StatusNotFound, "NO_ACTIVE_SCAN", "No scan is currently running")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":         snap.ID,
		"status":     "cancelling",
		"started_at": snap.StartedAt.UTC().Format(time.RFC3339),
	})
}

// List handles GET /api/scans and returns scan history newest first.
func (h *ScansHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	items, err := scan.ListScans(r.Context(), h.DB, limit, offset)
	if err != nil {
		slog.Error("scans list: query", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	total, err := scan.CountScans(r.Context(), h.DB)
	if err != nil {
		slog.Error("scans list: count", "error", err)
	}

	writeJSON(w, http.StatusOK, ListResponse[scan.ScanSummary]{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /api/scans/:id.
func (h *ScansHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := scanID(w, r)
	if !ok {
		return
	}
	s, err := scan.GetScan(r.Context(), h.DB, id)
	if errors.Is(err, scan.ErrScanNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Scan not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Report handles GET /api/scans/:id/report: the stored report with digest
// groups, error tallies and tag counts.
func (h *ScansHandler) Report(w http.ResponseWriter, r *http.Request) {
	id, ok := scanID(w, r)
	if !ok {
		return
	}
	rep, err := scan.LoadReport(r.Context(), h.DB, id)
	switch {
	case errors.Is(err, scan.ErrScanNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Scan not found")
	case errors.Is(err, scan.ErrScanRunning):
		writeError(w, http.StatusConflict, "SCAN_RUNNING", "Scan has not finished yet")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func scanID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid scan ID")
		return 0, false
	}
	return id, true
}
