package handlers

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/eargollo/sift/internal/scan"
	"github.com/eargollo/sift/internal/scheduler"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	DB      *sql.DB
	Manager *scan.Manager
	Sched   *scheduler.Scheduler
	Version string
}

type statusResponse struct {
	Version          string            `json:"version"`
	ActiveScan       *activeScanInfo   `json:"active_scan"`
	Schedule         scheduleInfo      `json:"schedule"`
	LastFinishedScan *scan.ScanSummary `json:"last_finished_scan"`
}

type activeScanInfo struct {
	ID          int64       `json:"id"`
	StartedAt   time.Time   `json:"started_at"`
	TriggeredBy string      `json:"triggered_by"`
	Progress    scan.Update `json:"progress"`
}

type scheduleInfo struct {
	Cron      string     `json:"cron"`
	NextRunAt *time.Time `json:"next_run_at"`
}

// ServeHTTP returns the system status as JSON.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:    h.Version,
		ActiveScan: h.activeScan(),
	}
	if h.Sched != nil {
		resp.Schedule = scheduleInfo{
			Cron:      h.Sched.Expr(scheduler.JobScan),
			NextRunAt: h.Sched.Next(scheduler.JobScan),
		}
	}

	last, err := scan.LastFinishedScan(r.Context(), h.DB)
	switch {
	case err == nil:
		resp.LastFinishedScan = &last
	case !errors.Is(err, scan.ErrScanNotFound):
		slog.Error("status: query last scan", "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *StatusHandler) activeScan() *activeScanInfo {
	if h.Manager == nil {
		return nil
	}
	a := h.Manager.ActiveScan()
	if a == nil {
		return nil
	}
	return &activeScanInfo{
		ID:          a.ID,
		StartedAt:   a.StartedAt.UTC(),
		TriggeredBy: a.TriggeredBy,
		Progress:    a.Progress(),
	}
}
