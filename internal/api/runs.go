package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
	runLogTimeout   = 3 * time.Second
)

// triggerRun handles POST /v1/runs. The request is accepted even when it
// coalesces into a run that is already queued.
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	queued := s.deps.Scheduler.Trigger()
	s.logger.Info("run trigger requested",
		zap.String("request_id", requestID(r.Context())),
		zap.Bool("queued", queued),
	)
	writeJSON(w, http.StatusAccepted, map[string]bool{
		"queued":  queued,
		"running": s.deps.Scheduler.Running(),
	})
}

// lastRun handles GET /v1/runs/last.
func (s *Server) lastRun(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	summary, ok := s.deps.Scheduler.LastSummary()
	if !ok {
		writeError(w, http.StatusNotFound, "no run has finished yet")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// listRuns handles GET /v1/runs?limit=, most recent first.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run log unavailable")
		return
	}
	limit, err := parsePositive(r.URL.Query().Get("limit"), defaultRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}

	ctx, cancel := context.WithTimeout(r.Context(), runLogTimeout)
	defer cancel()
	runs, err := s.deps.Runs.ListRuns(ctx, limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []ingest.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
