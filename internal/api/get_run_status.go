package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/traceline-io/traceline/internal/api/middleware"
	"github.com/traceline-io/traceline/internal/eventstore"
)

// handleGetRunStatus serves GET /api/v1/runs/{runId}/status.
//
// Returns the run's lifecycle state. Non-terminal runs that have gone quiet
// past the orphan timeout report ORPHANED; the stored state is untouched.
func (s *Server) handleGetRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("runId is required"))

		return
	}

	status, err := s.service.RunStatus(r.Context(), runID)
	if err != nil {
		if errors.Is(err, eventstore.ErrRunNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("run not found"))

			return
		}

		s.logger.Error("Failed to fetch run status",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch run status"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, RunStatusResponse{
		RunID:         status.RunID,
		JobNamespace:  status.JobNamespace,
		JobName:       status.JobName,
		Status:        status.Status,
		LastEventTime: status.LastEventTime,
		StartedAt:     status.StartedAt,
	})
}
