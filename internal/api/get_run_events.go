package api

import (
	"log/slog"
	"net/http"

	"github.com/traceline-io/traceline/internal/api/middleware"
)

// handleGetRunEvents serves GET /api/v1/runs/{runId}/events.
//
// Returns the full stored event history of one run in event time order.
// A run with no events yields an empty list, not a 404; callers routinely
// poll before the first event lands.
func (s *Server) handleGetRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("runId is required"))

		return
	}

	events, err := s.service.EventsByRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("Failed to fetch run events",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch run events"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, toEventsResponse(events))
}
