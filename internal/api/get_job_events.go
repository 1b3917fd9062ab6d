package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/traceline-io/traceline/internal/api/middleware"
)

// defaultJobEventWindow bounds job event queries when no `from` is given.
const defaultJobEventWindow = 7 * 24 * time.Hour

// handleGetJobEvents serves GET /api/v1/jobs/{namespace}/{name}/events.
//
// Returns the job's events within [from, to), both RFC 3339 query
// parameters. `from` defaults to seven days ago, `to` is open-ended when
// omitted.
func (s *Server) handleGetJobEvents(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	name := r.PathValue("name")

	if namespace == "" || name == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("namespace and name are required"))

		return
	}

	from := time.Now().UTC().Add(-defaultJobEventWindow)

	var to time.Time

	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("from must be an RFC 3339 timestamp"))

			return
		}

		from = parsed
	}

	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("to must be an RFC 3339 timestamp"))

			return
		}

		to = parsed
	}

	if !to.IsZero() && !to.After(from) {
		WriteErrorResponse(w, r, s.logger, BadRequest("to must be after from"))

		return
	}

	events, err := s.service.EventsByJob(r.Context(), namespace, name, from, to)
	if err != nil {
		s.logger.Error("Failed to fetch job events",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("namespace", namespace),
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch job events"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, toEventsResponse(events))
}
