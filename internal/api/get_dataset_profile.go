package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/traceline-io/traceline/internal/api/middleware"
	"github.com/traceline-io/traceline/internal/catalog"
)

// handleGetDatasetProfile serves GET /api/v1/datasets/{namespace}/{name}/profile.
//
// Returns the dataset's current catalog profile: freshness, volume, schema,
// quality, and governance fields. 404 when the dataset has never been
// produced by a completed run.
func (s *Server) handleGetDatasetProfile(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	name := r.PathValue("name")

	if namespace == "" || name == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("namespace and name are required"))

		return
	}

	profile, err := s.service.GetProfile(r.Context(), namespace, name)
	if err != nil {
		if errors.Is(err, catalog.ErrProfileNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("dataset profile not found"))

			return
		}

		s.logger.Error("Failed to fetch dataset profile",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("namespace", namespace),
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch dataset profile"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, toProfileResponse(profile))
}
