package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/traceline-io/traceline/internal/api/middleware"
)

// handleListProfiles serves GET /api/v1/profiles.
//
// Lists dataset profiles updated at or after the RFC 3339 `since` query
// parameter. Omitting `since` lists everything updated in the last 24 hours.
func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)

	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("since must be an RFC 3339 timestamp"))

			return
		}

		since = parsed
	}

	profiles, err := s.service.ListProfilesSince(r.Context(), since)
	if err != nil {
		s.logger.Error("Failed to list dataset profiles",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to list dataset profiles"))

		return
	}

	resp := ProfilesResponse{Profiles: make([]ProfileResponse, 0, len(profiles))}
	for _, profile := range profiles {
		resp.Profiles = append(resp.Profiles, toProfileResponse(profile))
	}

	resp.Count = len(resp.Profiles)

	s.writeJSON(w, r, http.StatusOK, resp)
}
