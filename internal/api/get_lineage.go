package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/traceline-io/traceline/internal/api/middleware"
	"github.com/traceline-io/traceline/internal/query"
)

// handleGetLineage serves GET /api/v1/datasets/{namespace}/{name}/lineage.
//
// Walks upstream from the dataset through completed producing runs. The
// optional depth query parameter bounds traversal; omitted or 0 uses the
// service default.
func (s *Server) handleGetLineage(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	name := r.PathValue("name")

	if namespace == "" || name == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("namespace and name are required"))

		return
	}

	depth := 0

	if raw := r.URL.Query().Get("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("depth must be an integer"))

			return
		}

		depth = parsed
	}

	graph, err := s.service.Lineage(r.Context(), namespace, name, depth)
	if err != nil {
		if errors.Is(err, query.ErrInvalidDepth) {
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

			return
		}

		s.logger.Error("Failed to traverse lineage",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("namespace", namespace),
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to traverse lineage"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, toLineageResponse(graph))
}
