package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/traceline-io/traceline/internal/api/middleware"
	"github.com/traceline-io/traceline/internal/catalog"
	"github.com/traceline-io/traceline/internal/eventstore"
	"github.com/traceline-io/traceline/internal/query"
	"github.com/traceline-io/traceline/internal/schema"
)

type (
	// ProfileResponse is the API view of a dataset profile.
	ProfileResponse struct {
		Namespace        string               `json:"namespace"`
		Name             string               `json:"name"`
		URN              string               `json:"urn"`
		LastLoadTime     time.Time            `json:"lastLoadTime"`
		LastModifiedTime time.Time            `json:"lastModifiedTime"`
		RowCount         *int64               `json:"rowCount,omitempty"`
		SizeBytes        *int64               `json:"sizeBytes,omitempty"`
		Schema           []schema.SchemaField `json:"schema,omitempty"`
		QualityScore     *float64             `json:"qualityScore,omitempty"`
		TestPassRate     *float64             `json:"testPassRate,omitempty"`
		GDPRCategory     string               `json:"gdprCategory,omitempty"`
		Residency        string               `json:"residency,omitempty"`
		UpdatedAt        time.Time            `json:"updatedAt"`
	}

	// ProfilesResponse lists dataset profiles.
	ProfilesResponse struct {
		Profiles []ProfileResponse `json:"profiles"`
		Count    int               `json:"count"`
	}

	// EventResponse is the API view of one stored lineage event.
	EventResponse struct {
		RunID        string               `json:"runId"`
		EventType    string               `json:"eventType"`
		EventTime    time.Time            `json:"eventTime"`
		JobNamespace string               `json:"jobNamespace"`
		JobName      string               `json:"jobName"`
		Producer     string               `json:"producer"`
		Event        *schema.LineageEvent `json:"event"`
	}

	// EventsResponse lists stored lineage events.
	EventsResponse struct {
		Events []EventResponse `json:"events"`
		Count  int             `json:"count"`
	}

	// RunStatusResponse is the API view of a run's state.
	RunStatusResponse struct {
		RunID         string     `json:"runId"`
		JobNamespace  string     `json:"jobNamespace"`
		JobName       string     `json:"jobName"`
		Status        string     `json:"status"`
		LastEventTime time.Time  `json:"lastEventTime"`
		StartedAt     *time.Time `json:"startedAt,omitempty"`
	}

	// LineageNodeResponse is one dataset in a lineage graph response.
	LineageNodeResponse struct {
		URN        string   `json:"urn"`
		Namespace  string   `json:"namespace"`
		Name       string   `json:"name"`
		Depth      int      `json:"depth"`
		ProducedBy string   `json:"producedBy,omitempty"`
		Inputs     []string `json:"inputs,omitempty"`
	}

	// CycleResponse is one reported lineage cycle edge.
	CycleResponse struct {
		From string `json:"from"`
		To   string `json:"to"`
	}

	// LineageResponse is the API view of a backward lineage traversal.
	LineageResponse struct {
		Root      string                `json:"root"`
		MaxDepth  int                   `json:"maxDepth"`
		Truncated bool                  `json:"truncated"`
		Nodes     []LineageNodeResponse `json:"nodes"`
		Cycles    []CycleResponse       `json:"cycles,omitempty"`
	}
)

func toProfileResponse(profile *catalog.DatasetProfile) ProfileResponse {
	return ProfileResponse{
		Namespace:        profile.Namespace,
		Name:             profile.Name,
		URN:              profile.URN(),
		LastLoadTime:     profile.LastLoadTime,
		LastModifiedTime: profile.LastModifiedTime,
		RowCount:         profile.RowCount,
		SizeBytes:        profile.SizeBytes,
		Schema:           profile.SchemaFields,
		QualityScore:     profile.QualityScore,
		TestPassRate:     profile.TestPassRate,
		GDPRCategory:     profile.GDPRCategory,
		Residency:        profile.Residency,
		UpdatedAt:        profile.UpdatedAt,
	}
}

func toEventsResponse(events []eventstore.StoredEvent) EventsResponse {
	resp := EventsResponse{Events: make([]EventResponse, 0, len(events))}

	for _, event := range events {
		resp.Events = append(resp.Events, EventResponse{
			RunID:        event.RunID,
			EventType:    string(event.EventType),
			EventTime:    event.EventTime,
			JobNamespace: event.JobNamespace,
			JobName:      event.JobName,
			Producer:     event.Producer,
			Event:        event.Event,
		})
	}

	resp.Count = len(resp.Events)

	return resp
}

func toLineageResponse(graph *query.LineageGraph) LineageResponse {
	resp := LineageResponse{
		Root:      graph.Root,
		MaxDepth:  graph.MaxDepth,
		Truncated: graph.Truncated,
		Nodes:     make([]LineageNodeResponse, 0, len(graph.Nodes)),
	}

	for _, node := range graph.Nodes {
		resp.Nodes = append(resp.Nodes, LineageNodeResponse{
			URN:        node.URN,
			Namespace:  node.Namespace,
			Name:       node.Name,
			Depth:      node.Depth,
			ProducedBy: node.ProducedBy,
			Inputs:     node.Inputs,
		})
	}

	for _, cycle := range graph.Cycles {
		resp.Cycles = append(resp.Cycles, CycleResponse{From: cycle.From, To: cycle.To})
	}

	return resp
}

// writeJSON marshals payload and writes it with the given status, logging
// write failures after headers have been sent.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to build response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
