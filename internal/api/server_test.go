package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/traceline-io/traceline/internal/catalog"
	"github.com/traceline-io/traceline/internal/eventstore"
	"github.com/traceline-io/traceline/internal/query"
	"github.com/traceline-io/traceline/internal/schema"
)

type fakeEventReader struct {
	events    map[string][]eventstore.StoredEvent
	runStates map[string]eventstore.RunState
	producers map[string][]string
	inputs    map[string][]eventstore.Edge
}

func (r *fakeEventReader) EventsByRun(_ context.Context, runID string) ([]eventstore.StoredEvent, error) {
	return r.events[runID], nil
}

func (r *fakeEventReader) EventsByJob(context.Context, string, string, time.Time, time.Time) ([]eventstore.StoredEvent, error) {
	return nil, nil
}

func (r *fakeEventReader) RunStateByID(_ context.Context, runID string) (eventstore.RunState, error) {
	state, ok := r.runStates[runID]
	if !ok {
		return eventstore.RunState{}, eventstore.ErrRunNotFound
	}

	return state, nil
}

func (r *fakeEventReader) ProducingRuns(_ context.Context, datasetURN string) ([]string, error) {
	return r.producers[datasetURN], nil
}

func (r *fakeEventReader) RunInputs(_ context.Context, runID string) ([]eventstore.Edge, error) {
	return r.inputs[runID], nil
}

type fakeProfileReader struct {
	profiles map[string]*catalog.DatasetProfile
}

func (r *fakeProfileReader) GetProfile(_ context.Context, namespace, name string) (*catalog.DatasetProfile, error) {
	profile, ok := r.profiles[schema.DatasetURN(namespace, name)]
	if !ok {
		return nil, catalog.ErrProfileNotFound
	}

	return profile, nil
}

func (r *fakeProfileReader) ListProfilesSince(context.Context, time.Time, int) ([]*catalog.DatasetProfile, error) {
	profiles := make([]*catalog.DatasetProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		profiles = append(profiles, p)
	}

	return profiles, nil
}

type fakeHealthChecker struct {
	err error
}

func (h *fakeHealthChecker) HealthCheck(context.Context) error {
	return h.err
}

func testServerConfig() *ServerConfig {
	cfg := LoadServerConfig()
	cfg.Port = 8080

	return cfg
}

// newTestServer builds a server over fake readers without starting it; the
// returned handler carries the full middleware chain.
func newTestServer(events *fakeEventReader, profiles *fakeProfileReader, health HealthChecker) http.Handler {
	if events == nil {
		events = &fakeEventReader{}
	}

	if profiles == nil {
		profiles = &fakeProfileReader{}
	}

	service := query.NewService(events, profiles, nil)
	server := NewServer(testServerConfig(), service, health, nil, nil)

	return server.httpServer.Handler
}

func doRequest(handler http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))

	return rec
}

func datasetPath(namespace, name, suffix string) string {
	return "/api/v1/datasets/" + url.PathEscape(namespace) + "/" + url.PathEscape(name) + "/" + suffix
}

func TestPingEndpoint(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rec := doRequest(newTestServer(nil, nil, nil), http.MethodGet, "/ping")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	if rec.Body.String() != "pong" {
		t.Errorf("expected pong, got %q", rec.Body.String())
	}

	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected a correlation ID header on every response")
	}
}

func TestReadyEndpoint(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("healthy storage", func(t *testing.T) {
		rec := doRequest(newTestServer(nil, nil, &fakeHealthChecker{}), http.MethodGet, "/ready")

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("unreachable storage", func(t *testing.T) {
		health := &fakeHealthChecker{err: errors.New("connection refused")}
		rec := doRequest(newTestServer(nil, nil, health), http.MethodGet, "/ready")

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rec.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rec := doRequest(newTestServer(nil, nil, nil), http.MethodGet, "/health")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var health HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("invalid health response: %v", err)
	}

	if health.Status != "healthy" || health.ServiceName != "traceline" {
		t.Errorf("unexpected health payload: %+v", health)
	}
}

func TestGetDatasetProfile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rowCount := int64(120000)
	modifiedTime := time.Date(2026, 3, 14, 9, 27, 0, 0, time.UTC)
	profiles := &fakeProfileReader{profiles: map[string]*catalog.DatasetProfile{
		"postgres://warehouse/public.orders": {
			Namespace:        "postgres://warehouse",
			Name:             "public.orders",
			LastLoadTime:     time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
			LastModifiedTime: modifiedTime,
			RowCount:         &rowCount,
			GDPRCategory:     "personal",
		},
	}}

	handler := newTestServer(nil, profiles, nil)

	t.Run("known dataset", func(t *testing.T) {
		rec := doRequest(handler, http.MethodGet, datasetPath("postgres://warehouse", "public.orders", "profile"))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var resp ProfileResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid profile response: %v", err)
		}

		if resp.URN != "postgres://warehouse/public.orders" {
			t.Errorf("unexpected URN: %s", resp.URN)
		}

		if resp.RowCount == nil || *resp.RowCount != rowCount {
			t.Errorf("unexpected row count: %v", resp.RowCount)
		}

		if !resp.LastModifiedTime.Equal(modifiedTime) {
			t.Errorf("unexpected last modified time: %s", resp.LastModifiedTime)
		}

		if resp.GDPRCategory != "personal" {
			t.Errorf("unexpected GDPR category: %s", resp.GDPRCategory)
		}
	})

	t.Run("unknown dataset", func(t *testing.T) {
		rec := doRequest(handler, http.MethodGet, datasetPath("postgres://warehouse", "public.missing", "profile"))

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}

		if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
			t.Errorf("expected problem+json errors, got %s", ct)
		}
	})
}

func TestGetLineage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runID := schema.NewRunID()
	events := &fakeEventReader{
		producers: map[string][]string{
			"postgres://warehouse/public.orders": {runID},
		},
		inputs: map[string][]eventstore.Edge{
			runID: {{
				RunID:     runID,
				URN:       "s3://raw/orders.json",
				EdgeType:  eventstore.EdgeInput,
				Namespace: "s3://raw",
				Name:      "orders.json",
			}},
		},
	}

	handler := newTestServer(events, nil, nil)

	t.Run("default depth", func(t *testing.T) {
		rec := doRequest(handler, http.MethodGet, datasetPath("postgres://warehouse", "public.orders", "lineage"))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var resp LineageResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid lineage response: %v", err)
		}

		if resp.Root != "postgres://warehouse/public.orders" {
			t.Errorf("unexpected root: %s", resp.Root)
		}

		if resp.MaxDepth != query.DefaultMaxDepth {
			t.Errorf("expected default depth, got %d", resp.MaxDepth)
		}

		if len(resp.Nodes) != 2 {
			t.Errorf("expected 2 nodes, got %d", len(resp.Nodes))
		}
	})

	t.Run("depth out of range", func(t *testing.T) {
		target := datasetPath("postgres://warehouse", "public.orders", "lineage") + "?depth=100"
		rec := doRequest(handler, http.MethodGet, target)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("depth not an integer", func(t *testing.T) {
		target := datasetPath("postgres://warehouse", "public.orders", "lineage") + "?depth=deep"
		rec := doRequest(handler, http.MethodGet, target)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestGetRunStatus(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runID := schema.NewRunID()
	events := &fakeEventReader{runStates: map[string]eventstore.RunState{
		runID: {
			RunID:        runID,
			JobNamespace: "airflow://prod",
			JobName:      "orders_daily",
			CurrentState: schema.EventTypeComplete,
			EventTime:    time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		},
	}}

	handler := newTestServer(events, nil, nil)

	t.Run("known run", func(t *testing.T) {
		rec := doRequest(handler, http.MethodGet, "/api/v1/runs/"+runID+"/status")

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var resp RunStatusResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid run status response: %v", err)
		}

		if resp.Status != string(schema.EventTypeComplete) {
			t.Errorf("unexpected status: %s", resp.Status)
		}

		if resp.JobName != "orders_daily" {
			t.Errorf("unexpected job name: %s", resp.JobName)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		rec := doRequest(handler, http.MethodGet, "/api/v1/runs/"+schema.NewRunID()+"/status")

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestGetRunEvents(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runID := schema.NewRunID()
	events := &fakeEventReader{events: map[string][]eventstore.StoredEvent{
		runID: {
			{
				RunID:        runID,
				EventType:    schema.EventTypeStart,
				EventTime:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
				JobNamespace: "airflow://prod",
				JobName:      "orders_daily",
			},
			{
				RunID:        runID,
				EventType:    schema.EventTypeComplete,
				EventTime:    time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
				JobNamespace: "airflow://prod",
				JobName:      "orders_daily",
			},
		},
	}}

	handler := newTestServer(events, nil, nil)

	t.Run("run with events", func(t *testing.T) {
		rec := doRequest(handler, http.MethodGet, "/api/v1/runs/"+runID+"/events")

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var resp EventsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid events response: %v", err)
		}

		if resp.Count != 2 {
			t.Errorf("expected 2 events, got %d", resp.Count)
		}
	})

	t.Run("run with no events returns empty list", func(t *testing.T) {
		rec := doRequest(handler, http.MethodGet, "/api/v1/runs/"+schema.NewRunID()+"/events")

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var resp EventsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid events response: %v", err)
		}

		if resp.Count != 0 || resp.Events == nil {
			t.Errorf("expected an empty event list, got %+v", resp)
		}
	})
}

func TestUnknownEndpointReturnsProblem(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rec := doRequest(newTestServer(nil, nil, nil), http.MethodGet, "/api/v1/nope")

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	var problem ProblemDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
		t.Fatalf("invalid problem response: %v", err)
	}

	if problem.Status != http.StatusNotFound {
		t.Errorf("unexpected problem status: %d", problem.Status)
	}
}
