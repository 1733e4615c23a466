package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shipbot/internal/model"
)

func ciTestServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var paths []string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/web/actions/workflows", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"workflows": []map[string]any{
				{"id": 7, "name": "Client Deploy", "path": ".github/workflows/deploy.yml"},
				{"id": 8, "name": "Nightly", "path": ".github/workflows/nightly.yml"},
			},
		})
	})
	mux.HandleFunc("/repos/acme/web/actions/workflows/7/dispatches", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/repos/acme/web/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"workflow_runs": []map[string]any{
				{"id": 101, "name": "Client Deploy", "head_branch": "main", "status": "in_progress", "run_started_at": "2026-03-01T12:00:05Z", "updated_at": "2026-03-01T12:00:10Z", "html_url": "https://ci.example.com/runs/101"},
				{"id": 99, "name": "Nightly", "head_branch": "main", "status": "completed", "conclusion": "success", "run_started_at": "2026-03-01T11:00:00Z", "updated_at": "2026-03-01T11:05:00Z"},
			},
		})
	})
	mux.HandleFunc("/repos/acme/web/actions/runs/101", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": 101, "name": "Client Deploy", "head_branch": "main",
			"status": "completed", "conclusion": "success",
			"run_started_at": "2026-03-01T12:00:05Z", "updated_at": "2026-03-01T12:01:00Z",
		})
	})
	mux.HandleFunc("/repos/acme/web/actions/runs/101/jobs", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jobs": []map[string]any{
				{"steps": []map[string]any{
					{"name": "build", "started_at": "2026-03-01T12:00:10Z", "completed_at": "2026-03-01T12:00:52Z"},
				}},
			},
		})
	})
	mux.HandleFunc("/repos/acme/web/actions/runs/404", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/repos/acme/web/actions/runs/500", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &paths
}

func TestHTTPCIClientDispatchWorkflow(t *testing.T) {
	server, paths := ciTestServer(t)
	client := NewHTTPCIClient(server.URL, "token", "acme/web", 5*time.Second)

	if err := client.DispatchWorkflow(context.Background(), "Client Deploy", "main", map[string]string{"correlation_id": "trace-1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(*paths) != 2 {
		t.Fatalf("expected lookup then dispatch, got %v", *paths)
	}
}

func TestHTTPCIClientDispatchUnknownWorkflow(t *testing.T) {
	server, _ := ciTestServer(t)
	client := NewHTTPCIClient(server.URL, "token", "acme/web", 5*time.Second)

	err := client.DispatchWorkflow(context.Background(), "Missing Workflow", "main", nil)
	if !model.IsPermanentUpstream(err) {
		t.Fatalf("expected permanent upstream error, got %v", err)
	}
}

func TestHTTPCIClientListRecentRunsFiltersWorkflow(t *testing.T) {
	server, _ := ciTestServer(t)
	client := NewHTTPCIClient(server.URL, "token", "acme/web", 5*time.Second)

	runs, err := client.ListRecentRuns(context.Background(), "Client Deploy", "main", time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "101" {
		t.Fatalf("expected only the Client Deploy run, got %+v", runs)
	}
	if runs[0].Status != model.RunStatusInProgress {
		t.Fatalf("unexpected status %s", runs[0].Status)
	}
}

func TestHTTPCIClientGetRunIncludesStepDurations(t *testing.T) {
	server, _ := ciTestServer(t)
	client := NewHTTPCIClient(server.URL, "token", "acme/web", 5*time.Second)

	run, err := client.GetRun(context.Background(), "101")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Conclusion != model.RunConclusionSuccess {
		t.Fatalf("unexpected conclusion %s", run.Conclusion)
	}
	if run.StepDurations["build"] != 42*time.Second {
		t.Fatalf("expected build step of 42s, got %v", run.StepDurations)
	}
}

func TestHTTPCIClientErrorClassification(t *testing.T) {
	server, _ := ciTestServer(t)
	client := NewHTTPCIClient(server.URL, "token", "acme/web", 5*time.Second)

	_, err := client.GetRun(context.Background(), "404")
	if !model.IsPermanentUpstream(err) {
		t.Fatalf("expected permanent error for 404, got %v", err)
	}
	_, err = client.GetRun(context.Background(), "500")
	if !model.IsTransientUpstream(err) {
		t.Fatalf("expected transient error for 502, got %v", err)
	}
}
