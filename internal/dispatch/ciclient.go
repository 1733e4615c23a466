package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"shipbot/internal/model"
)

// CIClient is the outbound surface of the CI platform: workflow lookup,
// recent-run listing and run dispatch.
type CIClient interface {
	DispatchWorkflow(ctx context.Context, workflowName string, branch string, inputs map[string]string) error
	ListRecentRuns(ctx context.Context, workflowName string, branch string, since time.Time) ([]model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
}

// HTTPCIClient talks to a GitHub-Actions-shaped REST API.
type HTTPCIClient struct {
	BaseURL string
	Token   string
	Repo    string
	client  *http.Client
}

func NewHTTPCIClient(baseURL string, token string, repo string, timeout time.Duration) *HTTPCIClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPCIClient{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:   token,
		Repo:    strings.TrimSpace(repo),
		client:  &http.Client{Timeout: timeout},
	}
}

type ciWorkflow struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

type ciRun struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	HeadBranch   string `json:"head_branch"`
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	RunStartedAt string `json:"run_started_at"`
	UpdatedAt    string `json:"updated_at"`
	HTMLURL      string `json:"html_url"`
}

type ciJob struct {
	Steps []struct {
		Name        string `json:"name"`
		StartedAt   string `json:"started_at"`
		CompletedAt string `json:"completed_at"`
	} `json:"steps"`
}

// DispatchWorkflow looks the workflow up by name and posts a dispatch event.
// The dispatch API returns no run identifier; discovery happens separately.
func (c *HTTPCIClient) DispatchWorkflow(ctx context.Context, workflowName string, branch string, inputs map[string]string) error {
	workflowID, err := c.findWorkflowID(ctx, workflowName)
	if err != nil {
		return err
	}
	payload := map[string]any{"ref": branch}
	if len(inputs) > 0 {
		payload["inputs"] = inputs
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal dispatch payload: %w", err)
	}
	path := fmt.Sprintf("/repos/%s/actions/workflows/%d/dispatches", c.Repo, workflowID)
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return classifyStatus("dispatch workflow", resp.StatusCode)
	}
	return nil
}

func (c *HTTPCIClient) findWorkflowID(ctx context.Context, workflowName string) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/actions/workflows", c.Repo), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, classifyStatus("list workflows", resp.StatusCode)
	}
	var parsed struct {
		Workflows []ciWorkflow `json:"workflows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("parse workflow list: %w", err)
	}
	for _, workflow := range parsed.Workflows {
		if strings.EqualFold(strings.TrimSpace(workflow.Name), strings.TrimSpace(workflowName)) {
			return workflow.ID, nil
		}
	}
	return 0, &model.UpstreamError{Op: fmt.Sprintf("workflow %q", workflowName), Status: http.StatusNotFound}
}

func (c *HTTPCIClient) ListRecentRuns(ctx context.Context, workflowName string, branch string, since time.Time) ([]model.Run, error) {
	query := url.Values{}
	if branch != "" {
		query.Set("branch", branch)
	}
	query.Set("created", ">="+since.UTC().Format(time.RFC3339))
	path := fmt.Sprintf("/repos/%s/actions/runs?%s", c.Repo, query.Encode())
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("list runs", resp.StatusCode)
	}
	var parsed struct {
		WorkflowRuns []ciRun `json:"workflow_runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse run list: %w", err)
	}
	runs := make([]model.Run, 0, len(parsed.WorkflowRuns))
	for _, raw := range parsed.WorkflowRuns {
		if !strings.EqualFold(strings.TrimSpace(raw.Name), strings.TrimSpace(workflowName)) {
			continue
		}
		runs = append(runs, toRun(raw))
	}
	return runs, nil
}

func (c *HTTPCIClient) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/actions/runs/%s", c.Repo, url.PathEscape(runID)), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("get run", resp.StatusCode)
	}
	var raw ciRun
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse run %s: %w", runID, err)
	}
	run := toRun(raw)
	if run.Terminal() {
		durations, err := c.stepDurations(ctx, runID)
		if err == nil {
			run.StepDurations = durations
		}
	}
	return &run, nil
}

func (c *HTTPCIClient) stepDurations(ctx context.Context, runID string) (map[string]time.Duration, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/actions/runs/%s/jobs", c.Repo, url.PathEscape(runID)), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("list jobs", resp.StatusCode)
	}
	var parsed struct {
		Jobs []ciJob `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse jobs for run %s: %w", runID, err)
	}
	durations := map[string]time.Duration{}
	for _, job := range parsed.Jobs {
		for _, step := range job.Steps {
			started, err1 := time.Parse(time.RFC3339, step.StartedAt)
			completed, err2 := time.Parse(time.RFC3339, step.CompletedAt)
			if err1 != nil || err2 != nil {
				continue
			}
			durations[step.Name] = completed.Sub(started)
		}
	}
	return durations, nil
}

func (c *HTTPCIClient) do(ctx context.Context, method string, path string, body []byte) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build ci request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &model.UpstreamError{Op: "ci request", Transient: true, Cause: err}
	}
	return resp, nil
}

func toRun(raw ciRun) model.Run {
	run := model.Run{
		RunID:        strconv.FormatInt(raw.ID, 10),
		WorkflowName: raw.Name,
		Branch:       raw.HeadBranch,
		Status:       model.RunStatus(raw.Status),
		HTMLURL:      raw.HTMLURL,
	}
	switch raw.Conclusion {
	case "success":
		run.Conclusion = model.RunConclusionSuccess
	case "failure":
		run.Conclusion = model.RunConclusionFailure
	case "cancelled":
		run.Conclusion = model.RunConclusionCancelled
	case "":
		// Not terminal yet.
	default:
		run.Conclusion = model.RunConclusionUnknown
	}
	if started, err := time.Parse(time.RFC3339, raw.RunStartedAt); err == nil {
		run.StartedAt = started
	}
	if updated, err := time.Parse(time.RFC3339, raw.UpdatedAt); err == nil {
		run.UpdatedAt = updated
	}
	return run
}

// classifyStatus sorts an upstream status into the retryable and
// non-retryable halves of the taxonomy.
func classifyStatus(op string, status int) error {
	transient := status == http.StatusTooManyRequests || status >= 500
	return &model.UpstreamError{Op: op, Status: status, Transient: transient}
}
