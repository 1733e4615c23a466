package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"shipbot/internal/model"
	"shipbot/internal/policy"
	"shipbot/internal/store"
)

type fakeCI struct {
	mu         sync.Mutex
	dispatched []string
	recent     []model.Run
	byID       map[string]model.Run
}

func (f *fakeCI) DispatchWorkflow(_ context.Context, workflowName string, branch string, inputs map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, workflowName+"@"+branch+" correlation="+inputs["correlation_id"])
	return nil
}

func (f *fakeCI) ListRecentRuns(_ context.Context, workflowName string, _ string, _ time.Time) ([]model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Run
	for _, run := range f.recent {
		if run.WorkflowName == workflowName {
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeCI) GetRun(_ context.Context, runID string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.byID[runID]
	if !ok {
		return nil, &model.UpstreamError{Op: "get run", Status: 404}
	}
	return &run, nil
}

func healthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Service-Version", "1.2.3")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestService(t *testing.T, ci *fakeCI, targets []policy.HealthTarget) (*Service, *store.RedisStore) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	redisStore, err := store.NewRedisStore("redis://" + server.Addr() + "/0")
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { _ = redisStore.Close() })

	cfg := policy.Default()
	cfg.Admins = []string{"admin-1"}
	cfg.CI.Repo = "acme/web"
	cfg.Verify.Targets = targets
	return NewService(cfg, redisStore, ci, nil, nil), redisStore
}

func invocation(cmd string, actor string, options map[string]string) model.Invocation {
	return model.Invocation{
		TraceID: "trace-" + cmd,
		Command: cmd,
		Options: options,
		ActorID: actor,
	}
}

func TestDeployHappyPathReportsPass(t *testing.T) {
	started := time.Now().UTC().Add(-5 * time.Second)
	terminal := model.Run{
		RunID: "101", WorkflowName: "Client Deploy", Branch: "main",
		Status: model.RunStatusCompleted, Conclusion: model.RunConclusionSuccess,
		StartedAt: started, UpdatedAt: started.Add(time.Minute),
		StepDurations: map[string]time.Duration{"build": 42 * time.Second},
	}
	inProgress := terminal
	inProgress.Status = model.RunStatusInProgress
	inProgress.Conclusion = ""
	ci := &fakeCI{
		recent: []model.Run{inProgress},
		byID:   map[string]model.Run{"101": terminal},
	}
	frontend := healthyServer(t)
	api := healthyServer(t)
	service, _ := newTestService(t, ci, []policy.HealthTarget{
		{Name: "frontend", URL: frontend.URL, ExpectedStatus: 200},
		{Name: "api", URL: api.URL + "/health", ExpectedStatus: 200},
	})

	resp := service.Handle(context.Background(), invocation("deploy", "user-1", map[string]string{"workflow": "Client Deploy"}))
	if !strings.HasPrefix(resp.Text, "✅ pass") {
		t.Fatalf("expected passing summary, got %q", resp.Text)
	}
	for _, want := range []string{"Client Deploy", "main", "success", "build 42s", "frontend ✅", "api ✅"} {
		if !strings.Contains(resp.Text, want) {
			t.Fatalf("summary missing %q: %q", want, resp.Text)
		}
	}
	if resp.Report == nil || resp.Report.OverallVerdict != model.ReportVerdictPass {
		t.Fatalf("unexpected report %+v", resp.Report)
	}
	if len(ci.dispatched) != 1 || !strings.Contains(ci.dispatched[0], "correlation=trace-deploy") {
		t.Fatalf("unexpected dispatches %v", ci.dispatched)
	}
}

func TestDeployFailedRunReportsFailWithHint(t *testing.T) {
	started := time.Now().UTC().Add(-5 * time.Second)
	failed := model.Run{
		RunID: "102", WorkflowName: "Client Deploy", Branch: "main",
		Status: model.RunStatusCompleted, Conclusion: model.RunConclusionFailure,
		StartedAt: started, UpdatedAt: started,
	}
	ci := &fakeCI{
		recent: []model.Run{failed},
		byID:   map[string]model.Run{"102": failed},
	}
	frontend := healthyServer(t)
	service, _ := newTestService(t, ci, []policy.HealthTarget{
		{Name: "frontend", URL: frontend.URL, ExpectedStatus: 200},
	})

	resp := service.Handle(context.Background(), invocation("deploy", "user-1", map[string]string{"workflow": "Client Deploy"}))
	if !strings.HasPrefix(resp.Text, "❌ fail") {
		t.Fatalf("expected failing summary, got %q", resp.Text)
	}
	if resp.Report == nil || resp.Report.OverallVerdict != model.ReportVerdictFail {
		t.Fatalf("unexpected report %+v", resp.Report)
	}
	found := false
	for _, hint := range resp.Report.RemediationHints {
		if strings.Contains(hint, "failing step") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected run-failure hint, got %v", resp.Report.RemediationHints)
	}
}

func TestVerifyWithFailingAPICheck(t *testing.T) {
	started := time.Now().UTC().Add(-5 * time.Second)
	ok := model.Run{
		RunID: "103", WorkflowName: "Client Deploy", Branch: "main",
		Status: model.RunStatusCompleted, Conclusion: model.RunConclusionSuccess,
		StartedAt: started, UpdatedAt: started,
	}
	ci := &fakeCI{recent: []model.Run{ok}, byID: map[string]model.Run{"103": ok}}
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(broken.Close)
	service, _ := newTestService(t, ci, []policy.HealthTarget{
		{Name: "api", URL: broken.URL + "/health", ExpectedStatus: 200},
	})

	resp := service.Handle(context.Background(), invocation("verify", "user-1", map[string]string{"workflow": "Client Deploy"}))
	if resp.Report == nil || resp.Report.OverallVerdict != model.ReportVerdictFail {
		t.Fatalf("expected fail verdict, got %+v", resp.Report)
	}
	found := false
	for _, hint := range resp.Report.RemediationHints {
		if strings.Contains(hint, "API base URL") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected API probe hint, got %v", resp.Report.RemediationHints)
	}
}

var confirmRe = regexp.MustCompile(`conversation_id=(\S+) token=(\S+)`)

func TestSetAPIBaseConfirmFlow(t *testing.T) {
	service, redisStore := newTestService(t, &fakeCI{}, nil)
	ctx := context.Background()

	proposal := service.Handle(ctx, invocation("set-api-base", "admin-1", map[string]string{"url": "https://api.internal.example.com"}))
	match := confirmRe.FindStringSubmatch(proposal.Text)
	if match == nil {
		t.Fatalf("proposal did not include confirmation instructions: %q", proposal.Text)
	}
	conversationID, token := match[1], match[2]

	confirmed := service.Handle(ctx, invocation("confirm", "admin-1", map[string]string{
		"conversation_id": conversationID,
		"token":           token,
	}))
	if !strings.Contains(confirmed.Text, "API base URL set to https://api.internal.example.com") {
		t.Fatalf("unexpected confirm response %q", confirmed.Text)
	}

	value, err := redisStore.GetOverride(ctx, apiBaseOverrideKey)
	if err != nil || value != "https://api.internal.example.com" {
		t.Fatalf("override not applied: %q err=%v", value, err)
	}

	// Replaying the same confirmation must not execute twice.
	replay := service.Handle(ctx, invocation("confirm", "admin-1", map[string]string{
		"conversation_id": conversationID,
		"token":           token,
	}))
	if !strings.Contains(replay.Text, "Cannot proceed") {
		t.Fatalf("expected replay denial, got %q", replay.Text)
	}

	records, err := redisStore.AuditByActor(ctx, "admin-1", 10)
	if err != nil || len(records) < 2 {
		t.Fatalf("expected audit trail for propose and confirm, got %d err=%v", len(records), err)
	}
}

func TestSetAPIBaseDeniedForNonAdmin(t *testing.T) {
	service, redisStore := newTestService(t, &fakeCI{}, nil)
	ctx := context.Background()

	resp := service.Handle(ctx, invocation("set-api-base", "user-1", map[string]string{"url": "https://api.example.com"}))
	if !strings.Contains(resp.Text, "Not authorized") {
		t.Fatalf("expected denial, got %q", resp.Text)
	}

	records, err := redisStore.AuditByActor(ctx, "user-1", 10)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one audit record, got %d err=%v", len(records), err)
	}
	if records[0].Result != model.AuditResultDenied {
		t.Fatalf("expected denied audit result, got %s", records[0].Result)
	}
	if strings.Contains(records[0].PayloadFingerprint, "api.example.com") {
		t.Fatalf("audit leaked the payload")
	}
}

func TestSetAPIBaseRejectsInvalidURL(t *testing.T) {
	service, _ := newTestService(t, &fakeCI{}, nil)

	resp := service.Handle(context.Background(), invocation("set-api-base", "admin-1", map[string]string{"url": "ftp://files.example.com"}))
	if !strings.Contains(resp.Text, "Invalid input") || !strings.Contains(resp.Text, "Example: https://api.example.com") {
		t.Fatalf("expected validation message with example, got %q", resp.Text)
	}
}

func TestConfirmByNonOwnerDenied(t *testing.T) {
	service, redisStore := newTestService(t, &fakeCI{}, nil)
	ctx := context.Background()

	proposal := service.Handle(ctx, invocation("set-api-base", "admin-1", map[string]string{"url": "https://api.example.com"}))
	match := confirmRe.FindStringSubmatch(proposal.Text)
	if match == nil {
		t.Fatalf("missing confirmation instructions: %q", proposal.Text)
	}

	resp := service.Handle(ctx, invocation("confirm", "user-2", map[string]string{
		"conversation_id": match[1],
		"token":           match[2],
	}))
	if !strings.Contains(resp.Text, "Not authorized") {
		t.Fatalf("expected owner denial, got %q", resp.Text)
	}

	// The denial itself is audited.
	records, err := redisStore.AuditByActor(ctx, "user-2", 10)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one audit record for the denied actor, got %d err=%v", len(records), err)
	}
	if records[0].Command != "confirm" || records[0].Result != model.AuditResultDenied {
		t.Fatalf("unexpected audit record %+v", records[0])
	}

	// No state transition happened: the owner can still confirm and execute.
	confirmed := service.Handle(ctx, invocation("confirm", "admin-1", map[string]string{
		"conversation_id": match[1],
		"token":           match[2],
	}))
	if !strings.Contains(confirmed.Text, "API base URL set to https://api.example.com") {
		t.Fatalf("owner confirm after denied attempt failed: %q", confirmed.Text)
	}
}

func TestUnknownCommandAndMissingArgs(t *testing.T) {
	service, _ := newTestService(t, &fakeCI{}, nil)
	ctx := context.Background()

	resp := service.Handle(ctx, invocation("restart", "user-1", nil))
	if !strings.Contains(resp.Text, "Unknown command") {
		t.Fatalf("expected unknown-command response, got %q", resp.Text)
	}

	resp = service.Handle(ctx, invocation("deploy", "user-1", nil))
	if !strings.Contains(resp.Text, "workflow is required") {
		t.Fatalf("expected validation response, got %q", resp.Text)
	}
}

func TestVCSCheckRunCompletionRefreshesCache(t *testing.T) {
	started := time.Now().UTC()
	terminal := model.Run{
		RunID: "101", WorkflowName: "Client Deploy", Branch: "main",
		Status: model.RunStatusCompleted, Conclusion: model.RunConclusionSuccess,
		StartedAt: started, UpdatedAt: started,
	}
	ci := &fakeCI{byID: map[string]model.Run{"101": terminal}}
	service, redisStore := newTestService(t, ci, nil)
	ctx := context.Background()

	payload := []byte(`{"action":"completed","check_run":{"id":101}}`)
	if err := service.HandleVCSEvent(ctx, "check_run", payload); err != nil {
		t.Fatalf("handle check_run: %v", err)
	}
	cached, err := redisStore.GetRun(ctx, "101")
	if err != nil || cached == nil {
		t.Fatalf("run not cached: %+v err=%v", cached, err)
	}
	if cached.Conclusion != model.RunConclusionSuccess {
		t.Fatalf("unexpected cached conclusion %s", cached.Conclusion)
	}

	// Non-completion actions are ignored.
	if err := service.HandleVCSEvent(ctx, "check_run", []byte(`{"action":"created","check_run":{"id":999}}`)); err != nil {
		t.Fatalf("created action should be ignored: %v", err)
	}
}
