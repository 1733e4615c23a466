// Package orchestrator wires the command registry to the CI dispatcher,
// health probes, report composer, confirmation flow and audit ledger.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"shipbot/internal/audit"
	"shipbot/internal/chat"
	"shipbot/internal/command"
	"shipbot/internal/convo"
	"shipbot/internal/dispatch"
	"shipbot/internal/model"
	"shipbot/internal/policy"
	"shipbot/internal/probe"
	"shipbot/internal/report"
	"shipbot/internal/store"
)

// sensitiveCommands always leave an audit trail, whatever the outcome.
var sensitiveCommands = map[string]bool{
	"set-api-base": true,
	"confirm":      true,
}

const apiBaseOverrideKey = "api_base_url"

type Service struct {
	cfg        policy.Config
	store      *store.RedisStore
	ci         dispatch.CIClient
	registry   *command.Registry
	dispatcher *dispatch.Dispatcher
	prober     *probe.Prober
	convo      *convo.Machine
	ledger     *audit.Ledger
	chat       *chat.Client
	logger     *log.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(cfg policy.Config, st *store.RedisStore, ci dispatch.CIClient, chatClient *chat.Client, logger *log.Logger) *Service {
	s := &Service{
		cfg:        cfg,
		store:      st,
		ci:         ci,
		registry:   command.NewRegistry(cfg, logger),
		dispatcher: dispatch.NewDispatcher(ci, st, logger),
		prober:     probe.New(time.Duration(cfg.Verify.ProbeTimeoutMs)*time.Millisecond, time.Duration(cfg.Verify.SoftLatencyMs)*time.Millisecond),
		convo:      convo.NewMachine(st),
		ledger:     audit.NewLedger(st, logger),
		chat:       chatClient,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	s.registerCommands()
	return s
}

func (s *Service) registerCommands() {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(s.registry.Register("deploy", s.handleDeploy, command.Capabilities{FeatureFlag: "deploy"}))
	must(s.registry.Register("verify", s.handleVerify, command.Capabilities{FeatureFlag: "verify"}))
	must(s.registry.Register("status", s.handleStatus, command.Capabilities{}))
	must(s.registry.Register("set-api-base", s.executeSetAPIBase, command.Capabilities{AdminOnly: true, RequiresConfirmation: true}))
	must(s.registry.Register("confirm", s.handleConfirm, command.Capabilities{}))
	s.registry.SetProposer(s.propose)
}

// Handle is the single entry point for parsed invocations. Taxonomy errors
// become structured responses; anything unexpected is logged in full and
// answered with a generic message carrying the trace id.
func (s *Service) Handle(ctx context.Context, inv model.Invocation) model.Response {
	resp, err := s.registry.Dispatch(ctx, inv)
	s.auditInvocation(ctx, inv, err)
	if err == nil {
		if resp == nil {
			return model.Response{Text: "Done."}
		}
		return *resp
	}
	return s.errorResponse(inv, err)
}

func (s *Service) auditInvocation(ctx context.Context, inv model.Invocation, dispatchErr error) {
	if !sensitiveCommands[inv.Command] {
		return
	}
	result := model.AuditResultSuccess
	if dispatchErr != nil {
		result = model.AuditResultError
		var authz *model.AuthorizationError
		var conflict *model.ConflictError
		if errors.As(dispatchErr, &authz) || errors.As(dispatchErr, &conflict) {
			result = model.AuditResultDenied
		}
	}
	payload, _ := json.Marshal(inv)
	target := inv.Option("url")
	if target == "" {
		target = strings.Join(inv.Args, " ")
	}
	metadata := map[string]string{}
	if inv.ChannelID != "" {
		metadata["channel_id"] = inv.ChannelID
	}
	if _, err := s.ledger.Record(ctx, inv.TraceID, inv.ActorID, inv.Command, target, payload, result, metadata); err != nil && s.logger != nil {
		s.logger.Printf("audit invocation trace_id=%s: %v", inv.TraceID, err)
	}
}

func (s *Service) errorResponse(inv model.Invocation, err error) model.Response {
	var authz *model.AuthorizationError
	var validation *model.ValidationError
	var conflict *model.ConflictError
	var timeout *model.TimeoutError
	var upstream *model.UpstreamError
	switch {
	case errors.As(err, &authz):
		return model.Response{Text: fmt.Sprintf("Not authorized: this command requires the %s capability.", authz.Capability), Ephemeral: true}
	case errors.As(err, &validation):
		text := "Invalid input: " + validation.Reason + "."
		if validation.Example != "" {
			text += " Example: " + validation.Example
		}
		return model.Response{Text: text, Ephemeral: true}
	case errors.As(err, &conflict):
		return model.Response{Text: "Cannot proceed: " + conflict.Reason + ".", Ephemeral: true}
	case errors.As(err, &timeout):
		return model.Response{Text: fmt.Sprintf("Gave up after %s; the operation may still be running. Check manually before retrying.", timeout.Budget), Ephemeral: true}
	case errors.As(err, &upstream):
		return model.Response{Text: "An upstream service rejected the request. Try again shortly.", Ephemeral: true}
	default:
		if s.logger != nil {
			s.logger.Printf("command failed trace_id=%s command=%s actor=%s: %v", inv.TraceID, inv.Command, inv.ActorID, err)
		}
		return model.Response{Text: "Something went wrong. Reference: " + inv.TraceID, Ephemeral: true}
	}
}

func (s *Service) handleDeploy(ctx context.Context, inv model.Invocation) (*model.Response, error) {
	workflow, err := requiredArg(inv, "workflow", 0, "deploy workflow:\"Client Deploy\"")
	if err != nil {
		return nil, err
	}
	branch := inv.Option("branch")
	if branch == "" {
		branch = s.cfg.CI.DefaultBranch
	}

	if err := s.dispatcher.Trigger(ctx, workflow, branch, nil, inv.TraceID); err != nil {
		return nil, err
	}

	// Post a placeholder into the channel right away and edit it with the
	// final report once the bounded wait is over.
	var placeholderID string
	if s.chat != nil && inv.ChannelID != "" {
		placeholderID, err = s.chat.PostMessage(ctx, inv.ChannelID, fmt.Sprintf("Deploying %s on %s…", workflow, branch))
		if err != nil {
			if s.logger != nil {
				s.logger.Printf("post placeholder trace_id=%s: %v", inv.TraceID, err)
			}
			placeholderID = ""
		}
	}

	run, err := s.discoverRun(ctx, workflow, branch)
	if err != nil {
		return nil, err
	}

	var polled *model.Run
	if run != nil {
		result, pollErr := s.dispatcher.PollUntilTerminal(ctx, run.RunID,
			time.Duration(s.cfg.Verify.PollTimeoutSec)*time.Second,
			time.Duration(s.cfg.Verify.PollIntervalSec)*time.Second)
		var timeout *model.TimeoutError
		if pollErr != nil && !errors.As(pollErr, &timeout) {
			return nil, pollErr
		}
		polled = &result
	}

	checks := s.prober.CheckAll(ctx, s.cfg.Verify.Targets)
	rep := report.Compose(polled, checks, s.now())
	text := report.Summary(rep, polled)
	if isTruthy(inv.Option("wait")) {
		// Waiting past the bounded polling budget is not implemented yet;
		// the deferred follow-up message would land here.
		text += "\n(waited up to the polling budget; longer waits are not supported yet)"
	}
	if placeholderID != "" {
		if err := s.chat.EditMessage(ctx, inv.ChannelID, placeholderID, text); err != nil && s.logger != nil {
			s.logger.Printf("edit placeholder trace_id=%s: %v", inv.TraceID, err)
		}
	}
	return &model.Response{Text: text, Report: &rep}, nil
}

func (s *Service) handleVerify(ctx context.Context, inv model.Invocation) (*model.Response, error) {
	workflow, err := requiredArg(inv, "workflow", 0, "verify workflow:\"Client Deploy\"")
	if err != nil {
		return nil, err
	}
	branch := inv.Option("branch")
	if branch == "" {
		branch = s.cfg.CI.DefaultBranch
	}
	window := time.Duration(s.cfg.Verify.DiscoveryWindowSec) * time.Second
	run, err := s.dispatcher.FindRecentRun(ctx, workflow, branch, window)
	if err != nil {
		return nil, err
	}
	checks := s.prober.CheckAll(ctx, s.cfg.Verify.Targets)
	rep := report.Compose(run, checks, s.now())
	return &model.Response{Text: report.Summary(rep, run), Report: &rep}, nil
}

func (s *Service) handleStatus(ctx context.Context, inv model.Invocation) (*model.Response, error) {
	workflow, err := requiredArg(inv, "workflow", 0, "status workflow:\"Client Deploy\"")
	if err != nil {
		return nil, err
	}
	since := s.now().Add(-24 * time.Hour)
	runs, err := s.store.RecentRuns(ctx, workflow, since, 1)
	if err != nil {
		return nil, err
	}
	var run *model.Run
	if len(runs) > 0 {
		run = &runs[0]
	} else {
		branch := inv.Option("branch")
		if branch == "" {
			branch = s.cfg.CI.DefaultBranch
		}
		run, err = s.dispatcher.FindRecentRun(ctx, workflow, branch, 24*time.Hour)
		if err != nil {
			return nil, err
		}
	}
	if run == nil {
		return &model.Response{Text: fmt.Sprintf("No runs of %q in the last 24h.", workflow), Ephemeral: true}, nil
	}
	text := fmt.Sprintf("%s on %s: %s", run.WorkflowName, run.Branch, run.Status)
	if run.Conclusion != "" {
		text += fmt.Sprintf(" (%s)", run.Conclusion)
	}
	text += ", started " + run.StartedAt.Format(time.RFC3339)
	if run.HTMLURL != "" {
		text += " " + run.HTMLURL
	}
	return &model.Response{Text: text}, nil
}

// propose is the confirmation step the registry routes admin-sensitive
// commands through. The real handler runs later, via confirm.
func (s *Service) propose(ctx context.Context, inv model.Invocation) (*model.Response, error) {
	change, err := s.proposedChange(inv)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(s.cfg.Conversation.TTLSeconds) * time.Second
	conversationID, token, err := s.convo.Propose(ctx, inv.ActorID, inv.Command, change, ttl)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("This will apply %q via %s. To proceed run: confirm conversation_id=%s token=%s (expires in %s)",
		change, inv.Command, conversationID, token, ttl)
	return &model.Response{Text: text, Ephemeral: true}, nil
}

func (s *Service) proposedChange(inv model.Invocation) (string, error) {
	switch inv.Command {
	case "set-api-base":
		rawURL, err := requiredArg(inv, "url", 0, "set-api-base url:https://api.example.com")
		if err != nil {
			return "", err
		}
		if err := policy.ValidateTargetURL(rawURL); err != nil {
			return "", &model.ValidationError{Reason: err.Error(), Example: "https://api.example.com"}
		}
		return rawURL, nil
	default:
		return strings.Join(inv.Args, " "), nil
	}
}

func (s *Service) handleConfirm(ctx context.Context, inv model.Invocation) (*model.Response, error) {
	conversationID, err := requiredArg(inv, "conversation_id", 0, "confirm conversation_id:abc token:def")
	if err != nil {
		return nil, err
	}
	token := inv.Option("token")
	if token == "" && len(inv.Args) > 1 {
		token = inv.Args[1]
	}
	if token == "" {
		return nil, &model.ValidationError{Reason: "a confirmation token is required", Example: "confirm conversation_id:abc token:def"}
	}

	if _, err := s.convo.Confirm(ctx, conversationID, inv.ActorID, token); err != nil {
		return nil, err
	}

	var executed *model.Response
	err = s.convo.ConsumeAndExecute(ctx, conversationID, func(conv model.ConversationState) error {
		handler, ok := s.registry.Handler(conv.Command)
		if !ok {
			return fmt.Errorf("no handler registered for confirmed command %q", conv.Command)
		}
		resp, execErr := handler(ctx, model.Invocation{
			TraceID: inv.TraceID,
			Command: conv.Command,
			Args:    []string{conv.ProposedChange},
			Options: map[string]string{"url": conv.ProposedChange},
			ActorID: conv.OwnerID,
		})
		executed = resp
		return execErr
	})
	if err != nil {
		return nil, err
	}
	text := "Confirmed and executed."
	if executed != nil && executed.Text != "" {
		text = "Confirmed. " + executed.Text
	}
	return &model.Response{Text: text}, nil
}

// executeSetAPIBase is the deferred executor behind the confirmation flow.
func (s *Service) executeSetAPIBase(ctx context.Context, inv model.Invocation) (*model.Response, error) {
	rawURL := inv.Option("url")
	if rawURL == "" && len(inv.Args) > 0 {
		rawURL = inv.Args[0]
	}
	if err := policy.ValidateTargetURL(rawURL); err != nil {
		return nil, &model.ValidationError{Reason: err.Error(), Example: "https://api.example.com"}
	}
	if err := s.store.SetOverride(ctx, apiBaseOverrideKey, rawURL); err != nil {
		return nil, err
	}
	return &model.Response{Text: "API base URL set to " + rawURL}, nil
}

// HandleVCSEvent routes a verified VCS delivery by event type. Check-run
// completions refresh the cached run so status reads stay current.
func (s *Service) HandleVCSEvent(ctx context.Context, eventType string, payload []byte) error {
	switch eventType {
	case "check_run":
		var event struct {
			Action   string `json:"action"`
			CheckRun struct {
				ID int64 `json:"id"`
			} `json:"check_run"`
		}
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("parse check_run event: %w", err)
		}
		if event.Action != "completed" {
			return nil
		}
		runID := strconv.FormatInt(event.CheckRun.ID, 10)
		run, err := s.ci.GetRun(ctx, runID)
		if err != nil {
			if model.IsPermanentUpstream(err) {
				return nil
			}
			return err
		}
		return s.store.SaveRun(ctx, *run)
	case "pull_request", "issues":
		var event struct {
			Action string `json:"action"`
		}
		_ = json.Unmarshal(payload, &event)
		if s.logger != nil {
			s.logger.Printf("vcs event=%s action=%s received", eventType, event.Action)
		}
		return nil
	default:
		if s.logger != nil {
			s.logger.Printf("vcs event=%s ignored", eventType)
		}
		return nil
	}
}

// AuditByActor backs the audit CLI subcommand.
func (s *Service) AuditByActor(ctx context.Context, actorID string, limit int) ([]model.AuditRecord, error) {
	return s.ledger.QueryByActor(ctx, actorID, limit)
}

func (s *Service) discoverRun(ctx context.Context, workflow string, branch string) (*model.Run, error) {
	window := time.Duration(s.cfg.Verify.DiscoveryWindowSec) * time.Second
	interval := time.Duration(s.cfg.Verify.PollIntervalSec) * time.Second
	deadline := s.now().Add(window)
	for {
		run, err := s.dispatcher.FindRecentRun(ctx, workflow, branch, window)
		if err != nil || run != nil {
			return run, err
		}
		if s.now().Add(interval).After(deadline) {
			return nil, nil
		}
		if err := s.sleep(ctx, interval); err != nil {
			return nil, nil
		}
	}
}

func requiredArg(inv model.Invocation, option string, position int, example string) (string, error) {
	value := inv.Option(option)
	if value == "" && len(inv.Args) > position {
		value = inv.Args[position]
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", &model.ValidationError{Reason: option + " is required", Example: example}
	}
	return value, nil
}

func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
