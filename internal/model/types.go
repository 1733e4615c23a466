package model

import "time"

type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
)

type RunConclusion string

const (
	RunConclusionSuccess   RunConclusion = "success"
	RunConclusionFailure   RunConclusion = "failure"
	RunConclusionCancelled RunConclusion = "cancelled"
	RunConclusionUnknown   RunConclusion = "unknown"
)

// Run is one timestamped execution of a named CI workflow. Once a terminal
// conclusion is recorded the run is immutable.
type Run struct {
	RunID         string                   `json:"run_id"`
	WorkflowName  string                   `json:"workflow_name"`
	Branch        string                   `json:"branch"`
	Status        RunStatus                `json:"status"`
	Conclusion    RunConclusion            `json:"conclusion,omitempty"`
	StartedAt     time.Time                `json:"started_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
	StepDurations map[string]time.Duration `json:"step_durations,omitempty"`
	HTMLURL       string                   `json:"html_url,omitempty"`
}

func (r Run) Terminal() bool {
	switch r.Conclusion {
	case RunConclusionSuccess, RunConclusionFailure, RunConclusionCancelled:
		return true
	}
	return false
}

type CheckVerdict string

const (
	CheckVerdictPass CheckVerdict = "pass"
	CheckVerdictWarn CheckVerdict = "warn"
	CheckVerdictFail CheckVerdict = "fail"
)

type HealthCheckResult struct {
	Name             string            `json:"name,omitempty"`
	Target           string            `json:"target"`
	ExpectedStatus   int               `json:"expected_status"`
	ActualStatus     int               `json:"actual_status"`
	LatencyMs        int64             `json:"latency_ms"`
	HeaderAssertions map[string]string `json:"header_assertions,omitempty"`
	Verdict          CheckVerdict      `json:"verdict"`
	Detail           string            `json:"detail,omitempty"`
}

type ReportVerdict string

const (
	ReportVerdictPass ReportVerdict = "pass"
	ReportVerdictFail ReportVerdict = "fail"
)

type VerificationReport struct {
	ReportID         string              `json:"report_id"`
	RunRef           string              `json:"run_ref"`
	Checks           []HealthCheckResult `json:"checks"`
	OverallVerdict   ReportVerdict       `json:"overall_verdict"`
	RemediationHints []string            `json:"remediation_hints,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

type ConversationStatus string

const (
	ConversationStatusProposed  ConversationStatus = "proposed"
	ConversationStatusConfirmed ConversationStatus = "confirmed"
	ConversationStatusExpired   ConversationStatus = "expired"
	ConversationStatusExecuted  ConversationStatus = "executed"
)

// ConversationState tracks one propose/confirm/execute flow for a sensitive
// command. The raw token is issued to the proposer and only its hash is kept.
type ConversationState struct {
	ConversationID string             `json:"conversation_id"`
	OwnerID        string             `json:"owner_id"`
	Command        string             `json:"command"`
	ProposedChange string             `json:"proposed_change"`
	TokenHash      string             `json:"token_hash"`
	CreatedAt      time.Time          `json:"created_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
	Status         ConversationStatus `json:"status"`
}

type AuditResult string

const (
	AuditResultSuccess AuditResult = "success"
	AuditResultDenied  AuditResult = "denied"
	AuditResultError   AuditResult = "error"
)

// AuditRecord is append-only. The payload is never stored, only its
// deterministic fingerprint.
type AuditRecord struct {
	AuditID            string            `json:"audit_id"`
	TraceID            string            `json:"trace_id"`
	ActorID            string            `json:"actor_id"`
	Command            string            `json:"command"`
	Target             string            `json:"target"`
	PayloadFingerprint string            `json:"payload_fingerprint"`
	Timestamp          time.Time         `json:"timestamp"`
	Result             AuditResult       `json:"result"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Invocation is one parsed command invocation arriving through an ingress
// channel.
type Invocation struct {
	TraceID   string            `json:"trace_id"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Options   map[string]string `json:"options,omitempty"`
	ActorID   string            `json:"actor_id"`
	ChannelID string            `json:"channel_id,omitempty"`
}

func (inv Invocation) Option(name string) string {
	return inv.Options[name]
}

// Response is the structured user-facing result of a dispatch.
type Response struct {
	Text      string              `json:"text"`
	Ephemeral bool                `json:"ephemeral,omitempty"`
	Report    *VerificationReport `json:"report,omitempty"`
}
