// Package report merges a workflow run and its health checks into one
// verdict. Composition is a pure function of its inputs.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"shipbot/internal/model"
)

const (
	categoryRunMissing   = "run_missing"
	categoryRunFailed    = "run_failed"
	categoryRunCancelled = "run_cancelled"
	categoryRunUnknown   = "run_unknown"
	categoryAPICheck     = "api_check_failed"
	categoryCheckFailed  = "check_failed"
)

var remediationHints = map[string]string{
	categoryRunMissing:   "no matching run was found; check the pipeline configuration and workflow name",
	categoryRunFailed:    "the workflow run failed; open the run page and inspect the failing step",
	categoryRunCancelled: "the workflow run was cancelled; re-dispatch it",
	categoryRunUnknown:   "the run did not reach a conclusion within the polling budget; check it manually before trusting any verdict",
	categoryAPICheck:     "the API health probe failed; verify the configured API base URL",
	categoryCheckFailed:  "a health probe failed; confirm the target is deployed and reachable",
}

const genericHint = "inspect the service logs for details"

// Compose derives the overall verdict. Pass requires the run to have
// concluded success AND every check to pass; warns surface but never flip
// the verdict, while any single fail does.
func Compose(run *model.Run, checks []model.HealthCheckResult, now time.Time) model.VerificationReport {
	runRef := ""
	if run != nil {
		runRef = run.RunID
	}
	reportID := fmt.Sprintf("report-%s-%d", runRef, now.Unix())

	verdict := model.ReportVerdictPass
	var categories []string

	switch {
	case run == nil:
		verdict = model.ReportVerdictFail
		categories = append(categories, categoryRunMissing)
	case run.Conclusion == model.RunConclusionFailure:
		verdict = model.ReportVerdictFail
		categories = append(categories, categoryRunFailed)
	case run.Conclusion == model.RunConclusionCancelled:
		verdict = model.ReportVerdictFail
		categories = append(categories, categoryRunCancelled)
	case run.Conclusion != model.RunConclusionSuccess:
		verdict = model.ReportVerdictFail
		categories = append(categories, categoryRunUnknown)
	}

	for _, check := range checks {
		if check.Verdict != model.CheckVerdictFail {
			continue
		}
		verdict = model.ReportVerdictFail
		categories = append(categories, classifyCheck(check))
	}

	hints := make([]string, 0, len(categories))
	seen := map[string]bool{}
	for _, category := range categories {
		hint, ok := remediationHints[category]
		if !ok {
			hint = genericHint
		}
		if seen[hint] {
			continue
		}
		seen[hint] = true
		hints = append(hints, hint)
	}

	return model.VerificationReport{
		ReportID:         reportID,
		RunRef:           runRef,
		Checks:           append([]model.HealthCheckResult(nil), checks...),
		OverallVerdict:   verdict,
		RemediationHints: hints,
		CreatedAt:        now,
	}
}

func classifyCheck(check model.HealthCheckResult) string {
	name := strings.ToLower(check.Name)
	if strings.Contains(name, "api") || strings.Contains(strings.ToLower(check.Target), "/health") {
		return categoryAPICheck
	}
	if check.Verdict == model.CheckVerdictFail {
		return categoryCheckFailed
	}
	return ""
}

// Summary renders the one-line chat summary: overall mark, run reference,
// step durations and a mark per check.
func Summary(report model.VerificationReport, run *model.Run) string {
	var b strings.Builder
	if report.OverallVerdict == model.ReportVerdictPass {
		b.WriteString("✅ pass")
	} else {
		b.WriteString("❌ fail")
	}
	if run != nil {
		fmt.Fprintf(&b, " | %s on %s (%s)", run.WorkflowName, run.Branch, run.Conclusion)
		steps := make([]string, 0, len(run.StepDurations))
		for name := range run.StepDurations {
			steps = append(steps, name)
		}
		sort.Strings(steps)
		for _, name := range steps {
			fmt.Fprintf(&b, " | %s %s", name, run.StepDurations[name].Round(time.Second))
		}
	}
	for _, check := range report.Checks {
		label := check.Name
		if label == "" {
			label = check.Target
		}
		switch check.Verdict {
		case model.CheckVerdictPass:
			fmt.Fprintf(&b, " | %s ✅", label)
		case model.CheckVerdictWarn:
			fmt.Fprintf(&b, " | %s ⚠️", label)
		default:
			fmt.Fprintf(&b, " | %s ❌", label)
		}
	}
	return b.String()
}
