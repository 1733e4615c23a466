package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"golang.org/x/sync/errgroup"

	"shipbot/internal/model"
	"shipbot/internal/policy"
)

// Prober issues bounded HTTP checks against declared health endpoints. Probes
// share no mutable state; each owns its own timeout.
type Prober struct {
	client      *http.Client
	softLatency time.Duration
}

func New(timeout time.Duration, softLatency time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if softLatency <= 0 {
		softLatency = 2 * time.Second
	}
	return &Prober{
		client:      &http.Client{Timeout: timeout},
		softLatency: softLatency,
	}
}

// Check makes one request with at most one retry on timeout or connection
// failure. A response, whatever its status, is final and never retried.
func (p *Prober) Check(ctx context.Context, target policy.HealthTarget) model.HealthCheckResult {
	result := model.HealthCheckResult{
		Name:             target.Name,
		Target:           target.URL,
		ExpectedStatus:   target.ExpectedStatus,
		HeaderAssertions: target.Headers,
	}
	if err := policy.ValidateTargetURL(target.URL); err != nil {
		result.Verdict = model.CheckVerdictFail
		result.Detail = fmt.Sprintf("invalid target: %v", err)
		return result
	}

	var resp *http.Response
	var latency time.Duration
	attempt := func(uint) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
		if err != nil {
			return err
		}
		start := time.Now()
		resp, err = p.client.Do(req)
		latency = time.Since(start)
		return err
	}
	if err := retry.Retry(attempt, strategy.Limit(2)); err != nil {
		result.Verdict = model.CheckVerdictFail
		result.Detail = fmt.Sprintf("request failed: %v", err)
		return result
	}
	defer resp.Body.Close()

	result.ActualStatus = resp.StatusCode
	result.LatencyMs = latency.Milliseconds()

	if resp.StatusCode != target.ExpectedStatus {
		result.Verdict = model.CheckVerdictFail
		result.Detail = fmt.Sprintf("expected status %d, got %d", target.ExpectedStatus, resp.StatusCode)
		return result
	}

	critical := map[string]bool{}
	for _, name := range target.CriticalHeaders {
		critical[strings.ToLower(strings.TrimSpace(name))] = true
	}
	var softMisses []string
	for name, want := range target.Headers {
		got := resp.Header.Get(name)
		if strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want)) {
			continue
		}
		miss := fmt.Sprintf("header %s: expected %q, got %q", name, want, got)
		if critical[strings.ToLower(name)] {
			result.Verdict = model.CheckVerdictFail
			result.Detail = miss
			return result
		}
		softMisses = append(softMisses, miss)
	}

	switch {
	case len(softMisses) > 0:
		result.Verdict = model.CheckVerdictWarn
		result.Detail = strings.Join(softMisses, "; ")
	case latency > p.softLatency:
		result.Verdict = model.CheckVerdictWarn
		result.Detail = fmt.Sprintf("latency %dms exceeds soft threshold %dms", result.LatencyMs, p.softLatency.Milliseconds())
	default:
		result.Verdict = model.CheckVerdictPass
	}
	return result
}

// CheckAll fans the probes out concurrently and joins before returning, so
// one slow target never blocks the others. Results keep target order.
func (p *Prober) CheckAll(ctx context.Context, targets []policy.HealthTarget) []model.HealthCheckResult {
	results := make([]model.HealthCheckResult, len(targets))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		group.Go(func() error {
			results[i] = p.Check(groupCtx, target)
			return nil
		})
	}
	_ = group.Wait()
	return results
}
