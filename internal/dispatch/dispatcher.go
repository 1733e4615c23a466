package dispatch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shipbot/internal/model"
)

// RunCache is the slice of the state store the dispatcher needs.
type RunCache interface {
	SaveRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
}

// Dispatcher triggers CI runs, discovers them after the fact and polls them
// to a terminal conclusion under a wall-clock budget.
type Dispatcher struct {
	ci     CIClient
	cache  RunCache
	logger *log.Logger

	// Injectable clock so tests never sleep for real.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(ci CIClient, cache RunCache, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		ci:     ci,
		cache:  cache,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Trigger dispatches a run. The CI API acknowledges without a run id, so the
// correlation id travels as a workflow input and the caller follows up with
// FindRecentRun.
func (d *Dispatcher) Trigger(ctx context.Context, workflowName string, branch string, inputs map[string]string, correlationID string) error {
	merged := map[string]string{}
	for k, v := range inputs {
		merged[k] = v
	}
	if strings.TrimSpace(correlationID) != "" {
		merged["correlation_id"] = correlationID
	}
	if err := d.ci.DispatchWorkflow(ctx, workflowName, branch, merged); err != nil {
		return fmt.Errorf("trigger %s on %s: %w", workflowName, branch, err)
	}
	if d.logger != nil {
		d.logger.Printf("dispatched workflow=%q branch=%s correlation_id=%s", workflowName, branch, correlationID)
	}
	return nil
}

// FindRecentRun returns the newest run of the workflow started within maxAge,
// or nil when none exists. Ties break on startedAt.
func (d *Dispatcher) FindRecentRun(ctx context.Context, workflowName string, branch string, maxAge time.Duration) (*model.Run, error) {
	since := d.now().Add(-maxAge)
	runs, err := d.ci.ListRecentRuns(ctx, workflowName, branch, since)
	if err != nil {
		return nil, fmt.Errorf("find recent run for %s: %w", workflowName, err)
	}
	var newest *model.Run
	for i := range runs {
		run := runs[i]
		if run.StartedAt.Before(since) {
			continue
		}
		if newest == nil || run.StartedAt.After(newest.StartedAt) {
			newest = &run
		}
	}
	if newest == nil {
		return nil, nil
	}
	if err := d.cache.SaveRun(ctx, *newest); err != nil {
		return nil, err
	}
	return newest, nil
}

// PollUntilTerminal polls the run until its conclusion is terminal or the
// budget elapses. Transient upstream failures back off exponentially;
// permanent failures abort immediately. On budget expiry the last observed
// run is returned with an unknown conclusion alongside a TimeoutError, so
// an expired wait can never read as success.
func (d *Dispatcher) PollUntilTerminal(ctx context.Context, runID string, timeout time.Duration, interval time.Duration) (model.Run, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := d.now().Add(timeout)

	retryWait := backoff.NewExponentialBackOff()
	retryWait.InitialInterval = interval
	retryWait.MaxInterval = 4 * interval
	retryWait.Reset()

	last := model.Run{RunID: runID, Conclusion: model.RunConclusionUnknown}
	observed := false

	for {
		run, err := d.ci.GetRun(ctx, runID)
		switch {
		case err == nil:
			observed = true
			last = *run
			if run.Terminal() {
				if cacheErr := d.cache.SaveRun(ctx, *run); cacheErr != nil {
					return *run, cacheErr
				}
				return *run, nil
			}
			retryWait.Reset()
		case model.IsPermanentUpstream(err):
			return last, fmt.Errorf("poll run %s: %w", runID, err)
		case model.IsTransientUpstream(err):
			if d.logger != nil {
				d.logger.Printf("poll run=%s transient error, backing off: %v", runID, err)
			}
		default:
			return last, fmt.Errorf("poll run %s: %w", runID, err)
		}

		wait := interval
		if err != nil {
			wait = retryWait.NextBackOff()
		}
		if d.now().Add(wait).After(deadline) {
			break
		}
		if sleepErr := d.sleep(ctx, wait); sleepErr != nil {
			break
		}
	}

	// Budget exhausted without observing a terminal conclusion.
	if observed {
		last.Conclusion = model.RunConclusionUnknown
		if cacheErr := d.cache.SaveRun(ctx, last); cacheErr != nil && d.logger != nil {
			d.logger.Printf("cache run=%s after timeout: %v", runID, cacheErr)
		}
	}
	return last, &model.TimeoutError{Op: "poll run " + runID, Budget: timeout}
}

// SortRunsNewestFirst orders runs for display, newest startedAt first.
func SortRunsNewestFirst(runs []model.Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}
