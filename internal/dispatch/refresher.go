package dispatch

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"shipbot/internal/model"
)

// RunStore is the slice of the state store the refresher needs.
type RunStore interface {
	RunCache
	InFlightRunIDs(ctx context.Context) ([]string, error)
}

type RefresherSnapshot struct {
	Running           bool       `json:"running"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastTickAt        *time.Time `json:"last_tick_at,omitempty"`
	LastRefreshedAt   *time.Time `json:"last_refreshed_at,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	TotalRefreshed    int64      `json:"total_refreshed"`
	IdleTicks         int64      `json:"idle_ticks"`
}

// Refresher keeps cached in-flight runs fresh so check-run webhooks and
// status commands read current state without hitting the CI API on every
// request.
type Refresher struct {
	ci       CIClient
	runs     RunStore
	interval time.Duration
	logger   *log.Logger

	mu       sync.RWMutex
	running  bool
	doneChan chan struct{}
	snapshot RefresherSnapshot
}

func NewRefresher(ci CIClient, runs RunStore, interval time.Duration, logger *log.Logger) *Refresher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Refresher{
		ci:       ci,
		runs:     runs,
		interval: interval,
		logger:   logger,
	}
}

func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	now := time.Now().UTC()
	r.snapshot.Running = true
	r.snapshot.StartedAt = &now
	r.doneChan = make(chan struct{})
	done := r.doneChan
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.loop(ctx)
		r.mu.Lock()
		r.running = false
		r.snapshot.Running = false
		r.mu.Unlock()
	}()
}

func (r *Refresher) Wait(timeout time.Duration) bool {
	r.mu.RLock()
	done := r.doneChan
	r.mu.RUnlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (r *Refresher) Snapshot() RefresherSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

func (r *Refresher) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runIteration(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

// RunIteration refreshes every cached in-flight run once. Exposed so tests
// can drive the refresher without the ticker.
func (r *Refresher) RunIteration(ctx context.Context) {
	r.runIteration(ctx)
}

func (r *Refresher) runIteration(ctx context.Context) {
	now := time.Now().UTC()
	refreshed, err := r.refreshOnce(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot.LastTickAt = &now
	if refreshed > 0 {
		r.snapshot.TotalRefreshed += int64(refreshed)
		r.snapshot.LastRefreshedAt = &now
	} else {
		r.snapshot.IdleTicks++
	}
	if err != nil {
		r.snapshot.ConsecutiveErrors++
		r.snapshot.LastErrorAt = &now
		r.snapshot.LastError = strings.TrimSpace(err.Error())
	} else {
		r.snapshot.ConsecutiveErrors = 0
		r.snapshot.LastError = ""
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) (int, error) {
	ids, err := r.runs.InFlightRunIDs(ctx)
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, id := range ids {
		run, err := r.ci.GetRun(ctx, id)
		if err != nil {
			// A vanished run is stale cache, not a refresh failure; mark it
			// terminal-unknown so the in-flight set drains.
			if model.IsPermanentUpstream(err) {
				cached, cacheErr := r.runs.GetRun(ctx, id)
				if cacheErr != nil || cached == nil {
					continue
				}
				cached.Status = model.RunStatusCompleted
				cached.Conclusion = model.RunConclusionUnknown
				if saveErr := r.runs.SaveRun(ctx, *cached); saveErr != nil {
					return refreshed, saveErr
				}
				refreshed++
				continue
			}
			return refreshed, err
		}
		if err := r.runs.SaveRun(ctx, *run); err != nil {
			return refreshed, err
		}
		refreshed++
	}
	if r.logger != nil && refreshed > 0 {
		r.logger.Printf("run refresher: refreshed=%d in_flight=%d", refreshed, len(ids))
	}
	return refreshed, nil
}
