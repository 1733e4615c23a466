// Package ingress is the HTTP edge: signed webhook endpoints for the chat
// and VCS platforms plus the health probe surface.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"shipbot/internal/dispatch"
	"shipbot/internal/model"
)

// CommandSink receives parsed invocations. Implementations convert internal
// errors into structured responses; nothing escapes the sink.
type CommandSink interface {
	Handle(ctx context.Context, inv model.Invocation) model.Response
}

// VCSEventSink receives verified VCS webhook deliveries by event type.
type VCSEventSink interface {
	HandleVCSEvent(ctx context.Context, eventType string, payload []byte) error
}

// Pinger reports whether the state store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Addr             string
	ShutdownTimeout  time.Duration
	ChatPublicKeyHex string
	VCSWebhookSecret string
	MaxBodyBytes     int64
}

type Runtime struct {
	opts      Options
	commands  CommandSink
	vcs       VCSEventSink
	refresher *dispatch.Refresher
	store     Pinger
	logger    *log.Logger
	startedAt time.Time
	server    *http.Server
}

type HealthResponse struct {
	Status    string                     `json:"status"`
	StartedAt time.Time                  `json:"started_at"`
	Now       time.Time                  `json:"now"`
	Refresher dispatch.RefresherSnapshot `json:"refresher"`
	Store     HealthStoreStatus          `json:"store"`
}

type HealthStoreStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func NewRuntime(options Options, commands CommandSink, vcs VCSEventSink, refresher *dispatch.Refresher, store Pinger, logger *log.Logger) (*Runtime, error) {
	options = normalizeOptions(options)
	if commands == nil {
		return nil, fmt.Errorf("command sink is required")
	}
	runtime := &Runtime{
		opts:      options,
		commands:  commands,
		vcs:       vcs,
		refresher: refresher,
		store:     store,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)
	runtime.server = &http.Server{
		Addr:    options.Addr,
		Handler: mux,
	}
	return runtime, nil
}

func normalizeOptions(options Options) Options {
	if options.Addr == "" {
		options.Addr = ":3002"
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 5 * time.Second
	}
	if options.MaxBodyBytes <= 0 {
		options.MaxBodyBytes = 1 << 20
	}
	return options
}

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", r.handleHealth)
	mux.HandleFunc("/webhooks/chat", r.handleChatWebhook)
	mux.HandleFunc("/webhooks/vcs", r.handleVCSWebhook)
	mux.HandleFunc("/", r.handleNotFound)
}

// Handler exposes the route table for tests.
func (r *Runtime) Handler() http.Handler {
	return r.server.Handler
}

func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	refresherCtx, refresherCancel := context.WithCancel(context.Background())
	defer refresherCancel()
	if r.refresher != nil {
		r.refresher.Start(refresherCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stopRefresher := func() {
		refresherCancel()
		if r.refresher != nil {
			_ = r.refresher.Wait(2 * time.Second)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stopRefresher()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		stopRefresher()
		return err
	}
	stopRefresher()
	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	now := time.Now().UTC()
	store := HealthStoreStatus{Healthy: true}
	if r.store != nil {
		if err := r.store.Ping(req.Context()); err != nil {
			store.Healthy = false
			store.Error = err.Error()
		}
	}
	response := HealthResponse{
		Status:    "ok",
		StartedAt: r.startedAt,
		Now:       now,
		Store:     store,
	}
	if r.refresher != nil {
		response.Refresher = r.refresher.Snapshot()
	}
	statusCode := http.StatusOK
	if !store.Healthy {
		response.Status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

func (r *Runtime) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeAPIError(w, http.StatusNotFound, "not_found", "route not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
