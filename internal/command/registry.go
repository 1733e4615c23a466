// Package command routes parsed invocations to their handlers after the
// capability checks pass.
package command

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"shipbot/internal/model"
	"shipbot/internal/policy"
)

// Capabilities declares what a command demands before its handler runs.
type Capabilities struct {
	// AdminOnly restricts the command to the policy admin allowlist.
	AdminOnly bool
	// RequiresConfirmation routes the invocation to the proposer instead of
	// the handler. The handler then serves as the deferred executor.
	RequiresConfirmation bool
	// FeatureFlag names the policy flag that must be enabled, "" for none.
	FeatureFlag string
}

type HandlerFunc func(ctx context.Context, inv model.Invocation) (*model.Response, error)

type entry struct {
	handler HandlerFunc
	caps    Capabilities
}

type Registry struct {
	cfg      policy.Config
	logger   *log.Logger
	propose  HandlerFunc
	commands map[string]entry
}

func NewRegistry(cfg policy.Config, logger *log.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		commands: map[string]entry{},
	}
}

// SetProposer installs the propose step used for commands that require
// confirmation.
func (r *Registry) SetProposer(propose HandlerFunc) {
	r.propose = propose
}

func (r *Registry) Register(name string, handler HandlerFunc, caps Capabilities) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("command name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("command %s: handler cannot be nil", name)
	}
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %s already registered", name)
	}
	r.commands[name] = entry{handler: handler, caps: caps}
	return nil
}

// Handler exposes a command's handler for the confirm flow, which executes a
// previously proposed command outside the normal dispatch path.
func (r *Registry) Handler(name string) (HandlerFunc, bool) {
	e, ok := r.commands[name]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the capability gauntlet in a fixed order: feature flag,
// admin allowlist, confirmation routing, then the handler. An unknown
// command is a user mistake, not an error.
func (r *Registry) Dispatch(ctx context.Context, inv model.Invocation) (*model.Response, error) {
	e, ok := r.commands[inv.Command]
	if !ok {
		return &model.Response{
			Text:      fmt.Sprintf("Unknown command %q. Available: %s", inv.Command, strings.Join(r.Names(), ", ")),
			Ephemeral: true,
		}, nil
	}
	if !policy.FlagEnabled(r.cfg, e.caps.FeatureFlag) {
		return &model.Response{
			Text:      fmt.Sprintf("Command %q is currently disabled.", inv.Command),
			Ephemeral: true,
		}, nil
	}
	if e.caps.AdminOnly && !policy.IsAdmin(r.cfg, inv.ActorID) {
		return nil, &model.AuthorizationError{Capability: "admin"}
	}
	if e.caps.RequiresConfirmation {
		if r.propose == nil {
			return nil, fmt.Errorf("command %s requires confirmation but no proposer is installed", inv.Command)
		}
		return r.propose(ctx, inv)
	}
	return e.handler(ctx, inv)
}
