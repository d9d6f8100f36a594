package command

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tacticalmesh/meshagent/pkg/api"
)

// ActionKey is the payload field that selects a custom capability
const ActionKey = "action"

// Handler executes one command and returns its result
type Handler func(ctx context.Context, cmd api.Command) (map[string]any, error)

// Registry maps the closed set of command types to handlers. Custom
// commands are dispatched through a capability table keyed by the payload
// action.
type Registry struct {
	mu           sync.RWMutex
	handlers     map[api.CommandType]Handler
	capabilities map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handlers:     make(map[api.CommandType]Handler),
		capabilities: make(map[string]Handler),
	}
}

// Handle sets the handler for a command type
func (r *Registry) Handle(t api.CommandType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// HandleCustom adds a custom capability
func (r *Registry) HandleCustom(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[action] = h
}

// Capabilities returns the custom actions in sorted order
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.capabilities))
	for a := range r.capabilities {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Lookup resolves the handler for cmd
func (r *Registry) Lookup(cmd api.Command) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cmd.Type == api.CommandCustom {
		action, _ := cmd.Payload[ActionKey].(string)
		if action == "" {
			return nil, fmt.Errorf("%w: custom command without %q", ErrUnknownCommand, ActionKey)
		}
		h, ok := r.capabilities[action]
		if !ok {
			return nil, fmt.Errorf("%w: custom action %q", ErrUnknownCommand, action)
		}
		return h, nil
	}

	h, ok := r.handlers[cmd.Type]
	if !ok {
		return nil, fmt.Errorf("%w: type %q", ErrUnknownCommand, cmd.Type)
	}
	return h, nil
}
