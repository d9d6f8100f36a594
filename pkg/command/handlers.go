package command

import (
	"context"
	"fmt"
	"time"

	"github.com/tacticalmesh/meshagent/pkg/api"
	"github.com/tacticalmesh/meshagent/pkg/config"
)

// ConfigStore is the part of the configuration store the built-in handlers
// mutate.
type ConfigStore interface {
	Reload() (*config.Config, error)
	Merge(fields map[string]any) (*config.Config, error)
	SetRole(role api.NodeType) (*config.Config, error)
}

// RegisterBuiltins installs ping, reload_config, update_config and
// change_role.
func RegisterBuiltins(r *Registry, nodeID string, store ConfigStore) {
	r.Handle(api.CommandPing, func(ctx context.Context, cmd api.Command) (map[string]any, error) {
		return map[string]any{
			"pong":    true,
			"node_id": nodeID,
			"time":    time.Now().UTC().Format(time.RFC3339Nano),
		}, nil
	})

	r.Handle(api.CommandReloadConfig, func(ctx context.Context, cmd api.Command) (map[string]any, error) {
		cfg, err := store.Reload()
		if err != nil {
			return nil, fmt.Errorf("reload failed: %w", err)
		}
		return map[string]any{
			"reloaded":  true,
			"endpoints": len(cfg.Controller.Endpoints),
			"node_type": cfg.NodeType,
		}, nil
	})

	r.Handle(api.CommandUpdateConfig, func(ctx context.Context, cmd api.Command) (map[string]any, error) {
		fields := updateFields(cmd.Payload)
		if len(fields) == 0 {
			return nil, fmt.Errorf("update_config requires at least one field")
		}
		if _, err := store.Merge(fields); err != nil {
			return nil, fmt.Errorf("update failed: %w", err)
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		return map[string]any{"updated": keys}, nil
	})

	r.Handle(api.CommandChangeRole, func(ctx context.Context, cmd api.Command) (map[string]any, error) {
		role, _ := cmd.Payload["node_type"].(string)
		if role == "" {
			role, _ = cmd.Payload["role"].(string)
		}
		if role == "" {
			return nil, fmt.Errorf("change_role requires node_type")
		}
		cfg, err := store.SetRole(api.NodeType(role))
		if err != nil {
			return nil, err
		}
		return map[string]any{"node_type": cfg.NodeType}, nil
	})
}

// updateFields accepts either {"config": {...}} or the fields inline
func updateFields(payload map[string]any) map[string]any {
	if nested, ok := payload["config"].(map[string]any); ok {
		return nested
	}
	return payload
}
