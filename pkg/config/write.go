package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WriteDefault writes a starter configuration for nodeID reporting to
// controllerURL. An existing file is only replaced when force is set.
func WriteDefault(path, nodeID, controllerURL string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}

	cfg := Default()
	cfg.NodeID = nodeID
	cfg.Name = "Node " + nodeID
	cfg.Controller.Endpoints = []EndpointConfig{{URL: controllerURL, Priority: 0}}
	cfg.Controller.JoinToken = "${MESHAGENT_JOIN_TOKEN:-}"

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
