package config

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tacticalmesh/meshagent/pkg/api"
)

// ChangeFunc is called after the active configuration is replaced
type ChangeFunc func(old, updated *Config)

// Store holds the active configuration and serializes every change to it.
// The node id is fixed for the lifetime of the store.
type Store struct {
	mu        sync.RWMutex
	path      string
	current   *Config
	listeners []ChangeFunc
}

// NewStore wraps an already validated configuration. path may be empty, in
// which case Reload fails.
func NewStore(path string, cfg *Config) *Store {
	return &Store{path: path, current: cfg}
}

// Get returns a copy of the active configuration
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Path returns the file the store reloads from
func (s *Store) Path() string {
	return s.path
}

// OnChange registers a listener for configuration replacement
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the configuration file
func (s *Store) Reload() (*Config, error) {
	if s.path == "" {
		return nil, fmt.Errorf("no configuration file to reload")
	}
	cfg, err := Load(s.path)
	if err != nil {
		return nil, err
	}
	return s.swap(func(old *Config) (*Config, error) {
		if cfg.NodeID != old.NodeID {
			return nil, fmt.Errorf("node_id cannot change on reload (%s -> %s)", old.NodeID, cfg.NodeID)
		}
		return cfg, nil
	})
}

// Merge applies fields on top of the active configuration. Keys may be nested
// maps or dotted paths ("mesh.max_hops").
func (s *Store) Merge(fields map[string]any) (*Config, error) {
	return s.swap(func(old *Config) (*Config, error) {
		nested := expandDotted(fields)
		if _, ok := nested["node_id"]; ok {
			return nil, fmt.Errorf("node_id cannot be changed")
		}

		base, err := yaml.Marshal(old)
		if err != nil {
			return nil, fmt.Errorf("failed to encode active config: %w", err)
		}
		v := newViper()
		if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
			return nil, fmt.Errorf("failed to load active config: %w", err)
		}
		if err := v.MergeConfigMap(nested); err != nil {
			return nil, fmt.Errorf("failed to merge fields: %w", err)
		}
		return decode(v)
	})
}

// SetRole changes the declared node type
func (s *Store) SetRole(role api.NodeType) (*Config, error) {
	return s.swap(func(old *Config) (*Config, error) {
		t, err := api.ParseNodeType(string(role))
		if err != nil {
			return nil, err
		}
		cfg := old.Clone()
		cfg.NodeType = string(t)
		return cfg, nil
	})
}

func (s *Store) swap(next func(old *Config) (*Config, error)) (*Config, error) {
	s.mu.Lock()
	old := s.current
	cfg, err := next(old.Clone())
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.current = cfg
	listeners := append([]ChangeFunc(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(old.Clone(), cfg.Clone())
	}
	return cfg.Clone(), nil
}

func expandDotted(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for key, val := range fields {
		if m, ok := val.(map[string]any); ok {
			val = expandDotted(m)
		}
		parts := strings.Split(strings.ToLower(key), ".")
		dst := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := dst[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				dst[p] = child
			}
			dst = child
		}
		leaf := parts[len(parts)-1]
		if existing, ok := dst[leaf].(map[string]any); ok {
			if m, ok := val.(map[string]any); ok {
				for k, v := range m {
					existing[k] = v
				}
				continue
			}
		}
		dst[leaf] = val
	}
	return out
}
