package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacticalmesh/meshagent/pkg/api"
)

const sampleConfig = `
node_id: node-1
name: Alpha One
node_type: Vehicle
heartbeat_interval: 15s
controller:
  join_token: ${TEST_JOIN_TOKEN:-fallback}
  endpoints:
    - url: http://backup:8000/
      priority: 1
    - url: http://primary:8000
      priority: 0
mesh:
  enabled: true
  max_hops: 4
  peers:
    - address: 10.0.0.2
metadata:
  unit: recon
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, "Alpha One", cfg.Name)
	assert.Equal(t, string(api.NodeTypeVehicle), cfg.NodeType)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "fallback", cfg.Controller.JoinToken)

	// sorted by priority, trailing slash trimmed
	require.Len(t, cfg.Controller.Endpoints, 2)
	assert.Equal(t, "http://primary:8000", cfg.Controller.Endpoints[0].URL)
	assert.Equal(t, "http://backup:8000", cfg.Controller.Endpoints[1].URL)

	// defaults fill what the file leaves out
	assert.Equal(t, 3, cfg.ReregisterAfter)
	assert.Equal(t, 5*time.Second, cfg.Controller.AttemptTimeout)
	assert.Equal(t, 4, cfg.Mesh.MaxHops)
	assert.Equal(t, DefaultListenPort, cfg.Mesh.ListenPort)
	assert.Equal(t, 60*time.Second, cfg.Mesh.RouteTTL)
	require.Len(t, cfg.Mesh.Peers, 1)
	assert.Equal(t, DefaultListenPort, cfg.Mesh.Peers[0].Port)
	assert.Equal(t, "recon", cfg.Metadata["unit"])
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("TEST_JOIN_TOKEN", "from-env")
	t.Setenv("MESHAGENT_LOG_LEVEL", "debug")
	t.Setenv("MESHAGENT_MESH_MAX_HOPS", "7")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Controller.JoinToken)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 7, cfg.Mesh.MaxHops)
}

func TestLoad_DotEnv(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte("TEST_JOIN_TOKEN=dotenv-token\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TEST_JOIN_TOKEN") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dotenv-token", cfg.Controller.JoinToken)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing node id", "controller:\n  endpoints:\n    - url: http://c:1\n", "node_id is required"},
		{"no endpoints", "node_id: n\n", "controller endpoint"},
		{"bad url", "node_id: n\ncontroller:\n  endpoints:\n    - url: not-a-url\n", "invalid url"},
		{"hops too high", "node_id: n\ncontroller:\n  endpoints:\n    - url: http://c:1\nmesh:\n  max_hops: 11\n", "max_hops"},
		{"hops too low", "node_id: n\ncontroller:\n  endpoints:\n    - url: http://c:1\nmesh:\n  max_hops: 1\n", "max_hops"},
		{"unknown role", "node_id: n\nnode_type: tank\ncontroller:\n  endpoints:\n    - url: http://c:1\n", "unknown node type"},
		{"bad jitter", "node_id: n\ncontroller:\n  backoff_jitter: 1.5\n  endpoints:\n    - url: http://c:1\n", "backoff_jitter"},
		{"peer without address", "node_id: n\ncontroller:\n  endpoints:\n    - url: http://c:1\nmesh:\n  peers:\n    - port: 7000\n", "address is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SET_VAR", "value")

	got := string(ExpandEnv([]byte("a: ${SET_VAR}\nb: ${UNSET_VAR_X:-dflt}\nc: ${UNSET_VAR_X}\nd: ${SET_VAR:-ignored}")))
	assert.Equal(t, "a: value\nb: dflt\nc: ${UNSET_VAR_X}\nd: value", got)
}

func TestClone_IsDeep(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	c := cfg.Clone()
	c.Controller.Endpoints[0].URL = "http://changed"
	c.Mesh.Peers[0].Address = "changed"
	c.Metadata["unit"] = "changed"

	assert.Equal(t, "http://primary:8000", cfg.Controller.Endpoints[0].URL)
	assert.Equal(t, "10.0.0.2", cfg.Mesh.Peers[0].Address)
	assert.Equal(t, "recon", cfg.Metadata["unit"])
}

func TestStore_Reload(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(path, cfg)

	var calls int
	store.OnChange(func(old, updated *Config) {
		calls++
		assert.Equal(t, 15*time.Second, old.HeartbeatInterval)
		assert.Equal(t, 20*time.Second, updated.HeartbeatInterval)
	})

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleConfig, "heartbeat_interval: 15s", "heartbeat_interval: 20s", 1)), 0o600))
	_, err = store.Reload()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, store.Get().HeartbeatInterval)
	assert.Equal(t, 1, calls)

	// the node id is fixed for the life of the store
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleConfig, "node_id: node-1", "node_id: node-2", 1)), 0o600))
	_, err = store.Reload()
	require.Error(t, err)
	assert.Equal(t, "node-1", store.Get().NodeID)
	assert.Equal(t, 1, calls)
}

func TestStore_ReloadWithoutPath(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	_, err = NewStore("", cfg).Reload()
	assert.Error(t, err)
}

func TestStore_Merge(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	store := NewStore("", cfg)

	updated, err := store.Merge(map[string]any{
		"heartbeat_interval": "45s",
		"mesh.max_hops":      6,
		"metadata":           map[string]any{"unit": "logistics"},
	})
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, updated.HeartbeatInterval)
	assert.Equal(t, 6, updated.Mesh.MaxHops)
	assert.Equal(t, "logistics", updated.Metadata["unit"])
	assert.True(t, updated.Mesh.Enabled, "untouched fields survive the merge")
	assert.Len(t, updated.Controller.Endpoints, 2)

	_, err = store.Merge(map[string]any{"mesh.max_hops": 42})
	require.Error(t, err)
	assert.Equal(t, 6, store.Get().Mesh.MaxHops, "a rejected merge leaves the active config alone")

	_, err = store.Merge(map[string]any{"node_id": "other"})
	assert.Error(t, err)
}

func TestStore_SetRole(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	store := NewStore("", cfg)

	updated, err := store.SetRole("RELAY")
	require.NoError(t, err)
	assert.Equal(t, string(api.NodeTypeRelay), updated.NodeType)
	assert.Equal(t, api.NodeTypeRelay, store.Get().Identity().Type)

	_, err = store.SetRole("submarine")
	assert.Error(t, err)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	require.NoError(t, WriteDefault(path, "node-9", "http://ctl:8000", false))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-9", cfg.NodeID)
	assert.Equal(t, Default().HeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, "", cfg.Controller.JoinToken)

	assert.Error(t, WriteDefault(path, "node-9", "http://ctl:8000", false))
	assert.NoError(t, WriteDefault(path, "node-10", "http://ctl:8000", true))
}
