package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hostlink/hostlinkd/internal/protocol"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostlinkd.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
data_dir = "/tmp/hostlinkd"
controller_url = "wss://controller.example/ws"
max_concurrent_jobs = 8
allowed_tools = ["echo", "curl"]
allowed_domains = ["example.com"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/hostlinkd", cfg.DataDir)
	require.Equal(t, "wss://controller.example/ws", cfg.ControllerURL)
	require.Equal(t, 8, cfg.MaxConcurrentJobs)
	require.Equal(t, []string{"echo", "curl"}, cfg.AllowedTools)
	require.Equal(t, uint64(120), cfg.ApprovalTimeoutSecs, "default should survive when unset")
}

func TestLoadReportsAllValidationErrors(t *testing.T) {
	path := writeConfig(t, `
data_dir = ""
max_concurrent_jobs = 0
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "data_dir")
	require.Contains(t, err.Error(), "max_concurrent_jobs")
	require.Contains(t, err.Error(), "controller_url")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.hcl"))
	require.Error(t, err)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.ControllerURL = "wss://controller.example/ws"
	cfg.AllowedTools = []string{"echo", "curl"}
	cfg.AllowedDomains = []string{"example.com"}

	path := filepath.Join(t.TempDir(), "hostlinkd.hcl")
	require.NoError(t, cfg.Save(path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.ControllerURL, reloaded.ControllerURL)
	require.Equal(t, cfg.AllowedTools, reloaded.AllowedTools)
	require.Equal(t, cfg.AllowedDomains, reloaded.AllowedDomains)
}

func TestSessionModeParsing(t *testing.T) {
	cfg := Default()
	cfg.DefaultSessionMode = "strict"
	require.Equal(t, protocol.SessionStrict, cfg.SessionMode())

	cfg.DefaultSessionMode = "nonsense"
	require.Equal(t, protocol.SessionInactive, cfg.SessionMode())
}
