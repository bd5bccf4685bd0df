package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/robot-control/rbc/internal/config"
	"github.com/robot-control/rbc/internal/logging"
	"github.com/robot-control/rbc/internal/urscript"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.PersistentFlags().Set("config", ""))
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rbc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("robot:\n  host: ur5.local\n"), 0o600))
	t.Setenv("RBC_CONFIG", "")

	out, err := execute(t, "config", "--config", path)
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "ur5.local", cfg.Robot.Host)
	assert.Equal(t, config.Defaults().Robot.InterpreterPort, cfg.Robot.InterpreterPort)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "rbc version "))
}

func TestDashboardCommandRejectsUnlistedLines(t *testing.T) {
	t.Setenv("RBC_CONFIG", "")
	_, err := execute(t, "dashboard", "shutdown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestBootstrapVariables(t *testing.T) {
	vars := bootstrapVariables([]config.BootstrapVariable{
		{Name: "tool", Type: "String", Value: "gripper"},
		{Name: "speed", Type: "Float", Value: "0.5"},
	})
	assert.Equal(t, []urscript.Typed{
		{Name: "tool", Type: "String", Value: "gripper"},
		{Name: "speed", Type: "Float", Value: "0.5"},
	}, vars)
	assert.Equal(t, `tool = "gripper" speed = 0.5 `, urscript.Assign(vars))
}

func TestAdvertiseHost(t *testing.T) {
	host, err := advertiseHost()
	if err != nil {
		t.Skipf("no non-loopback interface: %v", err)
	}
	ip := net.ParseIP(host)
	require.NotNil(t, ip)
	assert.False(t, ip.IsLoopback())
}

func TestNewBridgeWiresComponents(t *testing.T) {
	cfg := config.Defaults()
	cfg.Feedback.AdvertiseHost = "127.0.0.1"
	cfg.Audit.Dir = t.TempDir()

	b, err := newBridge(cfg, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	assert.NotNil(t, b.orchestrator)
	assert.NotNil(t, b.server)
	assert.NotNil(t, b.audit)
	assert.Nil(t, b.telemetry, "telemetry needs redis")
}
