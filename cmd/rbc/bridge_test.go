package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-control/rbc/internal/config"
	"github.com/robot-control/rbc/internal/controllertest"
	"github.com/robot-control/rbc/internal/logging"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestBridgeServesCommandsAgainstRobot(t *testing.T) {
	robot := controllertest.NewRobot(t)

	cfg := config.Defaults()
	cfg.Robot.Host = robot.Interpreter.Host()
	cfg.Robot.InterpreterPort = robot.Interpreter.Port()
	cfg.Robot.SecondaryPort = robot.Secondary.Port()
	cfg.Robot.DashboardPort = robot.Dashboard.Port()
	cfg.Feedback.ListenAddr = "127.0.0.1:0"
	cfg.Feedback.AdvertiseHost = "127.0.0.1"
	cfg.HTTP.Addr = freeAddr(t)
	cfg.Audit.Dir = t.TempDir()
	cfg.Timing.InterpreterStartDelay = 10 * time.Millisecond
	cfg.Timing.FeedbackSettleDelay = 10 * time.Millisecond
	cfg.Timing.ReconnectBackoff = 50 * time.Millisecond

	b, err := newBridge(cfg, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	base := "http://" + cfg.HTTP.Addr + "/api/v1"
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	assert.True(t, robot.Secondary.WaitFor("interpreter_mode", time.Second))
	assert.True(t, robot.Interpreter.WaitFor("socket_open", time.Second))

	resp, err := http.Post(base+"/commands", "application/json", strings.NewReader(`{"id":1,"command":"a = 1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			Ack struct {
				Status  string `json:"status"`
				Message string `json:"message"`
			} `json:"ack"`
			Declared []string `json:"declared"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Ok", body.Data.Ack.Status)
	assert.Equal(t, []string{"a"}, body.Data.Declared)
	assert.True(t, robot.Interpreter.WaitFor("Command_finished", time.Second))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}
