package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-control/rbc/internal/auth"
	"github.com/robot-control/rbc/internal/command"
	"github.com/robot-control/rbc/internal/notify"
)

type wsMessage struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func dialWS(t *testing.T, env *testEnv, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// The subscription is registered once the handler runs.
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wsEnvelope{Type: msgType, Data: raw}))
}

// readWS returns the next message. Heartbeats are never forwarded.
func readWS(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg wsMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func TestWebSocketCommand(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, nil)

	sendWS(t, conn, TypeCommand, map[string]interface{}{"id": 1, "command": "a = 1"})

	msg := readWS(t, conn)
	assert.Equal(t, notify.TypeAckResponse, msg.Type)
	assert.Equal(t, float64(1), msg.Data["id"])
	assert.Equal(t, "Ok", msg.Data["status"])
	assert.Equal(t, "a = 1", msg.Data["command"])
}

func TestWebSocketUndo(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, nil)

	sendWS(t, conn, TypeUndo, map[string]interface{}{"id": 2})
	msg := readWS(t, conn)
	assert.Equal(t, notify.TypeUndoResponse, msg.Type)
	assert.Equal(t, "Ok", msg.Data["status"])

	env.orch.undoErr = fmt.Errorf("%w: 5", command.ErrNotFound)
	sendWS(t, conn, TypeUndo, map[string]interface{}{"id": 5})
	msg = readWS(t, conn)
	assert.Equal(t, notify.TypeUndoResponse, msg.Type)
	assert.Equal(t, "Error", msg.Data["status"])

	sendWS(t, conn, TypeUndo, map[string]interface{}{})
	msg = readWS(t, conn)
	assert.Equal(t, notify.TypeUndoResponse, msg.Type)
	assert.Equal(t, "id is required", msg.Data["message"])
}

func TestWebSocketDebug(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, nil)

	sendWS(t, conn, TypeDebug, map[string]interface{}{
		"id":     3,
		"script": []string{"a = 1", "a = a + 1"},
		"inspectionPoints": []map[string]interface{}{
			{"id": 100, "lineNumber": 2, "command": "a = a + 1"},
		},
	})
	msg := readWS(t, conn)
	assert.Equal(t, notify.TypeReportState, msg.Type)
	assert.Equal(t, float64(100), msg.Data["id"])
	assert.Equal(t, true, msg.Data["inspection"])

	env.orch.inspectErr = fmt.Errorf("%w: line 9 out of range", command.ErrInvalidParameter)
	sendWS(t, conn, TypeDebug, map[string]interface{}{"id": 4, "script": []string{"a = 1"}, "inspectionPoints": []interface{}{}})
	msg = readWS(t, conn)
	assert.Equal(t, notify.TypeAckResponse, msg.Type)
	assert.Equal(t, "Error", msg.Data["status"])
	assert.Contains(t, msg.Data["message"], "out of range")
}

func TestWebSocketRejectsInvalidMessages(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readWS(t, conn)
	assert.Equal(t, notify.TypeAckResponse, msg.Type)
	assert.Equal(t, "malformed message", msg.Data["message"])

	sendWS(t, conn, "Teleport", map[string]interface{}{})
	msg = readWS(t, conn)
	assert.Equal(t, "Error", msg.Data["status"])
	assert.Contains(t, msg.Data["message"], "Teleport")

	env.orch.submitErr = fmt.Errorf("%w: empty command", command.ErrInvalidParameter)
	sendWS(t, conn, TypeCommand, map[string]interface{}{"id": 6, "command": " "})
	msg = readWS(t, conn)
	assert.Equal(t, float64(6), msg.Data["id"])
	assert.Equal(t, "Error", msg.Data["status"])
}

func TestWebSocketForwardsNotifications(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env, nil)

	env.hub.Publish(notify.TypeRobotState, notify.RobotState{Values: map[string]string{"payload": "1.5"}, Timestamp: 1})
	msg := readWS(t, conn)
	assert.Equal(t, notify.TypeRobotState, msg.Type)
	assert.Equal(t, "1.5", msg.Data["values"].(map[string]interface{})["payload"])
}

func TestWebSocketRequiresControlScope(t *testing.T) {
	verifier, err := auth.NewVerifier(auth.VerifierConfig{Algorithm: auth.AlgorithmHS256, SecretKey: testSecret})
	require.NoError(t, err)
	env := newTestEnv(t, WithAuth(auth.NewMiddleware(verifier, nil)))
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	viewer := http.Header{"Authorization": {"Bearer " + signToken(t, auth.ScopeRead, auth.ScopeTelemetry)}}
	_, resp, err = websocket.DefaultDialer.Dial(url, viewer)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	operator := http.Header{"Authorization": {"Bearer " + signToken(t, auth.ScopeControl, auth.ScopeTelemetry)}}
	conn := dialWS(t, env, operator)
	sendWS(t, conn, TypeCommand, map[string]interface{}{"id": 1, "command": "a = 1"})
	assert.Equal(t, notify.TypeAckResponse, readWS(t, conn).Type)
}
