package command

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-control/rbc/internal/history"
	"github.com/robot-control/rbc/internal/notify"
	"github.com/robot-control/rbc/internal/urscript"
)

func TestInspectInsertsProbeBeforeLine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	script := []string{"x = 1", "y = x + 1", "z = y * 2"}
	points := []InspectionPoint{{ID: 100, LineNumber: 2, Command: "y = x + 1"}}

	ack, err := h.orch.Inspect(ctx, 5, script, points)
	require.NoError(t, err)
	assert.Equal(t, notify.StatusOk, ack.Status)

	sent := h.channel.commands()
	require.NotEmpty(t, sent)
	text := sent[0]
	probe := urscript.NewEmitter("rbc").ReportState(100, []urscript.Probe{{Name: "x", Type: "String", Expr: "x"}})
	assert.Equal(t, "x = 1\n"+probe+"\ny = x + 1\nz = y * 2\n", text)

	// Inspection scripts leave no trace in the registry or history.
	assert.Empty(t, h.registry.ActiveNames())
	assert.Empty(t, h.orch.History())
	assert.Zero(t, h.channel.count("Command_finished"))

	h.orch.HandleMessage(ctx, report(100, variable("x", "1")))
	state := h.next(t, notify.TypeReportState).Data.(notify.StateReport)
	assert.True(t, state.Inspection)
	assert.Equal(t, "1", state.Variables["x"])
	assert.Nil(t, h.history.Latest(history.CodeState))

	// The point is consumed: a second report with the same id is a
	// regular read and x is not registered.
	h.orch.HandleMessage(ctx, report(100, variable("x", "2")))
	h.noEvent(t, notify.TypeReportState)
}

func TestInspectProbesRegisteredVariables(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, 1, "a = 1")
	require.NoError(t, err)

	_, err = h.orch.Inspect(ctx, 2, []string{"a = a + 1"}, []InspectionPoint{{ID: 7, LineNumber: 1, Command: "a = a + 1"}})
	require.NoError(t, err)

	sent := h.channel.commands()
	last := sent[len(sent)-1]
	assert.True(t, strings.HasSuffix(last, "a = a + 1\n"))
	assert.Contains(t, last, `socket_send_string(a, "rbc")`)
}

func TestInspectRejectsBadPoints(t *testing.T) {
	h := newHarness(t)
	script := []string{"x = 1", "y = 2"}

	tests := []struct {
		name   string
		script []string
		points []InspectionPoint
	}{
		{"empty script", nil, nil},
		{"line zero", script, []InspectionPoint{{ID: 1, LineNumber: 0, Command: "x = 1"}}},
		{"line past end", script, []InspectionPoint{{ID: 1, LineNumber: 3, Command: "y = 2"}}},
		{"text mismatch", script, []InspectionPoint{{ID: 1, LineNumber: 2, Command: "y = 3"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Inspect(context.Background(), 1, tt.script, tt.points)
			assert.ErrorIs(t, err, ErrInvalidParameter)
		})
	}
	assert.Empty(t, h.channel.commands())
}

func TestInspectRejectedScriptForgetsPoints(t *testing.T) {
	h := newHarness(t)
	h.channel.respond = func(cmd string) (string, bool) {
		return "discard: Syntax error: " + cmd, true
	}

	ack, err := h.orch.Inspect(context.Background(), 3, []string{"x = "}, []InspectionPoint{{ID: 9, LineNumber: 1, Command: "x = "}})
	require.NoError(t, err)
	assert.Equal(t, notify.StatusError, ack.Status)
	assert.False(t, h.orch.takeInspection(9))
}
