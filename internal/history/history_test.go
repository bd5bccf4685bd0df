package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-control/rbc/internal/controller"
	"github.com/robot-control/rbc/internal/registry"
)

var (
	defA       = registry.NewCodeDefinition("a")
	defB       = registry.NewCodeDefinition("b")
	defPayload = &registry.Definition{
		Name:        "payload",
		Kind:        registry.KindTelemetry,
		Write:       registry.WriteTemplate{Target: "set_payload", Strategy: registry.FunctionCall},
		Collapsible: true,
	}
	defJoints = &registry.Definition{
		Name:   "joints",
		Kind:   registry.KindTelemetry,
		Write:  registry.WriteTemplate{Target: "movej", Strategy: registry.FunctionCall},
		Motion: true,
	}
)

func code(values ...Value) *Snapshot {
	return &Snapshot{Type: CodeState, Values: values}
}

func telemetry(values ...Value) *Snapshot {
	return &Snapshot{Type: TelemetryState, Values: values}
}

func TestAppendCollapsing(t *testing.T) {
	tests := []struct {
		name      string
		first     *Snapshot
		next      *Snapshot
		changed   bool
		snapshots int
	}{
		{"equal is a no-op", code(Value{"1", defA}), code(Value{"1", defA}), false, 1},
		{"non-collapsible change checkpoints", code(Value{"1", defA}), code(Value{"2", defA}), true, 2},
		{"collapsible change replaces", telemetry(Value{"1.0", defPayload}), telemetry(Value{"2.0", defPayload}), true, 1},
		{"mixed change checkpoints", telemetry(Value{"1.0", defPayload}, Value{"[0]", defJoints}), telemetry(Value{"2.0", defPayload}, Value{"[1]", defJoints}), true, 2},
		{"new variable checkpoints", code(Value{"1", defA}), code(Value{"1", defA}, Value{"2", defB}), true, 2},
		{"other type appends", code(Value{"1", defA}), telemetry(Value{"1.0", defPayload}), true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newCommandState(1, "x")
			require.True(t, cmd.Append(tt.first))
			assert.Equal(t, tt.changed, cmd.Append(tt.next))
			assert.Len(t, cmd.Snapshots(), tt.snapshots)
			if tt.name == "collapsible change replaces" {
				assert.Same(t, tt.next, cmd.Snapshots()[0])
			}
		})
	}
}

func TestAppendIgnoredWhenClosed(t *testing.T) {
	cmd := newCommandState(1, "x")
	cmd.closed = true
	assert.False(t, cmd.Append(code(Value{"1", defA})))
	assert.Empty(t, cmd.Snapshots())
}

func TestUndoScriptMostRecentFirst(t *testing.T) {
	cmd := newCommandState(1, "x")
	cmd.Append(code(Value{"1", defA}))
	cmd.Append(code(Value{"2", defA}, Value{"3", defB}))
	cmd.Append(telemetry(Value{"[0,1]", defJoints}))

	assert.Equal(t, "movej([0,1]) \na = 2 \nb = 3 \na = 1 \n", cmd.UndoScript())
}

func TestNewCommandCarriesPreState(t *testing.T) {
	h := New(nil)
	h.AppendSnapshot(code(Value{"1", defA}))
	h.AppendSnapshot(telemetry(Value{"1.0", defPayload}))

	cmd := h.NewCommand(1, "a = 2")
	assert.Len(t, cmd.Snapshots(), 2)
	assert.Same(t, h.Latest(CodeState), cmd.pre[CodeState])
}

func TestNewCommandResetsOnOutOfOrderID(t *testing.T) {
	h := New(nil)
	h.NewCommand(5, "a = 1")
	h.NewCommand(6, "b = 1")
	h.NewCommand(3, "c = 1")

	summaries := h.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, 3, summaries[0].ID)
}

func TestCloseActivatesNextCommand(t *testing.T) {
	h := New(nil)
	h.NewCommand(1, "a = 1")
	h.NewCommand(2, "b = 1")

	h.AttachDeclarations(1, []*registry.Definition{defA})
	id, declared, ok := h.ActiveCommand()
	require.True(t, ok)
	assert.Equal(t, 1, id)
	assert.Equal(t, []*registry.Definition{defA}, declared)

	// State captured while 1 runs belongs to 1.
	h.AppendSnapshot(code(Value{"1", defA}))
	first, _ := h.Get(1)
	second, _ := h.Get(2)
	assert.Len(t, first.Snapshots(), 1)
	assert.Empty(t, second.Snapshots())

	assert.True(t, h.Close(1))
	assert.False(t, h.Close(1))
	assert.False(t, h.Close(42))

	id, _, ok = h.ActiveCommand()
	require.True(t, ok)
	assert.Equal(t, 2, id)
	assert.Len(t, second.Snapshots(), 1)

	h.Close(2)
	_, _, ok = h.ActiveCommand()
	assert.False(t, ok)
}

func TestRecoveryScriptSkipsMotion(t *testing.T) {
	h := New(nil)
	assert.Empty(t, h.RecoveryScript())

	h.AppendSnapshot(code(Value{"1", defA}))
	h.AppendSnapshot(telemetry(Value{"[0]", defJoints}, Value{"1.5", defPayload}))
	assert.Equal(t, "a = 1 \nset_payload(1.5) \n", h.RecoveryScript())
}

func TestNewSnapshotRejectsUnknownVariable(t *testing.T) {
	reg := registry.New()
	reg.Declare([]string{"a"})

	s, err := NewSnapshot(CodeState, []Reading{{Name: "a", Value: "1"}}, reg.Lookup)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1"}, s.Map())

	_, err = NewSnapshot(CodeState, []Reading{{Name: "a", Value: "1"}, {Name: "zz", Value: "2"}}, reg.Lookup)
	assert.ErrorIs(t, err, controller.ErrVariableConsistency)
}

func TestPlanUndo(t *testing.T) {
	h := New(nil)
	h.AppendSnapshot(telemetry(Value{"[0]", defJoints}))
	h.NewCommand(1, "a = 1")
	h.NewCommand(2, "b = 1")
	h.NewCommand(3, "c = 1")

	plan, err := h.PlanUndo(2)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, 3, plan.Steps[0].ID)
	assert.Equal(t, 2, plan.Steps[1].ID)
	assert.Equal(t, "movej([0]) \n", plan.Motion)

	_, err = h.PlanUndo(9)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}
