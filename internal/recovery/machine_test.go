package recovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-control/rbc/internal/controller"
	"github.com/robot-control/rbc/internal/dashboard"
	"github.com/robot-control/rbc/internal/registry"
	"github.com/robot-control/rbc/internal/urscript"
)

type fakeChannel struct {
	mu      sync.Mutex
	sent    []string
	respond func(command string) (string, error)
}

func (c *fakeChannel) Send(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	c.sent = append(c.sent, command)
	respond := c.respond
	c.mu.Unlock()
	if respond == nil {
		return "ack: 1: " + command, nil
	}
	return respond(command)
}

func (c *fakeChannel) setRespond(f func(string) (string, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.respond = f
}

func (c *fakeChannel) count(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sent {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

func (c *fakeChannel) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakeStatus struct {
	safety, mode, running string
	unlockErr             error
	unlocks               int
}

func (s *fakeStatus) SafetyStatus(context.Context) (string, error) { return s.safety, nil }
func (s *fakeStatus) RobotMode(context.Context) (string, error)    { return s.mode, nil }
func (s *fakeStatus) Running(context.Context) (string, error)      { return s.running, nil }
func (s *fakeStatus) UnlockProtectiveStop(context.Context) error {
	s.unlocks++
	return s.unlockErr
}

type fakeRestarter struct {
	restarts int
	err      error
}

func (r *fakeRestarter) Restart(context.Context) error {
	r.restarts++
	return r.err
}

type fakeState struct {
	script   string
	activeID int
	declared []*registry.Definition
	closed   []int
}

func (s *fakeState) RecoveryScript() string { return s.script }
func (s *fakeState) ActiveCommand() (int, []*registry.Definition, bool) {
	return s.activeID, s.declared, s.activeID != 0
}
func (s *fakeState) Close(id int) bool {
	s.closed = append(s.closed, id)
	return true
}

type resent struct {
	id     int
	result Result
	err    error
}

type recordingListener struct {
	mu        sync.Mutex
	discarded []string
	resent    []resent
}

func (l *recordingListener) Discarded(id int, command, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discarded = append(l.discarded, reason)
}

func (l *recordingListener) Resent(id int, command string, result Result, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resent = append(l.resent, resent{id: id, result: result, err: err})
}

type fixture struct {
	channel   *fakeChannel
	status    *fakeStatus
	restarter *fakeRestarter
	state     *fakeState
	registry  *registry.Registry
	listener  *recordingListener
	machine   *Machine
}

func newFixture() *fixture {
	f := &fixture{
		channel:   &fakeChannel{},
		status:    &fakeStatus{safety: dashboard.SafetyNormal, mode: dashboard.ModeRunning, running: "false"},
		restarter: &fakeRestarter{},
		state:     &fakeState{script: "a = 1 \n"},
		registry:  registry.New(),
		listener:  &recordingListener{},
	}
	f.machine = New(Deps{
		Channel:   f.channel,
		Status:    f.status,
		Restarter: f.restarter,
		State:     f.state,
		Registry:  f.registry,
		Emitter:   urscript.NewEmitter("rbc"),
		Listener:  f.listener,
	})
	return f
}

// rejectOnce discards the first command containing match and acks the rest.
func rejectOnce(match, message string) func(string) (string, error) {
	var mu sync.Mutex
	rejected := false
	return func(command string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if !rejected && strings.Contains(command, match) {
			rejected = true
			return "discard: " + message + ": " + command, nil
		}
		return "ack: 1: " + command, nil
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		safety string
		mode   string
		want   State
	}{
		{"ack", "ack: 3: a = 1", "NORMAL", "RUNNING", Acked},
		{"compile error", "discard: Compile error: a = ", "NORMAL", "RUNNING", CompileOrSyntaxError},
		{"syntax error", "discard: Syntax error: )", "NORMAL", "RUNNING", CompileOrSyntaxError},
		{"queue full", "discard: Too many interpreted messages: x", "NORMAL", "RUNNING", TooManyCommands},
		{"protective stop", "discard: Program is in an invalid state", "PROTECTIVE_STOP", "RUNNING", SafetyStop},
		{"invalid state", "discard: Program is in an invalid state", "NORMAL", "RUNNING", InvalidState},
		{"unknown", "discard: Program is in an invalid state", "NORMAL", "IDLE", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.status.safety, f.status.mode = tt.safety, tt.mode
			state, err := f.machine.Classify(context.Background(), tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, state)
		})
	}
}

func TestClassifyRejectsMalformedReply(t *testing.T) {
	f := newFixture()
	for _, raw := range []string{"", "nothing"} {
		_, err := f.machine.Classify(context.Background(), raw)
		assert.ErrorIs(t, err, controller.ErrProtocolViolation, raw)
	}
}

func TestAckDeclaresOnlyForUserCommands(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.machine.Send(ctx, Request{CommandID: 1, Text: "a = 1 b = 2", User: true})
	require.NoError(t, err)
	assert.Equal(t, Acked, res.State)
	require.Len(t, res.Declared, 2)
	assert.Equal(t, []string{"a", "b"}, f.registry.ActiveNames())

	res, err = f.machine.Send(ctx, Request{Text: "c = 3"})
	require.NoError(t, err)
	assert.Empty(t, res.Declared)
	assert.Equal(t, []string{"a", "b"}, f.registry.ActiveNames())
}

func TestCompileErrorReturnedVerbatim(t *testing.T) {
	f := newFixture()
	f.channel.setRespond(func(string) (string, error) { return "discard: Compile error: a =", nil })

	res, err := f.machine.Send(context.Background(), Request{CommandID: 1, Text: "a =", User: true})
	require.NoError(t, err)
	assert.Equal(t, CompileOrSyntaxError, res.State)
	assert.Equal(t, "discard: Compile error: a =", res.Raw)
	assert.Equal(t, 1, len(f.channel.commands()))
}

func TestUnknownStateIsUnrecoverable(t *testing.T) {
	f := newFixture()
	f.status.mode = "POWER_OFF"
	f.channel.setRespond(func(string) (string, error) { return "discard: Program is in an invalid state", nil })

	_, err := f.machine.Send(context.Background(), Request{CommandID: 1, Text: "movej(p)", User: true})
	assert.ErrorIs(t, err, controller.ErrUnrecoverableState)
	raw, ok := controller.RawReply(err)
	assert.True(t, ok)
	assert.Equal(t, "discard: Program is in an invalid state", raw)
	assert.Zero(t, f.restarter.restarts)
}

func TestTooManyCommandsCoalescesClears(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	queueFull := func(command string) (string, error) {
		if strings.HasPrefix(command, "x") {
			return "discard: Too many interpreted messages: " + command, nil
		}
		return "ack: 1: " + command, nil
	}
	f.channel.setRespond(queueFull)

	res, err := f.machine.Send(ctx, Request{CommandID: 1, Text: "x1 = 1", User: true})
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.False(t, res.Dropped)
	assert.True(t, f.machine.ClearPending())

	res, err = f.machine.Send(ctx, Request{CommandID: 2, Text: "x2 = 2", User: true})
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.True(t, res.Dropped)
	assert.Equal(t, []string{ClearingMessage}, f.listener.discarded)

	assert.Equal(t, 1, f.channel.count(urscript.ClearInterpreter))
	assert.Equal(t, 1, f.channel.count("Interpreter_cleared"))

	// The interpreter accepts the resend once cleared.
	f.channel.setRespond(nil)
	f.machine.HandleCleared(ctx, 1)
	assert.False(t, f.machine.ClearPending())

	require.Len(t, f.listener.resent, 1)
	assert.Equal(t, 1, f.listener.resent[0].id)
	assert.NoError(t, f.listener.resent[0].err)
	assert.Equal(t, Acked, f.listener.resent[0].result.State)
	assert.True(t, f.listener.resent[0].result.Recovered)
	assert.Equal(t, []string{"x1"}, f.registry.ActiveNames())

	sent := f.channel.commands()
	assert.Equal(t, "a = 1 \n", sent[len(sent)-2])
	assert.Equal(t, "x1 = 1", sent[len(sent)-1])

	// A later overflow opens a new clear with the next id.
	f.channel.setRespond(queueFull)
	_, err = f.machine.Send(ctx, Request{CommandID: 3, Text: "x3 = 3", User: true})
	require.NoError(t, err)
	assert.Equal(t, 2, f.channel.count(urscript.ClearInterpreter))
	sent = f.channel.commands()
	assert.Equal(t, urscript.NewEmitter("rbc").InterpreterCleared(2), sent[len(sent)-1])
}

func TestHandleClearedMismatchedIDStillResumes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.channel.setRespond(rejectOnce("x", "Too many interpreted messages"))

	_, err := f.machine.Send(ctx, Request{CommandID: 7, Text: "x = 1", User: true})
	require.NoError(t, err)

	f.machine.HandleCleared(ctx, 99)
	require.Len(t, f.listener.resent, 1)
	assert.Equal(t, 7, f.listener.resent[0].id)
	assert.False(t, f.machine.ClearPending())
}

func TestHandleClearedWithoutPendingIsNoop(t *testing.T) {
	f := newFixture()
	f.machine.HandleCleared(context.Background(), 1)
	assert.Empty(t, f.listener.resent)
	assert.Empty(t, f.channel.commands())
}

func TestClearFailureReleasesPending(t *testing.T) {
	f := newFixture()
	f.channel.setRespond(func(command string) (string, error) {
		if command == urscript.ClearInterpreter {
			return "", errors.New("broken pipe")
		}
		return "discard: Too many interpreted messages: " + command, nil
	})

	_, err := f.machine.Send(context.Background(), Request{CommandID: 1, Text: "x = 1", User: true})
	assert.Error(t, err)
	assert.False(t, f.machine.ClearPending())
}

func TestRejectedClearNotificationReleasesPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.channel.setRespond(func(command string) (string, error) {
		if command == urscript.ClearInterpreter {
			return "ack: 1: " + command, nil
		}
		return "discard: Too many interpreted messages: " + command, nil
	})

	_, err := f.machine.Send(ctx, Request{CommandID: 1, Text: "x = 1", User: true})
	assert.ErrorIs(t, err, controller.ErrRecoveryFailed)
	assert.False(t, f.machine.ClearPending())

	// The next overflow starts a fresh clear instead of being dropped.
	res, err := f.machine.Send(ctx, Request{CommandID: 2, Text: "x = 2", User: true})
	assert.Error(t, err)
	assert.False(t, res.Dropped)
	assert.Equal(t, 2, f.channel.count(urscript.ClearInterpreter))
	assert.Empty(t, f.listener.discarded)
}

func TestSafetyStopRecovery(t *testing.T) {
	f := newFixture()
	f.status.safety = dashboard.SafetyProtective
	f.channel.setRespond(rejectOnce("movej", "Program is in an invalid state"))

	res, err := f.machine.Send(context.Background(), Request{CommandID: 4, Text: "movej(p)", User: true})
	require.NoError(t, err)
	assert.Equal(t, Acked, res.State)
	assert.True(t, res.Recovered)

	assert.Equal(t, 1, f.status.unlocks)
	assert.Equal(t, 1, f.restarter.restarts)
	assert.Equal(t, []string{SafetyStopMessage}, f.listener.discarded)
	assert.Equal(t, []string{"movej(p)", "a = 1 \n", "movej(p)"}, f.channel.commands())
}

func TestSafetyStopUnlockFailure(t *testing.T) {
	f := newFixture()
	f.status.safety = dashboard.SafetyProtective
	f.status.unlockErr = errors.New("UNLOCK_FAILED")
	f.channel.setRespond(rejectOnce("movej", "Program is in an invalid state"))

	_, err := f.machine.Send(context.Background(), Request{CommandID: 4, Text: "movej(p)", User: true})
	assert.ErrorIs(t, err, controller.ErrRecoveryFailed)
	assert.Zero(t, f.restarter.restarts)
}

func TestInvalidStatePurgesActiveCommandDeclarations(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	older := f.registry.Declare([]string{"a"})[0]
	f.state.activeID, f.state.declared = 3, f.registry.Declare([]string{"a", "b"})
	f.channel.setRespond(rejectOnce("c(1)", "Program is in an invalid state"))

	res, err := f.machine.Send(ctx, Request{CommandID: 4, Text: "c(1)", User: true})
	require.NoError(t, err)
	assert.True(t, res.Recovered)

	active, ok := f.registry.Lookup("a")
	require.True(t, ok)
	assert.Same(t, older, active)
	_, ok = f.registry.Lookup("b")
	assert.False(t, ok)

	assert.Equal(t, []int{3}, f.state.closed)
	assert.Equal(t, []string{InvalidStateMessage}, f.listener.discarded)
	assert.Equal(t, 1, f.restarter.restarts)
	assert.Zero(t, f.status.unlocks)
}

func TestInvalidStateKeepsNewerRedeclaration(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Command 3 never reported finishing; command 4 redeclared a since.
	f.state.activeID, f.state.declared = 3, f.registry.Declare([]string{"a"})
	newer := f.registry.Declare([]string{"a"})[0]
	f.channel.setRespond(rejectOnce("c(1)", "Program is in an invalid state"))

	_, err := f.machine.Send(ctx, Request{CommandID: 5, Text: "c(1)", User: true})
	require.NoError(t, err)

	active, ok := f.registry.Lookup("a")
	require.True(t, ok)
	assert.Same(t, newer, active)
	assert.Equal(t, []int{3}, f.state.closed)
}

func TestInvalidStateLeavesResentCommandOpen(t *testing.T) {
	f := newFixture()
	f.state.activeID = 4
	f.channel.setRespond(rejectOnce("c(1)", "Program is in an invalid state"))

	_, err := f.machine.Send(context.Background(), Request{CommandID: 4, Text: "c(1)", User: true})
	require.NoError(t, err)
	assert.Empty(t, f.state.closed)
}

func TestResendHappensOnlyOnce(t *testing.T) {
	f := newFixture()
	f.channel.setRespond(func(command string) (string, error) {
		if command == "bad()" {
			return "discard: Program is in an invalid state", nil
		}
		return "ack: 1: " + command, nil
	})

	res, err := f.machine.Send(context.Background(), Request{CommandID: 5, Text: "bad()", User: true})
	assert.ErrorIs(t, err, controller.ErrRecoveryFailed)
	assert.True(t, res.Recovered)
	assert.Equal(t, 2, f.channel.count("bad()"))
	assert.Equal(t, 1, f.restarter.restarts)
}

func TestInternalCommandsDoNotNotify(t *testing.T) {
	f := newFixture()
	f.channel.setRespond(rejectOnce("probe", "Program is in an invalid state"))

	_, err := f.machine.Send(context.Background(), Request{Text: "probe"})
	require.NoError(t, err)
	assert.Empty(t, f.listener.discarded)
}
