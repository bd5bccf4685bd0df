// Package recovery sends commands to the interpreter and brings the
// controller back to a usable state when a command is rejected: it
// classifies every reply, recovers from queue overflow, protective stops
// and invalid runtime states, and resends the original command once.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robot-control/rbc/internal/controller"
	"github.com/robot-control/rbc/internal/dashboard"
	"github.com/robot-control/rbc/internal/metrics"
	"github.com/robot-control/rbc/internal/registry"
	"github.com/robot-control/rbc/internal/urscript"
)

// State is the classification of an interpreter reply.
type State int

const (
	Acked State = iota
	CompileOrSyntaxError
	TooManyCommands
	SafetyStop
	InvalidState
	Unknown
)

func (s State) String() string {
	switch s {
	case Acked:
		return "acked"
	case CompileOrSyntaxError:
		return "compile_or_syntax_error"
	case TooManyCommands:
		return "too_many_commands"
	case SafetyStop:
		return "safety_stop"
	case InvalidState:
		return "invalid_state"
	}
	return "unknown"
}

// Messages sent to clients when their command was discarded.
const (
	SafetyStopMessage = "discard: Command caused protective stop. Please investigate the cause before continuing. Unlocking in 5 seconds."

	ClearingMessage = "discard: Too many interpreted messages. The interpreter is being cleared; resend the command once it is acknowledged."

	InvalidStateMessage = "discard: Command caused invalid state. Can be due to following reasons:\n" +
		"1. array out of bounds.\n" +
		"2. Reassigning variable to new type.\n" +
		"3. Error occurred in the program. Did you write a proper command?\n"
)

// Channel carries commands to the interpreter.
type Channel interface {
	Send(ctx context.Context, command string) (string, error)
}

// StatusReader queries and controls the dashboard.
type StatusReader interface {
	SafetyStatus(ctx context.Context) (string, error)
	RobotMode(ctx context.Context) (string, error)
	Running(ctx context.Context) (string, error)
	UnlockProtectiveStop(ctx context.Context) error
}

// Restarter rebuilds the interpreter session and feedback connection.
type Restarter interface {
	Restart(ctx context.Context) error
}

// StateKeeper exposes the last known robot state.
type StateKeeper interface {
	// RecoveryScript returns the statements that restore the last known
	// state after the interpreter lost it.
	RecoveryScript() string
	// ActiveCommand returns the command currently executing on the robot
	// and the definitions it registered.
	ActiveCommand() (id int, declared []*registry.Definition, ok bool)
	// Close marks a command finished.
	Close(id int) bool
}

// Registry records declarations.
type Registry interface {
	Declare(names []string) []*registry.Definition
	RemoveDefinition(def *registry.Definition) bool
}

// Listener is told about client commands affected by recovery.
type Listener interface {
	Discarded(id int, command, reason string)
	Resent(id int, command string, result Result, err error)
}

// Request is one command to send.
type Request struct {
	CommandID int
	Text      string
	// User marks client commands: their declarations are registered and
	// the client is told about recovery.
	User bool
}

// Result is the outcome of a send.
type Result struct {
	State    State
	Response controller.Response
	Raw      string
	Declared []*registry.Definition
	// Deferred is set when the command will be resent after a clear.
	Deferred bool
	// Recovered is set when the reply came from the resend.
	Recovered bool
	// Dropped is set with Deferred when a clear was already pending and
	// the command will not be resent.
	Dropped bool
}

type pendingClear struct {
	id     int
	resume func(ctx context.Context)
}

// Machine serializes all interpreter traffic and runs recovery.
type Machine struct {
	channel   Channel
	status    StatusReader
	restarter Restarter
	state     StateKeeper
	registry  Registry
	emitter   *urscript.Emitter
	listener  Listener
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu          sync.Mutex
	nextClearID int
	pending     *pendingClear
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Channel   Channel
	Status    StatusReader
	Restarter Restarter
	State     StateKeeper
	Registry  Registry
	Emitter   *urscript.Emitter
	Listener  Listener
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// New creates a machine.
func New(deps Deps) *Machine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	listener := deps.Listener
	if listener == nil {
		listener = nopListener{}
	}
	return &Machine{
		channel:   deps.Channel,
		status:    deps.Status,
		restarter: deps.Restarter,
		state:     deps.State,
		registry:  deps.Registry,
		emitter:   deps.Emitter,
		listener:  listener,
		logger:    logger.With("component", "recovery"),
		metrics:   deps.Metrics,
	}
}

// SetListener replaces the listener. It must be called before use.
func (m *Machine) SetListener(l Listener) {
	m.listener = l
}

// Send transmits req and recovers from a rejected reply. Replies with a
// compile or syntax error are returned as they are, without an error.
func (m *Machine) Send(ctx context.Context, req Request) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := m.channel.Send(ctx, req.Text)
	if err != nil {
		return Result{}, err
	}

	state, resp, err := m.classify(ctx, raw)
	if err != nil {
		return Result{State: state, Raw: raw}, err
	}
	res := Result{State: state, Response: resp, Raw: raw}
	if state != Acked {
		m.logger.Info("command rejected", "id", req.CommandID, "state", state.String(), "reply", raw)
		m.metrics.Recovery(state.String())
	}

	switch state {
	case Acked:
		if req.User {
			res.Declared = m.declare(req.Text)
		}
		return res, nil
	case CompileOrSyntaxError:
		return res, nil
	case TooManyCommands:
		return m.deferUntilCleared(ctx, req, res)
	case SafetyStop:
		return m.recoverSafetyStop(ctx, req)
	case InvalidState:
		return m.recoverInvalidState(ctx, req)
	}
	return res, &controller.RobotError{Kind: controller.ErrUnrecoverableState, Raw: raw, Detail: "robot state not recoverable"}
}

// Classify parses raw and, for rejections that need it, asks the
// dashboard what state the robot is in.
func (m *Machine) Classify(ctx context.Context, raw string) (State, error) {
	state, _, err := m.classify(ctx, raw)
	return state, err
}

func (m *Machine) classify(ctx context.Context, raw string) (State, controller.Response, error) {
	resp, err := controller.ParseResponse(raw)
	if err != nil {
		return Unknown, resp, err
	}
	if resp.Acked() {
		return Acked, resp, nil
	}

	switch resp.Class() {
	case controller.ClassTerminal:
		return CompileOrSyntaxError, resp, nil
	case controller.ClassQueueFull:
		return TooManyCommands, resp, nil
	}

	safety, err := m.status.SafetyStatus(ctx)
	if err != nil {
		return Unknown, resp, fmt.Errorf("query safety status: %w", err)
	}
	if safety == dashboard.SafetyProtective {
		return SafetyStop, resp, nil
	}

	mode, err := m.status.RobotMode(ctx)
	if err != nil {
		return Unknown, resp, fmt.Errorf("query robot mode: %w", err)
	}
	running, err := m.status.Running(ctx)
	if err != nil {
		return Unknown, resp, fmt.Errorf("query running: %w", err)
	}
	if safety == dashboard.SafetyNormal && mode == dashboard.ModeRunning && running == "false" {
		return InvalidState, resp, nil
	}

	m.logger.Warn("unclassified robot state", "safety", safety, "mode", mode, "running", running, "reply", raw)
	return Unknown, resp, nil
}

// Caller must hold m.mu.
func (m *Machine) declare(text string) []*registry.Definition {
	names := registry.ExtractDeclarations(text)
	if len(names) == 0 {
		return nil
	}
	return m.registry.Declare(names)
}

// Caller must hold m.mu.
func (m *Machine) deferUntilCleared(ctx context.Context, req Request, res Result) (Result, error) {
	res.Deferred = true
	if m.pending != nil {
		m.logger.Debug("clear already pending, dropping command", "id", req.CommandID, "clear_id", m.pending.id)
		res.Dropped = true
		m.notifyDiscarded(req, ClearingMessage)
		return res, nil
	}

	m.nextClearID++
	id := m.nextClearID
	m.pending = &pendingClear{
		id:     id,
		resume: func(ctx context.Context) { m.resume(ctx, req) },
	}
	m.metrics.SetPendingClear(true)
	m.logger.Info("clearing interpreter", "clear_id", id, "command_id", req.CommandID)

	if _, err := m.channel.Send(ctx, urscript.ClearInterpreter); err != nil {
		m.dropPending()
		return res, fmt.Errorf("clear interpreter: %w", err)
	}
	raw, err := m.channel.Send(ctx, m.emitter.InterpreterCleared(id))
	if err != nil {
		m.dropPending()
		return res, fmt.Errorf("request clear notification: %w", err)
	}
	if resp, err := controller.ParseResponse(raw); err != nil || !resp.Acked() {
		// No cleared notification will arrive for this id.
		m.dropPending()
		m.logger.Warn("clear notification not acknowledged", "clear_id", id, "reply", raw)
		return res, &controller.RobotError{Kind: controller.ErrRecoveryFailed, Raw: raw, Detail: "clear notification rejected"}
	}
	return res, nil
}

// Caller must hold m.mu.
func (m *Machine) dropPending() {
	m.pending = nil
	m.metrics.SetPendingClear(false)
}

// ClearPending reports whether a clear is in flight.
func (m *Machine) ClearPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// HandleCleared resumes the command parked by the last clear. A mismatched
// id is logged and the continuation still runs.
func (m *Machine) HandleCleared(ctx context.Context, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pending
	if p == nil {
		m.logger.Debug("interpreter cleared without pending clear", "clear_id", id)
		return
	}
	if p.id != id {
		m.logger.Warn("cleared id does not match pending clear", "pending_id", p.id, "clear_id", id)
	}
	m.dropPending()
	p.resume(ctx)
}

// Caller must hold m.mu.
func (m *Machine) resume(ctx context.Context, req Request) {
	if err := m.reapply(ctx); err != nil {
		m.logger.Error("reapply after clear failed", "id", req.CommandID, "error", err)
		m.notifyResent(req, Result{State: TooManyCommands}, err)
		return
	}
	res, err := m.resendOnce(ctx, req)
	m.notifyResent(req, res, err)
}

func (m *Machine) notifyResent(req Request, res Result, err error) {
	if req.User {
		m.listener.Resent(req.CommandID, req.Text, res, err)
	}
}

func (m *Machine) notifyDiscarded(req Request, reason string) {
	if req.User {
		m.listener.Discarded(req.CommandID, req.Text, reason)
	}
}

// Caller must hold m.mu.
func (m *Machine) recoverSafetyStop(ctx context.Context, req Request) (Result, error) {
	m.notifyDiscarded(req, SafetyStopMessage)

	if err := m.status.UnlockProtectiveStop(ctx); err != nil {
		return Result{State: SafetyStop}, recoveryFailed("unlock protective stop", err)
	}
	if err := m.restarter.Restart(ctx); err != nil {
		return Result{State: SafetyStop}, recoveryFailed("restart interpreter", err)
	}
	if err := m.reapply(ctx); err != nil {
		return Result{State: SafetyStop}, recoveryFailed("reapply state", err)
	}
	return m.resendOnce(ctx, req)
}

// Caller must hold m.mu.
func (m *Machine) recoverInvalidState(ctx context.Context, req Request) (Result, error) {
	offenderID, declared, hasOffender := m.state.ActiveCommand()
	m.notifyDiscarded(req, InvalidStateMessage)

	if err := m.restarter.Restart(ctx); err != nil {
		return Result{State: InvalidState}, recoveryFailed("restart interpreter", err)
	}
	if err := m.reapply(ctx); err != nil {
		return Result{State: InvalidState}, recoveryFailed("reapply state", err)
	}

	if hasOffender && offenderID != req.CommandID {
		for _, def := range declared {
			if m.registry.RemoveDefinition(def) {
				m.logger.Info("removed declaration of failed command", "command_id", offenderID, "variable", def.Name)
			}
		}
		// Its finish report was lost with the interpreter.
		m.state.Close(offenderID)
	}
	return m.resendOnce(ctx, req)
}

// reapply restores the last known state. A rejected script is logged;
// only transport failures are returned.
//
// Caller must hold m.mu.
func (m *Machine) reapply(ctx context.Context) error {
	script := m.state.RecoveryScript()
	if script == "" {
		return nil
	}
	raw, err := m.channel.Send(ctx, script)
	if err != nil {
		return err
	}
	if resp, err := controller.ParseResponse(raw); err != nil || !resp.Acked() {
		m.logger.Warn("state reapply rejected", "reply", raw)
	}
	return nil
}

// Caller must hold m.mu.
func (m *Machine) resendOnce(ctx context.Context, req Request) (Result, error) {
	raw, err := m.channel.Send(ctx, req.Text)
	if err != nil {
		return Result{Recovered: true}, recoveryFailed("resend", err)
	}
	resp, err := controller.ParseResponse(raw)
	if err != nil {
		return Result{Raw: raw, Recovered: true}, recoveryFailed("resend", err)
	}

	res := Result{Response: resp, Raw: raw, Recovered: true}
	if !resp.Acked() {
		res.State = Unknown
		return res, &controller.RobotError{Kind: controller.ErrRecoveryFailed, Raw: raw, Detail: "resent command rejected"}
	}

	res.State = Acked
	if req.User {
		res.Declared = m.declare(req.Text)
	}
	m.logger.Info("command resent", "id", req.CommandID)
	return res, nil
}

func recoveryFailed(step string, err error) error {
	return &controller.RobotError{Kind: controller.ErrRecoveryFailed, Detail: step, Err: err}
}

type nopListener struct{}

func (nopListener) Discarded(int, string, string)     {}
func (nopListener) Resent(int, string, Result, error) {}
