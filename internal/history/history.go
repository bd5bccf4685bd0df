// Package history records a timeline of robot state per command and turns
// it back into URScript that reverts the robot to an earlier command.
package history

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robot-control/rbc/internal/registry"
)

// ErrUnknownCommand is returned when an undo target is not in the history.
var ErrUnknownCommand = errors.New("command not in history")

// History holds the command timelines in id order. The active command is
// the oldest one that has not finished; captured state goes to it.
type History struct {
	mu       sync.Mutex
	commands []*CommandState
	latest   map[StateType]*Snapshot
	logger   *slog.Logger
}

// New creates an empty history.
func New(logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &History{
		latest: make(map[StateType]*Snapshot),
		logger: logger.With("component", "history"),
	}
}

// NewCommand starts a timeline whose pre-state is the latest known state.
// An id that is not above every recorded id resets the history first.
func (h *History) NewCommand(id int, text string) *CommandState {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.commands); n > 0 && id <= h.commands[n-1].ID {
		h.logger.Warn("command id out of order, resetting history", "id", id, "last_id", h.commands[n-1].ID)
		h.commands = nil
	}

	cmd := newCommandState(id, text)
	for _, t := range []StateType{CodeState, TelemetryState} {
		if s := h.latest[t]; s != nil {
			cmd.pre[t] = s
			cmd.Append(s)
		}
	}
	h.commands = append(h.commands, cmd)
	return cmd
}

// AppendSnapshot records s as the latest state and adds it to the active
// command's timeline.
func (h *History) AppendSnapshot(s *Snapshot) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest[s.Type] = s
	if cmd := h.activeLocked(); cmd != nil {
		return cmd.Append(s)
	}
	return false
}

// Close marks a command finished. The next command becomes active and
// receives the latest state.
func (h *History) Close(id int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cmd := h.findLocked(id)
	if cmd == nil {
		h.logger.Debug("finished command not in history", "id", id)
		return false
	}
	if cmd.closed {
		return false
	}

	wasActive := h.activeLocked() == cmd
	cmd.closed = true
	if next := h.activeLocked(); wasActive && next != nil {
		for _, t := range []StateType{CodeState, TelemetryState} {
			if s := h.latest[t]; s != nil {
				next.Append(s)
			}
		}
	}
	return true
}

// AttachDeclarations records the definitions a command registered.
func (h *History) AttachDeclarations(id int, defs []*registry.Definition) {
	if len(defs) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if cmd := h.findLocked(id); cmd != nil {
		cmd.declared = append(cmd.declared, defs...)
	}
}

// UndoStep reverts one command.
type UndoStep struct {
	ID       int
	Script   string
	Declared []*registry.Definition
}

// UndoPlan reverts the robot to the state before Target.
type UndoPlan struct {
	Target int
	// Steps run newest command first.
	Steps []UndoStep
	// Motion moves the arm back to the oldest pose in the plan.
	Motion string
}

// PlanUndo builds the plan that reverts every command from id onwards.
func (h *History) PlanUndo(id int) (*UndoPlan, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.indexLocked(id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, id)
	}

	plan := &UndoPlan{Target: id}
	for i := len(h.commands) - 1; i >= idx; i-- {
		cmd := h.commands[i]
		plan.Steps = append(plan.Steps, UndoStep{
			ID:       cmd.ID,
			Script:   cmd.UndoScript(),
			Declared: cmd.Declared(),
		})
	}
	if s := h.commands[idx].first(TelemetryState); s != nil {
		plan.Motion = s.MotionScript()
	}
	return plan, nil
}

// Truncate drops id and every later command, and rewinds the latest code
// state to the state before id.
func (h *History) Truncate(id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownCommand, id)
	}
	target := h.commands[idx]
	h.commands = h.commands[:idx]

	if pre := target.pre[CodeState]; pre != nil {
		h.latest[CodeState] = pre
	} else {
		delete(h.latest, CodeState)
	}
	return nil
}

// RecoveryScript restores the latest code state and the non-motion
// telemetry settings. Motion is left out so recovery never moves the arm.
func (h *History) RecoveryScript() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var b strings.Builder
	if s := h.latest[CodeState]; s != nil {
		b.WriteString(s.ApplyScript())
	}
	if s := h.latest[TelemetryState]; s != nil {
		b.WriteString(s.settingsScript())
	}
	return b.String()
}

// ActiveCommand returns the command currently executing and the
// definitions it registered.
func (h *History) ActiveCommand() (int, []*registry.Definition, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cmd := h.activeLocked(); cmd != nil {
		return cmd.ID, cmd.Declared(), true
	}
	return 0, nil, false
}

// Latest returns the most recent snapshot of type t.
func (h *History) Latest(t StateType) *Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest[t]
}

// Get returns the command with id.
func (h *History) Get(id int) (*CommandState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cmd := h.findLocked(id)
	return cmd, cmd != nil
}

// Summary describes a command for read-only views.
type Summary struct {
	ID         int      `json:"id"`
	Command    string   `json:"command"`
	Closed     bool     `json:"closed"`
	Active     bool     `json:"active"`
	Snapshots  int      `json:"snapshots"`
	Declared   []string `json:"declared,omitempty"`
	UndoScript string   `json:"undoScript"`
}

// Summaries lists every command, oldest first.
func (h *History) Summaries() []Summary {
	h.mu.Lock()
	defer h.mu.Unlock()

	active := h.activeLocked()
	out := make([]Summary, 0, len(h.commands))
	for _, cmd := range h.commands {
		out = append(out, summarize(cmd, cmd == active))
	}
	return out
}

func summarize(cmd *CommandState, active bool) Summary {
	s := Summary{
		ID:         cmd.ID,
		Command:    cmd.Text,
		Closed:     cmd.closed,
		Active:     active,
		Snapshots:  len(cmd.snapshots),
		UndoScript: cmd.UndoScript(),
	}
	for _, def := range cmd.declared {
		s.Declared = append(s.Declared, def.Name)
	}
	return s
}

// Reset forgets every command. The latest state is kept.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = nil
}

// Caller must hold h.mu.
func (h *History) activeLocked() *CommandState {
	for _, cmd := range h.commands {
		if !cmd.closed {
			return cmd
		}
	}
	return nil
}

// Caller must hold h.mu.
func (h *History) findLocked(id int) *CommandState {
	if i := h.indexLocked(id); i >= 0 {
		return h.commands[i]
	}
	return nil
}

// Caller must hold h.mu.
func (h *History) indexLocked(id int) int {
	for i, cmd := range h.commands {
		if cmd.ID == id {
			return i
		}
	}
	return -1
}
