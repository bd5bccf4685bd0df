package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robot-control/rbc/internal/controller"
	"github.com/robot-control/rbc/internal/metrics"
	"github.com/robot-control/rbc/internal/recovery"
	"github.com/robot-control/rbc/internal/registry"
)

// Sender delivers scripts to the interpreter.
type Sender interface {
	Send(ctx context.Context, req recovery.Request) (recovery.Result, error)
}

// Pauser stops state capture while the robot is being rewound.
type Pauser interface {
	Pause()
	Resume()
}

// Undoer reverts the robot to the state before a command.
type Undoer struct {
	history  *History
	registry *registry.Registry
	sender   Sender
	pauser   Pauser
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewUndoer creates an undoer.
func NewUndoer(h *History, reg *registry.Registry, sender Sender, pauser Pauser, logger *slog.Logger, m *metrics.Metrics) *Undoer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Undoer{
		history:  h,
		registry: reg,
		sender:   sender,
		pauser:   pauser,
		logger:   logger.With("component", "undo"),
		metrics:  m,
	}
}

// UndoTo reverts every command from id onwards: it runs their undo
// scripts newest first, moves the arm back to the oldest recorded pose,
// drops their declarations and removes them from the history.
func (u *Undoer) UndoTo(ctx context.Context, id int) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		u.metrics.Undo(result, time.Since(start))
	}()

	plan, err := u.history.PlanUndo(id)
	if err != nil {
		return err
	}

	u.pauser.Pause()
	defer u.pauser.Resume()

	for _, step := range plan.Steps {
		if err := u.run(ctx, step.ID, step.Script); err != nil {
			return fmt.Errorf("undo command %d: %w", step.ID, err)
		}
	}
	if err := u.run(ctx, id, plan.Motion); err != nil {
		return fmt.Errorf("restore pose: %w", err)
	}

	for _, step := range plan.Steps {
		for _, def := range step.Declared {
			u.registry.RemoveDefinition(def)
		}
	}
	if err := u.history.Truncate(id); err != nil {
		return err
	}

	u.logger.Info("undo complete", "target", id, "commands", len(plan.Steps))
	return nil
}

func (u *Undoer) run(ctx context.Context, id int, script string) error {
	if script == "" {
		return nil
	}
	res, err := u.sender.Send(ctx, recovery.Request{CommandID: id, Text: script})
	if err != nil {
		return err
	}
	if res.Deferred {
		return &controller.RobotError{Kind: controller.ErrRecoveryFailed, Raw: res.Raw, Detail: "interpreter queue full"}
	}
	if res.State != recovery.Acked {
		return &controller.RobotError{Kind: controller.ErrUnrecoverableState, Raw: res.Raw, Detail: "undo script rejected"}
	}
	return nil
}
