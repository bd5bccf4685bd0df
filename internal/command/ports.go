package command

import (
	"context"
	"errors"
	"time"

	"github.com/robot-control/rbc/internal/history"
	"github.com/robot-control/rbc/internal/journal"
	"github.com/robot-control/rbc/internal/notify"
	"github.com/robot-control/rbc/internal/recovery"
)

// OrchestratorPort defines the interface the API needs from the orchestrator.
type OrchestratorPort interface {
	Submit(ctx context.Context, id int, text string) (*SubmitResult, error)
	RequestUndo(ctx context.Context, id int) (notify.UndoResponse, error)
	Inspect(ctx context.Context, id int, script []string, points []InspectionPoint) (notify.AckResponse, error)
	Dashboard(ctx context.Context, line string) (string, error)

	History() []history.Summary
	Journal(ctx context.Context) ([]journal.Record, error)
	Variables() []VariableView
	Status(ctx context.Context) (*RobotStatus, error)
}

// Machine sends scripts to the interpreter with recovery.
type Machine interface {
	Send(ctx context.Context, req recovery.Request) (recovery.Result, error)
	HandleCleared(ctx context.Context, id int)
	ClearPending() bool
}

// Undoer reverts the robot to the state before a command.
type Undoer interface {
	UndoTo(ctx context.Context, id int) error
}

// Dashboard is the status channel used for passthrough and status views.
type Dashboard interface {
	Command(ctx context.Context, line string) (string, error)
	SafetyStatus(ctx context.Context) (string, error)
	RobotMode(ctx context.Context) (string, error)
	Running(ctx context.Context) (string, error)
}

// AuditLogger writes audit records.
type AuditLogger interface {
	LogAction(ctx context.Context, action string, commandID int, params map[string]interface{}, err error, latency time.Duration)
}

// ErrNotFound indicates the requested command is not in the history.
var ErrNotFound = history.ErrUnknownCommand

// ErrInvalidParameter indicates a required parameter is missing or structurally invalid.
var ErrInvalidParameter = errors.New("BAD_REQUEST")

// ErrUnavailable indicates a collaborator needed by the request is not configured.
var ErrUnavailable = errors.New("UNAVAILABLE")
