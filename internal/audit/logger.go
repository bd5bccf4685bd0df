//
//
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/robot-control/rbc/internal/auth"
	"github.com/robot-control/rbc/internal/config"
	"github.com/robot-control/rbc/internal/controller"
)

// FileName is the audit log inside the configured directory.
const FileName = "audit.jsonl"

// Actions
const (
	ActionSubmit    = "submit"
	ActionUndo      = "undo"
	ActionRecovery  = "recovery"
	ActionDashboard = "dashboard"
)

// Outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entry represents a single audit log entry.
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"ts"`
	User      string                 `json:"user"`
	Action    string                 `json:"action"`
	CommandID int                    `json:"commandId,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code"`
	LatencyMS int64                  `json:"latencyMs"`
}

// Logger appends entries to a size-rotated JSONL file. A nil *Logger
// discards everything.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      *lumberjack.Logger
}

// NewLogger creates an audit logger under cfg.Dir. An empty Dir disables
// auditing and returns nil.
func NewLogger(cfg config.AuditConfig) (*Logger, error) {
	if cfg.Dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	filePath := filepath.Join(cfg.Dir, FileName)
	return &Logger{
		filePath: filePath,
		out: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		},
	}, nil
}

// LogAction records one action. err decides the outcome and code.
func (l *Logger) LogAction(ctx context.Context, action string, commandID int, params map[string]interface{}, err error, latency time.Duration) {
	if l == nil {
		return
	}

	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}

	l.writeEntry(Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		User:      userFromContext(ctx),
		Action:    action,
		CommandID: commandID,
		Params:    params,
		Outcome:   outcome,
		Code:      CodeFor(err),
		LatencyMS: latency.Milliseconds(),
	})
}

// writeEntry writes an audit entry to the log file.
func (l *Logger) writeEntry(entry Entry) {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal audit entry: %v\n", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.out.Write(append(jsonData, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write audit entry: %v\n", err)
	}
}

func userFromContext(ctx context.Context) string {
	if subject := auth.Subject(ctx); subject != "" {
		return subject
	}
	return "system"
}

// CodeFor maps an error to a stable audit code.
func CodeFor(err error) string {
	if err == nil {
		return "SUCCESS"
	}

	for _, kind := range []error{
		controller.ErrConnection,
		controller.ErrDecode,
		controller.ErrProtocolViolation,
		controller.ErrUnrecoverableState,
		controller.ErrVariableConsistency,
		controller.ErrRecoveryFailed,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, context.Canceled):
		return "CANCELLED"
	default:
		return "ERROR"
	}
}

// Close closes the audit file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

// GetFilePath returns the path to the audit log file.
func (l *Logger) GetFilePath() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Rotate starts a new audit file, keeping the old one as a backup.
func (l *Logger) Rotate() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Rotate()
}
