package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robot-control/rbc/internal/audit"
	"github.com/robot-control/rbc/internal/config"
	"github.com/robot-control/rbc/internal/controller"
	"github.com/robot-control/rbc/internal/dashboard"
	"github.com/robot-control/rbc/internal/feedback"
	"github.com/robot-control/rbc/internal/history"
	"github.com/robot-control/rbc/internal/journal"
	"github.com/robot-control/rbc/internal/metrics"
	"github.com/robot-control/rbc/internal/notify"
	"github.com/robot-control/rbc/internal/recovery"
	"github.com/robot-control/rbc/internal/registry"
	"github.com/robot-control/rbc/internal/telemetry"
	"github.com/robot-control/rbc/internal/urscript"
)

// Orchestrator routes client commands to the robot and results back to
// the notification hub.
type Orchestrator struct {
	machine   Machine
	undoer    Undoer
	history   *history.History
	registry  *registry.Registry
	emitter   *urscript.Emitter
	reader    *ReadLoop
	hub       *notify.Hub
	dashboard Dashboard
	journal   journal.Store
	config    *config.TimingConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics

	auditLogger AuditLogger

	// opMu serializes submit, undo and inspection.
	opMu   sync.Mutex
	lastID int

	mu          sync.Mutex
	inspections map[int]struct{}

	// Follow-ups started from recovery callbacks.
	wg sync.WaitGroup
}

// Compile-time assertions
var (
	_ OrchestratorPort  = (*Orchestrator)(nil)
	_ recovery.Listener = (*Orchestrator)(nil)
	_ feedback.Handler  = (*Orchestrator)(nil)
	_ Undoer            = (*history.Undoer)(nil)
)

// Deps are the collaborators of an Orchestrator. Dashboard, Journal and
// Metrics are optional.
type Deps struct {
	Machine   Machine
	Undoer    Undoer
	History   *history.History
	Registry  *registry.Registry
	Emitter   *urscript.Emitter
	Reader    *ReadLoop
	Hub       *notify.Hub
	Dashboard Dashboard
	Journal   journal.Store
	Timing    *config.TimingConfig
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// NewOrchestrator creates a new command orchestrator.
func NewOrchestrator(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	store := deps.Journal
	if store == nil {
		store = journal.NewMemoryStore()
	}
	timing := deps.Timing
	if timing == nil {
		defaults := config.Defaults().Timing
		timing = &defaults
	}
	return &Orchestrator{
		machine:     deps.Machine,
		undoer:      deps.Undoer,
		history:     deps.History,
		registry:    deps.Registry,
		emitter:     deps.Emitter,
		reader:      deps.Reader,
		hub:         deps.Hub,
		dashboard:   deps.Dashboard,
		journal:     store,
		config:      timing,
		logger:      logger.With("component", "orchestrator"),
		metrics:     deps.Metrics,
		inspections: make(map[int]struct{}),
	}
}

// SetAuditLogger sets the audit logger.
func (o *Orchestrator) SetAuditLogger(logger AuditLogger) {
	o.auditLogger = logger
}

// Wait blocks until follow-ups started by recovery callbacks are done.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// SubmitResult is the outcome of a submitted command.
type SubmitResult struct {
	Ack notify.AckResponse `json:"ack"`
	// Deferred is set when the interpreter queue overflowed and the
	// command will be resent once the interpreter has been cleared. The
	// acknowledgement is then published later.
	Deferred bool     `json:"deferred"`
	Declared []string `json:"declared,omitempty"`
}

// Submit records a client command, sends it to the robot and publishes
// the interpreter's answer.
func (o *Orchestrator) Submit(ctx context.Context, id int, text string) (*SubmitResult, error) {
	start := time.Now()

	if id < 0 || strings.TrimSpace(text) == "" {
		o.logAudit(ctx, audit.ActionSubmit, id, map[string]interface{}{"command": text}, ErrInvalidParameter, time.Since(start))
		return nil, fmt.Errorf("%w: command id must be non-negative and text non-empty", ErrInvalidParameter)
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.reader.Resume()
	if id <= o.lastID && o.lastID > 0 {
		// The history restarts; so does the journal.
		o.journalTruncate(ctx, 0)
	}
	o.lastID = id
	o.history.NewCommand(id, text)
	o.journalUpdate(ctx, id, func(rec *journal.Record) {
		rec.Command = text
	})

	ctx, cancel := context.WithTimeout(ctx, o.config.CommandTimeout)
	defer cancel()

	res, err := o.machine.Send(ctx, recovery.Request{CommandID: id, Text: text, User: true})
	latency := time.Since(start)
	params := map[string]interface{}{"command": text}

	if err != nil {
		message := errorMessage(err)
		o.logger.Error("Command failed", "id", id, "error", err)
		o.logAudit(ctx, audit.ActionSubmit, id, params, err, latency)
		o.metrics.Command("error", latency)
		o.publishAck(ctx, notify.AckResponse{ID: id, Status: notify.StatusError, Command: text, Message: message})
		return nil, err
	}

	if res.Dropped {
		// Never ran, so it has nothing to undo.
		if err := o.history.Truncate(id); err != nil {
			o.logger.Debug("Dropped command not in history", "id", id, "error", err)
		}
	}
	if res.Deferred {
		params["deferred"] = true
		o.logAudit(ctx, audit.ActionSubmit, id, params, nil, latency)
		o.metrics.Command("deferred", latency)
		o.journalUpdate(ctx, id, func(rec *journal.Record) {
			rec.Message = res.Raw
		})
		return &SubmitResult{Ack: notify.AckResponse{ID: id, Command: text, Message: res.Raw}, Deferred: true}, nil
	}

	result := o.completeSubmit(ctx, id, text, res)
	o.logAudit(ctx, audit.ActionSubmit, id, params, nil, latency)
	o.metrics.Command(outcomeOf(res), latency)
	return result, nil
}

// completeSubmit handles a reply the client can be told about: the
// declarations are recorded, the robot is asked to report completion and
// the acknowledgement is published.
func (o *Orchestrator) completeSubmit(ctx context.Context, id int, text string, res recovery.Result) *SubmitResult {
	ack := notify.NewAckResponse(id, text, res.Raw)
	result := &SubmitResult{Ack: ack}

	if res.State == recovery.Acked {
		o.history.AttachDeclarations(id, res.Declared)
		for _, def := range res.Declared {
			result.Declared = append(result.Declared, def.Name)
		}
		o.sendFinished(ctx, id, text)
	} else if err := o.history.Truncate(id); err != nil {
		// Never ran, so it has nothing to undo.
		o.logger.Debug("Rejected command not in history", "id", id, "error", err)
	}

	o.publishAck(ctx, ack)
	return result
}

// sendFinished asks the robot to report when the command has executed.
func (o *Orchestrator) sendFinished(ctx context.Context, id int, text string) {
	script := o.emitter.CommandFinished(id, text)
	res, err := o.machine.Send(ctx, recovery.Request{CommandID: id, Text: script})
	if err != nil {
		o.logger.Warn("Command finished probe failed", "id", id, "error", err)
		return
	}
	if res.State != recovery.Acked && !res.Deferred {
		o.logger.Warn("Command finished probe rejected", "id", id, "reply", res.Raw)
	}
}

// RequestUndo reverts the robot to the state before command id.
func (o *Orchestrator) RequestUndo(ctx context.Context, id int) (notify.UndoResponse, error) {
	start := time.Now()

	o.opMu.Lock()
	defer o.opMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.config.UndoTimeout)
	defer cancel()

	err := o.undoer.UndoTo(ctx, id)
	latency := time.Since(start)
	o.logAudit(ctx, audit.ActionUndo, id, nil, err, latency)

	if err != nil {
		resp := notify.UndoResponse{ID: id, Status: notify.StatusError, Message: errorMessage(err)}
		o.logger.Error("Undo failed", "id", id, "error", err)
		o.publish(notify.TypeUndoResponse, resp)
		return resp, err
	}

	o.journalTruncate(ctx, id)
	if id <= o.lastID {
		o.lastID = id - 1
	}

	resp := notify.UndoResponse{ID: id, Status: notify.StatusOk, Message: fmt.Sprintf("undone to before command %d", id)}
	o.logger.Info("Undo complete", "id", id, "latency", latency)
	o.publish(notify.TypeUndoResponse, resp)
	return resp, nil
}

// Dashboard sends one whitelisted line on the status channel.
func (o *Orchestrator) Dashboard(ctx context.Context, line string) (string, error) {
	start := time.Now()
	line = strings.TrimSpace(line)
	params := map[string]interface{}{"line": line}

	if o.dashboard == nil {
		o.logAudit(ctx, audit.ActionDashboard, 0, params, ErrUnavailable, time.Since(start))
		return "", ErrUnavailable
	}
	if !dashboard.Allowed(line) {
		o.logAudit(ctx, audit.ActionDashboard, 0, params, ErrInvalidParameter, time.Since(start))
		return "", fmt.Errorf("%w: dashboard command %q is not allowed", ErrInvalidParameter, line)
	}

	ctx, cancel := context.WithTimeout(ctx, o.config.CommandTimeout)
	defer cancel()

	reply, err := o.dashboard.Command(ctx, line)
	o.logAudit(ctx, audit.ActionDashboard, 0, params, err, time.Since(start))
	if err != nil {
		return "", err
	}
	return reply, nil
}

// HandleMessage routes a decoded feedback message.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg feedback.Message) {
	switch m := msg.(type) {
	case *feedback.CommandFinished:
		o.handleFinished(ctx, m)
	case *feedback.ReportState:
		o.handleReport(m)
	case *feedback.InterpreterCleared:
		o.machine.HandleCleared(ctx, m.ID)
	default:
		o.logger.Warn("Unhandled feedback message", "type", fmt.Sprintf("%T", msg))
	}
}

func (o *Orchestrator) handleFinished(ctx context.Context, m *feedback.CommandFinished) {
	if !o.history.Close(m.ID) {
		return
	}
	snapshots := 0
	undoScript := ""
	if cmd, ok := o.history.Get(m.ID); ok {
		snapshots = len(cmd.Snapshots())
		undoScript = cmd.UndoScript()
	}
	o.journalUpdate(ctx, m.ID, func(rec *journal.Record) {
		rec.Closed = true
		rec.Snapshots = snapshots
		rec.UndoScript = undoScript
	})
	o.publish(notify.TypeCommandFinished, notify.CommandFinished{ID: m.ID, Command: m.Command})
}

func (o *Orchestrator) handleReport(m *feedback.ReportState) {
	values := make(map[string]string, len(m.Variables))
	readings := make([]history.Reading, 0, len(m.Variables))
	for _, v := range m.Variables {
		value := feedback.ValueString(v.Value)
		values[v.Name] = value
		readings = append(readings, history.Reading{Name: v.Name, Value: value})
	}

	if o.takeInspection(m.ID) {
		o.publish(notify.TypeReportState, notify.StateReport{ID: m.ID, Variables: values, Inspection: true, Timestamp: m.Timestamp})
		return
	}

	snapshot, err := history.NewSnapshot(history.CodeState, readings, o.registry.Lookup)
	if err != nil {
		o.logger.Warn("Dropping state report", "id", m.ID, "error", err)
		o.metrics.ReadCycle("inconsistent")
		return
	}
	o.history.AppendSnapshot(snapshot)
	o.metrics.ReadCycle("reported")
	o.publish(notify.TypeReportState, notify.StateReport{ID: m.ID, Variables: values, Timestamp: m.Timestamp})
}

// IngestTelemetry records a telemetry sample as the latest robot state.
// Names outside the catalog fail the whole sample.
func (o *Orchestrator) IngestTelemetry(_ context.Context, sample telemetry.Sample) {
	names := make([]string, 0, len(sample.Values))
	for name := range sample.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make(map[string]string, len(names))
	readings := make([]history.Reading, 0, len(names))
	for _, name := range names {
		value := feedback.ValueString(sample.Values[name])
		values[name] = value
		readings = append(readings, history.Reading{Name: name, Value: value})
	}

	snapshot, err := history.NewSnapshot(history.TelemetryState, readings, o.registry.LookupTelemetry)
	if err != nil {
		o.logger.Warn("Dropping telemetry sample", "error", err)
		o.metrics.ReadCycle("inconsistent")
		return
	}
	o.history.AppendSnapshot(snapshot)
	o.publish(notify.TypeRobotState, notify.RobotState{Values: values, Timestamp: sample.Timestamp})
}

// Discarded implements recovery.Listener.
func (o *Orchestrator) Discarded(id int, command, reason string) {
	ctx := context.Background()
	o.logAudit(ctx, audit.ActionRecovery, id, map[string]interface{}{"command": command, "reason": reason}, nil, 0)
	o.publishAck(ctx, notify.AckResponse{ID: id, Status: notify.StatusError, Command: command, Message: reason})
}

// Resent implements recovery.Listener. It runs while the recovery machine
// is busy, so anything that needs the interpreter again is started in the
// background.
func (o *Orchestrator) Resent(id int, command string, res recovery.Result, err error) {
	ctx := context.Background()
	o.logAudit(ctx, audit.ActionRecovery, id, map[string]interface{}{"command": command, "resent": true}, err, 0)

	if err != nil {
		o.logger.Error("Resend after clear failed", "id", id, "error", err)
		o.publishAck(ctx, notify.AckResponse{ID: id, Status: notify.StatusError, Command: command, Message: errorMessage(err)})
		return
	}

	ack := notify.NewAckResponse(id, command, res.Raw)
	if res.State == recovery.Acked {
		o.history.AttachDeclarations(id, res.Declared)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), o.config.CommandTimeout)
			defer cancel()
			o.sendFinished(ctx, id, command)
		}()
	}
	o.publishAck(ctx, ack)
}

// History lists the recorded commands.
func (o *Orchestrator) History() []history.Summary {
	return o.history.Summaries()
}

// Journal lists the persisted command records.
func (o *Orchestrator) Journal(ctx context.Context) ([]journal.Record, error) {
	return o.journal.List(ctx)
}

// VariableView describes a registered variable and its latest value.
type VariableView struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Value       string `json:"value,omitempty"`
	Collapsible bool   `json:"collapsible"`
	Motion      bool   `json:"motion"`
}

// Variables lists the active code variables and the telemetry catalog.
func (o *Orchestrator) Variables() []VariableView {
	code := map[string]string{}
	if s := o.history.Latest(history.CodeState); s != nil {
		code = s.Map()
	}
	tele := map[string]string{}
	if s := o.history.Latest(history.TelemetryState); s != nil {
		tele = s.Map()
	}

	var out []VariableView
	for _, def := range o.registry.ActiveCode() {
		out = append(out, viewOf(def, code[def.Name]))
	}
	for _, def := range o.registry.Telemetry() {
		out = append(out, viewOf(def, tele[def.Name]))
	}
	return out
}

func viewOf(def *registry.Definition, value string) VariableView {
	return VariableView{
		Name:        def.Name,
		Kind:        def.Kind.String(),
		Value:       value,
		Collapsible: def.Collapsible,
		Motion:      def.Motion,
	}
}

// RobotStatus is the bridge's view of the robot.
type RobotStatus struct {
	SafetyStatus  string `json:"safetyStatus,omitempty"`
	RobotMode     string `json:"robotMode,omitempty"`
	Running       string `json:"running,omitempty"`
	ClearPending  bool   `json:"clearPending"`
	ReadingPaused bool   `json:"readingPaused"`
	Error         string `json:"error,omitempty"`
}

// Status queries the dashboard. Dashboard failures are reported in the
// status rather than as an error.
func (o *Orchestrator) Status(ctx context.Context) (*RobotStatus, error) {
	status := &RobotStatus{
		ClearPending:  o.machine.ClearPending(),
		ReadingPaused: o.reader.Paused(),
	}
	if o.dashboard == nil {
		return status, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.config.CommandTimeout)
	defer cancel()

	var errs []error
	var err error
	if status.SafetyStatus, err = o.dashboard.SafetyStatus(ctx); err != nil {
		errs = append(errs, err)
	}
	if status.RobotMode, err = o.dashboard.RobotMode(ctx); err != nil {
		errs = append(errs, err)
	}
	if status.Running, err = o.dashboard.Running(ctx); err != nil {
		errs = append(errs, err)
	}
	if joined := errors.Join(errs...); joined != nil {
		status.Error = joined.Error()
	}
	return status, nil
}

// publishAck publishes an acknowledgement and records it in the journal.
func (o *Orchestrator) publishAck(ctx context.Context, ack notify.AckResponse) {
	o.journalUpdate(ctx, ack.ID, func(rec *journal.Record) {
		if rec.Command == "" {
			rec.Command = ack.Command
		}
		rec.Status = string(ack.Status)
		rec.Message = ack.Message
	})
	o.publish(notify.TypeAckResponse, ack)
}

func (o *Orchestrator) publish(eventType string, data interface{}) {
	if o.hub == nil {
		return
	}
	o.hub.Publish(eventType, data)
}

func (o *Orchestrator) journalUpdate(ctx context.Context, id int, fn func(*journal.Record)) {
	if err := journal.Update(context.WithoutCancel(ctx), o.journal, id, fn); err != nil {
		o.logger.Warn("Journal update failed", "id", id, "error", err)
	}
}

func (o *Orchestrator) journalTruncate(ctx context.Context, from int) {
	if err := o.journal.Truncate(context.WithoutCancel(ctx), from); err != nil {
		o.logger.Warn("Journal truncate failed", "from", from, "error", err)
	}
}

// logAudit logs an audit entry if audit logger is available.
func (o *Orchestrator) logAudit(ctx context.Context, action string, id int, params map[string]interface{}, err error, latency time.Duration) {
	if o.auditLogger != nil {
		o.auditLogger.LogAction(context.WithoutCancel(ctx), action, id, params, err, latency)
	}
}

func outcomeOf(res recovery.Result) string {
	switch {
	case res.State == recovery.Acked && res.Recovered:
		return "recovered"
	case res.State == recovery.Acked:
		return "ack"
	default:
		return "rejected"
	}
}

// errorMessage prefers the controller's own words.
func errorMessage(err error) string {
	if raw, ok := controller.RawReply(err); ok {
		return raw
	}
	return err.Error()
}
