package interpreter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robot-control/rbc/internal/controller"
	"github.com/robot-control/rbc/internal/urscript"
)

// Mode switches the controller into interpreter mode over the secondary port.
type Mode struct {
	addr       string
	dialer     *controller.Dialer
	startDelay time.Duration
	logger     *slog.Logger
}

// NewMode creates a mode switcher for the secondary port at addr.
func NewMode(addr string, dialer *controller.Dialer, startDelay time.Duration, logger *slog.Logger) *Mode {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Mode{addr: addr, dialer: dialer, startDelay: startDelay, logger: logger}
}

// Enter sends the interpreter_mode statement and waits for the interpreter
// to start listening.
func (m *Mode) Enter(ctx context.Context) error {
	conn, err := m.dialer.Dial(ctx, m.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(urscript.Normalize(urscript.InterpreterMode))); err != nil {
		return &controller.RobotError{Kind: controller.ErrConnection, Detail: "write secondary", Err: err}
	}
	m.logger.Info("interpreter mode requested", "addr", m.addr)

	return controller.Sleep(ctx, m.startDelay)
}

// Feedback is where the companion program sends its frames.
type Feedback struct {
	Host string
	Port int
}

// Supervisor restarts the interpreter and rewires the feedback connection.
type Supervisor struct {
	session     *Session
	mode        *Mode
	emitter     *urscript.Emitter
	feedback    Feedback
	bootstrap   []urscript.Typed
	settleDelay time.Duration
	logger      *slog.Logger
}

// NewSupervisor creates a supervisor over session and mode.
func NewSupervisor(session *Session, mode *Mode, emitter *urscript.Emitter, feedback Feedback, settleDelay time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		session:     session,
		mode:        mode,
		emitter:     emitter,
		feedback:    feedback,
		settleDelay: settleDelay,
		logger:      logger.With("component", "supervisor"),
	}
}

// WithBootstrap sets variables applied after every restart.
func (s *Supervisor) WithBootstrap(vars []urscript.Typed) *Supervisor {
	s.bootstrap = vars
	return s
}

// Restart enters interpreter mode, reconnects the session, applies the
// bootstrap variables, reopens the feedback socket and drains the
// interpreter.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.logger.Info("restarting interpreter")

	if err := s.mode.Enter(ctx); err != nil {
		return fmt.Errorf("enter interpreter mode: %w", err)
	}
	if err := s.session.Reconnect(ctx); err != nil {
		return fmt.Errorf("reconnect interpreter: %w", err)
	}

	if len(s.bootstrap) > 0 {
		if err := s.expectAck(ctx, urscript.Assign(s.bootstrap)); err != nil {
			return fmt.Errorf("apply bootstrap variables: %w", err)
		}
	}

	if err := s.expectAck(ctx, s.emitter.SocketOpen(s.feedback.Host, s.feedback.Port)); err != nil {
		return fmt.Errorf("open feedback socket: %w", err)
	}

	if err := controller.Sleep(ctx, s.settleDelay); err != nil {
		return err
	}
	return s.session.Drain(ctx)
}

func (s *Supervisor) expectAck(ctx context.Context, command string) error {
	raw, err := s.session.Send(ctx, command)
	if err != nil {
		return err
	}
	resp, err := controller.ParseResponse(raw)
	if err != nil {
		return err
	}
	if !resp.Acked() {
		return &controller.RobotError{Kind: controller.ErrUnrecoverableState, Raw: raw, Detail: "interpreter rejected setup statement"}
	}
	return nil
}
