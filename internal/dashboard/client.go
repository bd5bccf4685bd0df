// Package dashboard is a client for the controller's dashboard port: one
// line in, one line out, used for power, safety and program control.
package dashboard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/robot-control/rbc/internal/controller"
)

// ErrUnlockFailed is returned when the protective stop could not be
// released within the attempt budget.
var ErrUnlockFailed = errors.New("UNLOCK_FAILED")

// ErrInvalidProgram is returned by Load for names without the .urp suffix.
var ErrInvalidProgram = errors.New("program name must end in .urp")

// Dashboard lines.
const (
	CmdPowerOn          = "power on"
	CmdPowerOff         = "power off"
	CmdBrakeRelease     = "brake release"
	CmdRestartSafety    = "restart safety"
	CmdStop             = "stop"
	CmdPlay             = "play"
	CmdClosePopup       = "close popup"
	CmdCloseSafetyPopup = "close safety popup"
	CmdUnlock           = "unlock protective stop"
	CmdSafetyStatus     = "safetystatus"
	CmdRobotMode        = "robotmode"
	CmdRunning          = "running"
	CmdProgramState     = "programState"
)

// Replies the client interprets.
const (
	UnlockReleasing  = "Protectivestopreleasing"
	SafetyProtective = "PROTECTIVE_STOP"
	SafetyNormal     = "NORMAL"
	ModeRunning      = "RUNNING"
)

// Options holds dashboard timing.
type Options struct {
	UnlockDelay       time.Duration
	UnlockMaxAttempts int
	ReplyTimeout      time.Duration
}

// DefaultOptions returns the standard dashboard timing.
func DefaultOptions() Options {
	return Options{
		UnlockDelay:       5 * time.Second,
		UnlockMaxAttempts: 10,
		ReplyTimeout:      10 * time.Second,
	}
}

// Client is a serialized dashboard session.
type Client struct {
	addr   string
	dialer *controller.Dialer
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// New creates a client for addr. It connects on first use.
func New(addr string, dialer *controller.Dialer, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	defaults := DefaultOptions()
	if opts.UnlockMaxAttempts <= 0 {
		opts.UnlockMaxAttempts = defaults.UnlockMaxAttempts
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaults.ReplyTimeout
	}
	return &Client{
		addr:   addr,
		dialer: dialer,
		opts:   opts,
		logger: logger.With("component", "dashboard"),
	}
}

// Sanitize keeps the text after the last colon and strips spaces and
// line terminators.
func Sanitize(reply string) string {
	if i := strings.LastIndex(reply, ":"); i >= 0 {
		reply = reply[i+1:]
	}
	return strings.NewReplacer(" ", "", "\r", "", "\n", "").Replace(reply)
}

// Command sends one line and returns the raw reply line.
func (c *Client) Command(ctx context.Context, line string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return "", err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Now().Add(c.opts.ReplyTimeout))
	}

	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.drop()
		return "", &controller.RobotError{Kind: controller.ErrConnection, Detail: "write dashboard", Err: err}
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		c.drop()
		return "", &controller.RobotError{Kind: controller.ErrConnection, Detail: fmt.Sprintf("read reply to %q", line), Err: err}
	}

	reply = strings.TrimRight(reply, "\r\n")
	c.logger.Debug("dashboard exchange", "command", line, "reply", reply)
	return reply, nil
}

// Caller must hold c.mu.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.dialer.Dial(ctx, c.addr)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReplyTimeout))
	banner, err := c.reader.ReadString('\n')
	if err != nil {
		c.drop()
		return &controller.RobotError{Kind: controller.ErrConnection, Detail: "read dashboard banner", Err: err}
	}
	c.logger.Info("dashboard connected", "addr", c.addr, "banner", strings.TrimSpace(banner))
	return nil
}

// Caller must hold c.mu.
func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop()
	return nil
}

func (c *Client) query(ctx context.Context, line string) (string, error) {
	reply, err := c.Command(ctx, line)
	if err != nil {
		return "", err
	}
	return Sanitize(reply), nil
}

// PowerOn powers the robot on.
func (c *Client) PowerOn(ctx context.Context) (string, error) {
	return c.Command(ctx, CmdPowerOn)
}

// PowerOff powers the robot off.
func (c *Client) PowerOff(ctx context.Context) (string, error) {
	return c.Command(ctx, CmdPowerOff)
}

// BrakeRelease releases the brakes.
func (c *Client) BrakeRelease(ctx context.Context) (string, error) {
	return c.Command(ctx, CmdBrakeRelease)
}

// RestartSafety restarts the safety system after a fault.
func (c *Client) RestartSafety(ctx context.Context) (string, error) {
	return c.Command(ctx, CmdRestartSafety)
}

func (c *Client) Stop(ctx context.Context) (string, error) {
	return c.Command(ctx, CmdStop)
}

func (c *Client) Play(ctx context.Context) (string, error) {
	return c.Command(ctx, CmdPlay)
}

func (c *Client) ClosePopup(ctx context.Context) (string, error) {
	return c.Command(ctx, CmdClosePopup)
}

func (c *Client) CloseSafetyPopup(ctx context.Context) (string, error) {
	return c.Command(ctx, CmdCloseSafetyPopup)
}

// Popup shows a message on the teach pendant.
func (c *Client) Popup(ctx context.Context, text string) (string, error) {
	return c.Command(ctx, "popup "+text)
}

// Load loads a program file.
func (c *Client) Load(ctx context.Context, program string) (string, error) {
	if !strings.HasSuffix(program, ".urp") {
		return "", fmt.Errorf("%w: %q", ErrInvalidProgram, program)
	}
	return c.Command(ctx, "load "+program)
}

// SafetyStatus returns the sanitized safety status, e.g. PROTECTIVE_STOP.
func (c *Client) SafetyStatus(ctx context.Context) (string, error) {
	return c.query(ctx, CmdSafetyStatus)
}

// RobotMode returns the sanitized robot mode, e.g. RUNNING.
func (c *Client) RobotMode(ctx context.Context) (string, error) {
	return c.query(ctx, CmdRobotMode)
}

// Running returns "true" or "false".
func (c *Client) Running(ctx context.Context) (string, error) {
	return c.query(ctx, CmdRunning)
}

// ProgramState returns the sanitized program state.
func (c *Client) ProgramState(ctx context.Context) (string, error) {
	return c.query(ctx, CmdProgramState)
}

// UnlockProtectiveStop releases a protective stop. The controller refuses
// the unlock shortly after the stop, so every attempt waits UnlockDelay.
func (c *Client) UnlockProtectiveStop(ctx context.Context) error {
	for attempt := 1; attempt <= c.opts.UnlockMaxAttempts; attempt++ {
		if err := controller.Sleep(ctx, c.opts.UnlockDelay); err != nil {
			return err
		}
		reply, err := c.query(ctx, CmdUnlock)
		if err != nil {
			return err
		}
		if reply == UnlockReleasing {
			c.logger.Info("protective stop released", "attempts", attempt)
			return nil
		}
		c.logger.Warn("unlock refused", "attempt", attempt, "reply", reply)
	}
	return fmt.Errorf("%w after %d attempts", ErrUnlockFailed, c.opts.UnlockMaxAttempts)
}

// Start powers the robot on and releases the brakes.
func (c *Client) Start(ctx context.Context) error {
	if _, err := c.PowerOn(ctx); err != nil {
		return err
	}
	_, err := c.BrakeRelease(ctx)
	return err
}

var passthrough = map[string]bool{
	CmdPowerOn:          true,
	CmdPowerOff:         true,
	CmdBrakeRelease:     true,
	CmdRestartSafety:    true,
	CmdStop:             true,
	CmdPlay:             true,
	CmdClosePopup:       true,
	CmdCloseSafetyPopup: true,
	CmdUnlock:           true,
	CmdSafetyStatus:     true,
	CmdRobotMode:        true,
	CmdRunning:          true,
	CmdProgramState:     true,
}

// Allowed reports whether a client may send line through the bridge.
func Allowed(line string) bool {
	if passthrough[line] {
		return true
	}
	if strings.HasPrefix(line, "popup ") {
		return !strings.ContainsAny(line, "\r\n")
	}
	if strings.HasPrefix(line, "load ") {
		return strings.HasSuffix(line, ".urp") && !strings.ContainsAny(line, "\r\n")
	}
	return false
}
