// Package interpreter drives the controller's interactive interpreter:
// a serialized request/response session, the secondary-port switch into
// interpreter mode and the restart sequence that rebuilds both.
package interpreter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/robot-control/rbc/internal/controller"
	"github.com/robot-control/rbc/internal/urscript"
)

// Options holds session timing.
type Options struct {
	PollInterval    time.Duration
	ResponseTimeout time.Duration
}

// DefaultOptions returns the standard session timing.
func DefaultOptions() Options {
	return Options{
		PollInterval:    100 * time.Millisecond,
		ResponseTimeout: 10 * time.Second,
	}
}

// Session is a connection to the interpreter port. The interpreter does
// not frame its replies, so every command carries a sentinel assignment
// whose echo marks the end of the reply.
type Session struct {
	addr    string
	dialer  *controller.Dialer
	opts    Options
	logger  *slog.Logger
	readBuf []byte

	mu   sync.Mutex
	conn net.Conn
	// partial holds an incomplete trailing rune until the next read.
	partial []byte
	// marker is the sentinel assignment; padded is what gets appended.
	marker string
	padded string
}

// NewSession creates a session for addr. It connects on first use.
func NewSession(addr string, dialer *controller.Dialer, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultOptions().ResponseTimeout
	}
	return &Session{
		addr:    addr,
		dialer:  dialer,
		opts:    opts,
		logger:  logger.With("component", "interpreter"),
		readBuf: make([]byte, 4096),
	}
}

// Send transmits one command and returns the interpreter's reply with the
// sentinel removed. Commands that clear the interpreter are read until the
// socket goes idle instead.
func (s *Session) Send(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return "", err
	}

	if strings.Contains(command, urscript.ClearInterpreter) {
		if err := s.write(urscript.Normalize(command)); err != nil {
			return "", err
		}
		return s.readUntilIdle(ctx)
	}

	if err := s.write(urscript.Normalize(command + s.padded)); err != nil {
		return "", err
	}
	return s.readUntilSentinel(ctx)
}

// Drain discards anything buffered on the socket.
func (s *Session) Drain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	stale, err := s.readUntilIdle(ctx)
	if stale != "" {
		s.logger.Debug("drained interpreter output", "bytes", len(stale))
	}
	return err
}

// Reconnect drops the socket and dials again with a fresh sentinel.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drop()
	return s.ensureConnected(ctx)
}

// Close drops the socket.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop()
	return nil
}

// Caller must hold s.mu.
func (s *Session) ensureConnected(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	conn, err := s.dialer.Dial(ctx, s.addr)
	if err != nil {
		return err
	}
	s.conn = conn
	s.marker = newMarker()
	s.padded = " " + s.marker + " "
	s.logger.Info("interpreter connected", "addr", s.addr)
	return nil
}

// Caller must hold s.mu.
func (s *Session) drop() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.partial = nil
}

func newMarker() string {
	name := "rbc_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s = %q", name, uuid.NewString())
}

// Caller must hold s.mu.
func (s *Session) write(line string) error {
	if _, err := s.conn.Write([]byte(line)); err != nil {
		s.drop()
		return &controller.RobotError{Kind: controller.ErrConnection, Detail: "write interpreter", Err: err}
	}
	return nil
}

// readChunk waits one poll window. A nil chunk with a nil error means no
// data arrived. A rune split across reads is held back until it is
// complete; invalid sequences are dropped.
func (s *Session) readChunk() ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.PollInterval)); err != nil {
		return nil, err
	}
	n, err := s.conn.Read(s.readBuf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		return nil, err
	}

	chunk := make([]byte, 0, len(s.partial)+n)
	chunk = append(chunk, s.partial...)
	chunk = append(chunk, s.readBuf[:n]...)
	s.partial = nil
	if tail := incompleteTail(chunk); tail > 0 {
		s.partial = append([]byte(nil), chunk[len(chunk)-tail:]...)
		chunk = chunk[:len(chunk)-tail]
	}
	if !utf8.Valid(chunk) {
		valid := bytes.ToValidUTF8(chunk, nil)
		s.logger.Warn("dropping undecodable interpreter output", "bytes", len(chunk)-len(valid))
		chunk = valid
	}
	return chunk, nil
}

// incompleteTail returns the length of a rune cut off at the end of b.
func incompleteTail(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		if !utf8.RuneStart(b[len(b)-i]) {
			continue
		}
		if utf8.FullRune(b[len(b)-i:]) {
			return 0
		}
		return i
	}
	return 0
}

// Caller must hold s.mu.
func (s *Session) readUntilSentinel(ctx context.Context) (string, error) {
	var reply strings.Builder
	deadline := time.Now().Add(s.opts.ResponseTimeout)

	for !strings.Contains(reply.String(), s.marker) {
		if err := ctx.Err(); err != nil {
			s.drop()
			return "", err
		}
		if time.Now().After(deadline) {
			raw := reply.String()
			s.drop()
			return "", &controller.RobotError{
				Kind:   controller.ErrProtocolViolation,
				Raw:    raw,
				Detail: fmt.Sprintf("no end of reply within %s", s.opts.ResponseTimeout),
			}
		}

		chunk, err := s.readChunk()
		if err != nil {
			s.drop()
			return "", &controller.RobotError{Kind: controller.ErrConnection, Raw: reply.String(), Detail: "read interpreter", Err: err}
		}
		reply.Write(chunk)
	}

	result := strings.ReplaceAll(reply.String(), s.padded, " ")
	result = strings.ReplaceAll(result, s.marker, "")
	return strings.TrimRight(result, " \r\n"), nil
}

// Caller must hold s.mu.
func (s *Session) readUntilIdle(ctx context.Context) (string, error) {
	var out strings.Builder
	deadline := time.Now().Add(s.opts.ResponseTimeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return out.String(), err
		}
		chunk, err := s.readChunk()
		if err != nil {
			s.drop()
			return out.String(), &controller.RobotError{Kind: controller.ErrConnection, Detail: "read interpreter", Err: err}
		}
		if chunk == nil {
			break
		}
		out.Write(chunk)
	}
	return strings.TrimRight(out.String(), "\r\n"), nil
}
