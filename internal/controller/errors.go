package controller

import (
	"errors"
	"fmt"
	"strings"
)

// Normalized error kinds.
var (
	ErrConnection          = errors.New("CONNECTION_FAILURE")
	ErrDecode              = errors.New("DECODE_FAILURE")
	ErrProtocolViolation   = errors.New("PROTOCOL_VIOLATION")
	ErrUnrecoverableState  = errors.New("UNRECOVERABLE_ROBOT_STATE")
	ErrVariableConsistency = errors.New("VARIABLE_CONSISTENCY")
	ErrRecoveryFailed      = errors.New("RECOVERY_FAILED")
)

// Interpreter response codes.
const (
	CodeAck     = "ack"
	CodeDiscard = "discard"
)

// Interpreter messages the recovery machine reacts to.
const (
	MessageCompileError    = "Compile error"
	MessageSyntaxError     = "Syntax error"
	MessageTooManyCommands = "Too many interpreted messages"
)

// MessageClass groups interpreter messages by how they are handled.
type MessageClass int

const (
	// ClassOther needs a status query to be classified.
	ClassOther MessageClass = iota
	// ClassTerminal is surfaced verbatim without recovery.
	ClassTerminal
	// ClassQueueFull means the interpreter queue overflowed.
	ClassQueueFull
)

// MessageTable maps interpreter messages to their class. Lookups are exact
// after trimming; anything absent is ClassOther.
var MessageTable = map[string]MessageClass{
	MessageCompileError:    ClassTerminal,
	MessageSyntaxError:     ClassTerminal,
	MessageTooManyCommands: ClassQueueFull,
}

// Response is a parsed interpreter reply.
type Response struct {
	Code    string
	Message string
	Raw     string
}

// Acked reports whether the interpreter accepted the command.
func (r Response) Acked() bool {
	return r.Code == CodeAck
}

// Class returns the handling class of the reply message.
func (r Response) Class() MessageClass {
	return MessageTable[strings.TrimSpace(r.Message)]
}

// ParseResponse splits a raw "<code>: <message>" reply. An empty reply or
// one without a colon means the session lost its framing.
func ParseResponse(raw string) (Response, error) {
	if strings.TrimSpace(raw) == "" {
		return Response{}, &RobotError{Kind: ErrProtocolViolation, Raw: raw, Detail: "empty reply"}
	}

	parts := strings.Split(raw, ":")
	if len(parts) < 2 {
		return Response{}, &RobotError{Kind: ErrProtocolViolation, Raw: raw, Detail: "reply has no code"}
	}

	return Response{
		Code:    strings.TrimSpace(parts[0]),
		Message: strings.TrimPrefix(parts[1], " "),
		Raw:     raw,
	}, nil
}

// RobotError wraps a controller failure with the raw controller text.
type RobotError struct {
	Kind   error  // Normalized kind
	Raw    string // Raw controller reply, if any
	Detail string
	Err    error // Underlying cause
}

func (e *RobotError) Error() string {
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Raw != "" {
		msg += fmt.Sprintf(" (reply: %q)", e.Raw)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RobotError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// RawReply returns the controller text carried by err, if any.
func RawReply(err error) (string, bool) {
	var robotErr *RobotError
	if errors.As(err, &robotErr) && robotErr.Raw != "" {
		return robotErr.Raw, true
	}
	return "", false
}
