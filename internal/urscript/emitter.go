// Package urscript builds the URScript snippets the bridge sends to the
// interpreter: emitters that make the controller write a framed JSON
// message back to the feedback socket, and small statement helpers.
package urscript

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robot-control/rbc/internal/feedback"
)

const (
	byteQuote     = 34
	byteBackslash = 92
)

// Part is a piece of an emitted message: literal JSON text, or an
// expression the controller evaluates at run time.
type Part struct {
	Text   string
	Expr   bool
	Quoted bool
}

// Lit is literal message text.
func Lit(text string) Part { return Part{Text: text} }

// Expr is a run-time expression. Quoted wraps its value in JSON quotes.
func Expr(expr string, quoted bool) Part { return Part{Text: expr, Expr: true, Quoted: quoted} }

// Emitter writes framed messages through a named controller socket.
type Emitter struct {
	socket string
}

// NewEmitter creates an emitter for the socket opened with SocketOpen.
func NewEmitter(socket string) *Emitter {
	return &Emitter{socket: socket}
}

// Socket returns the socket name.
func (e *Emitter) Socket() string {
	return e.socket
}

// Emit returns a statement sequence that sends STX, the parts and ETX.
// URScript string literals cannot carry quotes or backslashes, so those
// are sent as single bytes.
func (e *Emitter) Emit(parts ...Part) string {
	var b strings.Builder
	b.WriteString(e.sendByte(feedback.STX))
	for _, p := range parts {
		if p.Expr {
			e.writeExpr(&b, p)
			continue
		}
		e.writeLiteral(&b, p.Text)
	}
	b.WriteString(e.sendByte(feedback.ETX))
	return b.String()
}

func (e *Emitter) writeExpr(b *strings.Builder, p Part) {
	if p.Quoted {
		b.WriteString(e.sendByte(byteQuote))
	}
	fmt.Fprintf(b, " socket_send_string(%s, %q) ", p.Text, e.socket)
	if p.Quoted {
		b.WriteString(e.sendByte(byteQuote))
	}
}

func (e *Emitter) writeLiteral(b *strings.Builder, text string) {
	start := 0
	flush := func(end int) {
		if end > start {
			fmt.Fprintf(b, " socket_send_string(\"%s\", %q) ", text[start:end], e.socket)
		}
	}
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '"':
			flush(i)
			b.WriteString(e.sendByte(byteQuote))
			start = i + 1
		case '\\':
			flush(i)
			b.WriteString(e.sendByte(byteBackslash))
			start = i + 1
		}
	}
	flush(len(text))
}

func (e *Emitter) sendByte(v byte) string {
	return fmt.Sprintf(" socket_send_byte(%d, %q) ", v, e.socket)
}

// Probe reads one variable for a state report.
type Probe struct {
	Name   string
	Type   string
	Expr   string
	Global bool
}

// ReportState emits a Report_state message with the current value of
// every probe. Values travel as quoted strings.
func (e *Emitter) ReportState(id int, probes []Probe) string {
	parts := []Part{Lit(fmt.Sprintf(`{"type":%s,"id":%d,"data":[`, jsonString(feedback.TypeReportState), id))}
	for i, p := range probes {
		prefix := ""
		if i > 0 {
			prefix = ","
		}
		parts = append(parts,
			Lit(fmt.Sprintf(`%s{"name":%s,"type":%s,"value":`, prefix, jsonString(p.Name), jsonString(p.Type))),
			Expr(p.Expr, true),
			Lit(fmt.Sprintf(`,"global":%t}`, p.Global)),
		)
	}
	parts = append(parts, Lit("]}"))
	return e.Emit(parts...)
}

// CommandFinished emits a Command_finished message for a user command.
func (e *Emitter) CommandFinished(id int, command string) string {
	return e.Emit(Lit(fmt.Sprintf(`{"type":%s,"id":%d,"command":%s}`,
		jsonString(feedback.TypeCommandFinished), id, jsonString(command))))
}

// InterpreterCleared emits the acknowledgement of a clear request.
func (e *Emitter) InterpreterCleared(id int) string {
	return e.Emit(Lit(fmt.Sprintf(`{"type":%s,"id":%d}`, jsonString(feedback.TypeInterpreterCleared), id)))
}

// SocketOpen makes the controller connect to the feedback listener.
func (e *Emitter) SocketOpen(host string, port int) string {
	return fmt.Sprintf("socket_open(%q, %d, %q)", host, port, e.socket)
}

func jsonString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
