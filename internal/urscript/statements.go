package urscript

import (
	"fmt"
	"strings"
)

// Statements sent verbatim to the interpreter or secondary port.
const (
	ClearInterpreter = "clear_interpreter()"
	EndInterpreter   = "end_interpreter()"
	InterpreterMode  = "interpreter_mode(clearQueueOnEnter = True, clearOnEnd = True)"
)

// Typed is a variable with a declared value type.
type Typed struct {
	Name  string
	Type  string
	Value string
}

// Assign renders assignments for typed values; strings are quoted.
func Assign(vars []Typed) string {
	var b strings.Builder
	for _, v := range vars {
		if v.Type == "String" {
			fmt.Fprintf(&b, "%s = %q ", v.Name, v.Value)
		} else {
			fmt.Fprintf(&b, "%s = %s ", v.Name, v.Value)
		}
	}
	return b.String()
}

// Normalize flattens a command onto a single line terminated by exactly
// one newline.
func Normalize(command string) string {
	command = strings.ReplaceAll(command, "\r\n", " ")
	command = strings.ReplaceAll(command, "\n", " ")
	command = strings.ReplaceAll(command, "\r", " ")
	return command + "\n"
}
