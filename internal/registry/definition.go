package registry

import (
	"fmt"
	"strings"

	"github.com/robot-control/rbc/internal/config"
	"github.com/robot-control/rbc/internal/urscript"
)

// Kind tells where a variable's value comes from.
type Kind int

const (
	// KindCode variables are declared by submitted commands and read back
	// through the interpreter.
	KindCode Kind = iota
	// KindTelemetry variables are streamed from the real-time feed.
	KindTelemetry
)

func (k Kind) String() string {
	if k == KindTelemetry {
		return "telemetry"
	}
	return "code"
}

// Strategy selects how a write command is built.
type Strategy int

const (
	Assignment Strategy = iota
	FunctionCall
	StringAssignment
	Template
)

// ParseStrategy maps a configured strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "assignment":
		return Assignment, nil
	case "function":
		return FunctionCall, nil
	case "string":
		return StringAssignment, nil
	case "template":
		return Template, nil
	}
	return Assignment, fmt.Errorf("unknown write strategy %q", name)
}

// WriteTemplate renders the statement that stores a value.
type WriteTemplate struct {
	Target   string
	Strategy Strategy
}

// Build returns the write statement for value.
func (w WriteTemplate) Build(value string) string {
	switch w.Strategy {
	case FunctionCall:
		return fmt.Sprintf("%s(%s) ", w.Target, value)
	case StringAssignment:
		return fmt.Sprintf("%s = \"%s\" ", w.Target, value)
	case Template:
		return strings.ReplaceAll(w.Target, "{}", value) + " "
	default:
		return fmt.Sprintf("%s = %s ", w.Target, value)
	}
}

// Definition describes one variable. Definitions are compared by
// identity: re-declaring a name creates a new Definition.
type Definition struct {
	Name  string
	Kind  Kind
	Write WriteTemplate
	// ReadExpr is evaluated by the controller to read the value.
	ReadExpr    string
	Collapsible bool
	// Motion marks pose variables reapplied after an undo.
	Motion bool
}

// NewCodeDefinition creates the definition for a declared variable.
func NewCodeDefinition(name string) *Definition {
	return &Definition{
		Name:     name,
		Kind:     KindCode,
		Write:    WriteTemplate{Target: name, Strategy: Assignment},
		ReadExpr: name,
	}
}

// NewTelemetryDefinition creates a definition from catalog configuration.
func NewTelemetryDefinition(cfg config.VariableConfig) (*Definition, error) {
	strategy, err := ParseStrategy(cfg.Write)
	if err != nil {
		return nil, fmt.Errorf("telemetry variable %s: %w", cfg.Name, err)
	}
	return &Definition{
		Name:        cfg.Name,
		Kind:        KindTelemetry,
		Write:       WriteTemplate{Target: cfg.Target, Strategy: strategy},
		Collapsible: cfg.Collapsible,
		Motion:      cfg.Motion,
	}, nil
}

// Probe returns the read probe used in state reports.
func (d *Definition) Probe() urscript.Probe {
	return urscript.Probe{Name: d.Name, Type: "String", Expr: d.ReadExpr}
}

func (d *Definition) String() string {
	return fmt.Sprintf("%s(%s)", d.Name, d.Kind)
}
