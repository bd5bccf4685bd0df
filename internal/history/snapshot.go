package history

import (
	"fmt"
	"strings"
	"time"

	"github.com/robot-control/rbc/internal/controller"
	"github.com/robot-control/rbc/internal/registry"
)

// StateType separates interpreter variables from telemetry.
type StateType int

const (
	CodeState StateType = iota
	TelemetryState
)

func (t StateType) String() string {
	if t == TelemetryState {
		return "telemetry"
	}
	return "code"
}

// Value is one captured variable value in URScript notation.
type Value struct {
	Value string
	Def   *registry.Definition
}

// Snapshot is an immutable set of values captured at one moment.
type Snapshot struct {
	Type       StateType
	Values     []Value
	CapturedAt time.Time
}

// Reading is a raw name/value pair reported by the robot.
type Reading struct {
	Name  string
	Value string
}

// NewSnapshot resolves readings against lookup. An unknown name fails the
// whole snapshot.
func NewSnapshot(t StateType, readings []Reading, lookup func(name string) (*registry.Definition, bool)) (*Snapshot, error) {
	values := make([]Value, 0, len(readings))
	for _, r := range readings {
		def, ok := lookup(r.Name)
		if !ok {
			return nil, &controller.RobotError{
				Kind:   controller.ErrVariableConsistency,
				Detail: fmt.Sprintf("%s variable %q is not registered", t, r.Name),
			}
		}
		values = append(values, Value{Value: r.Value, Def: def})
	}
	return &Snapshot{Type: t, Values: values, CapturedAt: time.Now()}, nil
}

// ApplyScript returns the statements that write every value back.
func (s *Snapshot) ApplyScript() string {
	var b strings.Builder
	for _, v := range s.Values {
		b.WriteString(v.Def.Write.Build(v.Value))
		b.WriteString("\n")
	}
	return b.String()
}

// MotionScript returns the write statements of motion values only.
func (s *Snapshot) MotionScript() string {
	var b strings.Builder
	for _, v := range s.Values {
		if v.Def.Motion {
			b.WriteString(v.Def.Write.Build(v.Value))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// settingsScript returns the write statements of non-motion values.
func (s *Snapshot) settingsScript() string {
	var b strings.Builder
	for _, v := range s.Values {
		if !v.Def.Motion {
			b.WriteString(v.Def.Write.Build(v.Value))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Map returns name → value.
func (s *Snapshot) Map() map[string]string {
	out := make(map[string]string, len(s.Values))
	for _, v := range s.Values {
		out[v.Def.Name] = v.Value
	}
	return out
}

func (s *Snapshot) sameVariables(o *Snapshot) bool {
	if len(s.Values) != len(o.Values) {
		return false
	}
	for i := range s.Values {
		if s.Values[i].Def.Name != o.Values[i].Def.Name {
			return false
		}
	}
	return true
}

// compare reports whether any value differs and whether any differing
// value forces a checkpoint. Both snapshots must hold the same variables.
func (s *Snapshot) compare(o *Snapshot) (changed, checkpoint bool) {
	for i := range s.Values {
		if s.Values[i].Value == o.Values[i].Value {
			continue
		}
		changed = true
		if !o.Values[i].Def.Collapsible {
			checkpoint = true
		}
	}
	return changed, checkpoint
}
