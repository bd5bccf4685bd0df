package history

import (
	"strings"
	"time"

	"github.com/robot-control/rbc/internal/registry"
)

// CommandState is the timeline of one command: the state before it ran
// followed by every checkpoint captured while it was active.
type CommandState struct {
	ID        int
	Text      string
	CreatedAt time.Time

	snapshots []*Snapshot
	// active indexes the snapshot of each type that may still be
	// collapsed into.
	active map[StateType]int
	// pre is the latest state of each type when the command was created.
	pre      map[StateType]*Snapshot
	closed   bool
	declared []*registry.Definition
}

func newCommandState(id int, text string) *CommandState {
	return &CommandState{
		ID:        id,
		Text:      text,
		CreatedAt: time.Now(),
		active:    make(map[StateType]int),
		pre:       make(map[StateType]*Snapshot),
	}
}

// Append adds s to the timeline and reports whether the timeline changed.
// A snapshot that only differs in collapsible values replaces the active
// one; any other difference starts a new checkpoint.
func (c *CommandState) Append(s *Snapshot) bool {
	if c.closed {
		return false
	}

	idx, ok := c.active[s.Type]
	if !ok {
		c.push(s)
		return true
	}

	current := c.snapshots[idx]
	if !current.sameVariables(s) {
		c.push(s)
		return true
	}

	changed, checkpoint := current.compare(s)
	switch {
	case checkpoint:
		c.push(s)
	case changed:
		c.snapshots[idx] = s
	default:
		return false
	}
	return true
}

func (c *CommandState) push(s *Snapshot) {
	c.snapshots = append(c.snapshots, s)
	c.active[s.Type] = len(c.snapshots) - 1
}

// Snapshots returns the timeline, oldest first.
func (c *CommandState) Snapshots() []*Snapshot {
	return append([]*Snapshot(nil), c.snapshots...)
}

// Closed reports whether the command finished.
func (c *CommandState) Closed() bool {
	return c.closed
}

// Declared returns the definitions the command registered.
func (c *CommandState) Declared() []*registry.Definition {
	return append([]*registry.Definition(nil), c.declared...)
}

// UndoScript walks the timeline back to the state before the command.
func (c *CommandState) UndoScript() string {
	var b strings.Builder
	for i := len(c.snapshots) - 1; i >= 0; i-- {
		b.WriteString(c.snapshots[i].ApplyScript())
	}
	return b.String()
}

// first returns the oldest snapshot of type t.
func (c *CommandState) first(t StateType) *Snapshot {
	for _, s := range c.snapshots {
		if s.Type == t {
			return s
		}
	}
	return nil
}
