package controllertest

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

// DashboardBanner is the greeting the dashboard port sends on connect.
const DashboardBanner = "Connected: Universal Robots Dashboard Server"

// Fault makes the interpreter reject the next statement containing Match
// and moves the robot into the given state.
type Fault struct {
	Match   string
	Message string
	Safety  string
	Running string
}

// QueueFull rejects a statement with the queue overflow message.
func QueueFull(match string) Fault {
	return Fault{Match: match, Message: "Too many interpreted messages"}
}

// ProtectiveStop rejects a statement and triggers a protective stop.
func ProtectiveStop(match string) Fault {
	return Fault{Match: match, Message: "Protective stop", Safety: "PROTECTIVE_STOP"}
}

// RuntimeError rejects a statement and leaves the robot idle and normal.
func RuntimeError(match string) Fault {
	return Fault{Match: match, Message: "Runtime error", Running: "false"}
}

// CompileError rejects a statement as uncompilable.
func CompileError(match string) Fault {
	return Fault{Match: match, Message: "Compile error"}
}

// Robot fakes the three controller ports around shared state.
type Robot struct {
	Interpreter *Server
	Secondary   *Server
	Dashboard   *Server

	mu             sync.Mutex
	safety         string
	mode           string
	running        string
	statements     int
	faults         []Fault
	unlockRefusals int
}

// NewRobot starts a powered, normal, idle robot.
func NewRobot(t testing.TB) *Robot {
	r := &Robot{
		safety:  "NORMAL",
		mode:    "RUNNING",
		running: "false",
	}
	r.Interpreter = NewServer(t, "", r.interpret)
	r.Secondary = NewServer(t, "", nil)
	r.Dashboard = NewServer(t, DashboardBanner, r.dashboard)
	return r
}

// Inject queues faults, consumed in order.
func (r *Robot) Inject(faults ...Fault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, faults...)
}

// RefuseUnlocks makes the next n unlock requests fail.
func (r *Robot) RefuseUnlocks(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlockRefusals = n
}

// SetState overrides the reported dashboard state. Empty values are kept.
func (r *Robot) SetState(safety, mode, running string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if safety != "" {
		r.safety = safety
	}
	if mode != "" {
		r.mode = mode
	}
	if running != "" {
		r.running = running
	}
}

// Safety returns the current safety status.
func (r *Robot) Safety() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.safety
}

func (r *Robot) interpret(line string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statements++
	for i, f := range r.faults {
		if !strings.Contains(line, f.Match) {
			continue
		}
		r.faults = append(r.faults[:i], r.faults[i+1:]...)
		if f.Safety != "" {
			r.safety = f.Safety
		}
		if f.Running != "" {
			r.running = f.Running
		}
		return fmt.Sprintf("discard: %s: %s", f.Message, line), true
	}
	return fmt.Sprintf("ack: %d: %s", r.statements, line), true
}

func (r *Robot) dashboard(line string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case line == "safetystatus":
		return "Safetystatus: " + r.safety, true
	case line == "robotmode":
		return "Robotmode: " + r.mode, true
	case line == "running":
		return "Program running: " + r.running, true
	case line == "programState":
		return "STOPPED", true
	case line == "unlock protective stop":
		if r.unlockRefusals > 0 || r.safety != "PROTECTIVE_STOP" {
			if r.unlockRefusals > 0 {
				r.unlockRefusals--
			}
			return "Cannot unlock protective stop until 5s after occurrence. Always inspect cause of protective stop before unlocking", true
		}
		r.safety = "NORMAL"
		return "Protective stop releasing", true
	case line == "power on":
		r.mode = "IDLE"
		return "Powering on", true
	case line == "power off":
		r.mode = "POWER_OFF"
		return "Powering off", true
	case line == "brake release":
		r.mode = "RUNNING"
		return "Brake releasing", true
	case line == "restart safety":
		r.safety = "NORMAL"
		return "Restarting safety", true
	case line == "play":
		return "Starting program", true
	case line == "stop":
		return "Stopped", true
	case line == "close popup":
		return "closing popup", true
	case line == "close safety popup":
		return "closing safety popup", true
	case strings.HasPrefix(line, "popup "):
		return "showing popup", true
	case strings.HasPrefix(line, "load "):
		return "Loading program: " + strings.TrimPrefix(line, "load "), true
	}
	return fmt.Sprintf("could not understand: '%s'", line), true
}
