package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/robot-control/rbc/internal/notify"
	"github.com/robot-control/rbc/internal/recovery"
	"github.com/robot-control/rbc/internal/registry"
	"github.com/robot-control/rbc/internal/urscript"
)

// InspectionPoint asks for the variable values just before a script line.
type InspectionPoint struct {
	ID int `json:"id"`
	// LineNumber is 1-based.
	LineNumber int    `json:"lineNumber"`
	Command    string `json:"command"`
}

// Inspect runs a multi-line script with a state report inserted before
// each inspection point. The reports reach clients only; the script does
// not enter the history and its declarations are not registered.
func (o *Orchestrator) Inspect(ctx context.Context, id int, script []string, points []InspectionPoint) (notify.AckResponse, error) {
	if len(script) == 0 {
		return notify.AckResponse{}, fmt.Errorf("%w: empty script", ErrInvalidParameter)
	}
	text, err := o.instrument(script, points)
	if err != nil {
		return notify.AckResponse{}, err
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	for _, p := range points {
		o.inspections[p.ID] = struct{}{}
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.config.CommandTimeout)
	defer cancel()

	res, err := o.machine.Send(ctx, recovery.Request{CommandID: id, Text: text})
	if err != nil || res.State != recovery.Acked {
		o.dropInspections(points)
	}
	if err != nil {
		ack := notify.AckResponse{ID: id, Status: notify.StatusError, Command: strings.Join(script, "\n"), Message: errorMessage(err)}
		o.publish(notify.TypeAckResponse, ack)
		return ack, err
	}

	ack := notify.NewAckResponse(id, strings.Join(script, "\n"), res.Raw)
	if !res.Deferred {
		o.publish(notify.TypeAckResponse, ack)
	}
	return ack, nil
}

// instrument checks the points against the script and inserts the probes.
func (o *Orchestrator) instrument(script []string, points []InspectionPoint) (string, error) {
	byLine := make(map[int][]InspectionPoint, len(points))
	for _, p := range points {
		if p.LineNumber < 1 || p.LineNumber > len(script) {
			return "", fmt.Errorf("%w: inspection point %d is outside the script", ErrInvalidParameter, p.ID)
		}
		if strings.TrimSpace(script[p.LineNumber-1]) != strings.TrimSpace(p.Command) {
			return "", fmt.Errorf("%w: inspection point %d does not match line %d", ErrInvalidParameter, p.ID, p.LineNumber)
		}
		byLine[p.LineNumber] = append(byLine[p.LineNumber], p)
	}

	var b strings.Builder
	for i, line := range script {
		for _, p := range byLine[i+1] {
			b.WriteString(o.emitter.ReportState(p.ID, o.inspectionProbes(script[:i])))
			b.WriteString("\n")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// inspectionProbes reads the registered code variables plus the names
// declared by the lines before the inspection point.
func (o *Orchestrator) inspectionProbes(preceding []string) []urscript.Probe {
	probes := o.registry.ReadCommands()
	seen := make(map[string]bool, len(probes))
	for _, p := range probes {
		seen[p.Name] = true
	}
	for _, name := range registry.ExtractDeclarations(strings.Join(preceding, "\n")) {
		if seen[name] {
			continue
		}
		seen[name] = true
		probes = append(probes, registry.NewCodeDefinition(name).Probe())
	}
	return probes
}

// takeInspection reports whether id belongs to a pending inspection point
// and forgets it.
func (o *Orchestrator) takeInspection(id int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inspections[id]; !ok {
		return false
	}
	delete(o.inspections, id)
	return true
}

func (o *Orchestrator) dropInspections(points []InspectionPoint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range points {
		delete(o.inspections, p.ID)
	}
}
