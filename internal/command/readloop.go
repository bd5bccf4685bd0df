package command

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robot-control/rbc/internal/history"
	"github.com/robot-control/rbc/internal/metrics"
	"github.com/robot-control/rbc/internal/recovery"
	"github.com/robot-control/rbc/internal/registry"
	"github.com/robot-control/rbc/internal/urscript"
)

// Sender is the part of the recovery machine the read loop uses.
type Sender interface {
	Send(ctx context.Context, req recovery.Request) (recovery.Result, error)
}

// ReadLoop periodically asks the robot to report every active code
// variable. Reports use negative ids so they never collide with client
// command or inspection ids. Pause, Resume and Paused accept a nil
// *ReadLoop.
type ReadLoop struct {
	sender   Sender
	registry *registry.Registry
	emitter  *urscript.Emitter
	period   time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	paused atomic.Bool
	nextID atomic.Int64
}

var _ history.Pauser = (*ReadLoop)(nil)

// NewReadLoop creates a read loop that ticks every period.
func NewReadLoop(sender Sender, reg *registry.Registry, emitter *urscript.Emitter, period time.Duration, logger *slog.Logger, m *metrics.Metrics) *ReadLoop {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ReadLoop{
		sender:   sender,
		registry: reg,
		emitter:  emitter,
		period:   period,
		logger:   logger.With("component", "readloop"),
		metrics:  m,
	}
}

// Run ticks until ctx is done.
func (l *ReadLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick sends one state report request unless the loop is paused or there
// is nothing to read.
func (l *ReadLoop) Tick(ctx context.Context) {
	if l.Paused() {
		l.metrics.ReadCycle("paused")
		return
	}
	probes := l.registry.ReadCommands()
	if len(probes) == 0 {
		return
	}

	id := int(l.nextID.Add(-1))
	res, err := l.sender.Send(ctx, recovery.Request{CommandID: id, Text: l.emitter.ReportState(id, probes)})
	switch {
	case err != nil:
		l.logger.Warn("Read cycle failed", "id", id, "error", err)
		l.metrics.ReadCycle("error")
	case res.Deferred:
		l.metrics.ReadCycle("deferred")
	case res.State != recovery.Acked:
		l.logger.Debug("Read cycle rejected", "id", id, "reply", res.Raw)
		l.metrics.ReadCycle("rejected")
	default:
		l.metrics.ReadCycle("sent")
	}
}

// Pause stops reads until Resume.
func (l *ReadLoop) Pause() {
	if l != nil {
		l.paused.Store(true)
	}
}

// Resume restarts reads.
func (l *ReadLoop) Resume() {
	if l != nil {
		l.paused.Store(false)
	}
}

// Paused reports whether reads are paused.
func (l *ReadLoop) Paused() bool {
	return l != nil && l.paused.Load()
}
