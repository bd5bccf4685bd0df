package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// DefaultBackoff is the fixed wait between connection attempts.
const DefaultBackoff = time.Second

// Dialer opens TCP connections to the controller and keeps retrying with a
// fixed backoff until one succeeds or the context ends.
type Dialer struct {
	Backoff     time.Duration
	DialTimeout time.Duration
	Logger      *slog.Logger

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer creates a dialer with the given backoff.
func NewDialer(backoff time.Duration, logger *slog.Logger) *Dialer {
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dialer{
		Backoff:     backoff,
		DialTimeout: 5 * time.Second,
		Logger:      logger,
	}
}

// Dial connects to addr. Refused or unreachable endpoints are retried
// indefinitely; only context cancellation ends the loop.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dial := d.dial
	if dial == nil {
		nd := &net.Dialer{Timeout: d.DialTimeout}
		dial = nd.DialContext
	}

	for attempt := 1; ; attempt++ {
		conn, err := dial(ctx, "tcp", addr)
		if err == nil {
			if attempt > 1 {
				d.Logger.Info("controller connection established", "addr", addr, "attempts", attempt)
			}
			return conn, nil
		}

		d.Logger.Warn("controller connection failed, retrying", "addr", addr, "attempt", attempt, "backoff", d.Backoff, "error", err)

		timer := time.NewTimer(d.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &RobotError{Kind: ErrConnection, Detail: fmt.Sprintf("dial %s", addr), Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
