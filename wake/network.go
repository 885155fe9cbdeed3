package wake

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// DefaultProbeInterval is how often Network checks connectivity.
const DefaultProbeInterval = 30 * time.Second

// Probe reports whether the network is usable. A nil error means online.
type Probe func(ctx context.Context) error

// DialProbe returns a Probe that opens and closes a TCP connection to addr,
// typically the SMTP relay or the mail API host.
func DialProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) error {
		d := &net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Network wakes the scheduler when connectivity comes back, so jobs that
// fell due while offline are dispatched at once instead of at the next
// timer or poll wake. Backoff is never shortened: only jobs whose
// NextAttemptAt has passed are picked up.
type Network struct {
	probe Probe
	opts  options
}

var _ Source = (*Network)(nil)

// NewNetwork returns a Source that polls probe.
func NewNetwork(probe Probe, opts ...Option) *Network {
	o := newOptions(opts)
	if o.interval <= 0 {
		o.interval = DefaultProbeInterval
	}
	return &Network{probe: probe, opts: o}
}

// Name implements Source.
func (n *Network) Name() string { return "network" }

// Run probes on every interval and calls wake on each offline to online
// change. The first probe only establishes the initial state.
func (n *Network) Run(ctx context.Context, wake func()) error {
	online := n.check(ctx)

	ticker := time.NewTicker(n.opts.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := n.check(ctx)
			if ctx.Err() != nil {
				return nil
			}
			switch {
			case now && !online:
				n.opts.logger.Info("network connectivity restored")
				wake()
			case !now && online:
				n.opts.logger.Warn("network connectivity lost")
			}
			online = now
		}
	}
}

func (n *Network) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, n.opts.interval)
	defer cancel()
	if err := n.probe(probeCtx); err != nil {
		n.opts.logger.Debug("network probe failed", slog.String("error", err.Error()))
		return false
	}
	return true
}
