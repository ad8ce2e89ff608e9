// Package upstream implements the outbound half of the proxy: a
// single-attempt connector and the two Upstream adapter variants, an
// HTTP/1.1 transaction and a raw byte tunnel.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/relay"
)

// Dialer is a relay.Connector that establishes TCP connections with a
// configured timeout. One attempt per call, no retries; a timeout is
// reported the same way as a refused connection.
type Dialer struct {
	dialer    net.Dialer
	highWater int
	lowWater  int
	logger    *slog.Logger
	metrics   *metrics.Metrics // optional; nil disables recording
}

// NewDialer creates a Dialer from the upstream configuration. The
// metrics parameter is optional; pass nil to disable connect metrics.
func NewDialer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Dialer {
	return &Dialer{
		dialer:    net.Dialer{Timeout: cfg.Upstream.ConnectTimeout()},
		highWater: cfg.Upstream.BufferHighWatermark,
		lowWater:  cfg.Upstream.BufferLowWatermark,
		logger:    logger.With("component", "connector"),
		metrics:   m,
	}
}

// Connect dials target and returns the Upstream variant selected by
// tunnel, wired to deliver events to ev. Event pumps start on the first
// SendHeaders call, so no event is delivered before the caller has
// attached the returned Upstream.
func (d *Dialer) Connect(ctx context.Context, target string, tunnel bool, ev relay.UpstreamEvents) (relay.Upstream, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		if d.metrics != nil {
			d.metrics.UpstreamConnects.WithLabelValues("failure").Inc()
		}
		return nil, fmt.Errorf("connect %s: %w", target, err)
	}

	if d.metrics != nil {
		d.metrics.UpstreamConnects.WithLabelValues("success").Inc()
	}
	d.logger.Debug("connected to upstream", "target", target, "tunnel", tunnel)

	if tunnel {
		return newRawConn(conn, ev, d.logger), nil
	}
	return newTransaction(conn, ev, d.highWater, d.lowWater, d.logger), nil
}
