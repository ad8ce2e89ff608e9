package handler

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/downstream"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/relay"
)

// ProxyHandler relays client requests to upstream servers. Each request
// gets its own coordinator instance; the handler owns it and returns
// once the coordinator reports completion.
type ProxyHandler struct {
	decider   relay.Decider
	connector relay.Connector
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(d relay.Decider, c relay.Connector, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		decider:   d,
		connector: c,
		logger:    logger.With("component", "proxy_handler"),
		metrics:   m,
	}
}

// Handle runs one relay exchange. The downstream adapter blocks until
// the coordinator's completion predicate holds, so by the time this
// returns no upstream connection or transaction remains attached.
func (h *ProxyHandler) Handle(c echo.Context) error {
	ad := downstream.New(c.Response(), c.Request(), h.logger)
	coord := relay.NewCoordinator(ad, h.decider, h.connector, h.logger, h.metrics)
	ad.Run(coord, coord.Done())
	return nil
}
