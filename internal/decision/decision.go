// Package decision implements the forward-decision layer: given a
// buffered client request, it decides whether to forward, to which
// target, and with which outbound headers.
package decision

import (
	"log/slog"
	"net/http"
	"strings"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/relay"
)

// Table is a relay.Decider backed by an ordered list of forwarding
// rules. The first rule whose host and path prefix both match wins;
// a request matching no rule is declined with a 502.
type Table struct {
	rules  []config.RouteConfig
	logger *slog.Logger
}

// NewTable creates a Table from the configured routes.
func NewTable(cfg *config.Config, logger *slog.Logger) *Table {
	return &Table{
		rules:  cfg.Routes,
		logger: logger.With("component", "decision"),
	}
}

// Decide classifies the request against the route table. It is
// deterministic per input and never blocks.
func (t *Table) Decide(meta relay.RequestMeta, body []byte) relay.Decision {
	for _, r := range t.rules {
		if !matches(r, meta) {
			continue
		}

		var header http.Header
		if len(r.SetHeaders) > 0 {
			header = make(http.Header, len(r.SetHeaders))
			for k, v := range r.SetHeaders {
				header.Set(k, v)
			}
		}

		return relay.Decision{
			Forward: true,
			Target:  r.Target,
			Header:  header,
			Tunnel:  r.Mode == "tunnel",
		}
	}

	t.logger.Warn("no route for request",
		"method", meta.Method,
		"host", meta.Host,
		"path", meta.Path,
	)
	return relay.Decision{
		Response: &relay.ImmediateResponse{
			Status: http.StatusBadGateway,
			Body:   []byte("no route\n"),
		},
	}
}

func matches(r config.RouteConfig, meta relay.RequestMeta) bool {
	if r.Host != "" && !strings.EqualFold(r.Host, hostOnly(meta.Host)) {
		return false
	}
	if r.PathPrefix != "" && !strings.HasPrefix(meta.Path, r.PathPrefix) {
		return false
	}
	return true
}

// hostOnly strips an optional :port from a Host header value.
func hostOnly(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
