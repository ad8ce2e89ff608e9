package decision

import (
	"io"
	"log/slog"
	"net/http"
	"testing"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tableWith(rules ...config.RouteConfig) *Table {
	return NewTable(&config.Config{Routes: rules}, testLogger())
}

func meta(method, host, path string) relay.RequestMeta {
	return relay.RequestMeta{Method: method, Host: host, Path: path, Header: http.Header{}}
}

func TestTableFirstMatchWins(t *testing.T) {
	tbl := tableWith(
		config.RouteConfig{Host: "api.internal", Target: "10.0.0.1:80", Mode: "http"},
		config.RouteConfig{PathPrefix: "/", Target: "10.0.0.2:80", Mode: "http"},
	)

	tests := []struct {
		name   string
		host   string
		path   string
		target string
	}{
		{"host match", "api.internal", "/v1/items", "10.0.0.1:80"},
		{"host match with port", "api.internal:8000", "/v1/items", "10.0.0.1:80"},
		{"host match case-insensitive", "API.Internal", "/", "10.0.0.1:80"},
		{"fallback rule", "other.host", "/anything", "10.0.0.2:80"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tbl.Decide(meta(http.MethodGet, tt.host, tt.path), nil)
			if !d.Forward {
				t.Fatalf("Forward = false, want true")
			}
			if d.Target != tt.target {
				t.Errorf("Target = %q, want %q", d.Target, tt.target)
			}
		})
	}
}

func TestTablePathPrefix(t *testing.T) {
	tbl := tableWith(
		config.RouteConfig{PathPrefix: "/legacy", Target: "10.0.0.2:9000", Mode: "tunnel"},
	)

	d := tbl.Decide(meta(http.MethodGet, "any.host", "/legacy/app"), nil)
	if !d.Forward {
		t.Fatal("Forward = false, want true")
	}
	if !d.Tunnel {
		t.Error("Tunnel = false, want true for tunnel mode")
	}

	d = tbl.Decide(meta(http.MethodGet, "any.host", "/other"), nil)
	if d.Forward {
		t.Error("Forward = true for non-matching path, want false")
	}
}

func TestTableNoMatchDeclinesWith502(t *testing.T) {
	tbl := tableWith(
		config.RouteConfig{Host: "api.internal", Target: "10.0.0.1:80"},
	)

	d := tbl.Decide(meta(http.MethodGet, "unknown.host", "/x"), nil)
	if d.Forward {
		t.Fatal("Forward = true, want false")
	}
	if d.Response == nil || d.Response.Status != http.StatusBadGateway {
		t.Errorf("Response = %+v, want status %d", d.Response, http.StatusBadGateway)
	}
}

func TestTableSetHeaders(t *testing.T) {
	tbl := tableWith(config.RouteConfig{
		Target:     "10.0.0.1:80",
		SetHeaders: map[string]string{"X-Forwarded-Proto": "http"},
	})

	d := tbl.Decide(meta(http.MethodPost, "h", "/"), []byte("body"))
	if got := d.Header.Get("X-Forwarded-Proto"); got != "http" {
		t.Errorf("X-Forwarded-Proto = %q, want %q", got, "http")
	}
}

// countingDecider counts Decide invocations.
type countingDecider struct {
	next  relay.Decider
	calls int
}

func (c *countingDecider) Decide(meta relay.RequestMeta, body []byte) relay.Decision {
	c.calls++
	return c.next.Decide(meta, body)
}

func TestCacheMemoizesBodylessRequests(t *testing.T) {
	counter := &countingDecider{next: tableWith(
		config.RouteConfig{PathPrefix: "/", Target: "10.0.0.1:80"},
	)}
	cache := &Cache{Next: counter}

	m := meta(http.MethodGet, "h", "/x")
	first := cache.Decide(m, nil)
	second := cache.Decide(m, nil)

	if counter.calls != 1 {
		t.Errorf("inner Decide calls = %d, want 1", counter.calls)
	}
	if first.Target != second.Target {
		t.Errorf("cached decision differs: %q vs %q", first.Target, second.Target)
	}

	// A different path is a different key.
	cache.Decide(meta(http.MethodGet, "h", "/y"), nil)
	if counter.calls != 2 {
		t.Errorf("inner Decide calls = %d, want 2", counter.calls)
	}
}

func TestCacheBypassedForRequestsWithBody(t *testing.T) {
	counter := &countingDecider{next: tableWith(
		config.RouteConfig{PathPrefix: "/", Target: "10.0.0.1:80"},
	)}
	cache := &Cache{Next: counter}

	m := meta(http.MethodPost, "h", "/x")
	cache.Decide(m, []byte("a"))
	cache.Decide(m, []byte("b"))

	if counter.calls != 2 {
		t.Errorf("inner Decide calls = %d, want 2 (body requests bypass cache)", counter.calls)
	}
}

func TestCacheClear(t *testing.T) {
	counter := &countingDecider{next: tableWith(
		config.RouteConfig{PathPrefix: "/", Target: "10.0.0.1:80"},
	)}
	cache := &Cache{Next: counter}

	m := meta(http.MethodGet, "h", "/x")
	cache.Decide(m, nil)
	cache.Clear()
	cache.Decide(m, nil)

	if counter.calls != 2 {
		t.Errorf("inner Decide calls = %d, want 2 after Clear", counter.calls)
	}
}
