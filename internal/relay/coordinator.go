package relay

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"

	"relay-proxy-go/internal/metrics"
)

// Coordinator owns the lifecycle of one client request. It mediates
// between the downstream stream and the upstream connection, applies
// backpressure in both directions, and decides when teardown is safe.
//
// All event handlers run on an internal serial executor: adapters may
// deliver events from any goroutine, reentrantly from within a send
// call, and they are queued and processed one at a time in arrival
// order. State fields are touched only from inside that executor.
//
// The Coordinator never destroys itself. When the completion predicate
// holds it closes Done() exactly once; the owner then releases the
// request's resources.
type Coordinator struct {
	logger    *slog.Logger
	decider   Decider
	connector Connector
	down      Downstream
	metrics   *metrics.Metrics // optional; nil disables recording

	mu       sync.Mutex
	queue    []func()
	draining bool

	state State
	meta  RequestMeta
	body  bytes.Buffer // client body buffered before the decision
	dec   Decision

	up        Upstream
	tunnel    bool
	rawStatus ConnStatus

	clientTerminated        bool
	clientEOM               bool
	upstreamEgressPaused    bool
	downstreamIngressPaused bool
	serverEOMSeen           bool
	responseStarted         bool

	connectCancel context.CancelFunc
	completed     bool
	done          chan struct{}
}

// NewCoordinator creates a Coordinator for a single request. The
// metrics parameter is optional; pass nil to disable relay metrics.
func NewCoordinator(down Downstream, d Decider, c Connector, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		logger:    logger.With("component", "relay"),
		decider:   d,
		connector: c,
		down:      down,
		metrics:   m,
		state:     StateAwaitingHeaders,
		done:      make(chan struct{}),
	}
}

// Done is closed exactly once, when the client side has terminated and
// no upstream transaction or live raw connection remains attached.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// State reports the current lifecycle state. Callers must not race
// with in-flight event delivery; reading after Done() is always safe.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// post enqueues fn and drains the queue unless another goroutine is
// already draining. Reentrant posts from inside a handler are appended
// and processed after the current handler returns, which is what makes
// synchronous adapter callbacks safe.
func (c *Coordinator) post(fn func()) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		next()
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

// DownstreamEvents implementation.

// OnRequest receives the client request headers.
func (c *Coordinator) OnRequest(meta RequestMeta) {
	c.post(func() {
		if c.state != StateAwaitingHeaders {
			return
		}
		c.meta = meta

		// Only GET and POST pass this proxy's policy; anything else is
		// answered locally without contacting upstream.
		if meta.Method != http.MethodGet && meta.Method != http.MethodPost {
			c.logger.Warn("rejecting request method",
				"method", meta.Method,
				"path", meta.Path,
			)
			c.sendImmediate(&ImmediateResponse{Status: http.StatusBadGateway})
			return
		}
		c.state = StateAwaitingBody
	})
}

// OnBody receives a chunk of the client request body.
func (c *Coordinator) OnBody(b []byte) {
	c.post(func() {
		switch c.state {
		case StateAwaitingBody, StateConnecting:
			// The forward target is not usable yet; buffer.
			c.body.Write(b)
		case StateRelaying:
			if c.up != nil {
				c.countBytes("upstream", len(b))
				c.up.SendBody(b)
			}
		}
	})
}

// OnEOM receives the client end-of-message.
func (c *Coordinator) OnEOM() {
	c.post(func() {
		if c.clientEOM {
			return
		}
		switch c.state {
		case StateAwaitingBody:
			c.clientEOM = true
			c.state = StateDeciding
			c.decide()
		case StateRelaying:
			c.clientEOM = true
			if c.up != nil {
				c.up.SendEOM()
				if c.tunnel {
					c.rawStatus |= WritesShutdown
				}
			}
		}
	})
}

// OnError receives a client-side error or abort.
func (c *Coordinator) OnError(err error) {
	c.post(func() {
		c.logger.Error("client error",
			"err", err,
			"path", c.meta.Path,
		)
		c.clientTerminated = true
		if c.up != nil {
			c.up.SendAbort()
			if c.tunnel {
				c.up = nil
			}
		}
		c.checkForShutdown()
	})
}

// OnEgressPaused signals that the client cannot accept more response
// bytes; upstream ingress is paused until OnEgressResumed.
func (c *Coordinator) OnEgressPaused() {
	c.post(func() {
		if c.up != nil {
			c.up.PauseIngress()
		}
	})
}

// OnEgressResumed signals that the client can accept response bytes again.
func (c *Coordinator) OnEgressResumed() {
	c.post(func() {
		if c.up != nil {
			c.up.ResumeIngress()
		}
	})
}

// RequestComplete signals that the client exchange finished normally.
func (c *Coordinator) RequestComplete() {
	c.post(func() {
		c.clientTerminated = true
		c.checkForShutdown()
	})
}

// decide invokes the decision layer with the buffered request and either
// answers locally or starts the upstream connect.
func (c *Coordinator) decide() {
	d := c.decider.Decide(c.meta, c.body.Bytes())
	if !d.Forward {
		resp := d.Response
		if resp == nil {
			resp = &ImmediateResponse{Status: http.StatusBadGateway}
		}
		c.sendImmediate(resp)
		return
	}
	c.dec = d

	c.logger.Debug("forwarding request",
		"method", c.meta.Method,
		"path", c.meta.Path,
		"target", d.Target,
	)

	// No more client reads until the upstream is ready to take them.
	c.down.PauseIngress()
	c.state = StateConnecting

	ctx, cancel := context.WithCancel(context.Background())
	c.connectCancel = cancel
	go func() {
		up, err := c.connector.Connect(ctx, d.Target, d.Tunnel, c)
		if err != nil {
			c.post(func() { c.connectError(err) })
			return
		}
		c.post(func() { c.connectSuccess(up) })
	}()
}

func (c *Coordinator) connectSuccess(up Upstream) {
	if c.clientTerminated || c.completed {
		// Client went away while we were connecting; drop the fresh
		// connection instead of attaching it.
		up.SendAbort()
		c.checkForShutdown()
		return
	}

	c.up = up
	c.tunnel = c.dec.Tunnel
	c.state = StateRelaying

	outMeta := c.meta
	if len(c.dec.Header) > 0 {
		outMeta.Header = c.meta.Header.Clone()
		for key, vals := range c.dec.Header {
			outMeta.Header[http.CanonicalHeaderKey(key)] = vals
		}
	}

	// Headers, then the buffered body, then EOM, in one shot. The
	// buffer is handed over, not copied.
	c.up.SendHeaders(outMeta)
	if c.body.Len() > 0 {
		b := c.body.Bytes()
		c.body = bytes.Buffer{}
		c.countBytes("upstream", len(b))
		c.up.SendBody(b)
	}
	if c.clientEOM {
		c.up.SendEOM()
		if c.tunnel {
			c.rawStatus |= WritesShutdown
		}
	}

	if c.tunnel {
		// Raw bytes carry no response framing; the client gets its
		// status line now and the relayed bytes as the body.
		c.down.SendHeaders(ResponseMeta{Status: http.StatusOK})
		c.responseStarted = true
	}

	c.down.ResumeIngress()
}

func (c *Coordinator) connectError(err error) {
	c.logger.Error("upstream connect failed",
		"err", err,
		"target", c.dec.Target,
	)
	if c.completed {
		return
	}
	if !c.clientTerminated {
		c.sendImmediate(&ImmediateResponse{Status: http.StatusServiceUnavailable})
	} else {
		c.abortDownstream()
	}
	c.checkForShutdown()
}

// UpstreamEvents implementation.

// OnUpstreamHeaders receives the response headers from upstream.
func (c *Coordinator) OnUpstreamHeaders(meta ResponseMeta) {
	c.post(func() {
		if c.clientTerminated || c.serverEOMSeen {
			return
		}
		c.logger.Debug("forwarding response to client", "status", meta.Status)
		c.responseStarted = true
		c.down.SendHeaders(meta)
	})
}

// OnUpstreamBody receives a chunk of the response body from upstream.
func (c *Coordinator) OnUpstreamBody(b []byte) {
	c.post(func() {
		if c.clientTerminated || c.serverEOMSeen {
			return
		}
		c.countBytes("downstream", len(b))
		c.down.SendBody(b)
	})
}

// OnUpstreamEOM receives the upstream end-of-message. Delivery is
// idempotent: a raw read EOF and a normal completion may both arrive.
func (c *Coordinator) OnUpstreamEOM() {
	c.post(func() {
		if c.serverEOMSeen {
			return
		}
		c.serverEOMSeen = true
		if c.tunnel {
			c.rawStatus |= ReadsShutdown
		}
		if !c.clientTerminated {
			c.down.SendEOM()
		}
		if c.clientEOM {
			c.state = StateDraining
		}
		c.checkForShutdown()
	})
}

// OnUpstreamError receives an upstream failure after connect. Before
// any response headers are in flight the client gets a synthesized 502;
// afterwards it is aborted, since sent headers cannot be retracted.
func (c *Coordinator) OnUpstreamError(err error) {
	c.post(func() {
		c.logger.Error("upstream error",
			"err", err,
			"target", c.dec.Target,
		)
		if !c.clientTerminated && !c.responseStarted {
			c.sendImmediate(&ImmediateResponse{Status: http.StatusBadGateway})
		} else {
			c.abortDownstream()
		}
		if c.tunnel {
			c.upstreamEgressPaused = false
			c.rawStatus = ConnClosed
			c.up = nil
		}
		c.checkForShutdown()
	})
}

// OnUpstreamEgressPaused signals that upstream cannot accept more
// outbound bytes; client ingress is paused so it cannot outrun upstream.
func (c *Coordinator) OnUpstreamEgressPaused() {
	c.post(func() {
		if c.tunnel {
			c.upstreamEgressPaused = true
		}
		if !c.clientTerminated && !c.downstreamIngressPaused {
			c.downstreamIngressPaused = true
			c.down.PauseIngress()
		}
	})
}

// OnUpstreamEgressResumed signals that upstream drained its outbound
// backlog (for the tunnel variant, that a pending write succeeded).
func (c *Coordinator) OnUpstreamEgressResumed() {
	c.post(func() {
		c.upstreamEgressPaused = false
		if c.downstreamIngressPaused {
			c.downstreamIngressPaused = false
			if !c.clientTerminated {
				c.down.ResumeIngress()
			}
		}
		c.checkForShutdown()
	})
}

// OnUpstreamDetach signals that the upstream transaction released its
// handle; after this no further upstream events arrive.
func (c *Coordinator) OnUpstreamDetach() {
	c.post(func() {
		c.up = nil
		c.checkForShutdown()
	})
}

// sendImmediate answers the client locally and moves to draining; the
// adapter reports RequestComplete once the response is fully written.
func (c *Coordinator) sendImmediate(resp *ImmediateResponse) {
	c.responseStarted = true
	c.state = StateDraining
	c.down.SendHeaders(ResponseMeta{Status: resp.Status})
	if len(resp.Body) > 0 {
		c.down.SendBody(resp.Body)
	}
	c.down.SendEOM()
}

func (c *Coordinator) abortDownstream() {
	if !c.clientTerminated {
		c.down.SendAbort()
	}
}

// checkForShutdown is the single idempotent completion predicate. It is
// run after every state-changing event; the request completes exactly
// when the client side has terminated, no upstream transaction is
// attached, and any raw connection is fully closed and not write-paused.
func (c *Coordinator) checkForShutdown() {
	if c.completed || !c.clientTerminated {
		return
	}
	if c.up != nil {
		if !c.tunnel {
			return
		}
		if c.rawStatus != ConnClosed || c.upstreamEgressPaused {
			return
		}
		// Fully shut down in both directions; safe to release.
		c.up.SendAbort()
		c.up = nil
	}
	c.completed = true
	c.state = StateTerminated
	if c.connectCancel != nil {
		c.connectCancel()
	}
	close(c.done)
}

func (c *Coordinator) countBytes(direction string, n int) {
	if c.metrics != nil {
		c.metrics.RelayedBytes.WithLabelValues(direction).Add(float64(n))
	}
}
