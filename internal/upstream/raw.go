package upstream

import (
	"io"
	"log/slog"
	"net"
	"sync"

	"relay-proxy-go/internal/relay"
)

// rawConn is the tunnel-backed Upstream variant: bytes are relayed
// verbatim with no response framing. Read availability is gated by
// write success: a queued write surfaces as egress-paused and its
// completion as egress-resumed, so the coordinator suppresses client
// reads while a write is outstanding. Read EOF surfaces as upstream
// end-of-message; the coordinator tracks read/write shutdown itself.
type rawConn struct {
	conn   net.Conn
	ev     relay.UpstreamEvents
	logger *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	outq          [][]byte
	writeBusy     bool
	eomQueued     bool
	ingressPaused bool
	closed        bool

	// Pause/resume decisions are made under mu together with the queue
	// state they reflect, then emitted in decision order by a serial
	// drain with mu released. Emitting under mu would deadlock: a
	// resume can reenter SendBody or SendAbort through the event sink.
	sigQueue    []bool // true = paused, false = resumed
	sigDraining bool

	errOnce sync.Once
}

func newRawConn(conn net.Conn, ev relay.UpstreamEvents, logger *slog.Logger) *rawConn {
	r := &rawConn{
		conn:   conn,
		ev:     ev,
		logger: logger.With("component", "upstream_raw"),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// SendHeaders forwards the serialized client request and starts the
// read and write pumps.
func (r *rawConn) SendHeaders(meta relay.RequestMeta) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := writeRequestHeaders(r.conn, meta, false); err != nil {
		r.fail(err)
		return
	}

	go r.writeLoop()
	go r.readLoop()
}

// SendBody queues a chunk for writing. Ownership of b moves to the
// adapter. A pending write is reported as egress-paused until the
// writer drains the queue.
func (r *rawConn) SendBody(b []byte) {
	r.mu.Lock()
	if r.closed || r.eomQueued {
		r.mu.Unlock()
		return
	}
	r.outq = append(r.outq, b)
	if !r.writeBusy {
		r.writeBusy = true
		r.sigQueue = append(r.sigQueue, true)
	}
	r.cond.Broadcast()
	r.drainSignalsLocked()
}

// SendEOM half-closes the write side once the queue drains.
func (r *rawConn) SendEOM() {
	r.mu.Lock()
	r.eomQueued = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// SendAbort closes the connection. No further events are delivered.
func (r *rawConn) SendAbort() {
	r.mu.Lock()
	already := r.closed
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()

	if !already {
		_ = r.conn.Close()
	}
}

// PauseIngress stops delivery of read events until resumed.
func (r *rawConn) PauseIngress() {
	r.mu.Lock()
	r.ingressPaused = true
	r.mu.Unlock()
}

// ResumeIngress resumes delivery of read events.
func (r *rawConn) ResumeIngress() {
	r.mu.Lock()
	r.ingressPaused = false
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *rawConn) writeLoop() {
	for {
		r.mu.Lock()
		for len(r.outq) == 0 && !r.eomQueued && !r.closed {
			r.cond.Wait()
		}
		if r.closed {
			r.mu.Unlock()
			return
		}
		if len(r.outq) == 0 && r.eomQueued {
			r.mu.Unlock()
			// Half-close so the remote sees our EOF but can keep sending.
			if cw, ok := r.conn.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
			return
		}
		b := r.outq[0]
		r.outq = r.outq[1:]
		r.mu.Unlock()

		if _, err := r.conn.Write(b); err != nil {
			r.fail(err)
			return
		}

		r.mu.Lock()
		if len(r.outq) == 0 && r.writeBusy {
			r.writeBusy = false
			r.sigQueue = append(r.sigQueue, false)
		}
		r.drainSignalsLocked()
	}
}

// drainSignalsLocked emits queued pause/resume events in decision
// order. Called with mu held; returns with mu released. If another
// goroutine is already draining, new entries are left for it.
func (r *rawConn) drainSignalsLocked() {
	if r.sigDraining {
		r.mu.Unlock()
		return
	}
	r.sigDraining = true
	for len(r.sigQueue) > 0 {
		paused := r.sigQueue[0]
		r.sigQueue = r.sigQueue[1:]
		r.mu.Unlock()
		if paused {
			r.ev.OnUpstreamEgressPaused()
		} else {
			r.ev.OnUpstreamEgressResumed()
		}
		r.mu.Lock()
	}
	r.sigDraining = false
	r.mu.Unlock()
}

func (r *rawConn) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		r.mu.Lock()
		for r.ingressPaused && !r.closed {
			r.cond.Wait()
		}
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}

		n, err := r.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.ev.OnUpstreamBody(chunk)
		}
		if err == io.EOF {
			// Only the read side is done; the writer may still be
			// draining toward a half-open remote.
			r.ev.OnUpstreamEOM()
			return
		}
		if err != nil {
			r.fail(err)
			return
		}
	}
}

// fail reports a connection error once and closes the socket. A failure
// after an abort is not reported.
func (r *rawConn) fail(err error) {
	r.mu.Lock()
	already := r.closed
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()

	if already {
		return
	}
	_ = r.conn.Close()

	r.errOnce.Do(func() {
		r.logger.Error("upstream connection error", "err", err)
		r.ev.OnUpstreamError(err)
	})
}
