package upstream

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"

	"relay-proxy-go/internal/relay"
)

// transaction is the HTTP-backed Upstream variant: it writes one
// request to the connection and parses one response off it, delivering
// response events to the coordinator.
//
// Outbound body chunks are queued and written by a dedicated writer
// goroutine. When the queued byte count crosses the high watermark the
// adapter reports egress-paused; once the writer drains it below the
// low watermark it reports egress-resumed.
type transaction struct {
	conn   net.Conn
	ev     relay.UpstreamEvents
	logger *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	outq          [][]byte
	pending       int // queued outbound body bytes
	egressPaused  bool
	eomQueued     bool
	ingressPaused bool
	closed        bool

	method    string
	chunked   bool
	highWater int
	lowWater  int

	errOnce    sync.Once
	detachOnce sync.Once
}

func newTransaction(conn net.Conn, ev relay.UpstreamEvents, highWater, lowWater int, logger *slog.Logger) *transaction {
	t := &transaction{
		conn:      conn,
		ev:        ev,
		logger:    logger.With("component", "upstream_txn"),
		highWater: highWater,
		lowWater:  lowWater,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// SendHeaders writes the request line and headers and starts the write
// and read pumps. It must be called before any SendBody or SendEOM.
func (t *transaction) SendHeaders(meta relay.RequestMeta) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.method = meta.Method
	// Without a known length the body has to be chunk-encoded.
	t.chunked = meta.Header.Get("Content-Length") == "" &&
		meta.Header.Get("Transfer-Encoding") == ""
	t.mu.Unlock()

	go t.writeLoop(meta)
	go t.readLoop()
}

// SendBody queues a body chunk for the writer. Ownership of b moves to
// the adapter; the caller must not reuse it.
func (t *transaction) SendBody(b []byte) {
	t.mu.Lock()
	if t.closed || t.eomQueued {
		t.mu.Unlock()
		return
	}
	t.outq = append(t.outq, b)
	t.pending += len(b)
	pause := t.pending > t.highWater && !t.egressPaused
	if pause {
		t.egressPaused = true
	}
	t.cond.Broadcast()
	t.mu.Unlock()

	if pause {
		t.ev.OnUpstreamEgressPaused()
	}
}

// SendEOM marks the request body as complete.
func (t *transaction) SendEOM() {
	t.mu.Lock()
	t.eomQueued = true
	t.cond.Broadcast()
	t.mu.Unlock()
}

// SendAbort tears the transaction down. No further events are delivered
// except a final detach.
func (t *transaction) SendAbort() {
	t.mu.Lock()
	already := t.closed
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()

	if !already {
		_ = t.conn.Close()
	}
	t.detach()
}

// PauseIngress stops delivery of response body events until resumed.
func (t *transaction) PauseIngress() {
	t.mu.Lock()
	t.ingressPaused = true
	t.mu.Unlock()
}

// ResumeIngress resumes delivery of response body events.
func (t *transaction) ResumeIngress() {
	t.mu.Lock()
	t.ingressPaused = false
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *transaction) writeLoop(meta relay.RequestMeta) {
	if err := writeRequestHeaders(t.conn, meta, t.chunked); err != nil {
		t.fail(err)
		return
	}

	var bodyWriter io.Writer = t.conn
	var chunkCloser io.Closer
	if t.chunked {
		cw := httputil.NewChunkedWriter(t.conn)
		bodyWriter = cw
		chunkCloser = cw
	}

	for {
		t.mu.Lock()
		for len(t.outq) == 0 && !t.eomQueued && !t.closed {
			t.cond.Wait()
		}
		if t.closed {
			t.mu.Unlock()
			return
		}
		if len(t.outq) == 0 && t.eomQueued {
			t.mu.Unlock()
			if chunkCloser != nil {
				// Close writes the zero-length chunk but not the CRLF
				// that terminates the (empty) trailer section.
				if err := chunkCloser.Close(); err != nil {
					t.fail(err)
					return
				}
				if _, err := io.WriteString(t.conn, "\r\n"); err != nil {
					t.fail(err)
				}
			}
			return
		}
		b := t.outq[0]
		t.outq = t.outq[1:]
		t.mu.Unlock()

		if _, err := bodyWriter.Write(b); err != nil {
			t.fail(err)
			return
		}

		t.mu.Lock()
		t.pending -= len(b)
		resume := t.egressPaused && t.pending <= t.lowWater
		if resume {
			t.egressPaused = false
		}
		t.mu.Unlock()

		if resume {
			t.ev.OnUpstreamEgressResumed()
		}
	}
}

func (t *transaction) readLoop() {
	br := bufio.NewReader(t.conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: t.method})
	if err != nil {
		t.fail(err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	t.ev.OnUpstreamHeaders(relay.ResponseMeta{
		Status: resp.StatusCode,
		Header: resp.Header,
	})

	buf := make([]byte, 32*1024)
	for {
		t.mu.Lock()
		for t.ingressPaused && !t.closed {
			t.cond.Wait()
		}
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.ev.OnUpstreamBody(chunk)
		}
		if err == io.EOF {
			t.ev.OnUpstreamEOM()
			t.shutdown()
			return
		}
		if err != nil {
			t.fail(err)
			return
		}
	}
}

// fail reports a transport error once, closes the connection, and
// detaches. A failure after an abort is not reported.
func (t *transaction) fail(err error) {
	t.mu.Lock()
	already := t.closed
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()

	if already {
		return
	}
	_ = t.conn.Close()

	t.errOnce.Do(func() {
		t.logger.Error("upstream transaction error", "err", err)
		t.ev.OnUpstreamError(err)
	})
	t.detach()
}

// shutdown ends the transaction after a complete response.
func (t *transaction) shutdown() {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()

	_ = t.conn.Close()
	t.detach()
}

func (t *transaction) detach() {
	t.detachOnce.Do(func() { t.ev.OnUpstreamDetach() })
}
