// Package downstream bridges one net/http exchange to the relay
// interfaces: the request side is pumped into DownstreamEvents and the
// response side is written through the Downstream send operations.
package downstream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"relay-proxy-go/internal/relay"
)

// Adapter implements relay.Downstream on top of an http.ResponseWriter
// and feeds client events from an *http.Request. One Adapter serves
// exactly one exchange.
//
// Send operations are invoked only from the coordinator's serial
// executor, so response writes never race. The body pump runs on the
// goroutine that calls Run.
type Adapter struct {
	w      http.ResponseWriter
	r      *http.Request
	logger *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	ev            relay.DownstreamEvents
	ingressPaused bool
	headersSent   bool
	eomSent       bool
	aborted       bool
	writeFailed   bool
}

// New creates an Adapter for one exchange.
func New(w http.ResponseWriter, r *http.Request, logger *slog.Logger) *Adapter {
	a := &Adapter{
		w:      w,
		r:      r,
		logger: logger.With("component", "downstream"),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Run delivers the request to ev, pumps the body, and blocks until the
// relay signals completion on done or the client disconnects. It
// panics with http.ErrAbortHandler when the relay aborted the exchange,
// which makes net/http drop the connection without a (further)
// response.
func (a *Adapter) Run(ev relay.DownstreamEvents, done <-chan struct{}) {
	a.mu.Lock()
	a.ev = ev
	a.mu.Unlock()

	ev.OnRequest(relay.RequestMeta{
		Method: a.r.Method,
		Path:   a.r.URL.RequestURI(),
		Host:   a.r.Host,
		Header: a.r.Header,
	})

	a.pumpBody(ev)

	ctx := a.r.Context()
	select {
	case <-done:
	case <-ctx.Done():
		ev.OnError(context.Cause(ctx))
		<-done
	}

	a.mu.Lock()
	aborted := a.aborted
	a.mu.Unlock()
	if aborted {
		panic(http.ErrAbortHandler)
	}
}

// pumpBody reads the request body and delivers chunks, gated by the
// ingress pause flag. Delivery of a read chunk waits for a resume; the
// underlying read itself cannot be interrupted once issued.
func (a *Adapter) pumpBody(ev relay.DownstreamEvents) {
	buf := make([]byte, 32*1024)
	for {
		n, err := a.r.Body.Read(buf)
		if n > 0 {
			a.waitResumed()
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ev.OnBody(chunk)
		}
		if err == io.EOF {
			ev.OnEOM()
			return
		}
		if err != nil {
			ev.OnError(err)
			return
		}
	}
}

func (a *Adapter) waitResumed() {
	a.mu.Lock()
	for a.ingressPaused && !a.aborted {
		a.cond.Wait()
	}
	a.mu.Unlock()
}

// SendHeaders writes the response status and headers.
func (a *Adapter) SendHeaders(meta relay.ResponseMeta) {
	a.mu.Lock()
	if a.headersSent || a.aborted {
		a.mu.Unlock()
		return
	}
	a.headersSent = true
	a.mu.Unlock()

	h := a.w.Header()
	for key, vals := range meta.Header {
		h[key] = vals
	}
	a.w.WriteHeader(meta.Status)
}

// SendBody writes a response body chunk and flushes it to the client.
// A write failure is reported as a client error.
func (a *Adapter) SendBody(b []byte) {
	a.mu.Lock()
	if a.eomSent || a.aborted || a.writeFailed {
		a.mu.Unlock()
		return
	}
	ev := a.ev
	a.mu.Unlock()

	if _, err := a.w.Write(b); err != nil {
		a.mu.Lock()
		a.writeFailed = true
		a.mu.Unlock()
		ev.OnError(err)
		return
	}
	if f, ok := a.w.(http.Flusher); ok {
		f.Flush()
	}
}

// SendEOM completes the response and reports the exchange as finished.
func (a *Adapter) SendEOM() {
	a.mu.Lock()
	if a.eomSent || a.aborted {
		a.mu.Unlock()
		return
	}
	a.eomSent = true
	ev := a.ev
	a.mu.Unlock()

	if f, ok := a.w.(http.Flusher); ok {
		f.Flush()
	}
	ev.RequestComplete()
}

// SendAbort drops the exchange. The connection is torn down when Run
// observes the flag; the exchange is reported complete so the relay can
// quiesce.
func (a *Adapter) SendAbort() {
	a.mu.Lock()
	if a.aborted || a.eomSent {
		a.mu.Unlock()
		return
	}
	a.aborted = true
	ev := a.ev
	a.cond.Broadcast()
	a.mu.Unlock()

	ev.RequestComplete()
}

// PauseIngress stops delivery of request body chunks until resumed.
func (a *Adapter) PauseIngress() {
	a.mu.Lock()
	a.ingressPaused = true
	a.mu.Unlock()
}

// ResumeIngress resumes delivery of request body chunks.
func (a *Adapter) ResumeIngress() {
	a.mu.Lock()
	a.ingressPaused = false
	a.cond.Broadcast()
	a.mu.Unlock()
}
