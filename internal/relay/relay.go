// Package relay implements the per-request coordinator that ties one
// downstream (client-facing) stream to one upstream (server-facing)
// connection, propagates flow-control pauses between them, and tears
// both sides down exactly once under every ordering of client abort,
// server error, read EOF, and write failure.
package relay

import (
	"context"
	"net/http"
)

// RequestMeta carries the metadata of a client request.
type RequestMeta struct {
	Method string
	Path   string
	Host   string
	Header http.Header
}

// ResponseMeta carries the metadata of a response sent to the client.
type ResponseMeta struct {
	Status int
	Header http.Header
}

// ImmediateResponse is a response synthesized locally, without
// contacting any upstream.
type ImmediateResponse struct {
	Status int
	Body   []byte
}

// Decision is the outcome of classifying a client request. When Forward
// is false, Response is sent to the client and the request ends locally.
type Decision struct {
	Forward  bool
	Target   string      // upstream address as host:port
	Header   http.Header // headers set on the outbound request
	Tunnel   bool        // relay raw bytes instead of an HTTP exchange
	Response *ImmediateResponse
}

// Decider classifies a client request once its body has been fully
// buffered. Decide is synchronous and must be deterministic per input.
type Decider interface {
	Decide(meta RequestMeta, body []byte) Decision
}

// Downstream is the send half of the client-facing stream.
type Downstream interface {
	SendHeaders(meta ResponseMeta)
	SendBody(b []byte)
	SendEOM()
	SendAbort()
	PauseIngress()
	ResumeIngress()
}

// Upstream is the send half of the server-facing connection. Two
// implementations exist: an HTTP transaction and a raw byte tunnel with
// explicit read/write shutdown tracking. The variant is selected once
// at connect time and never switched mid-request.
type Upstream interface {
	SendHeaders(meta RequestMeta)
	SendBody(b []byte)
	SendEOM()
	SendAbort()
	PauseIngress()
	ResumeIngress()
}

// DownstreamEvents receives events from the client-facing stream. The
// Coordinator implements it. Callbacks may be invoked from any
// goroutine; delivery is serialized internally.
type DownstreamEvents interface {
	OnRequest(meta RequestMeta)
	OnBody(b []byte)
	OnEOM()
	OnError(err error)
	OnEgressPaused()
	OnEgressResumed()
	RequestComplete()
}

// UpstreamEvents receives events from the server-facing connection.
// The Coordinator implements it. For the tunnel variant, a pending
// write surfaces as OnUpstreamEgressPaused and a completed write as
// OnUpstreamEgressResumed; read EOF surfaces as OnUpstreamEOM.
type UpstreamEvents interface {
	OnUpstreamHeaders(meta ResponseMeta)
	OnUpstreamBody(b []byte)
	OnUpstreamEOM()
	OnUpstreamError(err error)
	OnUpstreamEgressPaused()
	OnUpstreamEgressResumed()
	OnUpstreamDetach()
}

// Connector establishes an outbound connection to target and returns
// the Upstream wired to deliver events to ev. A single attempt is made;
// the configured timeout firing is indistinguishable from a refused
// connection. Retry policy, if any, belongs to the decision layer.
type Connector interface {
	Connect(ctx context.Context, target string, tunnel bool, ev UpstreamEvents) (Upstream, error)
}
