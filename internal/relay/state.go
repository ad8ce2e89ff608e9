package relay

// State identifies where a request is in its lifecycle.
type State int

// Lifecycle states, in the order a forwarded request moves through them.
const (
	StateAwaitingHeaders State = iota
	StateAwaitingBody
	StateDeciding
	StateConnecting
	StateRelaying
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingHeaders:
		return "awaiting_headers"
	case StateAwaitingBody:
		return "awaiting_body"
	case StateDeciding:
		return "deciding"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// ConnStatus tracks the shutdown state of a raw upstream connection.
// Reads and writes shut down independently; both shut down means the
// connection is fully closed. Mutated only by the Coordinator in
// response to adapter events.
type ConnStatus uint8

const (
	// ReadsShutdown is set once the upstream read side has seen EOF or
	// a read error.
	ReadsShutdown ConnStatus = 1 << iota
	// WritesShutdown is set once the upstream write side has been shut
	// down or has failed.
	WritesShutdown
)

// ConnClosed means both directions are shut down.
const ConnClosed = ReadsShutdown | WritesShutdown
