// Package dispatch is the concurrency backbone shared by the session server:
// priority-tiered queues feeding an elastic worker set, with a retry
// controller and a durable resume queue for envelopes that exhaust their
// retry budget.
package dispatch

import (
	"time"

	"github.com/portlink/backend/daemon/protocol"
)

// Envelope is the unit scheduled through the pool: a wire message plus its
// retry state.
type Envelope struct {
	Msg        *protocol.Message
	RetryCount int
	SentTime   time.Time
	Priority   protocol.Priority

	// ClientID routes inbound envelopes back to their session.
	ClientID uint32
}

// NewEnvelope wraps a message at its own priority.
func NewEnvelope(m *protocol.Message) *Envelope {
	return &Envelope{Msg: m, Priority: m.Priority}
}

// Result is the discriminant a handler returns. The pool never inspects
// errors for control flow; it reads the tag.
type Result int

const (
	// Ok: the envelope is done.
	Ok Result = iota
	// Transient: the attempt failed in a way a retry may fix.
	Transient
	// Fatal: the envelope is undeliverable; drop without retry.
	Fatal
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "OK"
	case Transient:
		return "TRANSIENT"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}
