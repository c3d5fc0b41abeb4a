package broker

import (
	"sync"

	"github.com/MarcoPoloResearchLab/devcircle/internal/auth"
	"github.com/MarcoPoloResearchLab/devcircle/internal/protocol"
	"golang.org/x/time/rate"
)

// Connection is one authenticated real-time connection. Its identity is fixed at
// handshake and every event it submits is attributed to that identity.
type Connection struct {
	id       string
	identity auth.Identity
	outbound chan protocol.Envelope
	done     chan struct{}
	once     sync.Once
	limiter  *rate.Limiter

	// owned by the broker loop
	groups map[string]struct{}
}

func newConnection(id string, identity auth.Identity, buffer int, limiter *rate.Limiter) *Connection {
	return &Connection{
		id:       id,
		identity: identity,
		outbound: make(chan protocol.Envelope, buffer),
		done:     make(chan struct{}),
		limiter:  limiter,
		groups:   make(map[string]struct{}),
	}
}

// ID returns the broker-assigned connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Identity returns the identity attached at handshake.
func (c *Connection) Identity() auth.Identity {
	return c.identity
}

// Outbound yields the events addressed to this connection.
func (c *Connection) Outbound() <-chan protocol.Envelope {
	return c.outbound
}

// Done is closed once the broker has released the connection.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// deliver queues an event without blocking. A connection whose buffer is full
// misses the event; delivery is at-most-once.
func (c *Connection) deliver(envelope protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- envelope:
		return true
	default:
		return false
	}
}

func (c *Connection) deliverError(message string) {
	envelope, err := protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	c.deliver(envelope)
}

func (c *Connection) close() {
	c.once.Do(func() {
		close(c.done)
	})
}
