// Package broker implements the realtime core: connection registry and
// broadcast groups, presence tracking, queue membership, queue statistics,
// the match handshake state machine, and session chat relay.
package broker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Identity is the profile snapshot attached to a connection at
// authentication time.
type Identity struct {
	UserID        uuid.UUID
	Username      string
	IsProvider    bool
	PreferredGame string
	Rank          string
}

// Conn is one authenticated realtime connection. A user may hold several
// simultaneous connections (e.g. two browser tabs), each with its own Conn.
// Outbound events are buffered on a channel drained by the transport's
// write pump.
type Conn struct {
	id       string
	identity Identity

	mu     sync.Mutex
	events chan []byte
	closed bool
}

// NewConn creates a connection with the given transport-assigned ID and
// authenticated identity.
//
// Precondition: id must be non-empty; bufferSize <= 0 selects the default.
func NewConn(id string, identity Identity, bufferSize int) *Conn {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Conn{
		id:       id,
		identity: identity,
		events:   make(chan []byte, bufferSize),
	}
}

// ID returns the transport-assigned connection identifier.
func (c *Conn) ID() string { return c.id }

// Identity returns the authenticated identity snapshot.
func (c *Conn) Identity() Identity { return c.identity }

// UserID returns the authenticated user's ID.
func (c *Conn) UserID() uuid.UUID { return c.identity.UserID }

// Push enqueues an encoded outbound frame for the write pump.
//
// Postcondition: The frame is enqueued, or an error if the connection is
// closed or its buffer is full. A full buffer indicates a slow consumer;
// the transport decides whether to drop the connection.
func (c *Conn) Push(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection %s is closed", c.id)
	}
	select {
	case c.events <- frame:
		return nil
	default:
		return fmt.Errorf("connection %s send buffer full", c.id)
	}
}

// Events returns the read-only outbound frame channel.
func (c *Conn) Events() <-chan []byte {
	return c.events
}

// Close marks the connection closed and closes the outbound channel.
// Idempotent.
//
// Postcondition: Further Push calls return an error.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// IsClosed reports whether the connection has been closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
