package connections

import (
	"sync"
	"time"
)

// ConnectionID identifies one live connection.
type ConnectionID string

// String returns the identifier as a string.
func (id ConnectionID) String() string {
	return string(id)
}

// Identity is the authenticated principal a connection belongs to. Display attributes
// are informational and owned by the identity collaborator.
type Identity struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// Connection is one live transport session. It is owned by the Registry; other
// components only hold references.
type Connection struct {
	id          ConnectionID
	identity    Identity
	connectedAt time.Time

	mu         sync.RWMutex
	closing    bool
	closed     bool
	outbound   chan []byte
	onOverflow func()
}

func newConnection(id ConnectionID, identity Identity, connectedAt time.Time, buffer int, onOverflow func()) *Connection {
	return &Connection{
		id:          id,
		identity:    identity,
		connectedAt: connectedAt,
		outbound:    make(chan []byte, buffer),
		onOverflow:  onOverflow,
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() ConnectionID {
	return c.id
}

// Identity returns the identity the connection belongs to.
func (c *Connection) Identity() Identity {
	return c.identity
}

// IdentityID returns the identity's stable id.
func (c *Connection) IdentityID() string {
	return c.identity.ID
}

// ConnectedAt returns the handshake time.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Outbound exposes queued frames for the transport writer. The channel is closed
// once the connection has been removed from every registry.
func (c *Connection) Outbound() <-chan []byte {
	return c.outbound
}

// Closed reports whether the connection is being or has been torn down.
func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closing
}

// Deliver queues a frame without blocking. It returns false when the connection is
// closing or its queue is full. A full queue marks the connection closing, so the
// client sees a closed socket instead of a gap and resumes from its cursors.
func (c *Connection) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		c.closing = true
		if c.onOverflow != nil {
			c.onOverflow()
		}
		return false
	}
}

func (c *Connection) markClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.closing = true
	return true
}

func (c *Connection) closeOutbound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.outbound)
}
