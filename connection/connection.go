// Package connection tracks live transport sessions and the role each one
// currently plays.
package connection

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ID identifies a connection. IDs are assigned in increasing order and never
// reused within a process.
type ID uint64

func (id ID) String() string {
	return fmt.Sprintf("conn-%d", uint64(id))
}

// Role is the part a connection plays in routing.
type Role int32

const (
	RoleUnassigned Role = iota
	RoleDevice
	RoleMonitor
)

func (r Role) String() string {
	switch r {
	case RoleUnassigned:
		return "unassigned"
	case RoleDevice:
		return "device"
	case RoleMonitor:
		return "monitor"
	default:
		return "unknown"
	}
}

// Transport is the outbound half of a session. Send must not block
// indefinitely; a peer that cannot keep up yields an error.
type Transport interface {
	Send(frame []byte) error
	Close() error
	Closed() bool
}

// Connection is one live session. Only the arbiter changes a connection to
// or from RoleDevice.
type Connection struct {
	id          ID
	transport   Transport
	role        atomic.Int32
	connectedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

// New creates an unassigned connection.
func New(id ID, t Transport, now time.Time) *Connection {
	return &Connection{
		id:          id,
		transport:   t,
		connectedAt: now,
		lastSeen:    now,
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() ID { return c.id }

// Transport returns the underlying transport.
func (c *Connection) Transport() Transport { return c.transport }

// Role returns the current role.
func (c *Connection) Role() Role { return Role(c.role.Load()) }

// SetRole changes the role.
func (c *Connection) SetRole(r Role) { c.role.Store(int32(r)) }

// PromoteToMonitor moves an unassigned connection to RoleMonitor. Other roles
// are left alone. It reports whether the role changed.
func (c *Connection) PromoteToMonitor() bool {
	return c.role.CompareAndSwap(int32(RoleUnassigned), int32(RoleMonitor))
}

// ConnectedAt returns when the session was accepted.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Touch records inbound activity.
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

// LastSeen returns the time of the last inbound frame.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Alive reports whether the transport is still open.
func (c *Connection) Alive() bool {
	return !c.transport.Closed()
}
