// Package state holds the single-owner state containers shared between the
// coordinator, the telemetry session and presentation readers.
package state

import (
	"sync"

	"trade-desk/internal/model"
)

// ConnectionReader is the read-only view of the connection state.
type ConnectionReader interface {
	Current() model.ConnectionStatus
}

// Connection records which account, if any, has an active telemetry session.
// Only the connect/disconnect path writes it; everything else holds a ConnectionReader.
type Connection struct {
	mu     sync.RWMutex
	status model.ConnectionStatus
}

// NewConnection creates a disconnected state.
func NewConnection() *Connection {
	return &Connection{}
}

// Set marks id as connected. A zero id clears the state instead.
func (c *Connection) Set(id model.AccountID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 {
		c.status = model.ConnectionStatus{}
		return
	}
	c.status = model.ConnectionStatus{Connected: true, AccountID: id}
}

// Clear marks the state disconnected.
func (c *Connection) Clear() {
	c.Set(0)
}

// Resync adopts status reported by the upstream service. A connected status
// without an account is treated as disconnected.
func (c *Connection) Resync(status model.ConnectionStatus) {
	if !status.Connected {
		c.Clear()
		return
	}
	c.Set(status.AccountID)
}

// Current returns the connection status.
func (c *Connection) Current() model.ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}
