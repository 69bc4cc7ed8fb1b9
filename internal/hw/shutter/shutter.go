// Package shutter gates the exposure light.
package shutter

import (
	"sync"

	"github.com/cjeanneret/LithoGo/internal/debug"
)

// Shutter is a binary light gate. Open and Close must be idempotent.
type Shutter interface {
	Open() error
	Close() error
}

// Mock records every command. Used in development mode and tests.
type Mock struct {
	mu     sync.Mutex
	open   bool
	events []string

	// OpenErr and CloseErr, when set, are returned by the next calls.
	OpenErr  error
	CloseErr error
}

// NewMock returns a closed mock shutter.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "open")
	if m.OpenErr != nil {
		return m.OpenErr
	}
	debug.Verbose("Shutter (mock): OPEN")
	m.open = true
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "close")
	if m.CloseErr != nil {
		return m.CloseErr
	}
	debug.Verbose("Shutter (mock): CLOSED")
	m.open = false
	return nil
}

// IsOpen reports the simulated gate state.
func (m *Mock) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Events returns the recorded "open"/"close" commands in order.
func (m *Mock) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}
