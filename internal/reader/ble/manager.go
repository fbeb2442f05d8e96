package ble

import (
	"context"
	"sync"
)

// Manager owns at most one active GATT session per serial, serializing
// concurrent Initiate calls for the same serial so a second caller reuses
// the in-flight connect instead of racing it (spec §4.9 Manager).
type Manager struct {
	registry *Registry
	backend  gattBackend

	mu       sync.Mutex
	sessions map[uint32]*Client
	inflight map[uint32]chan struct{}
}

// NewManager constructs a Manager.
func NewManager(registry *Registry, backend gattBackend) *Manager {
	return &Manager{
		registry: registry,
		backend:  backend,
		sessions: make(map[uint32]*Client),
		inflight: make(map[uint32]chan struct{}),
	}
}

// Initiate reuses an existing session for serial, or connects a new one,
// then writes initialMessage (spec §4.8 step 3, §4.9 Manager.initiate).
// issuerID is accepted for symmetry with the bridge's relay payload but is
// not otherwise used by the BLE layer.
func (m *Manager) Initiate(ctx context.Context, serial uint32, initialMessage []byte, issuerID []byte) (*Client, error) {
	client, err := m.acquire(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := client.WriteTX(initialMessage); err != nil {
		return nil, err
	}
	return client, nil
}

// acquire returns the existing session for serial, or waits for an
// in-flight connect, or performs the connect itself.
func (m *Manager) acquire(ctx context.Context, serial uint32) (*Client, error) {
	for {
		m.mu.Lock()
		if client, ok := m.sessions[serial]; ok {
			m.mu.Unlock()
			return client, nil
		}
		if wait, ok := m.inflight[serial]; ok {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		done := make(chan struct{})
		m.inflight[serial] = done
		m.mu.Unlock()

		client := NewClient(m.registry, m.backend, serial)
		err := client.Connect(ctx, func() { m.onDisconnect(serial) })

		m.mu.Lock()
		delete(m.inflight, serial)
		if err == nil {
			m.sessions[serial] = client
		}
		close(done)
		m.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// onDisconnect removes serial's session from the active-session map (spec
// §4.9: "Disconnect fires a callback; the manager removes the entry.").
func (m *Manager) onDisconnect(serial uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, serial)
}

// Close disconnects every active session.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := make([]*Client, 0, len(m.sessions))
	for _, c := range m.sessions {
		sessions = append(sessions, c)
	}
	m.sessions = make(map[uint32]*Client)
	m.mu.Unlock()

	var firstErr error
	for _, c := range sessions {
		if err := c.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
