// Package channel maintains one persistent command channel per cloud
// credential and multiplexes RPC commands for every device paired under
// that credential over it. Responses are correlated by request id, never
// by arrival order.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// defaultCommandTimeout bounds how long a caller waits for a device
	// response before the command fails distinctly from a disconnect.
	defaultCommandTimeout = 10 * time.Second

	defaultDialTimeout = 15 * time.Second

	commandSource = "user"
)

// CredentialSource resolves a credential id to its live channel endpoint
// and access token.
type CredentialSource interface {
	ChannelEndpoint(credentialID string) (wsURL string, err error)
}

// DeviceEvent is an unsolicited status frame pushed by a device.
type DeviceEvent struct {
	CredentialID string
	DeviceID     string
	Method       string
	Params       json.RawMessage
}

// EventHandler receives unsolicited device events (status pushes).
type EventHandler func(event DeviceEvent)

// Manager owns the process-wide registry of command channels, one per
// credential. Channels open lazily on first command and reopen
// transparently after a disconnect.
type Manager struct {
	creds          CredentialSource
	dialer         *websocket.Dialer
	commandTimeout time.Duration
	eventHandler   EventHandler

	mu    sync.Mutex
	conns map[string]*connection
	locks map[string]*sync.Mutex // per-credential connect/reconnect exclusion
}

// Option configures a Manager
type Option func(*Manager)

// WithCommandTimeout overrides the bounded per-command wait.
func WithCommandTimeout(d time.Duration) Option {
	return func(m *Manager) { m.commandTimeout = d }
}

// WithEventHandler registers a handler for unsolicited device events.
func WithEventHandler(h EventHandler) Option {
	return func(m *Manager) { m.eventHandler = h }
}

// NewManager creates a new channel manager
func NewManager(creds CredentialSource, opts ...Option) *Manager {
	m := &Manager{
		creds:          creds,
		dialer:         &websocket.Dialer{HandshakeTimeout: defaultDialTimeout},
		commandTimeout: defaultCommandTimeout,
		conns:          make(map[string]*connection),
		locks:          make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SendCommand routes one command to the device's credential channel and
// blocks until the matched response, a timeout, or a channel failure.
// Commands for different devices may be issued concurrently on the same
// channel.
func (m *Manager) SendCommand(ctx context.Context, credentialID, deviceID, method string, params interface{}) (json.RawMessage, error) {
	conn, err := m.connection(credentialID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	id, ch := conn.register()
	frame := &commandFrame{
		ID:     id,
		Src:    commandSource,
		Dst:    deviceID,
		Method: method,
		Params: params,
	}

	if err := conn.write(frame); err != nil {
		conn.unregister(id)
		conn.close()
		return nil, fmt.Errorf("%w: write failed: %v", ErrChannelClosed, err)
	}

	timer := time.NewTimer(m.commandTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-timer.C:
		conn.unregister(id)
		return nil, fmt.Errorf("%w: %s to %s after %s", ErrCommandTimeout, method, deviceID, m.commandTimeout)
	case <-ctx.Done():
		conn.unregister(id)
		return nil, ctx.Err()
	}
}

// connection returns the live channel for a credential, dialing it if
// needed. Concurrent opens for the same credential are mutually
// exclusive; different credentials dial independently.
func (m *Manager) connection(credentialID string) (*connection, error) {
	m.mu.Lock()
	if conn, ok := m.conns[credentialID]; ok && !conn.isClosed() {
		m.mu.Unlock()
		return conn, nil
	}
	lock, ok := m.locks[credentialID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[credentialID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Another caller may have finished dialing while we waited.
	m.mu.Lock()
	if conn, ok := m.conns[credentialID]; ok && !conn.isClosed() {
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()

	wsURL, err := m.creds.ChannelEndpoint(credentialID)
	if err != nil {
		return nil, fmt.Errorf("resolving channel endpoint: %w", err)
	}

	ws, _, err := m.dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing channel: %w", err)
	}

	conn := newConnection(credentialID, ws)
	conn.onEvent = m.handleEvent
	conn.onClose = func(c *connection) {
		m.mu.Lock()
		if m.conns[credentialID] == c {
			delete(m.conns, credentialID)
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.conns[credentialID] = conn
	m.mu.Unlock()

	go conn.readLoop()
	log.Printf("[Channel] opened command channel for credential %s", credentialID)

	return conn, nil
}

func (m *Manager) handleEvent(credentialID string, frame *responseFrame) {
	if m.eventHandler == nil {
		return
	}
	m.eventHandler(DeviceEvent{
		CredentialID: credentialID,
		DeviceID:     frame.Src,
		Method:       frame.Method,
		Params:       frame.Params,
	})
}

// Connected reports whether a live channel exists for the credential.
func (m *Manager) Connected(credentialID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[credentialID]
	return ok && !conn.isClosed()
}

// Disconnect tears down one credential's channel.
func (m *Manager) Disconnect(credentialID string) {
	m.mu.Lock()
	conn, ok := m.conns[credentialID]
	m.mu.Unlock()
	if ok {
		conn.close()
	}
}

// Close tears down every channel.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
