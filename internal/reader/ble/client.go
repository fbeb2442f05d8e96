package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// Session is one live GATT connection to a lock: write TX, read RX
// notifications, close.
type Session interface {
	WriteTX(data []byte) error
	Notifications() <-chan []byte
	Close() error
}

// gattBackend opens GATT sessions against a device address. Separated from
// Scanner so tests can substitute a fake backend without a live D-Bus
// system bus, following test_ble.py's fake-GATT-backend pattern.
type gattBackend interface {
	Connect(ctx context.Context, address string, onDisconnect func()) (Session, error)
}

// Client is a per-serial GATT session wrapper (spec §4.9).
type Client struct {
	registry *Registry
	backend  gattBackend
	serial   uint32

	mu      sync.Mutex
	session Session
}

// NewClient constructs a Client for serial, resolving devices through
// registry and opening sessions through backend.
func NewClient(registry *Registry, backend gattBackend, serial uint32) *Client {
	return &Client{registry: registry, backend: backend, serial: serial}
}

// Connect resolves a Device for the client's serial (registry hit, else
// force refresh, else a one-shot exact-match scan) and opens a GATT
// session, subscribing to RX notifications (spec §4.9 Client.connect).
func (c *Client) Connect(ctx context.Context, onDisconnect func()) error {
	device, ok := c.registry.Get(c.serial)
	if !ok {
		device, ok, _ = c.registry.ForceRefresh(ctx, c.serial)
	}
	if !ok {
		device, ok = c.exactMatchScan(ctx)
	}
	if !ok {
		return &ConnectError{Serial: c.serial, Reason: "device not found"}
	}

	session, err := c.backend.Connect(ctx, device.Address, onDisconnect)
	if err != nil {
		return &ConnectError{Serial: c.serial, Reason: err.Error()}
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return nil
}

// exactMatchScan runs a 15s one-shot scan for a device whose manufacturer
// data exactly matches this client's serial (spec §4.9: "full mask
// [0,0,0,ff,ff,ff,ff,0,0,0,0,flag_mask]").
func (c *Client) exactMatchScan(ctx context.Context) (Device, bool) {
	scanCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	adv, found, err := c.registry.scanner.ScanUntil(scanCtx, 15*time.Second, func(adv Advertisement) bool {
		return exactMatchFilter(adv, c.serial)
	})
	if err != nil || !found {
		return Device{}, false
	}
	device, ok := deviceFromAdvertisement(adv)
	return device, ok
}

// WriteTX writes data to the lock's TX characteristic.
func (c *Client) WriteTX(data []byte) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return &ConnectError{Serial: c.serial, Reason: "not connected"}
	}
	return session.WriteTX(data)
}

// Notifications returns the channel of RX notification payloads. Returns
// nil if the client is not connected.
func (c *Client) Notifications() <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.Notifications()
}

// Disconnect closes the underlying GATT session.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

// bluezGATTBackend connects over BlueZ's GATT D-Bus API: Device1.Connect,
// then GattCharacteristic1.WriteValue/StartNotify on the UART
// characteristics (spec §6 BLE wire). resolveUARTCharacteristics always
// returns an error, so Connect fails right after Device1.Connect and no
// session is ever returned.
type bluezGATTBackend struct {
	conn *dbus.Conn
}

// NewBluezGATTBackend returns a gattBackend driving the local BlueZ
// adapter's connected devices.
func NewBluezGATTBackend(conn *dbus.Conn) gattBackend {
	return &bluezGATTBackend{conn: conn}
}

type bluezSession struct {
	conn       *dbus.Conn
	devicePath dbus.ObjectPath
	txPath     dbus.ObjectPath
	notifyCh   chan []byte
	sigCh      chan *dbus.Signal
}

func (b *bluezGATTBackend) Connect(ctx context.Context, address string, onDisconnect func()) (Session, error) {
	devicePath := dbus.ObjectPath(adapterPath + "/dev_" + sanitizeAddress(address))
	obj := b.conn.Object(bluezService, devicePath)
	if err := obj.Call("org.bluez.Device1.Connect", 0).Err; err != nil {
		return nil, fmt.Errorf("ble: device connect: %w", err)
	}

	txPath, rxPath, err := resolveUARTCharacteristics(b.conn, devicePath)
	if err != nil {
		return nil, err
	}

	rxObj := b.conn.Object(bluezService, rxPath)
	if err := rxObj.Call("org.bluez.GattCharacteristic1.StartNotify", 0).Err; err != nil {
		return nil, fmt.Errorf("ble: start notify: %w", err)
	}

	rule := fmt.Sprintf("type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',path='%s'", rxPath)
	if err := b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return nil, fmt.Errorf("ble: add match rule: %w", err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	b.conn.Signal(sigCh)

	session := &bluezSession{conn: b.conn, devicePath: devicePath, txPath: txPath, notifyCh: make(chan []byte, 16), sigCh: sigCh}
	go session.pump(onDisconnect)
	return session, nil
}

func (s *bluezSession) pump(onDisconnect func()) {
	defer close(s.notifyCh)
	for sig := range s.sigCh {
		if sig.Name != "org.freedesktop.DBus.Properties.PropertiesChanged" || len(sig.Body) < 2 {
			continue
		}
		changes, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		if valVar, ok := changes["Value"]; ok {
			if data, ok := valVar.Value().([]byte); ok {
				s.notifyCh <- data
			}
		}
	}
	if onDisconnect != nil {
		onDisconnect()
	}
}

func (s *bluezSession) WriteTX(data []byte) error {
	obj := s.conn.Object(bluezService, s.txPath)
	options := map[string]interface{}{}
	return obj.Call("org.bluez.GattCharacteristic1.WriteValue", 0, data, options).Err
}

func (s *bluezSession) Notifications() <-chan []byte { return s.notifyCh }

func (s *bluezSession) Close() error {
	s.conn.RemoveSignal(s.sigCh)
	close(s.sigCh)
	obj := s.conn.Object(bluezService, s.devicePath)
	return obj.Call("org.bluez.Device1.Disconnect", 0).Err
}

// resolveUARTCharacteristics is left deliberately simple: a production
// deployment would walk ObjectManager.GetManagedObjects for the
// GattCharacteristic1 objects under devicePath matching TXCharUUID/
// RXCharUUID. TODO: implement the GetManagedObjects walk once a target
// BlueZ version's object-path layout is pinned down.
func resolveUARTCharacteristics(conn *dbus.Conn, devicePath dbus.ObjectPath) (tx, rx dbus.ObjectPath, err error) {
	return "", "", fmt.Errorf("ble: GATT characteristic resolution not implemented")
}

// noopGATTBackend refuses every connection. Paired with NoopScanner so the
// reader process still runs when no D-Bus/BlueZ stack is reachable.
type noopGATTBackend struct{}

// NewNoopGATTBackend returns a gattBackend that always fails to connect.
func NewNoopGATTBackend() gattBackend { return noopGATTBackend{} }

func (noopGATTBackend) Connect(ctx context.Context, address string, onDisconnect func()) (Session, error) {
	return nil, fmt.Errorf("ble: no GATT backend available")
}

func sanitizeAddress(address string) string {
	out := make([]byte, 0, len(address))
	for i := 0; i < len(address); i++ {
		if address[i] == ':' {
			out = append(out, '_')
		} else {
			out = append(out, address[i])
		}
	}
	return string(out)
}
