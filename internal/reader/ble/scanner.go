package ble

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

// Scanner collects BLE advertisements. Active scans return everything seen
// within the window; an exact-match scan returns as soon as one
// advertisement satisfies pred, or times out.
type Scanner interface {
	Scan(ctx context.Context, window time.Duration) ([]Advertisement, error)
	ScanUntil(ctx context.Context, timeout time.Duration, pred func(Advertisement) bool) (Advertisement, bool, error)
}

const (
	bluezService = "org.bluez"
	adapterPath  = "/org/bluez/hci0"
)

// bluezScanner drives BlueZ discovery over D-Bus, grounded on
// mstroecker-LinuxPods/internal/ble/scanner.go's Adapter1/Device1
// PropertiesChanged idiom.
type bluezScanner struct {
	conn *dbus.Conn
}

// NewBluezScanner connects to the system bus and returns a Scanner backed
// by the local BlueZ adapter.
func NewBluezScanner() (Scanner, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect system bus: %w", err)
	}
	return &bluezScanner{conn: conn}, nil
}

func (s *bluezScanner) startDiscovery() error {
	obj := s.conn.Object(bluezService, dbus.ObjectPath(adapterPath))
	filter := map[string]interface{}{"Transport": "le"}
	if err := obj.Call("org.bluez.Adapter1.SetDiscoveryFilter", 0, filter).Err; err != nil {
		return fmt.Errorf("ble: set discovery filter: %w", err)
	}
	return obj.Call("org.bluez.Adapter1.StartDiscovery", 0).Err
}

func (s *bluezScanner) stopDiscovery() error {
	obj := s.conn.Object(bluezService, dbus.ObjectPath(adapterPath))
	return obj.Call("org.bluez.Adapter1.StopDiscovery", 0).Err
}

// Scan performs one active scan, collecting every advertisement seen
// within window.
func (s *bluezScanner) Scan(ctx context.Context, window time.Duration) ([]Advertisement, error) {
	var out []Advertisement
	_, _, err := s.scanLoop(ctx, window, func(adv Advertisement) bool {
		out = append(out, adv)
		return false
	})
	return out, err
}

// ScanUntil scans until pred matches an advertisement, or timeout elapses.
func (s *bluezScanner) ScanUntil(ctx context.Context, timeout time.Duration, pred func(Advertisement) bool) (Advertisement, bool, error) {
	return s.scanLoop(ctx, timeout, pred)
}

func (s *bluezScanner) scanLoop(ctx context.Context, window time.Duration, onAdv func(Advertisement) bool) (Advertisement, bool, error) {
	if err := s.startDiscovery(); err != nil {
		return Advertisement{}, false, err
	}
	defer s.stopDiscovery()

	rule := "type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged'"
	if err := s.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return Advertisement{}, false, fmt.Errorf("ble: add match rule: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	s.conn.Signal(signals)
	defer s.conn.RemoveSignal(signals)

	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Advertisement{}, false, ctx.Err()
		case <-timer.C:
			return Advertisement{}, false, nil
		case sig, ok := <-signals:
			if !ok {
				return Advertisement{}, false, nil
			}
			adv, ok := parsePropertiesChanged(sig)
			if !ok {
				continue
			}
			if onAdv(adv) {
				return adv, true, nil
			}
		}
	}
}

func parsePropertiesChanged(sig *dbus.Signal) (Advertisement, bool) {
	if sig.Name != "org.freedesktop.DBus.Properties.PropertiesChanged" || len(sig.Body) < 2 {
		return Advertisement{}, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != "org.bluez.Device1" {
		return Advertisement{}, false
	}
	changes, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return Advertisement{}, false
	}
	mfgVar, ok := changes["ManufacturerData"]
	if !ok {
		return Advertisement{}, false
	}
	mfgMap, ok := mfgVar.Value().(map[uint16]dbus.Variant)
	if !ok {
		return Advertisement{}, false
	}

	adv := Advertisement{}
	if addr, ok := changes["Address"]; ok {
		adv.Address, _ = addr.Value().(string)
	}
	if name, ok := changes["Name"]; ok {
		adv.Name, _ = name.Value().(string)
	}
	for companyID, dataVar := range mfgMap {
		data, ok := dataVar.Value().([]byte)
		if !ok {
			continue
		}
		adv.CompanyID = companyID
		adv.ManufacturerData = data
		if companyID == CompanyID {
			break
		}
	}
	return adv, adv.ManufacturerData != nil
}

// Close releases the underlying D-Bus connection.
func (s *bluezScanner) Close() error {
	return s.conn.Close()
}

// NoopScanner never observes an advertisement. It lets the reader process
// start without a system D-Bus/BlueZ stack reachable (e.g. in a container
// without host Bluetooth access): NFC authentication still runs, only the
// lock activation bridge's BLE leg stays permanently unable to resolve a
// serial.
type NoopScanner struct{}

func (NoopScanner) Scan(ctx context.Context, window time.Duration) ([]Advertisement, error) {
	return nil, nil
}

func (NoopScanner) ScanUntil(ctx context.Context, timeout time.Duration, pred func(Advertisement) bool) (Advertisement, bool, error) {
	return Advertisement{}, false, nil
}
