// Package ble implements the vendor lock BLE registry, GATT client, and
// connection manager (spec §4.9): advertisement scanning keyed by
// manufacturer data, a per-serial GATT session over the Nordic UART
// service, and serialized connect-or-reuse session acquisition.
//
// The BlueZ D-Bus binding is grounded on mstroecker-LinuxPods's
// internal/ble scanner (org.bluez.Adapter1/Device1 over godbus/dbus/v5);
// the registry/client/manager split and the exact-match fallback scan are
// grounded on original_source/ble_client.py's BLEDeviceRegistry/
// BLELockClient.
package ble

import "fmt"

// CompanyID is the Bluetooth manufacturer-data company identifier vendor
// lock advertisements carry (spec §4.9).
const CompanyID = 0x065B

// Nordic UART service/characteristic UUIDs the lock's GATT server exposes
// (spec §6 BLE wire).
const (
	ServiceUUID = "0000fd30-0000-1000-8000-00805f9b34fb"
	TXCharUUID  = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	RXCharUUID  = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

// flag mask bits distinguishing an "installable lock" device in an
// exact-match scan (spec §4.9: "flag bits 0x08 | 0x01 ... mask 0x09").
const (
	flagDFU         = 0x08
	flagInstallable = 0x01
	flagMask        = flagDFU | flagInstallable
)

// Advertisement is one observed BLE advertisement carrying vendor
// manufacturer data.
type Advertisement struct {
	Address          string
	Name             string
	CompanyID        uint16
	ManufacturerData []byte
}

// Device is a registry entry: a lock identified by its serial number.
type Device struct {
	Serial  uint32
	Address string
	Name    string
}

// extractSerial pulls the little-endian u32 serial from manufacturer-data
// octets 3..6 (spec §4.9).
func extractSerial(mfgData []byte) (uint32, bool) {
	if len(mfgData) < 7 {
		return 0, false
	}
	serial := uint32(mfgData[3]) | uint32(mfgData[4])<<8 | uint32(mfgData[5])<<16 | uint32(mfgData[6])<<24
	return serial, serial != 0
}

// deviceFromAdvertisement builds a Device from adv iff it carries our
// company ID and a non-zero serial.
func deviceFromAdvertisement(adv Advertisement) (Device, bool) {
	if adv.CompanyID != CompanyID {
		return Device{}, false
	}
	serial, ok := extractSerial(adv.ManufacturerData)
	if !ok {
		return Device{}, false
	}
	return Device{Serial: serial, Address: adv.Address, Name: adv.Name}, true
}

// exactMatchFilter reports whether adv's manufacturer data matches serial
// under the fixed prefix/mask scheme a one-shot fallback scan uses (spec
// §4.9: "full mask [0,0,0,ff,ff,ff,ff,0,0,0,0,flag_mask]").
func exactMatchFilter(adv Advertisement, serial uint32) bool {
	if adv.CompanyID != CompanyID {
		return false
	}
	mfg := adv.ManufacturerData
	if len(mfg) < 7 {
		return false
	}
	got, ok := extractSerial(mfg)
	if !ok || got != serial {
		return false
	}
	if len(mfg) > 11 {
		return mfg[11]&flagMask != 0
	}
	return true
}

// ConnectError reports that no BLE device for a serial could be located or
// connected to (spec §7 TransportError family, §4.9 ConnectError).
type ConnectError struct {
	Serial uint32
	Reason string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ble: connect serial %d: %s", e.Serial, e.Reason)
}
