// Package nfcdriver defines the contactless front-end interface the NFC
// polling loop drives (spec §4.2, §4.4), plus the modulation/baud-rate/
// timeout vocabulary of the underlying driver.
//
// The physical CLF (contactless front-end) binding itself is an external
// collaborator (spec §1); this package only names the operations and
// constants the loop needs, recovered from PonteMed-nfc/dev/nfc/nfc.go's
// libnfc vocabulary (kept as named Go constants, not a cgo binding).
package nfcdriver

import "fmt"

// Modulation types, as used by sense/activate target-kind selection.
const (
	ModulationISO14443A = iota + 1
	ModulationISO14443B
	ModulationFeliCa
	ModulationDEP
)

// Baud rates.
const (
	BaudRate106 = iota + 1
	BaudRate212
	BaudRate424
	BaudRate847
)

// Driver error codes. A code returned from Tag.Transceive ends up as the Err
// field of an apdu *TransportError; nfcloop returns Sense/Activate errors
// unwrapped.
type Error int

func (e Error) Error() string {
	if msg, ok := errorMessages[e]; ok {
		return msg
	}
	return fmt.Sprintf("nfcdriver: error %d", int(e))
}

const (
	ErrIO         Error = -1
	ErrInvalidArg Error = -2
	ErrNotSupport Error = -3
	ErrNoDevice   Error = -4
	ErrTimeout    Error = -6
	ErrAborted    Error = -7
	ErrTargetGone Error = -10
	ErrRFTransmit Error = -20
)

var errorMessages = map[Error]string{
	ErrIO:         "input/output error",
	ErrInvalidArg: "invalid argument",
	ErrNotSupport: "operation not supported by device",
	ErrNoDevice:   "no such device",
	ErrTimeout:    "operation timed out",
	ErrAborted:    "operation aborted",
	ErrTargetGone: "target released",
	ErrRFTransmit: "RF transmission error",
}

// Target describes a sensed contactless target before ISO-DEP activation.
type Target struct {
	Modulation int
	BaudRate   int
	UID        []byte
}

// Tag is an activated ISO-DEP (14443-4) target, ready for APDU exchange.
// It also satisfies apdu.Transceiver.
type Tag interface {
	Transceive(commandAPDU []byte) (responseAPDU []byte, err error)
	IsPresent() bool
}

// ContactlessFrontend is the blocking driver interface the NFC loop needs:
// sense for a target (optionally preceded by an ECP broadcast), and
// activate a sensed target into ISO-DEP.
type ContactlessFrontend interface {
	// Sense polls once for a Type-A 106 kbps target, transmitting broadcast
	// (an ECP frame, see internal/reader/ecp) immediately beforehand if
	// non-nil. Returns (nil, nil) when nothing was found within the
	// driver's own timeout.
	Sense(broadcast []byte) (*Target, error)

	// Activate brings a sensed target into ISO-DEP. If the target does not
	// support ISO-DEP, ok is false and tag is nil.
	Activate(target *Target) (tag Tag, ok bool, err error)
}

// Stub is a ContactlessFrontend that never senses a target. It exists so
// the reader process still builds and runs its other subsystems (control
// point, BLE, health) on hardware where the physical CLF binding isn't
// wired up; the binding itself is an external collaborator out of scope
// for this repo (spec §1 Non-goals: "low-level NFC radio driver ...
// bindings beyond the operations the core requires").
type Stub struct {
	// Reason records why the stub is in use. Stub never logs it, and no
	// caller reads it back.
	Reason string
}

func (Stub) Sense(broadcast []byte) (*Target, error)          { return nil, nil }
func (Stub) Activate(target *Target) (Tag, bool, error)       { return nil, false, nil }
