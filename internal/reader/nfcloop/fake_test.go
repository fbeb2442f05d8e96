package nfcloop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"github.com/hansallis/apple-home-key-reader/internal/reader/nfcdriver"
)

var testCurve = elliptic.P256()

// randomDeviceEphemeral mirrors engine's marshalPublicKey(ephemeral key),
// duplicated here since engine does not export it: a fresh P-256 key pair,
// uncompressed-point encoded.
func randomDeviceEphemeral() ([]byte, error) {
	priv, err := ecdsa.GenerateKey(testCurve, rand.Reader)
	if err != nil {
		return nil, err
	}
	return elliptic.Marshal(testCurve, priv.PublicKey.X, priv.PublicKey.Y), nil
}

// fastCryptogramForTest duplicates engine.deriveFastCryptogram's HKDF
// derivation (same salt/info layout, spec §4.5 step 3) so this fake tag
// stays independent of engine's unexported internals.
func fastCryptogramForTest(persistentKey, readerEphemeralPub, deviceEphemeralPub, readerIdentifier []byte, transactionCode byte, length int) ([]byte, error) {
	salt := make([]byte, 0, len(readerEphemeralPub)+len(deviceEphemeralPub)+len(readerIdentifier))
	salt = append(salt, readerEphemeralPub...)
	salt = append(salt, deviceEphemeralPub...)
	salt = append(salt, readerIdentifier...)

	info := append([]byte("FastAuth"), transactionCode)

	r := hkdf.New(sha256.New, persistentKey, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// fakeFastTag answers SELECT/AUTH0/control-flow the way a real HomeKey
// applet would for a FAST-flow round trip, reusing the same derivation the
// engine package's own fakeDevice test double uses (spec §8 scenario 5).
type fakeFastTag struct {
	t          *testing.T
	endpointID []byte
	persistent []byte
}

func newFakeFastTag(t *testing.T, endpointID, persistent []byte) *fakeFastTag {
	t.Helper()
	return &fakeFastTag{t: t, endpointID: endpointID, persistent: persistent}
}

func (f *fakeFastTag) IsPresent() bool { return false }

// Transceive implements a minimal FAST exchange inline: SELECT reports one
// supported version, AUTH0 derives and returns the matching cryptogram
// using an ephemeral device key pair generated fresh per call, and the
// control-flow commit always succeeds.
func (f *fakeFastTag) Transceive(raw []byte) ([]byte, error) {
	const (
		insSelect      = 0xA4
		insAuth0       = 0x80
		insControlFlow = 0x82
	)

	switch raw[1] {
	case insSelect:
		return []byte{0x01, 0x02, 0x00, 0x90, 0x00}, nil
	case insAuth0:
		return f.respondAuth0(raw), nil
	case insControlFlow:
		return []byte{0x90, 0x00}, nil
	default:
		f.t.Fatalf("fakeFastTag: unexpected INS 0x%02x", raw[1])
		return nil, nil
	}
}

func (f *fakeFastTag) respondAuth0(raw []byte) []byte {
	lc := int(raw[4])
	data := raw[5 : 5+lc]
	readerEphemeralPub := data[0:65]
	readerIdentifier := data[65:81]
	transactionCode := data[81]

	deviceEphemeral, err := randomDeviceEphemeral()
	require.NoError(f.t, err)

	cryptogram, err := fastCryptogramForTest(f.persistent, readerEphemeralPub, deviceEphemeral, readerIdentifier, transactionCode, 16)
	require.NoError(f.t, err)

	resp := append([]byte{}, deviceEphemeral...)
	resp = append(resp, cryptogram...)
	resp = append(resp, f.endpointID...)
	return append(resp, 0x90, 0x00)
}

// oneShotFrontend senses exactly one target then reports nothing, so a
// single iterate() call exercises sense → activate → transaction → field
// clear without spinning forever.
type oneShotFrontend struct {
	tag    nfcdriver.Tag
	sensed bool
}

func (f *oneShotFrontend) Sense(broadcast []byte) (*nfcdriver.Target, error) {
	if f.sensed {
		return nil, nil
	}
	f.sensed = true
	return &nfcdriver.Target{Modulation: nfcdriver.ModulationISO14443A, BaudRate: nfcdriver.BaudRate106, UID: []byte{0x01}}, nil
}

func (f *oneShotFrontend) Activate(target *nfcdriver.Target) (nfcdriver.Tag, bool, error) {
	return f.tag, true, nil
}
