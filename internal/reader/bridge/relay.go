package bridge

import (
	"context"

	"github.com/hansallis/apple-home-key-reader/internal/reader/ble"
	"github.com/hansallis/apple-home-key-reader/internal/reader/keymaterial"
	"github.com/hansallis/apple-home-key-reader/pkg/logger"
)

// BLEManager is the subset of ble.Manager the bridge drives.
type BLEManager interface {
	Initiate(ctx context.Context, serial uint32, initialMessage []byte, issuerID []byte) (*ble.Client, error)
}

// Bridge relays between an authenticated HomeKey endpoint and its BLE lock
// session, applying no protocol semantics of its own (spec §4.8).
type Bridge struct {
	oracle *Oracle
	ble    BLEManager
	log    *logger.Log
}

// New constructs a Bridge.
func New(oracle *Oracle, bleManager BLEManager, log *logger.Log) *Bridge {
	return &Bridge{oracle: oracle, ble: bleManager, log: log}
}

// Activate runs the full activation sequence for an authenticated endpoint
// (spec §4.8): ask the oracle how to reach the lock, open (or reuse) the
// BLE session, write the initial message, then relay every subsequent
// notification until the oracle says to close.
//
// Intended to be invoked asynchronously by the NFC loop's OnAuthenticated
// hook (spec §4.4 step 6); Activate itself blocks on BLE/HTTP I/O.
func (b *Bridge) Activate(ctx context.Context, issuerID []byte, endpoint keymaterial.Endpoint) {
	// spec §4.8 step 2 / original_source/service.py:97-103: the oracle is
	// told the issuer id, not the endpoint id, despite the wire key name.
	result, err := b.oracle.InitiateActivation(ctx, issuerID)
	if err != nil {
		b.log.Error(err, "oracle activation failed")
		return
	}

	client, err := b.ble.Initiate(ctx, result.Serial, result.Message, issuerID)
	if err != nil {
		b.log.Error(err, "ble initiate failed", "serial", result.Serial)
		return
	}

	b.relayLoop(ctx, client, issuerID)
}

// relayLoop forwards every BLE notification to the oracle and acts on its
// instruction (spec §4.8 step 4).
func (b *Bridge) relayLoop(ctx context.Context, client *ble.Client, issuerID []byte) {
	notifications := client.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-notifications:
			if !ok {
				return
			}
			action, err := b.oracle.RelayMessage(ctx, message, issuerID)
			if err != nil {
				b.log.Error(err, "oracle relay failed")
				continue
			}
			switch action.Tag {
			case "send_bluetooth_message":
				if err := client.WriteTX(action.Message); err != nil {
					b.log.Error(err, "ble write failed")
				}
			case "close_bluetooth_connection":
				if err := client.Disconnect(); err != nil {
					b.log.Error(err, "ble disconnect failed")
				}
				return
			default:
				b.log.Info("ignoring unrecognized oracle relay tag", "tag", action.Tag)
			}
		}
	}
}
