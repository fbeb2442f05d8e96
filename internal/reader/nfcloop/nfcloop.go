// Package nfcloop implements the NFC polling loop (spec §4.4): a single
// cooperative loop, dedicated to its own goroutine, that senses targets,
// drives the HomeKey transaction engine, and hands authenticated endpoints
// off to the lock activation bridge without blocking.
package nfcloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hansallis/apple-home-key-reader/internal/reader/apdu"
	"github.com/hansallis/apple-home-key-reader/internal/reader/engine"
	"github.com/hansallis/apple-home-key-reader/internal/reader/keymaterial"
	"github.com/hansallis/apple-home-key-reader/internal/reader/nfcdriver"
	"github.com/hansallis/apple-home-key-reader/pkg/logger"
)

// ConfigError reports that the NFC loop cannot start because the reader
// key is unconfigured (spec §4.4 step 1, §7).
type ConfigError struct{ Reason string }

func (e *ConfigError) Error() string { return "nfcloop: " + e.Reason }

// Store is the subset of internal/reader/store.Store the loop needs.
type Store interface {
	GetReaderPrivateKey() [keymaterial.ReaderKeySize]byte
	GetReaderIdentifier() [keymaterial.ReaderIdentifierSize]byte
	GetReaderGroupIdentifier() [keymaterial.GroupIdentifierSize]byte
	GetAllIssuers() []keymaterial.Issuer
	UpsertIssuers(issuers []keymaterial.Issuer) error
}

// AuthenticatedHandler is invoked asynchronously (never on the NFC
// goroutine itself) whenever a transaction authenticates an endpoint
// (spec §4.4 step 6).
type AuthenticatedHandler func(issuerID []byte, endpoint keymaterial.Endpoint)

// BroadcastBuilder produces the ECP "home" bytes for one sense call.
type BroadcastBuilder func(groupID [keymaterial.GroupIdentifierSize]byte) []byte

// Config configures one Loop.
type Config struct {
	Frontend          nfcdriver.ContactlessFrontend
	Store             Store
	Broadcast         BroadcastBuilder
	OnAuthenticated   AuthenticatedHandler
	PreferredVersions []uint16
	Flow              engine.Flow
	TransactionCode   engine.TransactionCode
	ThrottlePolling   time.Duration // default 150ms
	Log               *logger.Log
}

// Loop is the NFC polling worker (spec §4.4, §5).
type Loop struct {
	cfg     Config
	stop    atomic.Bool
	done    chan struct{}
	stopped sync.Once
}

// New constructs a Loop. ThrottlePolling defaults to 150ms if zero.
func New(cfg Config) *Loop {
	if cfg.ThrottlePolling == 0 {
		cfg.ThrottlePolling = 150 * time.Millisecond
	}
	return &Loop{cfg: cfg, done: make(chan struct{})}
}

// Stop requests the loop to exit after its current iteration completes
// (spec §4.4 "Cancellation": in-flight I/O is allowed to finish).
func (l *Loop) Stop() { l.stop.Store(true) }

// Wait blocks until the loop's goroutine has returned, or ctx expires.
func (l *Loop) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the loop until Stop is called. Intended to be invoked as its
// own goroutine (spec §5: "dedicated OS thread; runs synchronously
// against the CLF driver").
func (l *Loop) Run() error {
	defer l.stopped.Do(func() { close(l.done) })

	readerKey := l.cfg.Store.GetReaderPrivateKey()
	if keymaterial.IsZero(readerKey) {
		err := &ConfigError{Reason: "device not configured"}
		l.cfg.Log.Error(err, "nfc loop refusing to start")
		return err
	}

	for !l.stop.Load() {
		if err := l.iterate(); err != nil {
			l.cfg.Log.Error(err, "nfc iteration failed")
		}
	}
	return nil
}

func (l *Loop) iterate() error {
	start := time.Now()

	readerKey := l.cfg.Store.GetReaderPrivateKey()
	if keymaterial.IsZero(readerKey) {
		return &ConfigError{Reason: "device not configured"}
	}
	groupID := l.cfg.Store.GetReaderGroupIdentifier()

	target, err := l.cfg.Frontend.Sense(l.cfg.Broadcast(groupID))
	if err != nil {
		return err
	}
	if target == nil {
		l.throttle(start)
		return nil
	}

	tag, ok, err := l.cfg.Frontend.Activate(target)
	if err != nil {
		return err
	}
	if !ok {
		l.waitForFieldClear(tag)
		return nil
	}

	l.runTransaction(tag, readerKey)

	l.waitForFieldClear(tag)
	time.Sleep(2 * time.Second) // spec §4.4 step 7 cool-down
	return nil
}

func (l *Loop) runTransaction(tag apdu.Transceiver, readerKey [keymaterial.ReaderKeySize]byte) {
	issuers := l.cfg.Store.GetAllIssuers() // deep copy (spec §3 Lifecycle)

	readerID := l.cfg.Store.GetReaderIdentifier()
	groupID := l.cfg.Store.GetReaderGroupIdentifier()
	var fullReaderID [16]byte
	copy(fullReaderID[:8], groupID[:])
	copy(fullReaderID[8:], readerID[:])

	result, err := engine.Run(tag, engine.Input{
		Issuers:           issuers,
		PreferredVersions: l.cfg.PreferredVersions,
		Flow:              l.cfg.Flow,
		TransactionCode:   l.cfg.TransactionCode,
		ReaderIdentifier:  fullReaderID,
		ReaderPrivateKey:  readerKey,
		KeySize:           16,
	})
	if err != nil {
		l.cfg.Log.Info("transaction failed", "error", err.Error())
		return
	}

	if len(result.UpdatedIssuers) > 0 {
		if err := l.cfg.Store.UpsertIssuers(result.UpdatedIssuers); err != nil {
			l.cfg.Log.Error(err, "persisting updated issuers")
			return
		}
	}

	if result.Endpoint == nil {
		l.cfg.Log.Info("transaction completed, endpoint not authenticated", "flow", result.ResultFlow.String())
		return
	}

	l.cfg.Log.Info("endpoint authenticated", "flow", result.ResultFlow.String(), "endpoint", result.Endpoint.ID)

	if l.cfg.OnAuthenticated != nil && len(result.UpdatedIssuers) > 0 {
		issuerID := result.UpdatedIssuers[0].ID
		endpoint := *result.Endpoint
		// Asynchronous: the NFC loop must not block on BLE/HTTP (spec §4.4
		// step 6, §5). The handler runs on its own goroutine, so it may
		// block on I/O without stalling polling.
		go l.cfg.OnAuthenticated(issuerID, endpoint)
	}
}

func (l *Loop) throttle(start time.Time) {
	elapsed := time.Since(start)
	if remaining := l.cfg.ThrottlePolling - elapsed; remaining > 0 {
		time.Sleep(remaining)
	}
}

func (l *Loop) waitForFieldClear(tag nfcdriver.Tag) {
	if tag == nil {
		return
	}
	ticker := time.NewTicker(500 * time.Millisecond) // ~2Hz
	defer ticker.Stop()
	for tag.IsPresent() {
		<-ticker.C
		if l.stop.Load() {
			return
		}
	}
}
