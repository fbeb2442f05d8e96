package ble

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/hansallis/apple-home-key-reader/pkg/logger"
)

// Default registry timings (spec §4.9).
const (
	DefaultScanWindow   = 5 * time.Second
	DefaultScanInterval = 30 * time.Second
	DefaultDeviceTTL    = 300 * time.Second
)

// Registry keeps a serial → Device cache populated by a background
// scanner (spec §4.9).
type Registry struct {
	scanner      Scanner
	cache        *ttlcache.Cache[uint32, Device]
	scanWindow   time.Duration
	scanInterval time.Duration
	log          *logger.Log

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// RegistryOption configures NewRegistry.
type RegistryOption func(*Registry)

// WithScanInterval overrides the default 30s sleep between scan cycles.
func WithScanInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.scanInterval = d }
}

// WithDeviceTTL overrides the default 300s device freshness window.
func WithDeviceTTL(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.cache = ttlcache.New(ttlcache.WithTTL[uint32, Device](d))
	}
}

// NewRegistry constructs a Registry backed by scanner.
func NewRegistry(scanner Scanner, log *logger.Log, opts ...RegistryOption) *Registry {
	r := &Registry{
		scanner:      scanner,
		cache:        ttlcache.New(ttlcache.WithTTL[uint32, Device](DefaultDeviceTTL)),
		scanWindow:   DefaultScanWindow,
		scanInterval: DefaultScanInterval,
		log:          log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives the background scan cycle until ctx is canceled or Stop is
// called: a 5s active scan, then sleep scanInterval, forever (spec §4.9).
func (r *Registry) Run(ctx context.Context) {
	r.mu.Lock()
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		if _, err := r.scanOnce(ctx); err != nil {
			r.log.Error(err, "ble scan cycle failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(r.scanInterval):
		}
	}
}

// Stop requests Run to exit and blocks until it has.
func (r *Registry) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.mu.Unlock()
	if stop == nil {
		return
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
	if done != nil {
		<-done
	}
}

// scanOnce performs one active scan window and populates the cache with
// every lock device observed.
func (r *Registry) scanOnce(ctx context.Context) ([]Device, error) {
	advs, err := r.scanner.Scan(ctx, r.scanWindow)
	if err != nil {
		return nil, err
	}
	var devices []Device
	for _, adv := range advs {
		device, ok := deviceFromAdvertisement(adv)
		if !ok {
			continue
		}
		r.cache.Set(device.Serial, device, ttlcache.DefaultTTL)
		devices = append(devices, device)
	}
	return devices, nil
}

// Get returns the cached device for serial iff it is still fresh.
func (r *Registry) Get(serial uint32) (Device, bool) {
	item := r.cache.Get(serial)
	if item == nil {
		return Device{}, false
	}
	return item.Value(), true
}

// ForceRefresh runs one synchronous scan and returns the device for
// serial, if found (spec §4.9: force_refresh).
func (r *Registry) ForceRefresh(ctx context.Context, serial uint32) (Device, bool, error) {
	devices, err := r.scanOnce(ctx)
	if err != nil {
		return Device{}, false, err
	}
	for _, d := range devices {
		if d.Serial == serial {
			return d, true, nil
		}
	}
	return Device{}, false, nil
}
