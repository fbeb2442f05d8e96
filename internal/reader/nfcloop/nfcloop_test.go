package nfcloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansallis/apple-home-key-reader/internal/reader/engine"
	"github.com/hansallis/apple-home-key-reader/internal/reader/keymaterial"
	"github.com/hansallis/apple-home-key-reader/internal/reader/nfcdriver"
	"github.com/hansallis/apple-home-key-reader/pkg/logger"
)

// memStore is a minimal in-memory Store double for loop tests.
type memStore struct {
	mu       sync.Mutex
	readerKey [keymaterial.ReaderKeySize]byte
	readerID  [keymaterial.ReaderIdentifierSize]byte
	issuers   []keymaterial.Issuer
	upserted  [][]keymaterial.Issuer
}

func (s *memStore) GetReaderPrivateKey() [keymaterial.ReaderKeySize]byte { return s.readerKey }

func (s *memStore) GetReaderIdentifier() [keymaterial.ReaderIdentifierSize]byte { return s.readerID }

func (s *memStore) GetReaderGroupIdentifier() [keymaterial.GroupIdentifierSize]byte {
	return keymaterial.GroupIdentifier(s.readerKey)
}

func (s *memStore) GetAllIssuers() []keymaterial.Issuer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]keymaterial.Issuer, len(s.issuers))
	copy(out, s.issuers)
	return out
}

func (s *memStore) UpsertIssuers(issuers []keymaterial.Issuer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted = append(s.upserted, issuers)
	return nil
}

// noTargetFrontend never senses anything; used to exercise the
// config-error and throttle paths without a real transaction.
type noTargetFrontend struct {
	senseCount atomic.Int32
}

func (f *noTargetFrontend) Sense(broadcast []byte) (*nfcdriver.Target, error) {
	f.senseCount.Add(1)
	return nil, nil
}

func (f *noTargetFrontend) Activate(target *nfcdriver.Target) (nfcdriver.Tag, bool, error) {
	return nil, false, nil
}

func testLog(t *testing.T) *logger.Log {
	t.Helper()
	log, err := logger.New("nfcloop-test", "", false)
	require.NoError(t, err)
	return log
}

func TestRunRefusesToStartWithUnconfiguredReaderKey(t *testing.T) {
	store := &memStore{}
	loop := New(Config{
		Frontend:  &noTargetFrontend{},
		Store:     store,
		Broadcast: func(_ [keymaterial.GroupIdentifierSize]byte) []byte { return nil },
		Log:       testLog(t),
	})

	err := loop.Run()
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestStopEndsTheLoopAfterCurrentIteration(t *testing.T) {
	store := &memStore{}
	store.readerKey[0] = 0x01
	frontend := &noTargetFrontend{}

	loop := New(Config{
		Frontend:        frontend,
		Store:           store,
		Broadcast:       func(_ [keymaterial.GroupIdentifierSize]byte) []byte { return []byte{0x01} },
		ThrottlePolling: 5 * time.Millisecond,
		Log:             testLog(t),
	})

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()

	time.Sleep(20 * time.Millisecond)
	loop.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}

	assert.Greater(t, int(frontend.senseCount.Load()), 0)
}

func TestRunTransactionInvokesOnAuthenticatedAsynchronously(t *testing.T) {
	store := &memStore{}
	store.readerKey[0] = 0x01

	endpointID := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	persistent := make([]byte, 32)
	for i := range persistent {
		persistent[i] = byte(i + 1)
	}
	store.issuers = []keymaterial.Issuer{{
		ID:        []byte{0x01},
		Endpoints: []keymaterial.Endpoint{{ID: endpointID, PersistentKey: persistent, Counter: 1}},
	}}

	fakeTag := newFakeFastTag(t, endpointID, persistent)

	frontend := &oneShotFrontend{tag: fakeTag}

	authCh := make(chan keymaterial.Endpoint, 1)
	loop := New(Config{
		Frontend:  frontend,
		Store:     store,
		Broadcast: func(_ [keymaterial.GroupIdentifierSize]byte) []byte { return []byte{0x01} },
		Flow:      engine.Fast,
		PreferredVersions: []uint16{0x0200},
		OnAuthenticated: func(issuerID []byte, endpoint keymaterial.Endpoint) {
			authCh <- endpoint
		},
		ThrottlePolling: time.Millisecond,
		Log:             testLog(t),
	})

	err := loop.iterate()
	require.NoError(t, err)

	select {
	case endpoint := <-authCh:
		assert.Equal(t, endpointID, endpoint.ID)
	case <-time.After(time.Second):
		t.Fatal("OnAuthenticated was not invoked")
	}

	require.Len(t, store.upserted, 1)
}
