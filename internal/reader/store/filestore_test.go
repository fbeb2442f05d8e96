package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansallis/apple-home-key-reader/internal/reader/keymaterial"
	"github.com/hansallis/apple-home-key-reader/pkg/logger"
)

func newTestFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	fs, err := NewFileStore(path, logger.NewSimple("test"))
	require.NoError(t, err)
	return fs, path
}

func TestFileStoreRoundTripsPersistedState(t *testing.T) {
	fs, path := newTestFileStore(t)

	var key [keymaterial.ReaderKeySize]byte
	key[0] = 0xAB
	require.NoError(t, fs.SetReaderPrivateKey(key))

	var id [keymaterial.ReaderIdentifierSize]byte
	id[0] = 0xCD
	require.NoError(t, fs.SetReaderIdentifier(id))

	issuer := keymaterial.Issuer{ID: []byte{0x01}, PublicKey: []byte{0x04, 0xAA}}
	require.NoError(t, fs.UpsertIssuer(issuer))

	reloaded, err := NewFileStore(path, logger.NewSimple("test"))
	require.NoError(t, err)

	assert.Equal(t, key, reloaded.GetReaderPrivateKey())
	assert.Equal(t, id, reloaded.GetReaderIdentifier())

	got := reloaded.GetIssuerByID([]byte{0x01})
	require.NotNil(t, got)
	assert.Equal(t, []byte{0x04, 0xAA}, got.PublicKey)
}

func TestFileStoreMissingFileLoadsEmpty(t *testing.T) {
	fs, _ := newTestFileStore(t)
	assert.Empty(t, fs.GetAllIssuers())
	assert.True(t, keymaterial.IsZero(fs.GetReaderPrivateKey()))
}

func TestFileStoreGetAllIssuersReturnsDefensiveCopy(t *testing.T) {
	fs, _ := newTestFileStore(t)
	require.NoError(t, fs.UpsertIssuer(keymaterial.Issuer{ID: []byte{0x01}}))

	got := fs.GetAllIssuers()
	got[0].ID[0] = 0xFF // mutate the returned copy

	again := fs.GetAllIssuers()
	assert.Equal(t, byte(0x01), again[0].ID[0], "store's internal state must be unaffected by mutating a prior read")
}

func TestFileStoreUpsertIssuerIsIdempotentOnIdentity(t *testing.T) {
	fs, _ := newTestFileStore(t)
	require.NoError(t, fs.UpsertIssuer(keymaterial.Issuer{ID: []byte{0x01}, PublicKey: []byte{0x01}}))
	require.NoError(t, fs.UpsertIssuer(keymaterial.Issuer{ID: []byte{0x01}, PublicKey: []byte{0x02}}))

	all := fs.GetAllIssuers()
	require.Len(t, all, 1)
	assert.Equal(t, []byte{0x02}, all[0].PublicKey)
}

func TestFileStoreUpsertEndpointOnUnknownIssuerFails(t *testing.T) {
	fs, _ := newTestFileStore(t)
	err := fs.UpsertEndpoint([]byte{0x99}, keymaterial.Endpoint{ID: []byte{0x01}})
	assert.Error(t, err)
}

func TestFileStoreGroupIdentifierIsDerivedNotStored(t *testing.T) {
	fs, _ := newTestFileStore(t)
	var key [keymaterial.ReaderKeySize]byte
	key[0] = 0x01
	require.NoError(t, fs.SetReaderPrivateKey(key))

	assert.Equal(t, keymaterial.GroupIdentifier(key), fs.GetReaderGroupIdentifier())
}
