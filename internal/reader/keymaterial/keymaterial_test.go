package keymaterial

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupIdentifierIsDeterministicSha256Prefix(t *testing.T) {
	var key [ReaderKeySize]byte
	for i := range key {
		key[i] = 0x01
	}

	got := GroupIdentifier(key)

	h := sha256.New()
	h.Write([]byte("key-identifier"))
	h.Write(key[:])
	want := h.Sum(nil)[:GroupIdentifierSize]

	require.Len(t, got, GroupIdentifierSize)
	assert.Equal(t, want, got[:])

	// deterministic: same key, same identifier
	again := GroupIdentifier(key)
	assert.Equal(t, got, again)
}

func TestIsZero(t *testing.T) {
	var zero [ReaderKeySize]byte
	assert.True(t, IsZero(zero))

	nonZero := zero
	nonZero[0] = 0x01
	assert.False(t, IsZero(nonZero))
}

func TestIssuerUpsertIsIdempotentOnIdentity(t *testing.T) {
	issuer := &Issuer{ID: []byte{0x01}}
	e := Endpoint{ID: []byte{0xAA}, Counter: 0}
	issuer.Upsert(e)
	require.Len(t, issuer.Endpoints, 1)

	e.Counter = 5
	issuer.Upsert(e)
	require.Len(t, issuer.Endpoints, 1)
	assert.Equal(t, uint32(5), issuer.Endpoints[0].Counter)

	issuer.Upsert(Endpoint{ID: []byte{0xBB}})
	assert.Len(t, issuer.Endpoints, 2)
}

func TestEndpointByPublicKey(t *testing.T) {
	issuer := &Issuer{ID: []byte{0x01}, Endpoints: []Endpoint{
		{ID: []byte{0x01}, PublicKey: []byte{0x04, 0xAA}},
		{ID: []byte{0x02}, PublicKey: []byte{0x04, 0xBB}},
	}}

	found := issuer.EndpointByPublicKey([]byte{0x04, 0xBB})
	require.NotNil(t, found)
	assert.Equal(t, []byte{0x02}, found.ID)

	assert.Nil(t, issuer.EndpointByPublicKey([]byte{0x04, 0xCC}))
}
