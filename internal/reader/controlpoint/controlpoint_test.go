package controlpoint

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderKeyRequestRoundTrip(t *testing.T) {
	req := ControlPointRequest{
		Operation: OpAdd,
		Kind:      KindReaderKey,
		ReaderKey: &ReaderKeyRequest{
			ReaderPrivateKey:       make([]byte, 32),
			UniqueReaderIdentifier: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		},
	}
	req.ReaderKey.ReaderPrivateKey[0] = 0xAB

	encoded := EncodeRequest(req)
	decoded, err := DecodeRequest(encoded)
	require.NoError(t, err)

	assert.Equal(t, req.Operation, decoded.Operation)
	assert.Equal(t, req.Kind, decoded.Kind)
	require.NotNil(t, decoded.ReaderKey)
	assert.Equal(t, req.ReaderKey.ReaderPrivateKey, decoded.ReaderKey.ReaderPrivateKey)
	assert.Equal(t, req.ReaderKey.UniqueReaderIdentifier, decoded.ReaderKey.UniqueReaderIdentifier)
}

func TestDeviceCredentialRequestRoundTrip(t *testing.T) {
	req := ControlPointRequest{
		Operation: OpAdd,
		Kind:      KindDeviceCredential,
		DeviceCred: &DeviceCredentialRequest{
			IssuerKeyIdentifier: []byte{0x01},
			CredentialPublicKey: []byte{0x02, 0x03},
			KeyType:             0x01,
		},
	}

	encoded := EncodeRequest(req)
	decoded, err := DecodeRequest(encoded)
	require.NoError(t, err)

	require.NotNil(t, decoded.DeviceCred)
	assert.Equal(t, req.DeviceCred.IssuerKeyIdentifier, decoded.DeviceCred.IssuerKeyIdentifier)
	assert.Equal(t, req.DeviceCred.CredentialPublicKey, decoded.DeviceCred.CredentialPublicKey)
	assert.Equal(t, req.DeviceCred.KeyType, decoded.DeviceCred.KeyType)
}

func TestEncodeResponseCarriesStatusAndIdentifier(t *testing.T) {
	resp := ControlPointResponse{Status: StatusDuplicate, Identifier: []byte{0xAA, 0xBB}}
	encoded := EncodeResponse(resp)
	assert.NotEmpty(t, encoded)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte{tagStatus, 0x01, byte(StatusDuplicate), tagIdentifier, 0x02, 0xAA, 0xBB}, raw)
}

func TestParseFinishColorDefaultsToBlack(t *testing.T) {
	assert.Equal(t, FinishBlack, ParseFinishColor("unknown"))
	assert.Equal(t, FinishGold, ParseFinishColor("gold"))
}

func TestDecodeRequestRejectsBadBase64(t *testing.T) {
	_, err := DecodeRequest("not-base64!!!")
	assert.Error(t, err)
}
