package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansallis/apple-home-key-reader/pkg/logger"
)

func testLog(t *testing.T) *logger.Log {
	t.Helper()
	log, err := logger.New("bridge-test", "", false)
	require.NoError(t, err)
	return log
}

func TestOracleInitiateActivationParsesInstruction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_r/homekey_authenticated", r.URL.Path)
		var req initiateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "aabbcc", req.EndpointID) // wire key endpointId, value is the issuer id

		resp := map[string]interface{}{
			"tag": "initiate_bluetooth_connection",
			"data": map[string]interface{}{
				"serial":  12345,
				"message": []int{0x01, 0x02, 0x03},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	oracle := NewOracle(server.URL, testLog(t))
	issuerID := []byte{0xAA, 0xBB, 0xCC}
	result, err := oracle.InitiateActivation(context.Background(), issuerID)
	require.NoError(t, err)
	assert.Equal(t, uint32(12345), result.Serial)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, result.Message)
}

func TestOracleInitiateActivationRejectsWrongTag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"tag": "unexpected"})
	}))
	defer server.Close()

	oracle := NewOracle(server.URL, testLog(t))
	_, err := oracle.InitiateActivation(context.Background(), []byte{0x01})

	var oe *OracleError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "shape", oe.Kind)
}

func TestOracleInitiateActivationReportsNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	oracle := NewOracle(server.URL, testLog(t))
	_, err := oracle.InitiateActivation(context.Background(), []byte{0x01})

	var oe *OracleError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "status", oe.Kind)
}

func TestOracleRelayMessageIncludesIssuerID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_r/homekey_ble_message_received", r.URL.Path)
		var req relayRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "09", req.IssuerID)

		resp := map[string]interface{}{"tag": "send_bluetooth_message", "data": []int{0xBB}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	oracle := NewOracle(server.URL, testLog(t))
	action, err := oracle.RelayMessage(context.Background(), []byte{0xAA}, []byte{0x09})
	require.NoError(t, err)
	assert.Equal(t, "send_bluetooth_message", action.Tag)
	assert.Equal(t, []byte{0xBB}, action.Message)
}
