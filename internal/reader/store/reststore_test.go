package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansallis/apple-home-key-reader/internal/reader/keymaterial"
	"github.com/hansallis/apple-home-key-reader/pkg/logger"
)

func newTestOracle(t *testing.T, initial restDocument) (*httptest.Server, *sync.Mutex, *restDocument, *[]string) {
	t.Helper()
	var mu sync.Mutex
	doc := initial
	var authHeaders []string

	mux := http.NewServeMux()
	mux.HandleFunc("/_r/homekey_state_requested", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("/_r/homekey_state_updated", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		var got restDocument
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		doc = got
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &mu, &doc, &authHeaders
}

func TestRESTStoreLoadsInitialStateFromOracle(t *testing.T) {
	srv, _, _, _ := newTestOracle(t, restDocument{
		ReaderPrivateKey: encodeHex(append([]byte{0xab}, make([]byte, keymaterial.ReaderKeySize-1)...)),
		ReaderIdentifier: encodeHex(append([]byte{0xcd}, make([]byte, keymaterial.ReaderIdentifierSize-1)...)),
		Issuers: map[string]keymaterial.Issuer{
			"01": {ID: []byte{0x01}, PublicKey: []byte{0x04, 0xAA}},
		},
	})

	rs, err := NewRESTStore(context.Background(), srv.URL, "", logger.NewSimple("test"))
	require.NoError(t, err)
	defer func() { _ = rs.Close(context.Background()) }()

	got := rs.GetIssuerByID([]byte{0x01})
	require.NotNil(t, got)
	assert.Equal(t, []byte{0x04, 0xAA}, got.PublicKey)
}

func TestRESTStoreSetsBearerAuthHeader(t *testing.T) {
	srv, mu, _, headers := newTestOracle(t, restDocument{Issuers: map[string]keymaterial.Issuer{}})

	rs, err := NewRESTStore(context.Background(), srv.URL, "topsecret", logger.NewSimple("test"))
	require.NoError(t, err)
	defer func() { _ = rs.Close(context.Background()) }()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, *headers)
	assert.Equal(t, "Bearer topsecret", (*headers)[0])
}

func TestRESTStorePushSurvivesOracleUnavailableOnSubsequentReload(t *testing.T) {
	srv, _, _, _ := newTestOracle(t, restDocument{Issuers: map[string]keymaterial.Issuer{}})

	rs, err := NewRESTStore(context.Background(), srv.URL, "", logger.NewSimple("test"))
	require.NoError(t, err)
	defer func() { _ = rs.Close(context.Background()) }()

	require.NoError(t, rs.UpsertIssuer(keymaterial.Issuer{ID: []byte{0x02}}))

	srv.Close() // oracle now unreachable
	err = rs.reload(context.Background())
	assert.Error(t, err)

	// prior snapshot must survive a failed reload
	got := rs.GetIssuerByID([]byte{0x02})
	assert.NotNil(t, got)
}

func TestRESTStoreGetAllIssuersReturnsDefensiveCopy(t *testing.T) {
	srv, _, _, _ := newTestOracle(t, restDocument{Issuers: map[string]keymaterial.Issuer{
		"01": {ID: []byte{0x01}},
	}})

	rs, err := NewRESTStore(context.Background(), srv.URL, "", logger.NewSimple("test"))
	require.NoError(t, err)
	defer func() { _ = rs.Close(context.Background()) }()

	got := rs.GetAllIssuers()
	require.Len(t, got, 1)
	got[0].ID[0] = 0xFF

	again := rs.GetAllIssuers()
	assert.Equal(t, byte(0x01), again[0].ID[0])
}

func TestRESTStoreCloseStopsReconcileLoop(t *testing.T) {
	srv, _, _, _ := newTestOracle(t, restDocument{Issuers: map[string]keymaterial.Issuer{}})

	rs, err := NewRESTStore(context.Background(), srv.URL, "", logger.NewSimple("test"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, rs.Close(ctx))
}
