package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hansallis/apple-home-key-reader/internal/reader/keymaterial"
	"github.com/hansallis/apple-home-key-reader/pkg/logger"
)

const (
	defaultReadEndpoint  = "/_r/homekey_state_requested"
	defaultStoreEndpoint = "/_r/homekey_state_updated"
	reconcileInterval    = 60 * time.Second
	requestTimeout       = 10 * time.Second
)

// restDocument is the wire shape posted to and received from the oracle,
// grounded on original_source/api_repository.py's reader_private_key /
// reader_identifier / issuers dict.
type restDocument struct {
	ReaderPrivateKey string                          `json:"reader_private_key"`
	ReaderIdentifier string                           `json:"reader_identifier"`
	Issuers          map[string]keymaterial.Issuer    `json:"issuers"`
}

// RESTStore is a Store backed by an external oracle reached over HTTP: a
// read endpoint polled every reconcileInterval, and a write endpoint posted
// to on every mutation. Grounded on
// original_source/api_repository.py's APIRepository.
type RESTStore struct {
	baseURL  string
	secret   string
	readURL  string
	storeURL string

	httpClient *http.Client
	log        *logger.Log

	mu        sync.Mutex
	readerKey [keymaterial.ReaderKeySize]byte
	readerID  [keymaterial.ReaderIdentifierSize]byte
	issuers   []keymaterial.Issuer

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRESTStore constructs a RESTStore and performs an initial synchronous
// load from the oracle, then starts the periodic reconciliation loop.
func NewRESTStore(ctx context.Context, baseURL, secret string, log *logger.Log) (*RESTStore, error) {
	rs := &RESTStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log,
		stop:       make(chan struct{}),
	}
	rs.readURL = rs.baseURL + defaultReadEndpoint
	rs.storeURL = rs.baseURL + defaultStoreEndpoint

	if err := rs.reload(ctx); err != nil {
		log.Info("initial oracle load failed, starting from empty state", "error", err.Error())
	}

	rs.wg.Add(1)
	go rs.reconcileLoop()

	return rs, nil
}

func (rs *RESTStore) reconcileLoop() {
	defer rs.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rs.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			if err := rs.reload(ctx); err != nil {
				rs.log.Info("periodic oracle reload failed, keeping prior snapshot", "error", err.Error())
			}
			cancel()
		}
	}
}

// Close stops the reconciliation loop.
func (rs *RESTStore) Close(ctx context.Context) error {
	close(rs.stop)
	done := make(chan struct{})
	go func() {
		rs.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rs *RESTStore) authHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if rs.secret != "" {
		req.Header.Set("Authorization", "Bearer "+rs.secret)
	}
}

// reload fetches the current document from the oracle and swaps it in.
// On any failure the prior in-memory snapshot is kept (spec: oracle is
// sole authority, but transient unreachability must not wipe state).
func (rs *RESTStore) reload(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rs.readURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	rs.authHeaders(req)

	resp, err := rs.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("store: oracle read: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("store: oracle read: status %d", resp.StatusCode)
	}

	var doc restDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("store: oracle read decode: %w", err)
	}

	readerKeyBytes, err := decodeHexFixed(doc.ReaderPrivateKey, keymaterial.ReaderKeySize)
	if err != nil {
		return fmt.Errorf("store: bad reader_private_key: %w", err)
	}
	readerIDBytes, err := decodeHexFixed(doc.ReaderIdentifier, keymaterial.ReaderIdentifierSize)
	if err != nil {
		return fmt.Errorf("store: bad reader_identifier: %w", err)
	}

	issuers := make([]keymaterial.Issuer, 0, len(doc.Issuers))
	for _, issuer := range doc.Issuers {
		issuers = append(issuers, issuer)
	}

	rs.mu.Lock()
	copy(rs.readerKey[:], readerKeyBytes)
	copy(rs.readerID[:], readerIDBytes)
	rs.issuers = issuers
	rs.mu.Unlock()
	return nil
}

// push writes the current in-memory snapshot to the oracle. Failures are
// logged, not returned, matching the original's "best effort" refresh —
// the in-memory state remains authoritative for this process regardless of
// whether the push succeeded.
func (rs *RESTStore) push() {
	rs.mu.Lock()
	doc := restDocument{
		ReaderPrivateKey: encodeHex(rs.readerKey[:]),
		ReaderIdentifier: encodeHex(rs.readerID[:]),
		Issuers:          make(map[string]keymaterial.Issuer, len(rs.issuers)),
	}
	for _, issuer := range rs.issuers {
		doc.Issuers[encodeHex(issuer.ID)] = issuer
	}
	rs.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		rs.log.Error(err, "encode oracle push document")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rs.storeURL, bytes.NewReader(data))
	if err != nil {
		rs.log.Error(err, "build oracle push request")
		return
	}
	rs.authHeaders(req)

	resp, err := rs.httpClient.Do(req)
	if err != nil {
		rs.log.Info("oracle push failed", "error", err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rs.log.Info("oracle push rejected", "status", resp.StatusCode)
	}
}

func (rs *RESTStore) GetReaderPrivateKey() [keymaterial.ReaderKeySize]byte {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.readerKey
}

func (rs *RESTStore) SetReaderPrivateKey(key [keymaterial.ReaderKeySize]byte) error {
	rs.mu.Lock()
	rs.readerKey = key
	rs.mu.Unlock()
	rs.push()
	return nil
}

func (rs *RESTStore) GetReaderIdentifier() [keymaterial.ReaderIdentifierSize]byte {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.readerID
}

func (rs *RESTStore) SetReaderIdentifier(id [keymaterial.ReaderIdentifierSize]byte) error {
	rs.mu.Lock()
	rs.readerID = id
	rs.mu.Unlock()
	rs.push()
	return nil
}

func (rs *RESTStore) GetReaderGroupIdentifier() [keymaterial.GroupIdentifierSize]byte {
	rs.mu.Lock()
	key := rs.readerKey
	rs.mu.Unlock()
	return keymaterial.GroupIdentifier(key)
}

func (rs *RESTStore) GetAllIssuers() []keymaterial.Issuer {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return cloneIssuers(rs.issuers)
}

func (rs *RESTStore) GetIssuerByID(id []byte) *keymaterial.Issuer {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	issuer := findIssuerByID(rs.issuers, id)
	if issuer == nil {
		return nil
	}
	clone := cloneIssuer(*issuer)
	return &clone
}

func (rs *RESTStore) GetIssuerByPublicKey(pub []byte) *keymaterial.Issuer {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	issuer := findIssuerByPublicKey(rs.issuers, pub)
	if issuer == nil {
		return nil
	}
	clone := cloneIssuer(*issuer)
	return &clone
}

func (rs *RESTStore) GetIssuerByEndpoint(endpointID []byte) *keymaterial.Issuer {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	issuer := findIssuerByEndpoint(rs.issuers, endpointID)
	if issuer == nil {
		return nil
	}
	clone := cloneIssuer(*issuer)
	return &clone
}

func (rs *RESTStore) GetAllEndpoints() []keymaterial.Endpoint {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return allEndpoints(cloneIssuers(rs.issuers))
}

func (rs *RESTStore) GetEndpointByID(id []byte) *keymaterial.Endpoint {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	e := findEndpointByID(rs.issuers, id)
	if e == nil {
		return nil
	}
	clone := cloneEndpoint(*e)
	return &clone
}

func (rs *RESTStore) GetEndpointByPublicKey(pub []byte) *keymaterial.Endpoint {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	e := findEndpointByPublicKey(rs.issuers, pub)
	if e == nil {
		return nil
	}
	clone := cloneEndpoint(*e)
	return &clone
}

func (rs *RESTStore) UpsertIssuer(issuer keymaterial.Issuer) error {
	rs.mu.Lock()
	rs.issuers = upsertIssuerInPlace(rs.issuers, cloneIssuer(issuer))
	rs.mu.Unlock()
	rs.push()
	return nil
}

func (rs *RESTStore) UpsertIssuers(issuers []keymaterial.Issuer) error {
	rs.mu.Lock()
	for _, issuer := range issuers {
		rs.issuers = upsertIssuerInPlace(rs.issuers, cloneIssuer(issuer))
	}
	rs.mu.Unlock()
	rs.push()
	return nil
}

func (rs *RESTStore) RemoveIssuer(issuerID []byte) error {
	rs.mu.Lock()
	rs.issuers = removeIssuerInPlace(rs.issuers, issuerID)
	rs.mu.Unlock()
	rs.push()
	return nil
}

func (rs *RESTStore) UpsertEndpoint(issuerID []byte, endpoint keymaterial.Endpoint) error {
	rs.mu.Lock()
	issuer := findIssuerByID(rs.issuers, issuerID)
	if issuer == nil {
		rs.mu.Unlock()
		return fmt.Errorf("store: unknown issuer %x", issuerID)
	}
	issuer.Upsert(cloneEndpoint(endpoint))
	rs.mu.Unlock()
	rs.push()
	return nil
}
