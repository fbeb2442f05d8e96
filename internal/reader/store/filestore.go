package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hansallis/apple-home-key-reader/internal/reader/keymaterial"
	"github.com/hansallis/apple-home-key-reader/pkg/logger"
)

// fileDocument is the on-disk shape persisted by FileStore: reader_key and
// reader_identifier are JSON byte strings (base64), and issuers is a JSON
// array of keymaterial.Issuer values. It is not the hex-string, issuer-id
// keyed shape that RESTStore exchanges (restDocument). Issuers is tolerant
// of a missing key in older documents (decodes to nil, treated as empty).
type fileDocument struct {
	ReaderKey        []byte               `json:"reader_key"`
	ReaderIdentifier []byte               `json:"reader_identifier"`
	Issuers          []keymaterial.Issuer `json:"issuers"`
}

// FileStore persists the reader's key material as a single JSON document,
// rewritten atomically on every mutation (spec §4.1).
type FileStore struct {
	mu   sync.Mutex
	path string
	log  *logger.Log

	readerKey [keymaterial.ReaderKeySize]byte
	readerID  [keymaterial.ReaderIdentifierSize]byte
	issuers   []keymaterial.Issuer
}

// NewFileStore loads path, creating an empty document if it does not yet
// exist.
func NewFileStore(path string, log *logger.Log) (*FileStore, error) {
	fs := &FileStore{path: path, log: log}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return fs, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", path, err)
	}

	copy(fs.readerKey[:], doc.ReaderKey)
	copy(fs.readerID[:], doc.ReaderIdentifier)
	fs.issuers = doc.Issuers // already owned by us, no aliasing concern on load
	return fs, nil
}

func (fs *FileStore) persistLocked() error {
	doc := fileDocument{
		ReaderKey:        fs.readerKey[:],
		ReaderIdentifier: fs.readerID[:],
		Issuers:          fs.issuers,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}

	tmp := fs.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o700); err != nil {
		return fmt.Errorf("store: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write tmp: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}

func (fs *FileStore) GetReaderPrivateKey() [keymaterial.ReaderKeySize]byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.readerKey
}

func (fs *FileStore) SetReaderPrivateKey(key [keymaterial.ReaderKeySize]byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.readerKey = key
	return fs.persistLocked()
}

func (fs *FileStore) GetReaderIdentifier() [keymaterial.ReaderIdentifierSize]byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.readerID
}

func (fs *FileStore) SetReaderIdentifier(id [keymaterial.ReaderIdentifierSize]byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.readerID = id
	return fs.persistLocked()
}

func (fs *FileStore) GetReaderGroupIdentifier() [keymaterial.GroupIdentifierSize]byte {
	fs.mu.Lock()
	key := fs.readerKey
	fs.mu.Unlock()
	return keymaterial.GroupIdentifier(key)
}

func (fs *FileStore) GetAllIssuers() []keymaterial.Issuer {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return cloneIssuers(fs.issuers)
}

func (fs *FileStore) GetIssuerByID(id []byte) *keymaterial.Issuer {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	issuer := findIssuerByID(fs.issuers, id)
	if issuer == nil {
		return nil
	}
	clone := cloneIssuer(*issuer)
	return &clone
}

func (fs *FileStore) GetIssuerByPublicKey(pub []byte) *keymaterial.Issuer {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	issuer := findIssuerByPublicKey(fs.issuers, pub)
	if issuer == nil {
		return nil
	}
	clone := cloneIssuer(*issuer)
	return &clone
}

func (fs *FileStore) GetIssuerByEndpoint(endpointID []byte) *keymaterial.Issuer {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	issuer := findIssuerByEndpoint(fs.issuers, endpointID)
	if issuer == nil {
		return nil
	}
	clone := cloneIssuer(*issuer)
	return &clone
}

func (fs *FileStore) GetAllEndpoints() []keymaterial.Endpoint {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return allEndpoints(cloneIssuers(fs.issuers))
}

func (fs *FileStore) GetEndpointByID(id []byte) *keymaterial.Endpoint {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e := findEndpointByID(fs.issuers, id)
	if e == nil {
		return nil
	}
	clone := cloneEndpoint(*e)
	return &clone
}

func (fs *FileStore) GetEndpointByPublicKey(pub []byte) *keymaterial.Endpoint {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e := findEndpointByPublicKey(fs.issuers, pub)
	if e == nil {
		return nil
	}
	clone := cloneEndpoint(*e)
	return &clone
}

func (fs *FileStore) UpsertIssuer(issuer keymaterial.Issuer) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.issuers = upsertIssuerInPlace(fs.issuers, cloneIssuer(issuer))
	return fs.persistLocked()
}

func (fs *FileStore) UpsertIssuers(issuers []keymaterial.Issuer) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, issuer := range issuers {
		fs.issuers = upsertIssuerInPlace(fs.issuers, cloneIssuer(issuer))
	}
	return fs.persistLocked()
}

func (fs *FileStore) RemoveIssuer(issuerID []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.issuers = removeIssuerInPlace(fs.issuers, issuerID)
	return fs.persistLocked()
}

func (fs *FileStore) UpsertEndpoint(issuerID []byte, endpoint keymaterial.Endpoint) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	issuer := findIssuerByID(fs.issuers, issuerID)
	if issuer == nil {
		return fmt.Errorf("store: unknown issuer %x", issuerID)
	}
	issuer.Upsert(cloneEndpoint(endpoint))
	return fs.persistLocked()
}
