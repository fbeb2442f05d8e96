// Package store implements the reader's persistent key-material store
// (spec §4.1): a single mutex-guarded in-memory snapshot of the reader key
// and the issuer/endpoint trust graph, with a file-backed and a REST-backed
// realization of the same contract.
//
// Grounded on original_source/api_repository.py (REST-backed variant) and
// original_source/migration.py (file-document shape), restructured around
// Go's sync.Mutex instead of Python's threading.Lock.
package store

import (
	"github.com/hansallis/apple-home-key-reader/internal/reader/keymaterial"
)

// Store is the contract both the file-backed and REST-backed
// implementations satisfy. Every read returns a defensive copy; the caller
// may mutate it freely without affecting the store (spec §4.1 contracts).
type Store interface {
	GetReaderPrivateKey() [keymaterial.ReaderKeySize]byte
	SetReaderPrivateKey(key [keymaterial.ReaderKeySize]byte) error

	GetReaderIdentifier() [keymaterial.ReaderIdentifierSize]byte
	SetReaderIdentifier(id [keymaterial.ReaderIdentifierSize]byte) error

	// GetReaderGroupIdentifier is derived, never stored (spec §3 invariant).
	GetReaderGroupIdentifier() [keymaterial.GroupIdentifierSize]byte

	GetAllIssuers() []keymaterial.Issuer
	GetIssuerByID(id []byte) *keymaterial.Issuer
	GetIssuerByPublicKey(pub []byte) *keymaterial.Issuer
	GetIssuerByEndpoint(endpointID []byte) *keymaterial.Issuer

	GetAllEndpoints() []keymaterial.Endpoint
	GetEndpointByID(id []byte) *keymaterial.Endpoint
	GetEndpointByPublicKey(pub []byte) *keymaterial.Endpoint

	UpsertIssuer(issuer keymaterial.Issuer) error
	UpsertIssuers(issuers []keymaterial.Issuer) error
	RemoveIssuer(issuerID []byte) error
	UpsertEndpoint(issuerID []byte, endpoint keymaterial.Endpoint) error
}

// cloneIssuers returns a deep copy of issuers so callers (notably the
// HomeKey engine, which consumes a whole-store snapshot per transaction,
// spec §3 Lifecycle) can never observe or cause a mid-transaction mutation.
//
// Hand-rolled rather than a reflection-based deep-copy library: the shape
// is fixed and shallow (three byte-slice fields plus a nested endpoint
// slice), so a generic copier buys nothing here but an unfamiliar API
// surface in a path where a missed field would silently corrupt state.
func cloneIssuers(issuers []keymaterial.Issuer) []keymaterial.Issuer {
	out := make([]keymaterial.Issuer, len(issuers))
	for i, issuer := range issuers {
		out[i] = cloneIssuer(issuer)
	}
	return out
}

func cloneIssuer(issuer keymaterial.Issuer) keymaterial.Issuer {
	clone := keymaterial.Issuer{
		ID:        cloneBytes(issuer.ID),
		PublicKey: cloneBytes(issuer.PublicKey),
		Endpoints: make([]keymaterial.Endpoint, len(issuer.Endpoints)),
	}
	for i, e := range issuer.Endpoints {
		clone.Endpoints[i] = cloneEndpoint(e)
	}
	return clone
}

func cloneEndpoint(e keymaterial.Endpoint) keymaterial.Endpoint {
	clone := e
	clone.ID = cloneBytes(e.ID)
	clone.PublicKey = cloneBytes(e.PublicKey)
	clone.PersistentKey = cloneBytes(e.PersistentKey)
	if e.Enrollments.HAP != nil {
		hap := *e.Enrollments.HAP
		hap.Payload = cloneBytes(e.Enrollments.HAP.Payload)
		clone.Enrollments.HAP = &hap
	}
	if e.Enrollments.Attestation != nil {
		att := *e.Enrollments.Attestation
		att.Payload = cloneBytes(e.Enrollments.Attestation.Payload)
		clone.Enrollments.Attestation = &att
	}
	return clone
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// findIssuerByID, findIssuerByPublicKey and findIssuerByEndpoint search the
// slice they are given and return a pointer into it, not a copy; callers
// clone the result before handing it out.
func findIssuerByID(issuers []keymaterial.Issuer, id []byte) *keymaterial.Issuer {
	for i := range issuers {
		if bytesEqual(issuers[i].ID, id) {
			return &issuers[i]
		}
	}
	return nil
}

func findIssuerByPublicKey(issuers []keymaterial.Issuer, pub []byte) *keymaterial.Issuer {
	for i := range issuers {
		if bytesEqual(issuers[i].PublicKey, pub) {
			return &issuers[i]
		}
	}
	return nil
}

func findIssuerByEndpoint(issuers []keymaterial.Issuer, endpointID []byte) *keymaterial.Issuer {
	for i := range issuers {
		if issuers[i].EndpointByID(endpointID) != nil {
			return &issuers[i]
		}
	}
	return nil
}

func allEndpoints(issuers []keymaterial.Issuer) []keymaterial.Endpoint {
	var out []keymaterial.Endpoint
	for _, issuer := range issuers {
		out = append(out, issuer.Endpoints...)
	}
	return out
}

func findEndpointByID(issuers []keymaterial.Issuer, id []byte) *keymaterial.Endpoint {
	for i := range issuers {
		if e := issuers[i].EndpointByID(id); e != nil {
			return e
		}
	}
	return nil
}

func findEndpointByPublicKey(issuers []keymaterial.Issuer, pub []byte) *keymaterial.Endpoint {
	for i := range issuers {
		if e := issuers[i].EndpointByPublicKey(pub); e != nil {
			return e
		}
	}
	return nil
}

// upsertIssuerInPlace replaces the issuer sharing ID, or appends it
// (spec §4.1: upsert_* is idempotent on identity).
func upsertIssuerInPlace(issuers []keymaterial.Issuer, issuer keymaterial.Issuer) []keymaterial.Issuer {
	for i := range issuers {
		if bytesEqual(issuers[i].ID, issuer.ID) {
			issuers[i] = issuer
			return issuers
		}
	}
	return append(issuers, issuer)
}

func removeIssuerInPlace(issuers []keymaterial.Issuer, issuerID []byte) []keymaterial.Issuer {
	out := issuers[:0]
	for _, issuer := range issuers {
		if !bytesEqual(issuer.ID, issuerID) {
			out = append(out, issuer)
		}
	}
	return out
}
