// Package keymaterial defines the reader's persistent credential domain
// types: the reader's own key, and the issuer/endpoint trust graph the
// HomeKey engine authenticates against (spec §3).
package keymaterial

import (
	"crypto/sha256"
	"time"
)

// ReaderKeySize is the length in octets of the reader's secp256r1 private
// key.
const ReaderKeySize = 32

// ReaderIdentifierSize is the length in octets of the controller-chosen
// reader identifier.
const ReaderIdentifierSize = 8

// GroupIdentifierSize is the length in octets of the derived reader group
// identifier.
const GroupIdentifierSize = 8

// groupIdentifierInfo is the fixed prefix hashed together with the reader's
// private key to derive its group identifier (spec §3).
var groupIdentifierInfo = []byte("key-identifier")

// IsZero reports whether a reader key is the all-zero "unconfigured" value
// (spec §3 invariant: ReaderKey == all zeros ⇔ NFC polling disabled).
func IsZero(readerKey [ReaderKeySize]byte) bool {
	var zero [ReaderKeySize]byte
	return readerKey == zero
}

// GroupIdentifier derives the 8-octet reader group identifier from the
// reader's private key. It is a pure function: never persisted, always
// recomputed (spec §3 invariant).
func GroupIdentifier(readerPrivateKey [ReaderKeySize]byte) [GroupIdentifierSize]byte {
	h := sha256.New()
	h.Write(groupIdentifierInfo)
	h.Write(readerPrivateKey[:])
	sum := h.Sum(nil)

	var id [GroupIdentifierSize]byte
	copy(id[:], sum[:GroupIdentifierSize])
	return id
}

// Enrollment records a single enrollment payload captured at a point in
// time (spec §3, Endpoint.enrollments).
type Enrollment struct {
	At      int64  `json:"at"`
	Payload []byte `json:"payload"`
}

// Enrollments groups the HAP enrollment payload with an optional
// attestation, matching the entity shape recovered from the original
// implementation.
type Enrollments struct {
	HAP         *Enrollment `json:"hap,omitempty"`
	Attestation *Enrollment `json:"attestation,omitempty"`
}

// Endpoint is a single provisioned device credential under an Issuer
// (spec §3).
type Endpoint struct {
	ID            []byte      `json:"id"`
	PublicKey     []byte      `json:"public_key"`
	PersistentKey []byte      `json:"persistent_key"`
	Counter       uint32      `json:"counter"`
	LastUsedAt    int64       `json:"last_used_at"`
	KeyType       byte        `json:"key_type"`
	Enrollments   Enrollments `json:"enrollments"`
}

// Touch bumps the endpoint's counter and last-used timestamp after a
// successful transaction (spec §4.5 step 5, §8 invariant: counter strictly
// increases, last_used_at is non-decreasing).
func (e *Endpoint) Touch(counter uint32, now time.Time) {
	e.Counter = counter
	e.LastUsedAt = now.Unix()
}

// Issuer owns zero or more Endpoints (spec §3).
type Issuer struct {
	ID        []byte     `json:"id"`
	PublicKey []byte     `json:"public_key"`
	Endpoints []Endpoint `json:"endpoints"`
}

// EndpointByID returns the endpoint with the given ID, or nil.
func (i *Issuer) EndpointByID(id []byte) *Endpoint {
	for idx := range i.Endpoints {
		if bytesEqual(i.Endpoints[idx].ID, id) {
			return &i.Endpoints[idx]
		}
	}
	return nil
}

// EndpointByPublicKey returns the endpoint with the given public key, or
// nil (spec §3 invariant: Endpoint.public_key is unique across the store).
func (i *Issuer) EndpointByPublicKey(pub []byte) *Endpoint {
	for idx := range i.Endpoints {
		if bytesEqual(i.Endpoints[idx].PublicKey, pub) {
			return &i.Endpoints[idx]
		}
	}
	return nil
}

// Upsert replaces the endpoint sharing e.ID, or appends e (spec §4.1:
// upsert_endpoint is idempotent on identity).
func (i *Issuer) Upsert(e Endpoint) {
	for idx := range i.Endpoints {
		if bytesEqual(i.Endpoints[idx].ID, e.ID) {
			i.Endpoints[idx] = e
			return
		}
	}
	i.Endpoints = append(i.Endpoints, e)
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
