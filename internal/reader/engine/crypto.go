package engine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// curve is the secp256r1 (P-256) curve used throughout the HomeKey
// protocol: reader/endpoint long-term keys, ephemeral ECDH keys.
var curve = elliptic.P256()

// EphemeralKeySource produces the reader's ephemeral key pair for one
// transaction. The default is crypto/rand-backed; tests inject a fixed
// source so FAST/STANDARD runs are reproducible (spec §9).
type EphemeralKeySource func() (*ecdsa.PrivateKey, error)

// RandomEphemeralKeySource is the production default.
func RandomEphemeralKeySource() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(curve, rand.Reader)
}

// FixedEphemeralKeySource returns a source that always yields priv,
// exposing the injection seam spec §9 requires for deterministic tests.
func FixedEphemeralKeySource(priv *ecdsa.PrivateKey) EphemeralKeySource {
	return func() (*ecdsa.PrivateKey, error) { return priv, nil }
}

// marshalPublicKey returns the uncompressed point encoding (0x04 || X || Y).
func marshalPublicKey(pub *ecdsa.PublicKey) []byte {
	return elliptic.Marshal(curve, pub.X, pub.Y)
}

// unmarshalPublicKey parses an uncompressed secp256r1 point.
func unmarshalPublicKey(data []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.Unmarshal(curve, data)
	if x == nil {
		return nil, fmt.Errorf("engine: invalid public key encoding")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// privateKeyFromBytes interprets 32 raw octets as a P-256 scalar, as the
// reader's and endpoints' long-term keys are stored (spec §3).
func privateKeyFromBytes(raw []byte) *ecdsa.PrivateKey {
	d := new(big.Int).SetBytes(raw)
	x, y := curve.ScalarBaseMult(raw)
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}
}

// ecdh performs scalar multiplication of priv with pub's point, returning
// the shared X-coordinate as the ECDH secret.
func ecdh(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) []byte {
	x, _ := curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	return x.Bytes()
}

// hkdfSHA256 derives length octets via HKDF-SHA256(secret, salt, info),
// mirroring the HomeKey key/cryptogram derivation scheme (spec §4.5 step 3
// and step 4). Grounded on pkg/mdoc/engagement.go's hand-rolled HKDF,
// here using the real golang.org/x/crypto/hkdf implementation.
func hkdfSHA256(secret, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("engine: hkdf derive: %w", err)
	}
	return out, nil
}

// fastCryptogramInfo and standardSessionInfo name the HKDF "info" strings
// for the two derivations the flow needs.
var (
	fastCryptogramInfo = []byte("FastAuth")
	standardSessionRW  = []byte("StandardAuthReaderWrite")
	standardSessionRR  = []byte("StandardAuthReaderRead")
)

// deriveFastCryptogram computes the per-endpoint FAST cryptogram: HKDF
// over the endpoint's persistent key, salted with the concatenation of
// the two ephemeral public keys and the reader identifier, info-tagged
// with the transaction code (spec §4.5 step 3).
func deriveFastCryptogram(persistentKey, readerEphemeralPub, deviceEphemeralPub, readerIdentifier []byte, transactionCode byte, length int) ([]byte, error) {
	salt := make([]byte, 0, len(readerEphemeralPub)+len(deviceEphemeralPub)+len(readerIdentifier))
	salt = append(salt, readerEphemeralPub...)
	salt = append(salt, deviceEphemeralPub...)
	salt = append(salt, readerIdentifier...)

	info := append(append([]byte{}, fastCryptogramInfo...), transactionCode)
	return hkdfSHA256(persistentKey, salt, info, length)
}

type asn1Signature struct {
	R, S *big.Int
}

func unmarshalASN1Signature(der []byte) (r, s *big.Int, err error) {
	var sig asn1Signature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, nil, err
	}
	return sig.R, sig.S, nil
}

// randReader is the randomness source for ECDSA signing.
func randReader() io.Reader { return rand.Reader }

// fixedLengthSignature converts an ASN.1 DER ECDSA signature into the
// fixed 64-octet r||s encoding the HomeKey wire format uses.
func fixedLengthSignature(der []byte) []byte {
	r, s, err := unmarshalASN1Signature(der)
	if err != nil {
		// A malformed signature here is a programmer error (we just
		// produced it ourselves via ecdsa.SignASN1); fail loudly rather
		// than silently truncate.
		panic(fmt.Sprintf("engine: unexpected signature encoding: %v", err))
	}
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out
}

// verifyFixedLengthSignature verifies a 64-octet r||s signature against
// digest using pub.
func verifyFixedLengthSignature(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest, r, s)
}

// deriveStandardSessionKeys derives the reader-write and reader-read
// session keys from a STANDARD-flow ECDH shared secret (spec §4.5 step 4).
func deriveStandardSessionKeys(sharedSecret, transcript []byte) (writeKey, readKey []byte, err error) {
	writeKey, err = hkdfSHA256(sharedSecret, transcript, standardSessionRW, 32)
	if err != nil {
		return nil, nil, err
	}
	readKey, err = hkdfSHA256(sharedSecret, transcript, standardSessionRR, 32)
	if err != nil {
		return nil, nil, err
	}
	return writeKey, readKey, nil
}
