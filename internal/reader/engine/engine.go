// Package engine implements Apple's HomeKey FAST and STANDARD
// authentication flows at APDU granularity: the transaction state machine
// named in spec §4.5.
//
// Grounded on pkg/mdoc/engagement.go's ECDH+HKDF session-key derivation
// pattern (now using the real golang.org/x/crypto/hkdf) and the
// scwallet securechannel.go APDU secure-channel idiom for sequencing
// command/response exchanges.
package engine

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"time"

	"github.com/hansallis/apple-home-key-reader/internal/reader/apdu"
	"github.com/hansallis/apple-home-key-reader/internal/reader/keymaterial"
)

// Flow names which HomeKey authentication flow was requested or completed.
type Flow int

const (
	Fast Flow = iota
	Standard
)

func (f Flow) String() string {
	if f == Standard {
		return "STANDARD"
	}
	return "FAST"
}

// TransactionCode identifies the purpose of the transaction, carried in
// the AUTH0 request (spec §4.5).
type TransactionCode byte

const (
	Unlock TransactionCode = 0x01
)

// Input bundles everything the engine needs to run one transaction
// (spec §4.5 Inputs).
type Input struct {
	Issuers           []keymaterial.Issuer
	PreferredVersions []uint16
	Flow              Flow
	TransactionCode   TransactionCode
	ReaderIdentifier  [16]byte // group_id || reader_identifier
	ReaderPrivateKey  [32]byte
	KeySize           int // octets, e.g. 16
	Ephemeral         EphemeralKeySource
}

// Result is the engine's outcome (spec §4.5 Outputs).
type Result struct {
	ResultFlow     Flow
	UpdatedIssuers []keymaterial.Issuer // non-empty iff persistent material changed
	Endpoint       *keymaterial.Endpoint
}

// Run executes one HomeKey transaction against t. A nil error with
// Result.Endpoint == nil means the device completed the exchange but was
// not recognized (spec's NotAuthenticated outcome — not a failure).
func Run(t apdu.Transceiver, in Input) (Result, error) {
	eph := in.Ephemeral
	if eph == nil {
		eph = RandomEphemeralKeySource
	}

	selectResp, err := apdu.Transceive(t, selectCommand())
	if err != nil {
		return Result{}, err
	}
	deviceVersions, err := parseFCI(selectResp.Data)
	if err != nil {
		return Result{}, &ProtocolError{Kind: "framing"}
	}
	if _, ok := negotiateVersion(deviceVersions, in.PreferredVersions); !ok {
		return Result{}, &ProtocolError{Kind: "version"}
	}

	readerEphemeral, err := eph()
	if err != nil {
		return Result{}, &ProtocolError{Kind: "framing"}
	}
	readerEphemeralPub := marshalPublicKey(&readerEphemeral.PublicKey)

	auth0Resp, err := apdu.Transceive(t, auth0Command(readerEphemeralPub, in.ReaderIdentifier[:], byte(in.TransactionCode), in.Flow))
	if err != nil {
		return Result{}, err
	}
	if !auth0Resp.IsSuccess() {
		return Result{}, &ProtocolError{Kind: "framing"}
	}
	a0, err := parseAuth0Response(auth0Resp.Data)
	if err != nil {
		return Result{}, err
	}

	if in.Flow == Standard {
		return runStandard(t, in, readerEphemeral, a0)
	}

	candidate, endpoint, err := findFastCandidate(in.Issuers, readerEphemeralPub, a0.DeviceEphemeralPub, in.ReaderIdentifier[:], byte(in.TransactionCode), a0.Cryptogram, in.KeySize)
	if err != nil {
		return Result{}, err
	}
	if candidate != nil {
		return finishFast(t, candidate, endpoint)
	}

	// FAST yielded no candidate: fall through to STANDARD (spec §4.5 step 3).
	return runStandard(t, in, readerEphemeral, a0)
}

// finishFast runs the spec §4.5 step 5 control-flow exchange that
// runStandard also runs, so a persistent-key rotation requested by the
// device is picked up on FAST too, not just STANDARD.
func finishFast(t apdu.Transceiver, issuer *keymaterial.Issuer, endpoint *keymaterial.Endpoint) (Result, error) {
	commitResp, err := apdu.Transceive(t, controlFlowCommitCommand())
	if err != nil {
		return Result{}, err
	}
	if !commitResp.IsSuccess() {
		return Result{}, &ProtocolError{Kind: "framing"}
	}
	if newKey, ok := parseControlFlowPersistentKey(commitResp.Data); ok {
		endpoint.PersistentKey = newKey
	}

	endpoint.Touch(endpoint.Counter+1, time.Now())
	return Result{ResultFlow: Fast, UpdatedIssuers: []keymaterial.Issuer{*issuer}, Endpoint: endpoint}, nil
}

// findFastCandidate derives the FAST cryptogram for every known endpoint
// and looks for an exact match against the device-reported cryptogram
// (spec §4.5 step 3). Ties are a protocol error (spec invariant).
func findFastCandidate(issuers []keymaterial.Issuer, readerEphemeralPub, deviceEphemeralPub, readerIdentifier []byte, transactionCode byte, deviceCryptogram []byte, keySize int) (*keymaterial.Issuer, *keymaterial.Endpoint, error) {
	var matchIssuer *keymaterial.Issuer
	var matchEndpoint *keymaterial.Endpoint

	for i := range issuers {
		issuer := &issuers[i]
		for j := range issuer.Endpoints {
			endpoint := &issuer.Endpoints[j]
			if len(endpoint.PersistentKey) == 0 {
				continue
			}
			got, err := deriveFastCryptogram(endpoint.PersistentKey, readerEphemeralPub, deviceEphemeralPub, readerIdentifier, transactionCode, keySize)
			if err != nil {
				continue
			}
			if constantTimeEqual(got, deviceCryptogram[:keySize]) {
				if matchEndpoint != nil {
					return nil, nil, &ProtocolError{Kind: "ambiguous"}
				}
				matchIssuer, matchEndpoint = issuer, endpoint
			}
		}
	}
	return matchIssuer, matchEndpoint, nil
}

// runStandard executes the STANDARD flow (spec §4.5 step 4), either when
// it was requested or after a FAST miss: it picks the endpoint named by the
// AUTH0 endpoint hint, runs ECDH against that endpoint's static public key,
// sends a reader signature over the transcript, and verifies the device
// signature.
func runStandard(t apdu.Transceiver, in Input, readerEphemeral *ecdsa.PrivateKey, a0 auth0Response) (Result, error) {
	readerLongTerm := privateKeyFromBytes(in.ReaderPrivateKey[:])

	issuer, endpoint := findEndpointByHint(in.Issuers, a0.EndpointHint)
	if endpoint == nil {
		return Result{}, nil // NotAuthenticated: no endpoint matches the hint
	}

	endpointPub, err := unmarshalPublicKey(endpoint.PublicKey)
	if err != nil {
		return Result{}, &ProtocolError{Kind: "framing"}
	}

	shared := ecdh(readerLongTerm, endpointPub)
	transcript := standardTranscript(marshalPublicKey(&readerEphemeral.PublicKey), a0.DeviceEphemeralPub, in.ReaderIdentifier[:])

	writeKey, _, err := deriveStandardSessionKeys(shared, transcript)
	if err != nil {
		return Result{}, &ProtocolError{Kind: "framing"}
	}

	readerSig, err := ecdsa.SignASN1(randReader(), readerLongTerm, transcriptHash(transcript, writeKey))
	if err != nil {
		return Result{}, &ProtocolError{Kind: "signature"}
	}
	readerSigFixed := fixedLengthSignature(readerSig)

	resp, err := apdu.Transceive(t, auth1Command(readerSigFixed, transcriptHash(transcript, writeKey)))
	if err != nil {
		return Result{}, err
	}
	if !resp.IsSuccess() {
		return Result{}, &ProtocolError{Kind: "signature"}
	}
	a1, err := parseAuth1Response(resp.Data)
	if err != nil {
		return Result{}, err
	}

	if !verifyFixedLengthSignature(endpointPub, transcriptHash(transcript, writeKey), a1.DeviceSignature) {
		return Result{}, &ProtocolError{Kind: "signature"}
	}

	commitResp, err := apdu.Transceive(t, controlFlowCommitCommand())
	if err != nil {
		return Result{}, err
	}
	if !commitResp.IsSuccess() {
		return Result{}, &ProtocolError{Kind: "framing"}
	}

	if a1.NewPersistentKey != nil {
		endpoint.PersistentKey = a1.NewPersistentKey
	}
	if newKey, ok := parseControlFlowPersistentKey(commitResp.Data); ok {
		endpoint.PersistentKey = newKey
	}

	newCounter := endpoint.Counter + 1
	if newCounter <= endpoint.Counter {
		return Result{}, &ProtocolError{Kind: "counter"}
	}
	endpoint.Touch(newCounter, time.Now())

	return Result{ResultFlow: Standard, UpdatedIssuers: []keymaterial.Issuer{*issuer}, Endpoint: endpoint}, nil
}

func standardTranscript(readerEphemeralPub, deviceEphemeralPub, readerIdentifier []byte) []byte {
	out := make([]byte, 0, len(readerEphemeralPub)+len(deviceEphemeralPub)+len(readerIdentifier))
	out = append(out, readerEphemeralPub...)
	out = append(out, deviceEphemeralPub...)
	out = append(out, readerIdentifier...)
	return out
}

func transcriptHash(transcript, key []byte) []byte {
	h := sha256.New()
	h.Write(key)
	h.Write(transcript)
	return h.Sum(nil)
}

// findEndpointByHint locates the endpoint whose ID ends with the
// AUTH0-reported endpoint hint (spec §4.5 step 2: a 4-octet hint).
func findEndpointByHint(issuers []keymaterial.Issuer, hint []byte) (*keymaterial.Issuer, *keymaterial.Endpoint) {
	for i := range issuers {
		issuer := &issuers[i]
		for j := range issuer.Endpoints {
			endpoint := &issuer.Endpoints[j]
			if len(endpoint.ID) >= len(hint) && bytesHaveSuffix(endpoint.ID, hint) {
				return issuer, endpoint
			}
		}
	}
	return nil, nil
}

func bytesHaveSuffix(id, hint []byte) bool {
	if len(hint) == 0 || len(id) < len(hint) {
		return false
	}
	offset := len(id) - len(hint)
	for i := range hint {
		if id[offset+i] != hint[i] {
			return false
		}
	}
	return true
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
