// Package controlpoint implements the NFC Access Control Point TLV codec
// (spec §4.6): base64-wrapped TLV requests in, TLV responses out, plus the
// Hardware Finish and Supported Configuration static characteristics
// (spec §4.7).
package controlpoint

import (
	"encoding/base64"
	"fmt"
)

// Operation is the requested control-point action.
type Operation byte

const (
	OpGet    Operation = 0x01
	OpAdd    Operation = 0x02
	OpRemove Operation = 0x03
)

// Kind distinguishes which sub-request a ControlPointRequest carries.
type Kind byte

const (
	KindReaderKey        Kind = 0x01
	KindDeviceCredential Kind = 0x02
)

// Status is the result code returned in a ControlPointResponse.
type Status byte

const (
	StatusSuccess      Status = 0x00
	StatusDuplicate    Status = 0x01
	StatusDoesNotExist Status = 0x02
)

// Top-level TLV tags.
const (
	tagOperation     = 0x01
	tagKind          = 0x02
	tagReaderKeyReq  = 0x03
	tagDeviceCredReq = 0x04
	tagStatus        = 0x05
	tagReaderKeyResp = 0x06
	tagDeviceResp    = 0x07
	tagIdentifier    = 0x08
)

// Reader-key sub-request tags.
const (
	tagReaderPrivateKey      = 0x01
	tagUniqueReaderIdentifier = 0x02
	tagKeyIdentifier         = 0x03
)

// Device-credential sub-request tags.
const (
	tagIssuerKeyIdentifier  = 0x01
	tagCredentialPublicKey  = 0x02
	tagKeyType              = 0x03
)

// ReaderKeyRequest carries the fields relevant to a reader-key operation.
// Only the fields relevant to Operation are populated by the caller.
type ReaderKeyRequest struct {
	ReaderPrivateKey       []byte // 32 octets, ADD
	UniqueReaderIdentifier []byte // 8 octets, ADD
	KeyIdentifier          []byte // 8 octets, REMOVE (current group id)
}

// DeviceCredentialRequest carries the fields relevant to a
// device-credential operation.
type DeviceCredentialRequest struct {
	IssuerKeyIdentifier []byte // 32 octets, ADD
	CredentialPublicKey []byte // 32 octets (x-coordinate only; 0x04 prefix added by caller), ADD
	KeyType             byte
}

// ControlPointRequest is the parsed control-point characteristic write.
type ControlPointRequest struct {
	Operation  Operation
	Kind       Kind
	ReaderKey  *ReaderKeyRequest
	DeviceCred *DeviceCredentialRequest
}

// ControlPointResponse is the payload encoded back to the characteristic.
type ControlPointResponse struct {
	Status     Status
	Identifier []byte // GET response payload (e.g. reader group id)
}

func tlvEncode(tag byte, value []byte) []byte {
	out := make([]byte, 0, 2+len(value))
	out = append(out, tag, byte(len(value)))
	out = append(out, value...)
	return out
}

type tlv struct {
	tag   byte
	value []byte
}

func tlvDecodeAll(data []byte) ([]tlv, error) {
	var out []tlv
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, fmt.Errorf("controlpoint: truncated TLV header")
		}
		tag, length := data[0], int(data[1])
		if len(data) < 2+length {
			return nil, fmt.Errorf("controlpoint: truncated TLV value for tag 0x%02x", tag)
		}
		out = append(out, tlv{tag: tag, value: data[2 : 2+length]})
		data = data[2+length:]
	}
	return out, nil
}

func findTLV(tlvs []tlv, tag byte) ([]byte, bool) {
	for _, t := range tlvs {
		if t.tag == tag {
			return t.value, true
		}
	}
	return nil, false
}

// DecodeRequest parses a base64-wrapped TLV control-point write.
func DecodeRequest(b64 string) (ControlPointRequest, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return ControlPointRequest{}, fmt.Errorf("controlpoint: base64 decode: %w", err)
	}
	top, err := tlvDecodeAll(raw)
	if err != nil {
		return ControlPointRequest{}, err
	}

	opBytes, ok := findTLV(top, tagOperation)
	if !ok || len(opBytes) != 1 {
		return ControlPointRequest{}, fmt.Errorf("controlpoint: missing operation")
	}
	kindBytes, ok := findTLV(top, tagKind)
	if !ok || len(kindBytes) != 1 {
		return ControlPointRequest{}, fmt.Errorf("controlpoint: missing kind")
	}

	req := ControlPointRequest{Operation: Operation(opBytes[0]), Kind: Kind(kindBytes[0])}

	switch req.Kind {
	case KindReaderKey:
		sub, _ := findTLV(top, tagReaderKeyReq)
		inner, err := tlvDecodeAll(sub)
		if err != nil {
			return ControlPointRequest{}, err
		}
		rk := &ReaderKeyRequest{}
		if v, ok := findTLV(inner, tagReaderPrivateKey); ok {
			rk.ReaderPrivateKey = v
		}
		if v, ok := findTLV(inner, tagUniqueReaderIdentifier); ok {
			rk.UniqueReaderIdentifier = v
		}
		if v, ok := findTLV(inner, tagKeyIdentifier); ok {
			rk.KeyIdentifier = v
		}
		req.ReaderKey = rk
	case KindDeviceCredential:
		sub, _ := findTLV(top, tagDeviceCredReq)
		inner, err := tlvDecodeAll(sub)
		if err != nil {
			return ControlPointRequest{}, err
		}
		dc := &DeviceCredentialRequest{}
		if v, ok := findTLV(inner, tagIssuerKeyIdentifier); ok {
			dc.IssuerKeyIdentifier = v
		}
		if v, ok := findTLV(inner, tagCredentialPublicKey); ok {
			dc.CredentialPublicKey = v
		}
		if v, ok := findTLV(inner, tagKeyType); ok && len(v) == 1 {
			dc.KeyType = v[0]
		}
		req.DeviceCred = dc
	default:
		return ControlPointRequest{}, fmt.Errorf("controlpoint: unknown kind 0x%02x", req.Kind)
	}

	return req, nil
}

// EncodeResponse serializes resp as a base64-wrapped TLV.
func EncodeResponse(resp ControlPointResponse) string {
	var raw []byte
	raw = append(raw, tlvEncode(tagStatus, []byte{byte(resp.Status)})...)
	if resp.Identifier != nil {
		raw = append(raw, tlvEncode(tagIdentifier, resp.Identifier)...)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// EncodeRequest serializes req as a base64-wrapped TLV. Tests use it for
// the encode∘decode round-trip law (spec §8); the service uses it to pack a
// device-credential request as a HAP enrollment payload.
func EncodeRequest(req ControlPointRequest) string {
	var raw []byte
	raw = append(raw, tlvEncode(tagOperation, []byte{byte(req.Operation)})...)
	raw = append(raw, tlvEncode(tagKind, []byte{byte(req.Kind)})...)

	switch req.Kind {
	case KindReaderKey:
		var inner []byte
		if req.ReaderKey != nil {
			if req.ReaderKey.ReaderPrivateKey != nil {
				inner = append(inner, tlvEncode(tagReaderPrivateKey, req.ReaderKey.ReaderPrivateKey)...)
			}
			if req.ReaderKey.UniqueReaderIdentifier != nil {
				inner = append(inner, tlvEncode(tagUniqueReaderIdentifier, req.ReaderKey.UniqueReaderIdentifier)...)
			}
			if req.ReaderKey.KeyIdentifier != nil {
				inner = append(inner, tlvEncode(tagKeyIdentifier, req.ReaderKey.KeyIdentifier)...)
			}
		}
		raw = append(raw, tlvEncode(tagReaderKeyReq, inner)...)
	case KindDeviceCredential:
		var inner []byte
		if req.DeviceCred != nil {
			if req.DeviceCred.IssuerKeyIdentifier != nil {
				inner = append(inner, tlvEncode(tagIssuerKeyIdentifier, req.DeviceCred.IssuerKeyIdentifier)...)
			}
			if req.DeviceCred.CredentialPublicKey != nil {
				inner = append(inner, tlvEncode(tagCredentialPublicKey, req.DeviceCred.CredentialPublicKey)...)
			}
			inner = append(inner, tlvEncode(tagKeyType, []byte{req.DeviceCred.KeyType})...)
		}
		raw = append(raw, tlvEncode(tagDeviceCredReq, inner)...)
	}

	return base64.StdEncoding.EncodeToString(raw)
}

// FinishColor is the hardware finish enum (spec §4.7).
type FinishColor byte

const (
	FinishTan FinishColor = iota
	FinishGold
	FinishSilver
	FinishBlack
)

// ParseFinishColor maps a configuration string to FinishColor, defaulting
// to Black when unrecognized (spec §4.7).
func ParseFinishColor(s string) FinishColor {
	switch s {
	case "tan":
		return FinishTan
	case "gold":
		return FinishGold
	case "silver":
		return FinishSilver
	default:
		return FinishBlack
	}
}

// EncodeHardwareFinish returns the base64-TLV hardware finish response.
func EncodeHardwareFinish(c FinishColor) string {
	return base64.StdEncoding.EncodeToString(tlvEncode(0x01, []byte{byte(c)}))
}

// SupportedConfigurationResponse is a fixed, controller-facing
// characteristic value (spec §4.7).
type SupportedConfigurationResponse struct {
	NumberOfIssuerKeys         byte
	NumberOfInactiveCredentials byte
}

// DefaultSupportedConfiguration matches spec §4.7's fixed values.
var DefaultSupportedConfiguration = SupportedConfigurationResponse{
	NumberOfIssuerKeys:          16,
	NumberOfInactiveCredentials: 16,
}

// EncodeSupportedConfiguration returns the base64-TLV encoding of resp.
func EncodeSupportedConfiguration(resp SupportedConfigurationResponse) string {
	var raw []byte
	raw = append(raw, tlvEncode(0x01, []byte{resp.NumberOfIssuerKeys})...)
	raw = append(raw, tlvEncode(0x02, []byte{resp.NumberOfInactiveCredentials})...)
	return base64.StdEncoding.EncodeToString(raw)
}
