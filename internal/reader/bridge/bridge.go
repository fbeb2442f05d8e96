// Package bridge implements the lock activation bridge (spec §4.8): a
// pure relay between an authenticated HomeKey endpoint and the oracle's
// vendor-protocol decisions, with no semantics of its own applied to the
// byte streams it carries.
//
// Grounded on original_source/api_client.py's LockAPIClient
// (initiate_lock_activation) and ble_client.py's _handle_received_data/
// _handle_api_response for the relay's two legs.
package bridge

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hansallis/apple-home-key-reader/pkg/logger"
)

// OracleError reports that the oracle was unreachable, returned a
// non-2xx status, or an unexpected JSON shape (spec §7).
type OracleError struct {
	Kind string // "timeout" | "status" | "shape"
	Err  error
}

func (e *OracleError) Error() string { return fmt.Sprintf("bridge: oracle %s: %v", e.Kind, e.Err) }
func (e *OracleError) Unwrap() error { return e.Err }

const requestTimeout = 10 * time.Second

// Oracle is a thin HTTP client for the two bridge routes (spec §6
// "Oracle endpoints").
type Oracle struct {
	baseURL string
	client  *http.Client
	log     *logger.Log
}

// NewOracle constructs an Oracle client against baseURL.
func NewOracle(baseURL string, log *logger.Log) *Oracle {
	return &Oracle{baseURL: baseURL, client: &http.Client{Timeout: requestTimeout}, log: log}
}

// ActivationResult is the oracle's instruction after an endpoint
// authenticates (spec §4.8 step 2).
type ActivationResult struct {
	Serial  uint32
	Message []byte
}

// initiateRequest's wire key stays endpointId for compatibility with the
// oracle's existing route, but per spec §4.8 step 2 / original_source/
// service.py:97-103 the value carried is the issuer id, not the endpoint
// id.
type initiateRequest struct {
	EndpointID string `json:"endpointId"`
}

type initiateResponseEnvelope struct {
	Tag  string `json:"tag"`
	Data struct {
		Serial  uint32    `json:"serial"`
		Message byteArray `json:"message"`
	} `json:"data"`
}

// InitiateActivation posts the authenticating issuer's id to
// `<base>/_r/homekey_authenticated` and parses the oracle's
// initiate_bluetooth_connection instruction (spec §4.8 steps 1-2).
func (o *Oracle) InitiateActivation(ctx context.Context, issuerID []byte) (ActivationResult, error) {
	req := initiateRequest{EndpointID: hex.EncodeToString(issuerID)}
	var env initiateResponseEnvelope
	if err := o.post(ctx, "/_r/homekey_authenticated", req, &env); err != nil {
		return ActivationResult{}, err
	}
	if env.Tag != "initiate_bluetooth_connection" {
		return ActivationResult{}, &OracleError{Kind: "shape", Err: fmt.Errorf("unexpected tag %q", env.Tag)}
	}
	return ActivationResult{Serial: env.Data.Serial, Message: []byte(env.Data.Message)}, nil
}

// RelayAction is the oracle's instruction for a BLE message the lock sent
// back (spec §4.8 step 4).
type RelayAction struct {
	Tag     string // "send_bluetooth_message" | "close_bluetooth_connection" | anything else
	Message []byte
}

type relayRequest struct {
	Message  byteArray `json:"message"`
	IssuerID string    `json:"issuerId,omitempty"`
}

type relayResponseEnvelope struct {
	Tag  string    `json:"tag"`
	Data byteArray `json:"data"`
}

// RelayMessage posts a BLE notification to
// `<base>/_r/homekey_ble_message_received` and returns the oracle's
// instruction (spec §4.8 step 4).
func (o *Oracle) RelayMessage(ctx context.Context, message []byte, issuerID []byte) (RelayAction, error) {
	req := relayRequest{Message: byteArray(message)}
	if issuerID != nil {
		req.IssuerID = hex.EncodeToString(issuerID)
	}
	var env relayResponseEnvelope
	if err := o.post(ctx, "/_r/homekey_ble_message_received", req, &env); err != nil {
		return RelayAction{}, err
	}
	return RelayAction{Tag: env.Tag, Message: []byte(env.Data)}, nil
}

// post issues one request against path, tagging it with a correlation id
// (spec §6 oracle calls are fire-and-forget from the device's perspective,
// so the request id is the only thread tying a log line back to its
// response) logged the same way dc4eu-vc/internal/issuer/httpserver's
// middlewareTraceID tags a gin request with req_id.
func (o *Oracle) post(ctx context.Context, path string, body, out interface{}) error {
	reqID := uuid.NewString()

	payload, err := json.Marshal(body)
	if err != nil {
		o.log.Error(err, "oracle request encode failed", "path", path, "req_id", reqID)
		return &OracleError{Kind: "shape", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		o.log.Error(err, "oracle request build failed", "path", path, "req_id", reqID)
		return &OracleError{Kind: "shape", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", reqID)

	o.log.Debug("oracle request", "path", path, "req_id", reqID)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		o.log.Error(err, "oracle request failed", "path", path, "req_id", reqID)
		return &OracleError{Kind: "timeout", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		o.log.Error(fmt.Errorf("status %d", resp.StatusCode), "oracle returned non-OK status", "path", path, "req_id", reqID, "status", resp.StatusCode)
		return &OracleError{Kind: "status", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		o.log.Error(err, "oracle response decode failed", "path", path, "req_id", reqID)
		return &OracleError{Kind: "shape", Err: err}
	}
	return nil
}
