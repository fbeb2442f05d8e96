// Package service is the reader's top-level orchestrator (spec §1, §4):
// it wires the key-material store, the HomeKey transaction engine (via
// nfcloop), the lock activation bridge, and the BLE manager together, and
// exposes the HAP-facing control-point/hardware-finish/configuration-state
// methods that an external HAP accessory driver (out of scope, spec §1)
// calls into.
//
// Grounded on original_source/service.py's Service class: same
// constructor-time finish/flow fallback-with-warning behavior, the same
// get/add/remove_reader_key and add_device_credential semantics (including
// the DUPLICATE-on-successful-create quirk, spec §9 Open Question), and
// the same on_endpoint_authenticated hand-off from the NFC thread to the
// lock-activation path — reworked here as an explicit AuthenticatedHandler
// passed into nfcloop.Config rather than a second asyncio event loop.
package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/hansallis/apple-home-key-reader/internal/reader/ble"
	"github.com/hansallis/apple-home-key-reader/internal/reader/bridge"
	"github.com/hansallis/apple-home-key-reader/internal/reader/controlpoint"
	"github.com/hansallis/apple-home-key-reader/internal/reader/ecp"
	"github.com/hansallis/apple-home-key-reader/internal/reader/engine"
	"github.com/hansallis/apple-home-key-reader/internal/reader/keymaterial"
	"github.com/hansallis/apple-home-key-reader/internal/reader/nfcdriver"
	"github.com/hansallis/apple-home-key-reader/internal/reader/nfcloop"
	"github.com/hansallis/apple-home-key-reader/internal/reader/store"
	"github.com/hansallis/apple-home-key-reader/pkg/logger"
)

// preferredVersions is the HomeKey protocol version the reader offers
// during SELECT, matching original_source/service.py's
// `preferred_versions=[b"\x02\x00"]`.
var preferredVersions = []uint16{0x0200}

// Config configures one Service. BLERegistry and BLEManager are
// constructed by the caller (cmd/reader) against a real or fake Scanner/
// GATT backend, so Service never needs to name ble's unexported backend
// seam.
type Config struct {
	Frontend        nfcdriver.ContactlessFrontend
	Store           store.Store
	BLERegistry     *ble.Registry
	BLEManager      *ble.Manager
	OracleBaseURL   string
	Express         bool
	FinishName      string // "tan" | "gold" | "silver" | "black", default black
	FlowName        string // "fast" | "standard", default fast
	ThrottlePolling time.Duration

	// CompatDuplicateOnCreate preserves the observed original behavior of
	// replying DUPLICATE on a successful new-endpoint creation (spec §9
	// Open Question).
	CompatDuplicateOnCreate bool

	Log *logger.Log
}

// Service is the reader's running process: an NFC polling loop, a BLE
// registry background scan, and the HAP-facing control surface, all
// sharing one key-material store.
type Service struct {
	store      store.Store
	loop       *nfcloop.Loop
	bridge     *bridge.Bridge
	registry   *ble.Registry
	manager    *ble.Manager
	finish     controlpoint.FinishColor
	compatDup  bool
	log        *logger.Log
	loopErrCh  chan error
	cancel     context.CancelFunc
}

// New constructs a Service. It never starts the NFC loop or BLE registry;
// call Start for that (spec §4.4 step 1: a Service may exist configured
// but inactive if the reader key is unconfigured).
func New(cfg Config) *Service {
	finish := controlpoint.ParseFinishColor(cfg.FinishName)

	flow, ok := engine.Fast, true
	switch cfg.FlowName {
	case "", "fast":
		flow = engine.Fast
	case "standard":
		flow = engine.Standard
	default:
		ok = false
	}
	if !ok {
		cfg.Log.Info("digital key flow not supported, falling back to fast", "requested", cfg.FlowName)
		flow = engine.Fast
	}

	oracle := bridge.NewOracle(cfg.OracleBaseURL, cfg.Log)
	b := bridge.New(oracle, cfg.BLEManager, cfg.Log)

	svc := &Service{
		store:     cfg.Store,
		bridge:    b,
		registry:  cfg.BLERegistry,
		manager:   cfg.BLEManager,
		finish:    finish,
		compatDup: cfg.CompatDuplicateOnCreate,
		log:       cfg.Log,
		loopErrCh: make(chan error, 1),
	}

	svc.loop = nfcloop.New(nfcloop.Config{
		Frontend: cfg.Frontend,
		Store:    cfg.Store,
		Broadcast: func(groupID [keymaterial.GroupIdentifierSize]byte) []byte {
			return ecp.Home(groupID, cfg.Express)
		},
		OnAuthenticated:   svc.onEndpointAuthenticated,
		PreferredVersions: preferredVersions,
		Flow:              flow,
		TransactionCode:   engine.Unlock,
		ThrottlePolling:   cfg.ThrottlePolling,
		Log:               cfg.Log,
	})

	return svc
}

// Start launches the NFC polling loop and the BLE background scan, each on
// its own goroutine (spec §5). It returns immediately; loop failures are
// logged, not returned, since a misconfigured reader key is a recoverable
// steady state (spec §4.4 step 1) rather than a process-fatal error.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		if s.registry != nil {
			s.registry.Run(ctx)
		}
	}()

	go func() {
		s.loopErrCh <- s.loop.Run()
	}()
}

// Stop requests the NFC loop and BLE registry to exit, waiting up to the
// context deadline for the NFC loop's current iteration to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.loop.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.loop.Wait(ctx); err != nil {
		return err
	}
	if s.registry != nil {
		s.registry.Stop()
	}
	if s.manager != nil {
		return s.manager.Close()
	}
	return nil
}

// onEndpointAuthenticated is the nfcloop.AuthenticatedHandler: it runs on
// its own goroutine (nfcloop never blocks on it, spec §4.4 step 6) and
// hands the endpoint to the lock activation bridge.
func (s *Service) onEndpointAuthenticated(issuerID []byte, endpoint keymaterial.Endpoint) {
	s.log.Info("endpoint authenticated, activating lock", "endpoint", endpoint.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.bridge.Activate(ctx, issuerID, endpoint)
}

// ReaderConfigured reports whether the reader key is set, satisfying
// healthserver.StatusProvider (spec §3 invariant: NFC polling is only
// active when this is true).
func (s *Service) ReaderConfigured() bool {
	return !keymaterial.IsZero(s.store.GetReaderPrivateKey())
}

// GetHardwareFinish returns the base64-TLV hardware finish characteristic
// value (spec §4.7).
func (s *Service) GetHardwareFinish() string {
	return controlpoint.EncodeHardwareFinish(s.finish)
}

// GetNFCAccessSupportedConfiguration returns the fixed base64-TLV
// supported-configuration characteristic value (spec §4.7).
func (s *Service) GetNFCAccessSupportedConfiguration() string {
	return controlpoint.EncodeSupportedConfiguration(controlpoint.DefaultSupportedConfiguration)
}

// GetNFCAccessControlPoint returns the control-point characteristic's
// current read value. The characteristic is write-driven (requests arrive
// via SetNFCAccessControlPoint); there is nothing meaningful to read back
// outside of a response to the most recent write, matching
// original_source/service.py's `get_nfc_access_control_point` stub.
func (s *Service) GetNFCAccessControlPoint() string {
	return ""
}

// SetNFCAccessControlPoint decodes a base64-wrapped TLV control-point
// write, dispatches it to the reader-key or device-credential handler for
// the requested operation, and returns the base64-wrapped TLV response
// (spec §4.6).
func (s *Service) SetNFCAccessControlPoint(value string) (string, error) {
	req, err := controlpoint.DecodeRequest(value)
	if err != nil {
		return "", fmt.Errorf("service: decoding control point request: %w", err)
	}

	var resp controlpoint.ControlPointResponse
	switch req.Kind {
	case controlpoint.KindReaderKey:
		resp = s.dispatchReaderKey(req.Operation, req.ReaderKey)
	case controlpoint.KindDeviceCredential:
		resp = s.dispatchDeviceCredential(req.Operation, req.DeviceCred)
	default:
		return "", fmt.Errorf("service: unknown control point request kind 0x%02x", req.Kind)
	}

	return controlpoint.EncodeResponse(resp), nil
}

// GetConfigurationState always reports 0 (spec §4.7: the reader never
// advances a HAP configuration-state counter on its own).
func (s *Service) GetConfigurationState() int {
	return 0
}

func (s *Service) dispatchReaderKey(op controlpoint.Operation, req *controlpoint.ReaderKeyRequest) controlpoint.ControlPointResponse {
	if req == nil {
		req = &controlpoint.ReaderKeyRequest{}
	}
	switch op {
	case controlpoint.OpGet:
		return s.getReaderKey()
	case controlpoint.OpAdd:
		return s.addReaderKey(req)
	case controlpoint.OpRemove:
		return s.removeReaderKey(req)
	default:
		return controlpoint.ControlPointResponse{Status: controlpoint.StatusDoesNotExist}
	}
}

// getReaderKey reports the reader's current group identifier
// (original_source/service.py's `get_reader_key`).
func (s *Service) getReaderKey() controlpoint.ControlPointResponse {
	groupID := s.store.GetReaderGroupIdentifier()
	return controlpoint.ControlPointResponse{Status: controlpoint.StatusSuccess, Identifier: groupID[:]}
}

// addReaderKey installs the reader's private key and identifier,
// reporting DUPLICATE when neither value actually changed
// (original_source/service.py's `add_reader_key`).
func (s *Service) addReaderKey(req *controlpoint.ReaderKeyRequest) controlpoint.ControlPointResponse {
	changed := false

	var newKey [keymaterial.ReaderKeySize]byte
	copy(newKey[:], req.ReaderPrivateKey)
	if s.store.GetReaderPrivateKey() != newKey {
		changed = true
		if err := s.store.SetReaderPrivateKey(newKey); err != nil {
			s.log.Error(err, "persisting reader private key")
		}
	}

	var newID [keymaterial.ReaderIdentifierSize]byte
	copy(newID[:], req.UniqueReaderIdentifier)
	if s.store.GetReaderIdentifier() != newID {
		changed = true
		if err := s.store.SetReaderIdentifier(newID); err != nil {
			s.log.Error(err, "persisting reader identifier")
		}
	}

	if changed {
		return controlpoint.ControlPointResponse{Status: controlpoint.StatusSuccess}
	}
	return controlpoint.ControlPointResponse{Status: controlpoint.StatusDuplicate}
}

// removeReaderKey zeroes the reader's private key when the request names
// the reader's current group identifier, reporting DOES_NOT_EXIST
// otherwise (original_source/service.py's `remove_reader_key`).
func (s *Service) removeReaderKey(req *controlpoint.ReaderKeyRequest) controlpoint.ControlPointResponse {
	groupID := s.store.GetReaderGroupIdentifier()
	if !bytes.Equal(req.KeyIdentifier, groupID[:]) {
		return controlpoint.ControlPointResponse{Status: controlpoint.StatusDoesNotExist}
	}
	var zero [keymaterial.ReaderKeySize]byte
	if err := s.store.SetReaderPrivateKey(zero); err != nil {
		s.log.Error(err, "clearing reader private key")
	}
	return controlpoint.ControlPointResponse{Status: controlpoint.StatusSuccess}
}

func (s *Service) dispatchDeviceCredential(op controlpoint.Operation, req *controlpoint.DeviceCredentialRequest) controlpoint.ControlPointResponse {
	if req == nil {
		req = &controlpoint.DeviceCredentialRequest{}
	}
	switch op {
	case controlpoint.OpGet:
		return s.getDeviceCredential(req)
	case controlpoint.OpAdd:
		return s.addDeviceCredential(req)
	case controlpoint.OpRemove:
		return s.removeDeviceCredential(req)
	default:
		return controlpoint.ControlPointResponse{Status: controlpoint.StatusDoesNotExist}
	}
}

// getDeviceCredential is unimplemented in original_source/service.py
// (logs the request, returns None). Spec §9 Open Question resolves the
// HAP-visible result of an unimplemented read as an explicit
// DOES_NOT_EXIST rather than an empty/ambiguous response.
func (s *Service) getDeviceCredential(req *controlpoint.DeviceCredentialRequest) controlpoint.ControlPointResponse {
	s.log.Info("get_device_credential is not implemented", "issuerKeyIdentifier", req.IssuerKeyIdentifier)
	return controlpoint.ControlPointResponse{Status: controlpoint.StatusDoesNotExist}
}

// addDeviceCredential enrolls a new endpoint under the named issuer, or
// refreshes the HAP enrollment of an existing endpoint sharing the given
// credential public key (original_source/service.py's
// `add_device_credential`).
//
// The original implementation replies DUPLICATE even on a brand-new
// endpoint's first successful creation; CompatDuplicateOnCreate preserves
// that behavior by default (spec §9 Open Question).
func (s *Service) addDeviceCredential(req *controlpoint.DeviceCredentialRequest) controlpoint.ControlPointResponse {
	publicKey := append([]byte{0x04}, req.CredentialPublicKey...)
	enrollmentPayload := packDeviceCredentialEnrollment(req)

	if existing := s.store.GetEndpointByPublicKey(publicKey); existing != nil {
		if issuer := s.store.GetIssuerByEndpoint(existing.ID); issuer != nil {
			existing.Enrollments.HAP = &keymaterial.Enrollment{
				At:      time.Now().Unix(),
				Payload: enrollmentPayload,
			}
			if err := s.store.UpsertEndpoint(issuer.ID, *existing); err != nil {
				s.log.Error(err, "persisting device credential enrollment")
			}
		}
		return controlpoint.ControlPointResponse{Status: controlpoint.StatusDuplicate}
	}

	issuer := s.store.GetIssuerByID(req.IssuerKeyIdentifier)
	if issuer == nil {
		return controlpoint.ControlPointResponse{Status: controlpoint.StatusDoesNotExist}
	}

	persistentKey := make([]byte, 32)
	if _, err := rand.Read(persistentKey); err != nil {
		s.log.Error(err, "generating device credential persistent key")
	}

	endpoint := keymaterial.Endpoint{
		ID:            append([]byte{}, req.CredentialPublicKey...),
		PublicKey:     publicKey,
		PersistentKey: persistentKey,
		KeyType:       req.KeyType,
		Enrollments: keymaterial.Enrollments{
			HAP: &keymaterial.Enrollment{
				At:      time.Now().Unix(),
				Payload: enrollmentPayload,
			},
		},
	}
	if err := s.store.UpsertEndpoint(issuer.ID, endpoint); err != nil {
		s.log.Error(err, "persisting new device credential")
	}

	if s.compatDup {
		return controlpoint.ControlPointResponse{Status: controlpoint.StatusDuplicate}
	}
	return controlpoint.ControlPointResponse{Status: controlpoint.StatusSuccess}
}

// packDeviceCredentialEnrollment returns the decoded bytes of the base64
// HAP-request blob original_source/service.py:336,364 stores as the HAP
// enrollment payload (`base64(request.pack())` — the whole device-credential
// ADD request, not just the credential public key). Re-encoding through
// controlpoint.EncodeRequest/base64 keeps this the single source of truth
// for the wire TLV shape.
func packDeviceCredentialEnrollment(req *controlpoint.DeviceCredentialRequest) []byte {
	packed := controlpoint.EncodeRequest(controlpoint.ControlPointRequest{
		Operation:  controlpoint.OpAdd,
		Kind:       controlpoint.KindDeviceCredential,
		DeviceCred: req,
	})
	raw, err := base64.StdEncoding.DecodeString(packed)
	if err != nil {
		// EncodeRequest always emits valid base64; unreachable in practice.
		return nil
	}
	return raw
}

// removeDeviceCredential is unimplemented in original_source/service.py
// (logs the request, returns None); same DOES_NOT_EXIST resolution as
// getDeviceCredential (spec §9 Open Question).
func (s *Service) removeDeviceCredential(req *controlpoint.DeviceCredentialRequest) controlpoint.ControlPointResponse {
	s.log.Info("remove_device_credential is not implemented", "issuerKeyIdentifier", req.IssuerKeyIdentifier)
	return controlpoint.ControlPointResponse{Status: controlpoint.StatusDoesNotExist}
}
