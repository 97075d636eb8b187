package pairing

import (
	"github.com/tadglines/go-pkgs/crypto/srp"

	"github.com/zhangjianshe/hapd/internal/logging"
	"github.com/zhangjianshe/hapd/pkg/chacha20poly1305"
	"github.com/zhangjianshe/hapd/pkg/ed25519"
	"github.com/zhangjianshe/hapd/pkg/event"
	"github.com/zhangjianshe/hapd/pkg/hkdf"
	"github.com/zhangjianshe/hapd/pkg/session"
	"github.com/zhangjianshe/hapd/pkg/tlv8"
	"github.com/zhangjianshe/hapd/pkg/uuid"
)

// Private step events the Pair-Setup handlers emit as they work through the
// SRP math, so anything registered on the shared dispatcher (logging, a
// test harness) can observe each step without the handler itself blocking
// on anything but the dispatcher's own Tick.
const (
	stepSRPSaltGenerated  event.ID = "pairing.setup.srp_salt_generated"
	stepSRPSessionReady   event.ID = "pairing.setup.srp_session_ready"
	stepSRPSharedKeyReady event.ID = "pairing.setup.srp_shared_key_ready"
	stepSRPProofVerified  event.ID = "pairing.setup.srp_proof_verified"
	stepNeedDecrypt       event.ID = "pairing.setup.need_decrypt"
	stepPairingComplete   event.ID = "pairing.setup.complete"
)

// maxSRPAttempts bounds how many failed M3 proofs one setup handshake
// tolerates before it's abandoned outright, mirroring HAP's "M4 with error"
// then drop behavior rather than letting a connection retry forever.
const maxSRPAttempts = 3

type setupState struct {
	srp        *srp.SRP
	server     *srp.ServerSession
	sessionKey []byte // K, the raw SRP shared secret
	attempts   int
}

// HandlePairSetup advances one Pair-Setup request for the connection behind
// a. body is the request's raw TLV8 payload.
func (m *Manager) HandlePairSetup(a *session.Adapter, body []byte) error {
	var req setupPayload
	if err := tlv8.Unmarshal(body, &req); err != nil {
		return a.WriteBadRequest()
	}

	switch req.State {
	case StateM1:
		return m.setupM1(a, req)
	case StateM3:
		return m.setupM3(a, req)
	case StateM5:
		return m.setupM5(a, req)
	default:
		return a.WriteTLV(errorReply(req.State, ErrUnknown))
	}
}

func (m *Manager) setupM1(a *session.Adapter, req setupPayload) error {
	if paired, err := m.IsPaired(); err != nil {
		return err
	} else if paired {
		return a.WriteTLV(errorReply(StateM2, ErrUnavailable))
	}

	inst, err := newSRP()
	if err != nil {
		return err
	}

	salt, verifier, err := inst.ComputeVerifier([]byte(m.cfg.SetupCode))
	if err != nil {
		return err
	}
	m.events.Emit(stepSRPSaltGenerated, salt, nil)
	m.events.Drain()

	serverSession := inst.NewServerSession([]byte(srpUsername), salt, verifier)
	b := serverSession.GetB()
	m.events.Emit(stepSRPSessionReady, b, nil)
	m.events.Drain()

	m.mu.Lock()
	m.setups[a] = &setupState{srp: inst, server: serverSession}
	m.mu.Unlock()

	return a.WriteTLV(struct {
		State     byte   `tlv8:"6"`
		Salt      []byte `tlv8:"2"`
		PublicKey []byte `tlv8:"3"`
	}{State: StateM2, Salt: salt, PublicKey: b})
}

func (m *Manager) setupM3(a *session.Adapter, req setupPayload) error {
	m.mu.Lock()
	st := m.setups[a]
	m.mu.Unlock()
	if st == nil {
		return a.WriteTLV(errorReply(StateM4, ErrUnknown))
	}

	sessionKey, err := st.server.ComputeKey(req.PublicKey)
	if err != nil {
		return a.WriteTLV(errorReply(StateM4, ErrUnknown))
	}
	st.sessionKey = sessionKey
	m.events.Emit(stepSRPSharedKeyReady, nil, nil)
	m.events.Drain()

	if !st.server.VerifyClientAuthenticator(req.Proof) {
		st.attempts++
		if st.attempts >= maxSRPAttempts {
			m.mu.Lock()
			delete(m.setups, a)
			m.mu.Unlock()
			return a.WriteTLV(errorReply(StateM4, ErrMaxTries))
		}
		return a.WriteTLV(errorReply(StateM4, ErrAuthentication))
	}
	m.events.Emit(stepSRPProofVerified, nil, nil)
	m.events.Drain()

	serverProof := st.server.ComputeAuthenticator(req.Proof)
	m.events.Emit(stepNeedDecrypt, nil, nil)
	m.events.Drain()

	return a.WriteTLV(struct {
		State byte   `tlv8:"6"`
		Proof []byte `tlv8:"4"`
	}{State: StateM4, Proof: serverProof})
}

func (m *Manager) setupM5(a *session.Adapter, req setupPayload) error {
	m.mu.Lock()
	st := m.setups[a]
	m.mu.Unlock()
	if st == nil {
		return a.WriteTLV(errorReply(StateM6, ErrUnknown))
	}

	encryptKey, err := hkdf.Sha512(st.sessionKey, "Pair-Setup-Encrypt-Salt", "Pair-Setup-Encrypt-Info")
	if err != nil {
		return err
	}

	plaintext, err := chacha20poly1305.Decrypt(encryptKey[:], "PS-Msg05", req.EncryptedData, nil)
	if err != nil {
		return a.WriteTLV(errorReply(StateM6, ErrAuthentication))
	}

	var inner setupInnerM5
	if err := tlv8.Unmarshal(plaintext, &inner); err != nil {
		return a.WriteTLV(errorReply(StateM6, ErrUnknown))
	}

	controllerSignKey, err := hkdf.Sha512(st.sessionKey, "Pair-Setup-Controller-Sign-Salt", "Pair-Setup-Controller-Sign-Info")
	if err != nil {
		return err
	}
	signedMaterial := append(append(append([]byte{}, controllerSignKey[:]...), inner.Identifier...), inner.PublicKey...)
	if !ed25519.Verify(inner.PublicKey, signedMaterial, inner.Signature) {
		return a.WriteTLV(errorReply(StateM6, ErrAuthentication))
	}

	count, err := m.store.Count()
	if err != nil {
		return err
	}
	if m.cfg.MaxPeers > 0 && count >= m.cfg.MaxPeers {
		return a.WriteTLV(errorReply(StateM6, ErrMaxPeers))
	}

	var controllerLTPK [32]byte
	copy(controllerLTPK[:], inner.PublicKey)
	if err := m.store.AddPairedDevice(inner.Identifier, controllerLTPK, PermissionAdmin); err != nil {
		return err
	}
	if count == 0 {
		m.events.Emit(event.ServiceDiscoveryNeedsUpdate, true, nil)
	}

	accessoryLTPK, accessoryLTSK, err := m.store.GetAccessoryLongTermKeys()
	if err != nil {
		return err
	}

	accessorySignKey, err := hkdf.Sha512(st.sessionKey, "Pair-Setup-Accessory-Sign-Salt", "Pair-Setup-Accessory-Sign-Info")
	if err != nil {
		return err
	}
	accessoryMaterial := append(append(append([]byte{}, accessorySignKey[:]...), m.cfg.AccessoryID...), accessoryLTPK[:]...)
	signature, err := ed25519.Sign(accessoryLTSK[:], accessoryMaterial)
	if err != nil {
		return err
	}

	innerResponse, err := tlv8.Marshal(setupInnerM6{
		Identifier: m.cfg.AccessoryID,
		PublicKey:  accessoryLTPK[:],
		Signature:  signature,
	})
	if err != nil {
		return err
	}

	ciphertext, err := chacha20poly1305.Encrypt(encryptKey[:], "PS-Msg06", innerResponse, nil)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.setups, a)
	m.mu.Unlock()
	m.events.Emit(stepPairingComplete, inner.Identifier, nil)

	pairingID := uuid.DeriveV4([]byte(m.cfg.AccessoryID + inner.Identifier))
	logging.For("pairing").Info().
		Str("controller", inner.Identifier).
		Str("pairing_id", pairingID).
		Msg("pair-setup complete")

	return a.WriteTLV(struct {
		State         byte   `tlv8:"6"`
		EncryptedData []byte `tlv8:"5"`
	}{State: StateM6, EncryptedData: ciphertext})
}
