package pairing

import (
	"github.com/zhangjianshe/hapd/internal/logging"
	"github.com/zhangjianshe/hapd/pkg/chacha20poly1305"
	"github.com/zhangjianshe/hapd/pkg/curve25519"
	"github.com/zhangjianshe/hapd/pkg/ed25519"
	"github.com/zhangjianshe/hapd/pkg/event"
	"github.com/zhangjianshe/hapd/pkg/hkdf"
	"github.com/zhangjianshe/hapd/pkg/session"
	"github.com/zhangjianshe/hapd/pkg/tlv8"
)

const (
	stepECDHComplete    event.ID = "pairing.verify.ecdh_complete"
	stepSigningComplete event.ID = "pairing.verify.signing_complete"
	stepVerifyComplete  event.ID = "pairing.verify.complete"
)

type verifyState struct {
	accessoryPublic, accessoryPrivate [32]byte
	controllerPublic                  [32]byte
	sharedSecret                      [32]byte
	sessionKey                        [32]byte
}

// HandlePairVerify advances one Pair-Verify request. It reports whether the
// handshake just completed (State M4 succeeded), so the façade knows to
// upgrade the raw connection to the encrypted session framing.
func (m *Manager) HandlePairVerify(a *session.Adapter, body []byte) (bool, error) {
	var req verifyPayload
	if err := tlv8.Unmarshal(body, &req); err != nil {
		return false, a.WriteBadRequest()
	}

	switch req.State {
	case StateM1:
		return false, m.verifyM1(a, req)
	case StateM3:
		return m.verifyM3(a, req)
	default:
		return false, a.WriteTLV(errorReply(req.State, ErrUnknown))
	}
}

func (m *Manager) verifyM1(a *session.Adapter, req verifyPayload) error {
	accessoryPublic, accessoryPrivate, err := curve25519.GenerateKeyPair()
	if err != nil {
		return err
	}

	var controllerPublic [32]byte
	copy(controllerPublic[:], req.PublicKey)

	sharedSecret, err := curve25519.SharedSecret(accessoryPrivate, controllerPublic)
	if err != nil {
		return err
	}
	m.events.Emit(stepECDHComplete, nil, nil)
	m.events.Drain()

	sessionKey, err := hkdf.Sha512(sharedSecret[:], "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")
	if err != nil {
		return err
	}

	_, accessoryLTSK, err := m.store.GetAccessoryLongTermKeys()
	if err != nil {
		return err
	}

	material := append(append(append([]byte{}, accessoryPublic[:]...), m.cfg.AccessoryID...), controllerPublic[:]...)
	signature, err := ed25519.Sign(accessoryLTSK[:], material)
	if err != nil {
		return err
	}
	m.events.Emit(stepSigningComplete, nil, nil)
	m.events.Drain()

	inner, err := tlv8.Marshal(verifyInnerM2{Identifier: m.cfg.AccessoryID, Signature: signature})
	if err != nil {
		return err
	}

	ciphertext, err := chacha20poly1305.Encrypt(sessionKey[:], "PV-Msg02", inner, nil)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.verifys[a] = &verifyState{
		accessoryPublic:  accessoryPublic,
		accessoryPrivate: accessoryPrivate,
		controllerPublic: controllerPublic,
		sharedSecret:     sharedSecret,
		sessionKey:       sessionKey,
	}
	m.mu.Unlock()

	return a.WriteTLV(struct {
		State         byte   `tlv8:"6"`
		PublicKey     []byte `tlv8:"3"`
		EncryptedData []byte `tlv8:"5"`
	}{State: StateM2, PublicKey: accessoryPublic[:], EncryptedData: ciphertext})
}

func (m *Manager) verifyM3(a *session.Adapter, req verifyPayload) (bool, error) {
	m.mu.Lock()
	st := m.verifys[a]
	m.mu.Unlock()
	if st == nil {
		return false, a.WriteTLV(errorReply(StateM4, ErrUnknown))
	}

	plaintext, err := chacha20poly1305.Decrypt(st.sessionKey[:], "PV-Msg03", req.EncryptedData, nil)
	if err != nil {
		return false, a.WriteTLV(errorReply(StateM4, ErrAuthentication))
	}

	var inner verifyInnerM3
	if err := tlv8.Unmarshal(plaintext, &inner); err != nil {
		return false, a.WriteTLV(errorReply(StateM4, ErrUnknown))
	}

	device, ok, err := m.store.RetrievePairedDevice(inner.Identifier)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, a.WriteTLV(errorReply(StateM4, ErrAuthentication))
	}

	material := append(append(append([]byte{}, st.controllerPublic[:]...), inner.Identifier...), st.accessoryPublic[:]...)
	if !ed25519.Verify(device.PublicKey[:], material, inner.Signature) {
		return false, a.WriteTLV(errorReply(StateM4, ErrAuthentication))
	}

	m.mu.Lock()
	delete(m.verifys, a)
	m.sessionKeys[a] = sessionInfo{
		SharedSecret: st.sharedSecret,
		Identifier:   inner.Identifier,
		IsAdmin:      device.Flags == PermissionAdmin,
	}
	m.mu.Unlock()
	m.events.Emit(stepVerifyComplete, inner.Identifier, nil)
	logging.For("pairing").Debug().Str("controller", inner.Identifier).Msg("pair-verify complete")

	if err := a.WriteTLV(struct {
		State byte `tlv8:"6"`
	}{State: StateM4}); err != nil {
		return false, err
	}
	return true, nil
}
