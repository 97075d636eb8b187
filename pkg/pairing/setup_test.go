package pairing

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tadglines/go-pkgs/crypto/srp"

	"github.com/zhangjianshe/hapd/pkg/chacha20poly1305"
	"github.com/zhangjianshe/hapd/pkg/ed25519"
	"github.com/zhangjianshe/hapd/pkg/hkdf"
	"github.com/zhangjianshe/hapd/pkg/session"
	"github.com/zhangjianshe/hapd/pkg/tlv8"
)

// newCapturingAdapter, unlike newLoopbackAdapter, keeps the client side of
// the pipe readable so a test can parse the real HTTP/TLV8 response a
// handler wrote, not just observe the handler's internal state.
func newCapturingAdapter(t *testing.T) (*session.Adapter, *bufio.Reader) {
	t.Helper()
	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close(); srv.Close() })
	return session.New(srv), bufio.NewReader(client)
}

// sendPairSetupStep drives one Pair-Setup request through m and returns the
// response's raw TLV8 body, unmarshaled into setupPayload (which covers
// every field either direction ever carries).
func sendPairSetupStep(t *testing.T, m *Manager, a *session.Adapter, reader *bufio.Reader, req setupPayload) setupPayload {
	t.Helper()

	body, err := tlv8.Marshal(req)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- m.HandlePairSetup(a, body) }()

	resp, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	var out setupPayload
	require.NoError(t, tlv8.Unmarshal(respBody, &out))
	return out
}

// srpClientSession builds the controller side of the SRP exchange using the
// same library and key derivation the accessory side uses, the way a real
// HomeKit controller (and this module's own teacher, as a client) would.
func srpClientSession(t *testing.T, pin string) *srp.ClientSession {
	t.Helper()
	inst, err := srp.NewSRP(srpGroup, sha512Hash, keyDerivativeFuncRFC2945([]byte(srpUsername)))
	require.NoError(t, err)
	return inst.NewClientSession([]byte(srpUsername), []byte(pin))
}

func TestPairSetupGoldenRoundTripEstablishesPairing(t *testing.T) {
	m, st := newTestManager(t)
	a, reader := newCapturingAdapter(t)

	m1 := sendPairSetupStep(t, m, a, reader, setupPayload{State: StateM1, Method: MethodPairSetup})
	require.EqualValues(t, StateM2, m1.State)
	require.Zero(t, m1.Error)

	client := srpClientSession(t, m.cfg.SetupCode)
	sessionShared, err := client.ComputeKey(m1.Salt, m1.PublicKey)
	require.NoError(t, err)

	m3 := sendPairSetupStep(t, m, a, reader, setupPayload{
		State:     StateM3,
		PublicKey: client.GetA(),
		Proof:     client.ComputeAuthenticator(),
	})
	require.EqualValues(t, StateM4, m3.State)
	require.Zero(t, m3.Error)
	require.True(t, client.VerifyServerAuthenticator(m3.Proof))

	identifier := "controller:golden"
	controllerPub, controllerPriv, err := ed25519.GenerateKey()
	require.NoError(t, err)

	controllerSignKey, err := hkdf.Sha512(sessionShared, "Pair-Setup-Controller-Sign-Salt", "Pair-Setup-Controller-Sign-Info")
	require.NoError(t, err)
	signedMaterial := append(append(append([]byte{}, controllerSignKey[:]...), identifier...), controllerPub...)
	signature, err := ed25519.Sign(controllerPriv, signedMaterial)
	require.NoError(t, err)

	innerM5, err := tlv8.Marshal(setupInnerM5{Identifier: identifier, PublicKey: controllerPub, Signature: signature})
	require.NoError(t, err)

	encryptKey, err := hkdf.Sha512(sessionShared, "Pair-Setup-Encrypt-Salt", "Pair-Setup-Encrypt-Info")
	require.NoError(t, err)
	ciphertextM5, err := chacha20poly1305.Encrypt(encryptKey[:], "PS-Msg05", innerM5, nil)
	require.NoError(t, err)

	m5 := sendPairSetupStep(t, m, a, reader, setupPayload{State: StateM5, EncryptedData: ciphertextM5})
	require.EqualValues(t, StateM6, m5.State)
	require.Zero(t, m5.Error)

	plaintextM6, err := chacha20poly1305.Decrypt(encryptKey[:], "PS-Msg06", m5.EncryptedData, nil)
	require.NoError(t, err)

	var innerM6 setupInnerM6
	require.NoError(t, tlv8.Unmarshal(plaintextM6, &innerM6))
	require.Equal(t, m.cfg.AccessoryID, innerM6.Identifier)

	accessorySignKey, err := hkdf.Sha512(sessionShared, "Pair-Setup-Accessory-Sign-Salt", "Pair-Setup-Accessory-Sign-Info")
	require.NoError(t, err)
	accessoryMaterial := append(append(append([]byte{}, accessorySignKey[:]...), innerM6.Identifier...), innerM6.PublicKey...)
	require.True(t, ed25519.Verify(innerM6.PublicKey, accessoryMaterial, innerM6.Signature))

	device, ok, err := st.RetrievePairedDevice(identifier)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, PermissionAdmin, device.Flags)
	require.EqualValues(t, controllerPub, device.PublicKey[:])
}

func TestPairSetupWrongSetupCodeFailsM3(t *testing.T) {
	m, st := newTestManager(t)
	a, reader := newCapturingAdapter(t)

	m1 := sendPairSetupStep(t, m, a, reader, setupPayload{State: StateM1, Method: MethodPairSetup})
	require.EqualValues(t, StateM2, m1.State)

	client := srpClientSession(t, "000-00-000")
	_, err := client.ComputeKey(m1.Salt, m1.PublicKey)
	require.NoError(t, err)

	m3 := sendPairSetupStep(t, m, a, reader, setupPayload{
		State:     StateM3,
		PublicKey: client.GetA(),
		Proof:     client.ComputeAuthenticator(),
	})
	require.EqualValues(t, StateM4, m3.State)
	require.EqualValues(t, ErrAuthentication, m3.Error)

	count, err := st.Count()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestPairSetupTamperedM5EnvelopeFailsAndLeavesTableUnchanged(t *testing.T) {
	m, st := newTestManager(t)
	a, reader := newCapturingAdapter(t)

	m1 := sendPairSetupStep(t, m, a, reader, setupPayload{State: StateM1, Method: MethodPairSetup})
	require.EqualValues(t, StateM2, m1.State)

	client := srpClientSession(t, m.cfg.SetupCode)
	sessionShared, err := client.ComputeKey(m1.Salt, m1.PublicKey)
	require.NoError(t, err)

	m3 := sendPairSetupStep(t, m, a, reader, setupPayload{
		State:     StateM3,
		PublicKey: client.GetA(),
		Proof:     client.ComputeAuthenticator(),
	})
	require.EqualValues(t, StateM4, m3.State)
	require.True(t, client.VerifyServerAuthenticator(m3.Proof))

	identifier := "controller:tampered"
	controllerPub, controllerPriv, err := ed25519.GenerateKey()
	require.NoError(t, err)

	controllerSignKey, err := hkdf.Sha512(sessionShared, "Pair-Setup-Controller-Sign-Salt", "Pair-Setup-Controller-Sign-Info")
	require.NoError(t, err)
	signedMaterial := append(append(append([]byte{}, controllerSignKey[:]...), identifier...), controllerPub...)
	signature, err := ed25519.Sign(controllerPriv, signedMaterial)
	require.NoError(t, err)

	innerM5, err := tlv8.Marshal(setupInnerM5{Identifier: identifier, PublicKey: controllerPub, Signature: signature})
	require.NoError(t, err)

	encryptKey, err := hkdf.Sha512(sessionShared, "Pair-Setup-Encrypt-Salt", "Pair-Setup-Encrypt-Info")
	require.NoError(t, err)
	ciphertextM5, err := chacha20poly1305.Encrypt(encryptKey[:], "PS-Msg05", innerM5, nil)
	require.NoError(t, err)

	// Flip one byte of the sealed envelope: the AEAD tag no longer matches.
	ciphertextM5[0] ^= 0xFF

	m5 := sendPairSetupStep(t, m, a, reader, setupPayload{State: StateM5, EncryptedData: ciphertextM5})
	require.EqualValues(t, StateM6, m5.State)
	require.EqualValues(t, ErrAuthentication, m5.Error)

	count, err := st.Count()
	require.NoError(t, err)
	require.Zero(t, count)
}
