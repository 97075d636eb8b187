package pairing

import (
	"crypto/sha512"
	"hash"
	"sync"

	"github.com/tadglines/go-pkgs/crypto/srp"

	"github.com/zhangjianshe/hapd/pkg/ed25519"
	"github.com/zhangjianshe/hapd/pkg/event"
	"github.com/zhangjianshe/hapd/pkg/session"
	"github.com/zhangjianshe/hapd/pkg/store"
)

// srpGroup is the RFC 5054 3072-bit group HAP mandates for Pair-Setup.
const srpGroup = "rfc5054.3072"

// srpUsername is the fixed SRP identity HAP uses; the real identity lives in
// the setup code, not the username.
const srpUsername = "Pair-Setup"

// Config carries the values a Manager needs that come from outside the
// pairing core: the accessory's own identifier and its numeric setup code.
type Config struct {
	AccessoryID string
	SetupCode   string
	MaxPeers    int
}

// Manager owns the accessory's long-term identity plus every in-flight
// Pair-Setup/Pair-Verify handshake. The crypto runs inline in each handler;
// after each step the handler emits a step event on the shared
// event.Dispatcher and drains it, so registered listeners observe the
// handshake in order.
type Manager struct {
	cfg    Config
	store  *store.Store
	events *event.Dispatcher

	mu      sync.Mutex
	setups  map[*session.Adapter]*setupState
	verifys map[*session.Adapter]*verifyState

	// sessionKeys holds the Pair-Verify shared secret for every connection
	// that has completed a handshake, keyed by the same Adapter the
	// façade uses to read/write that connection. After HandlePairVerify
	// returns true, the façade reads the shared secret from here (via
	// SessionFor) and passes it to session.Upgrade.
	sessionKeys map[*session.Adapter]sessionInfo
}

type sessionInfo struct {
	SharedSecret [32]byte
	Identifier   string
	IsAdmin      bool
}

// New returns a Manager bound to st (for persistent identity and paired
// devices) and events (for staging crypto steps).
func New(cfg Config, st *store.Store, events *event.Dispatcher) *Manager {
	return &Manager{
		cfg:         cfg,
		store:       st,
		events:      events,
		setups:      make(map[*session.Adapter]*setupState),
		verifys:     make(map[*session.Adapter]*verifyState),
		sessionKeys: make(map[*session.Adapter]sessionInfo),
	}
}

// EnsureAccessoryIdentity generates and persists the accessory's long-term
// Ed25519 keypair the first time it's needed.
func (m *Manager) EnsureAccessoryIdentity() error {
	have, err := m.store.HaveAccessoryLongTermKeys()
	if err != nil {
		return err
	}
	if have {
		return nil
	}

	pub, priv, err := ed25519.GenerateKey()
	if err != nil {
		return err
	}

	var pubArr [32]byte
	var privArr [64]byte
	copy(pubArr[:], pub)
	copy(privArr[:], priv)
	return m.store.SetAccessoryLongTermKeys(pubArr, privArr)
}

// IsPaired reports whether any controller is currently paired with the
// accessory.
func (m *Manager) IsPaired() (bool, error) {
	count, err := m.store.Count()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SessionFor returns the Pair-Verify result recorded for a, if any.
func (m *Manager) SessionFor(a *session.Adapter) (sessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sessionKeys[a]
	return info, ok
}

// ForgetConnection drops any in-flight or completed state tied to a. The
// façade calls this on net.disconnect.
func (m *Manager) ForgetConnection(a *session.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.setups, a)
	delete(m.verifys, a)
	delete(m.sessionKeys, a)
}

func newSRP() (*srp.SRP, error) {
	return srp.NewSRP(srpGroup, sha512Hash, keyDerivativeFuncRFC2945([]byte(srpUsername)))
}

func sha512Hash() hash.Hash { return sha512.New() }

// keyDerivativeFuncRFC2945 builds the SRP private-key derivation function
// x = H(salt | H(username + ":" + password)), the scheme RFC 2945 describes
// and HAP's Pair-Setup relies on.
func keyDerivativeFuncRFC2945(username []byte) srp.KeyDerivationFunc {
	return func(salt, password []byte) []byte {
		h := sha512.New()
		h.Write(username)
		h.Write([]byte(":"))
		h.Write(password)
		inner := h.Sum(nil)

		h2 := sha512.New()
		h2.Write(salt)
		h2.Write(inner)
		return h2.Sum(nil)
	}
}
