package accessory

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zhangjianshe/hapd/pkg/event"
	"github.com/zhangjianshe/hapd/pkg/mdnsadv"
	"github.com/zhangjianshe/hapd/pkg/pairing"
	"github.com/zhangjianshe/hapd/pkg/session"
	"github.com/zhangjianshe/hapd/pkg/store"
)

// Facade is the accessory's single entry point: it owns the long-lived
// collaborators (store, pairing manager, mDNS advertisement) and drives one
// shared event.Dispatcher that every accepted connection's handlers push
// onto and that each connection's goroutine drains right after it emits.
type Facade struct {
	store      *store.Store
	pairing    *pairing.Manager
	events     *event.Dispatcher
	advertiser mdnsadv.Advertiser

	mu          sync.Mutex
	accessories []*Accessory
}

// New wires a Facade around an already-open store and advertiser. cfg
// configures the pairing manager (accessory identifier, setup code, peer
// cap).
func New(cfg pairing.Config, st *store.Store, advertiser mdnsadv.Advertiser) *Facade {
	events := event.New()
	f := &Facade{
		store:      st,
		pairing:    pairing.New(cfg, st, events),
		events:     events,
		advertiser: advertiser,
	}
	f.events.On(event.ServiceDiscoveryNeedsUpdate, f.onServiceDiscoveryNeedsUpdate)
	return f
}

// Events returns the shared dispatcher, for a caller (typically cmd/hapd)
// that wants to register its own listeners, e.g. for logging.
func (f *Facade) Events() *event.Dispatcher { return f.events }

// SetAccessories replaces the served accessory/service/characteristic
// database and assigns every instance ID.
func (f *Facade) SetAccessories(accessories []*Accessory) {
	for _, a := range accessories {
		a.AssignInstanceIDs()
	}
	f.mu.Lock()
	f.accessories = accessories
	f.mu.Unlock()
}

func (f *Facade) onServiceDiscoveryNeedsUpdate(arg any) {
	paired, _ := arg.(bool)
	if f.advertiser == nil {
		return
	}
	if err := f.advertiser.UpdateStatusFlags(paired); err != nil {
		log.Error().Err(err).Msg("mdns: update status flags")
	}
}

// Begin readies the accessory for service: generates its long-term identity
// if it doesn't have one yet, and flips the advertiser's initial "paired"
// status to match what's already in the store (a restart with existing
// pairings must not re-announce as unpaired).
func (f *Facade) Begin() error {
	if err := f.pairing.EnsureAccessoryIdentity(); err != nil {
		return err
	}
	paired, err := f.pairing.IsPaired()
	if err != nil {
		return err
	}
	if f.advertiser != nil {
		return f.advertiser.UpdateStatusFlags(paired)
	}
	return nil
}

// Serve accepts connections off ln until it returns an error (including on
// ln.Close()), handling each on its own goroutine. Every handler reports its
// pairing-step events onto the shared dispatcher and the façade drains them
// inline - the dispatcher's job is ordering and observability within one
// handshake, not fan-out across connections.
func (f *Facade) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go f.serveConn(conn)
	}
}

func (f *Facade) serveConn(conn net.Conn) {
	adapter := session.New(conn)

	f.events.Emit(event.ConnectionOpened, conn.RemoteAddr(), nil)
	f.events.Drain()

	defer func() {
		adapter.Abandoned = true
		f.pairing.ForgetConnection(adapter)
		f.events.Emit(event.ConnectionClosed, conn.RemoteAddr(), nil)
		f.events.Drain()
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		req, err := adapter.ReadRequest(reader)
		if err != nil {
			return
		}

		body, err := io.ReadAll(req.Body)
		if err != nil {
			return
		}
		f.events.Emit(event.RequestReceived, req.URL.Path, nil)
		f.events.Drain()

		upgraded, err := f.route(adapter, req.URL.Path, body)
		if err != nil {
			log.Error().Err(err).Str("path", req.URL.Path).Msg("pairing: request handling failed")
			return
		}

		if upgraded {
			secured, err := session.Upgrade(conn, mustSharedSecret(f.pairing, adapter), true)
			if err != nil {
				log.Error().Err(err).Msg("pairing: session upgrade failed")
				return
			}
			conn = secured
			reader = bufio.NewReader(conn)
			// Keep the same *Adapter (the pairing manager keys sessions by
			// it) but send its responses through the secured connection.
			*adapter = *session.New(secured)
		}
	}
}

func mustSharedSecret(m *pairing.Manager, a *session.Adapter) [32]byte {
	info, _ := m.SessionFor(a)
	return info.SharedSecret
}

func (f *Facade) route(a *session.Adapter, path string, body []byte) (upgraded bool, err error) {
	switch path {
	case "/pair-setup":
		return false, f.pairing.HandlePairSetup(a, body)
	case "/pair-verify":
		return f.pairing.HandlePairVerify(a, body)
	case "/pairings":
		return false, f.pairing.HandlePairings(a, body)
	case "/accessories":
		return false, f.writeAccessories(a)
	default:
		return false, a.WriteBadRequest()
	}
}

func (f *Facade) writeAccessories(a *session.Adapter) error {
	f.mu.Lock()
	payload, err := json.Marshal(struct {
		Accessories []*Accessory `json:"accessories"`
	}{Accessories: f.accessories})
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return a.WriteJSON(payload)
}
