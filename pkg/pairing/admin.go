package pairing

import (
	"github.com/zhangjianshe/hapd/internal/logging"
	"github.com/zhangjianshe/hapd/pkg/event"
	"github.com/zhangjianshe/hapd/pkg/session"
	"github.com/zhangjianshe/hapd/pkg/tlv8"
)

// HandlePairings serves the authenticated /pairings admin endpoint: add,
// remove, or list paired controllers. Only a connection whose Pair-Verify
// handshake resolved to an admin controller may call this.
func (m *Manager) HandlePairings(a *session.Adapter, body []byte) error {
	info, verified := m.SessionFor(a)
	if !verified || !info.IsAdmin {
		return a.WriteTLV(errorReply(StateM2, ErrAuthentication))
	}

	var req pairingsRequest
	if err := tlv8.Unmarshal(body, &req); err != nil {
		return a.WriteBadRequest()
	}

	switch req.Method {
	case MethodAddPairing:
		return m.pairingsAdd(a, req)
	case MethodRemovePairing:
		return m.pairingsRemove(a, req)
	case MethodListPairings:
		return m.pairingsList(a)
	default:
		return a.WriteTLV(errorReply(StateM2, ErrUnknown))
	}
}

func (m *Manager) pairingsAdd(a *session.Adapter, req pairingsRequest) error {
	count, err := m.store.Count()
	if err != nil {
		return err
	}
	if m.cfg.MaxPeers > 0 && count >= m.cfg.MaxPeers {
		if _, alreadyPaired, err := m.store.RetrievePairedDevice(req.Identifier); err != nil {
			return err
		} else if !alreadyPaired {
			return a.WriteTLV(errorReply(StateM2, ErrMaxPeers))
		}
	}

	var publicKey [32]byte
	copy(publicKey[:], req.PublicKey)

	if err := m.store.AddPairedDevice(req.Identifier, publicKey, uint32(req.Permission)); err != nil {
		return err
	}
	logging.For("pairing").Info().Str("controller", req.Identifier).Msg("admin endpoint added pairing")
	if count == 0 {
		m.events.Emit(event.ServiceDiscoveryNeedsUpdate, true, nil)
	}

	return a.WriteTLV(struct {
		State byte `tlv8:"6"`
	}{State: StateM2})
}

func (m *Manager) pairingsRemove(a *session.Adapter, req pairingsRequest) error {
	removed, err := m.store.RemovePairedDevice(req.Identifier)
	if err != nil {
		return err
	}
	if removed {
		devices, err := m.store.ListPairedDevices()
		if err != nil {
			return err
		}

		anyAdmin := false
		for _, d := range devices {
			if d.Flags == PermissionAdmin {
				anyAdmin = true
				break
			}
		}

		if !anyAdmin {
			if err := m.store.Reset(); err != nil {
				return err
			}
			logging.For("pairing").Warn().Str("controller", req.Identifier).Msg("last admin removed, accessory re-entered unpaired mode")
			m.events.Emit(event.ServiceDiscoveryNeedsUpdate, false, nil)
			m.mu.Lock()
			m.sessionKeys = make(map[*session.Adapter]sessionInfo)
			m.mu.Unlock()
		} else {
			m.mu.Lock()
			for adapter, sess := range m.sessionKeys {
				if sess.Identifier == req.Identifier {
					delete(m.sessionKeys, adapter)
				}
			}
			m.mu.Unlock()
		}
	}

	return a.WriteTLV(struct {
		State byte `tlv8:"6"`
	}{State: StateM2})
}

// pairingsList replies with every paired controller as a flat run of
// Identifier/PublicKey/Permissions items, one zero-length Separator between
// consecutive controllers, built straight off the chain primitives so the
// wire shape matches a real HAP list response rather than this package's
// nested struct-in-struct Marshal convention.
func (m *Manager) pairingsList(a *session.Adapter) error {
	devices, err := m.store.ListPairedDevices()
	if err != nil {
		return err
	}

	var chain *tlv8.Item
	for i := len(devices) - 1; i >= 0; i-- {
		d := devices[i]

		if i < len(devices)-1 {
			sep := &tlv8.Item{Type: TypeSeparator, Next: tlv8.Head(chain)}
			if h := tlv8.Head(chain); h != nil {
				h.Prev = sep
			}
			chain = sep
		}

		chain = tlv8.Insert(chain, TypePermissions, []byte{byte(d.Flags)})
		chain = tlv8.Insert(chain, TypePublicKey, d.PublicKey[:])
		chain = tlv8.Insert(chain, TypeIdentifier, []byte(d.Identifier))
	}
	chain = tlv8.Insert(chain, TypeState, []byte{StateM2})

	return a.WriteRaw(tlv8.Encode(chain))
}
