// Package mdnsadv advertises the accessory over Bonjour/mDNS as an
// "_hap._tcp" service, carrying the TXT records controllers use to discover
// and classify it before ever opening a TCP connection.
package mdnsadv

import (
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/mdns"
)

// TXT record keys HAP defines for service discovery.
const (
	txtConfigNumber = "c#"
	txtDeviceID     = "id"
	txtModel        = "md"
	txtProtoVersion = "pv"
	txtStateNumber  = "s#"
	txtCategory     = "ci"
	txtFeatureFlags = "ff"
	txtStatusFlags  = "sf"
)

const (
	// statusFlagNotPaired is set in the "sf" TXT record whenever the
	// accessory has no paired controllers.
	statusFlagNotPaired = 1 << 0
)

// Advertiser is the narrow contract the pairing façade needs from service
// discovery: flip the "unpaired" status bit, and bump the state number
// whenever the accessory/service database changes shape.
type Advertiser interface {
	UpdateStatusFlags(paired bool) error
	UpdateStateNumber(n int) error
	Close() error
}

// Identity describes the fixed fields of one _hap._tcp advertisement.
type Identity struct {
	Name         string // Bonjour instance name, also the mDNS hostname stem
	DeviceID     string // "id" TXT record, formatted like a MAC address
	Model        string
	Category     int
	Port         int
	ConfigNumber int
}

// HashicorpAdvertiser advertises over github.com/hashicorp/mdns, rebuilding
// the underlying server whenever a TXT field changes - the library has no
// in-place TXT update, so an update is a shutdown-and-restart.
type HashicorpAdvertiser struct {
	identity Identity

	mu          sync.Mutex
	server      *mdns.Server
	stateNumber int
	paired      bool
}

// New starts advertising identity immediately.
func New(identity Identity) (*HashicorpAdvertiser, error) {
	a := &HashicorpAdvertiser{identity: identity, stateNumber: 1}
	if err := a.restart(); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateStatusFlags sets or clears the "no paired controllers" status bit
// and restarts the advertisement with the new TXT record.
func (a *HashicorpAdvertiser) UpdateStatusFlags(paired bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paired = paired
	return a.restartLocked()
}

// UpdateStateNumber bumps the "s#" TXT record, signalling controllers that
// the accessory/service database changed and should be re-fetched.
func (a *HashicorpAdvertiser) UpdateStateNumber(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateNumber = n
	return a.restartLocked()
}

// Close shuts down the advertisement.
func (a *HashicorpAdvertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return nil
	}
	err := a.server.Shutdown()
	a.server = nil
	return err
}

func (a *HashicorpAdvertiser) restart() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restartLocked()
}

func (a *HashicorpAdvertiser) restartLocked() error {
	if a.server != nil {
		_ = a.server.Shutdown()
		a.server = nil
	}

	statusFlags := 0
	if !a.paired {
		statusFlags = statusFlagNotPaired
	}

	txt := []string{
		txtConfigNumber + "=" + fmt.Sprint(a.identity.ConfigNumber),
		txtDeviceID + "=" + a.identity.DeviceID,
		txtModel + "=" + a.identity.Model,
		txtProtoVersion + "=1.1",
		txtStateNumber + "=" + fmt.Sprint(a.stateNumber),
		txtCategory + "=" + fmt.Sprint(a.identity.Category),
		txtFeatureFlags + "=0",
		txtStatusFlags + "=" + fmt.Sprint(statusFlags),
	}

	ips := localIPs()
	service, err := mdns.NewMDNSService(
		a.identity.Name, "_hap._tcp", "", a.identity.Name+".local.", a.identity.Port, ips, txt,
	)
	if err != nil {
		return err
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return err
	}
	a.server = server
	return nil
}

func localIPs() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			switch v := addr.(type) {
			case *net.IPNet:
				ips = append(ips, v.IP)
			case *net.IPAddr:
				ips = append(ips, v.IP)
			}
		}
	}
	return ips
}
