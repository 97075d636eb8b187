// Package accessory is the daemon's façade: it owns the persistent store,
// the pairing manager, the mDNS advertisement, and the minimal HTTP-ish
// transport that serves /pair-setup, /pair-verify, /pairings, and
// /accessories to a connected controller.
package accessory

import (
	"fmt"
	"strconv"
)

// Characteristic format strings, as carried in the JSON accessory database.
const (
	FormatBool   = "bool"
	FormatString = "string"
	FormatFloat  = "float"
	FormatUInt8  = "uint8"
	FormatUInt32 = "uint32"
	FormatData   = "data"
	FormatTLV8   = "tlv8"
)

var (
	PermRead      = []string{"pr"}
	PermWrite     = []string{"pw"}
	PermReadWrite = []string{"pr", "pw"}
	PermNotify    = []string{"ev", "pr"}
)

// Characteristic is one leaf value of the accessory's object model - e.g.
// the "On" characteristic of a Lightbulb service.
type Characteristic struct {
	Type   string   `json:"type"`
	IID    uint64   `json:"iid"`
	Format string   `json:"format"`
	Perms  []string `json:"perms"`
	Value  any      `json:"value,omitempty"`
}

// Service groups related characteristics under an HAP service type, e.g.
// "Lightbulb" or "AccessoryInformation".
type Service struct {
	Type            string            `json:"type"`
	IID             uint64            `json:"iid"`
	Primary         bool              `json:"primary,omitempty"`
	Characteristics []*Characteristic `json:"characteristics"`
}

func (s *Service) GetCharacteristic(typ string) *Characteristic {
	for _, c := range s.Characteristics {
		if c.Type == typ {
			return c
		}
	}
	return nil
}

// Accessory is one addressable unit in the accessory database, identified
// by its AID (1 for the bridge/single accessory itself).
type Accessory struct {
	AID      uint64     `json:"aid"`
	Services []*Service `json:"services"`
}

// AssignInstanceIDs derives every service and characteristic's IID from the
// accessory's AID and each service/characteristic type, the same scheme HAP
// controllers expect: unique, stable across restarts for a fixed model.
func (a *Accessory) AssignInstanceIDs() {
	seen := map[string]int{}
	for _, service := range a.Services {
		seen[service.Type]++
		s := fmt.Sprintf("%x%x%03s000", a.AID, seen[service.Type], service.Type)
		service.IID, _ = strconv.ParseUint(s, 16, 64)

		for _, ch := range service.Characteristics {
			ch.IID, _ = strconv.ParseUint(ch.Type, 16, 64)
			ch.IID += service.IID
		}
	}
}

func (a *Accessory) GetService(typ string) *Service {
	for _, s := range a.Services {
		if s.Type == typ {
			return s
		}
	}
	return nil
}

// ServiceAccessoryInformation builds the mandatory "AccessoryInformation"
// service every HAP accessory must expose.
func ServiceAccessoryInformation(manufacturer, model, name, serial, firmware string) *Service {
	return &Service{
		Type: "3E",
		Characteristics: []*Characteristic{
			{Type: "14", Format: FormatBool, Perms: PermWrite},
			{Type: "20", Format: FormatString, Perms: PermRead, Value: manufacturer},
			{Type: "21", Format: FormatString, Perms: PermRead, Value: model},
			{Type: "23", Format: FormatString, Perms: PermRead, Value: name},
			{Type: "30", Format: FormatString, Perms: PermRead, Value: serial},
			{Type: "52", Format: FormatString, Perms: PermRead, Value: firmware},
		},
	}
}

// ServiceHAPProtocolInformation advertises the HAP protocol version, a
// second mandatory service alongside AccessoryInformation.
func ServiceHAPProtocolInformation() *Service {
	return &Service{
		Type: "A2",
		Characteristics: []*Characteristic{
			{Type: "37", Format: FormatString, Perms: PermRead, Value: "1.1.0"},
		},
	}
}
