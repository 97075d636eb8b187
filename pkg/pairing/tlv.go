// Package pairing implements the accessory-side Pair-Setup and Pair-Verify
// state machines plus the authenticated /pairings admin operations, driven
// by the single-threaded cooperative event.Dispatcher.
package pairing

// TLV type ids used across pairing messages. Ids are reused across Setup,
// Verify, and the /pairings admin messages - that's legal, they never
// collide within one message.
const (
	TypeMethod        = 0x00
	TypeIdentifier    = 0x01
	TypeSalt          = 0x02
	TypePublicKey     = 0x03
	TypeProof         = 0x04
	TypeEncryptedData = 0x05
	TypeState         = 0x06
	TypeError         = 0x07
	TypeRetryDelay    = 0x08
	TypeCertificate   = 0x09
	TypeSignature     = 0x0A
	TypePermissions   = 0x0B
	TypeSeparator     = 0xFF
)

// Pairing states (the "Mn" step numbers).
const (
	StateM1 = 1
	StateM2 = 2
	StateM3 = 3
	StateM4 = 4
	StateM5 = 5
	StateM6 = 6
)

// Pair-Setup/Pair-Verify/pairings-admin methods, carried in TypeMethod.
const (
	MethodPairSetup         = 0
	MethodPairSetupWithAuth = 1
	MethodPairVerify        = 2
	MethodAddPairing        = 3
	MethodRemovePairing     = 4
	MethodListPairings      = 5
)

// Permission levels stored alongside a paired-device record.
const (
	PermissionUser  = 0
	PermissionAdmin = 1
)

// Error codes carried in TypeError on a failed step.
const (
	ErrUnknown        = 1
	ErrAuthentication = 2
	ErrBackoff        = 3
	ErrMaxPeers       = 4
	ErrMaxTries       = 5
	ErrUnavailable    = 6
	ErrBusy           = 7
)

// setupPayload covers every field either direction of Pair-Setup can carry;
// handlers only ever populate the subset relevant to one step.
type setupPayload struct {
	Method        byte   `tlv8:"0"`
	Identifier    string `tlv8:"1"`
	Salt          []byte `tlv8:"2"`
	PublicKey     []byte `tlv8:"3"`
	Proof         []byte `tlv8:"4"`
	EncryptedData []byte `tlv8:"5"`
	State         byte   `tlv8:"6"`
	Error         byte   `tlv8:"7"`
}

type setupInnerM5 struct {
	Identifier string `tlv8:"1"`
	PublicKey  []byte `tlv8:"3"`
	Signature  []byte `tlv8:"10"`
}

type setupInnerM6 struct {
	Identifier string `tlv8:"1"`
	PublicKey  []byte `tlv8:"3"`
	Signature  []byte `tlv8:"10"`
}

type verifyPayload struct {
	Identifier    string `tlv8:"1"`
	PublicKey     []byte `tlv8:"3"`
	EncryptedData []byte `tlv8:"5"`
	State         byte   `tlv8:"6"`
	Error         byte   `tlv8:"7"`
}

type verifyInnerM2 struct {
	Identifier string `tlv8:"1"`
	Signature  []byte `tlv8:"10"`
}

type verifyInnerM3 struct {
	Identifier string `tlv8:"1"`
	Signature  []byte `tlv8:"10"`
}

type pairingsRequest struct {
	Method     byte   `tlv8:"0"`
	Identifier string `tlv8:"1"`
	PublicKey  []byte `tlv8:"3"`
	State      byte   `tlv8:"6"`
	Permission byte   `tlv8:"11"`
}

func errorReply(state byte, code byte) any {
	return struct {
		State byte `tlv8:"6"`
		Error byte `tlv8:"7"`
	}{State: state, Error: code}
}
