// Package auth implements the device/user authentication frame
// exchanged once per connection, spec §4.6. Grounded directly on
// ioc_authentication.c (ioc_make_authentication_frame /
// ioc_process_received_authentication_frame).
package auth

import "github.com/iocafe/iocom-sub000/pkg/iocom/codec"

// Flags carried in the authentication frame's flags byte.
const (
	FlagAdministrator  byte = 1 << 0
	FlagConnectUp      byte = 1 << 4
	FlagDeviceNr2Bytes byte = 1 << 5
	FlagDeviceNr4Bytes byte = 1 << 6
	FlagBidirectional  byte = 1 << 7
)

// Credentials is the decoded content of one authentication frame: the
// identity and password a connecting device presents, plus the two
// pieces of connection-direction negotiation the server reads out of
// the flags byte.
type Credentials struct {
	DeviceName    string
	DeviceNr      uint32
	NetworkName   string
	Password      string
	ConnectUp     bool
	Bidirectional bool
}

// Encode packs creds into an authentication system frame payload
// (without the leading SysFrameAuth subtype byte).
func Encode(creds Credentials) []byte {
	var flags byte
	if creds.ConnectUp {
		flags |= FlagConnectUp
	}
	if creds.Bidirectional {
		flags |= FlagBidirectional
	}

	deviceNr := creds.DeviceNr
	w := widthFor(deviceNr)
	switch w {
	case 2:
		flags |= FlagDeviceNr2Bytes
	case 4:
		flags |= FlagDeviceNr4Bytes
	}

	out := []byte{flags}
	out = codec.PackString(out, creds.DeviceName)
	out, _ = codec.PackUint(out, deviceNr)
	out = codec.PackString(out, creds.NetworkName)
	out = codec.PackString(out, creds.Password)
	return out
}

func widthFor(v uint32) int {
	switch {
	case v <= 0xFF:
		return 1
	case v <= 0xFFFF:
		return 2
	default:
		return 4
	}
}

// Decode parses an authentication frame payload as produced by Encode.
// listener reports whether this end is the listening (server) side of
// the connection, which governs how ConnectUp is interpreted: a server
// accepting a client that asserts FlagConnectUp treats the connection
// as downward from its own point of view, and vice versa -- matching
// ioc_process_received_authentication_frame's con->flags manipulation.
func Decode(payload []byte, listener bool) (Credentials, error) {
	if len(payload) < 1 {
		return Credentials{}, codec.ErrShortBuffer
	}
	flags := payload[0]
	p := payload[1:]

	deviceName, n, err := codec.UnpackString(p)
	if err != nil {
		return Credentials{}, err
	}
	p = p[n:]

	dw := 1
	switch {
	case flags&FlagDeviceNr4Bytes != 0:
		dw = 4
	case flags&FlagDeviceNr2Bytes != 0:
		dw = 2
	}
	deviceNr, n, err := codec.UnpackUint(p, dw)
	if err != nil {
		return Credentials{}, err
	}
	p = p[n:]

	networkName, n, err := codec.UnpackString(p)
	if err != nil {
		return Credentials{}, err
	}
	p = p[n:]

	password, _, err := codec.UnpackString(p)
	if err != nil {
		return Credentials{}, err
	}

	creds := Credentials{
		DeviceName:    deviceName,
		DeviceNr:      deviceNr,
		NetworkName:   networkName,
		Password:      password,
		ConnectUp:     flags&FlagConnectUp != 0,
		Bidirectional: flags&FlagBidirectional != 0,
	}
	if listener {
		// A listener (server) infers its own connection direction from
		// the peer's assertion: if the peer says it is connecting
		// upward, the server is the downward end, and vice versa.
		creds.ConnectUp = !creds.ConnectUp
	}
	return creds, nil
}

// AllowedNetwork names one network reachable through a connection and
// the privileges granted on it (§4.6 "authorization result").
type AllowedNetwork struct {
	NetworkName string
	Flags       uint16
}

// Authorizer is implemented by the application to approve or reject a
// device/user presenting Credentials, returning the set of networks it
// may access. Returning a non-nil error rejects the connection.
type Authorizer func(creds Credentials, remoteAddr string) ([]AllowedNetwork, error)

// State tracks whether this end has sent and received its
// once-per-connection authentication frame, matching
// con->authentication_sent / con->authentication_received.
type State struct {
	Sent     bool
	Received bool
}

// Ready reports whether authentication has completed in both
// directions and normal frame traffic may begin.
func (s *State) Ready() bool { return s.Sent && s.Received }
