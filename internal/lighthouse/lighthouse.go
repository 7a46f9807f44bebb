// Package lighthouse stubs the contract of the external UDP-broadcast
// discovery/cloud-relay collaborator named in spec §1 and §6
// ("lighthouse ... its contract is consumed by the connection opener
// only"). The discovery protocol itself -- listening for and parsing
// broadcast beacons -- is out of scope; this package only defines the
// interface a connection opener calls when its configured address is
// empty or "*", matching con->lighthouse_func in ioc_connection.c.
package lighthouse

import "fmt"

// ErrNoAddress is returned by a Client that has not yet learned a
// connect address for the requested network, the Go counterpart of
// the original returning OSAL_SUCCESS with an empty connectstr.
var ErrNoAddress = fmt.Errorf("lighthouse: no address known for network")

// Client is the contract a connection opener uses when its configured
// "connect to" parameter is empty or "*": ask the collaborator for a
// host:port it has learned via UDP broadcast for networkName.
type Client interface {
	// ConnectString returns the "host:port" a device advertised over
	// the discovery broadcast for networkName, or ErrNoAddress if
	// nothing has been heard yet.
	ConnectString(networkName string) (string, error)
}

// Resolve decides what address a connection opener should dial: if
// addr is empty or "*", it asks lh (which may be nil, meaning "no
// lighthouse configured") for a learned address; otherwise addr is
// used as-is. This is the Go shape of ioc_run_connection's "if
// parameters[0] == '\0' || !strcmp(parameters, \"*\")" branch.
func Resolve(lh Client, addr, networkName string) (string, error) {
	if addr != "" && addr != "*" {
		return addr, nil
	}
	if lh == nil {
		return "", ErrNoAddress
	}
	return lh.ConnectString(networkName)
}
