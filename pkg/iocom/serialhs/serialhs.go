// Package serialhs implements the 5-state serial connection handshake
// run before any frame traffic on a serial link, spec §4.8. Grounded
// directly on ioc_establish_serial_connection.c.
package serialhs

import "time"

// Control bytes, reserved outside the legal frame_nr range 1..200 so
// they can never be mistaken for a data frame (§4.8).
const (
	Connect        byte = 0xFD // 253
	ConnectReply   byte = 0xFC // 252
	Confirm        byte = 0xFB // 251
	ConfirmReply   byte = 0xFA // 250
	Disconnect     byte = 0xF9 // 249
)

// Role distinguishes which end drives the handshake: the connecting
// client sends Connect first; the listening server waits for it.
type Role int

const (
	Client Role = iota
	Server
)

// State is one step of the 5-state handshake (§4.8's
// OSAL_SERCON_STATE_INIT_1..4 and CONNECTED_5).
type State int

const (
	Init1 State = iota
	Init2
	Init3
	Init4
	Connected5
)

// Period bounds how long the handshake waits at each step before
// restarting from Init1, matching IOC_SERIAL_CONNECT_PERIOD_MS.
const Period = 300 * time.Millisecond

// Stream is the minimal non-blocking byte transport the handshake
// drives. Read returns n==0, err==nil when no data is currently
// available (never blocks); Write must not block indefinitely either.
type Stream interface {
	Read(buf []byte) (n int, err error)
	Write(buf []byte) (n int, err error)
	Flush() error
}

// Handshake drives one side of the 5-state connect sequence. Call Step
// repeatedly (e.g. from the connection engine's tick) until Done
// reports true.
type Handshake struct {
	role  Role
	state State
	timer time.Time
}

// New creates a handshake for role, starting at Init1.
func New(role Role) *Handshake {
	return &Handshake{role: role, state: Init1}
}

// Reset restarts the handshake from Init1, used both to start over on
// timeout and to force a fresh connect after a link drop.
func (h *Handshake) Reset() { h.state = Init1 }

// Done reports whether the handshake has reached Connected5.
func (h *Handshake) Done() bool { return h.state == Connected5 }

func (h *Handshake) elapsed() bool { return time.Since(h.timer) > Period }

// Step advances the handshake by at most one state transition, reading
// and writing s as needed. It never blocks: a Stream with nothing to
// read is expected to return immediately with n==0.
func (h *Handshake) Step(s Stream) error {
	if h.role == Client {
		return h.stepClient(s)
	}
	return h.stepServer(s)
}

func (h *Handshake) stepClient(s Stream) error {
	switch h.state {
	case Init1:
		if err := s.Flush(); err != nil {
			return err
		}
		h.timer = time.Now()
		if _, err := s.Write([]byte{Connect}); err != nil {
			return err
		}
		h.state = Init2

	case Init2:
		buf := make([]byte, 32)
		n, err := s.Read(buf)
		if err != nil {
			return err
		}
		if n >= 1 && n < len(buf) && buf[n-1] == ConnectReply {
			if _, err := s.Write([]byte{Confirm}); err != nil {
				return err
			}
			h.timer = time.Now()
			h.state = Init3
			break
		}
		if h.elapsed() {
			h.state = Init1
		}

	case Init3:
		buf := make([]byte, 1)
		n, err := s.Read(buf)
		if err != nil {
			return err
		}
		if n == 1 && buf[0] == ConfirmReply {
			h.state = Connected5
			break
		}
		if h.elapsed() {
			h.state = Init1
		}
	}
	return nil
}

func (h *Handshake) stepServer(s Stream) error {
	switch h.state {
	case Init1:
		if _, err := s.Write([]byte{Disconnect}); err != nil {
			return err
		}
		h.state = Init2

	case Init2:
		if err := s.Flush(); err != nil {
			return err
		}
		h.state = Init3

	case Init3:
		buf := make([]byte, 32)
		n, err := s.Read(buf)
		if err != nil {
			return err
		}
		if n >= 1 && n < len(buf) && buf[n-1] == Connect {
			if _, err := s.Write([]byte{ConnectReply}); err != nil {
				return err
			}
			h.state = Init4
		}

	case Init4:
		buf := make([]byte, 32)
		n, err := s.Read(buf)
		if err != nil {
			return err
		}
		if n == 1 && buf[0] == Confirm {
			if _, err := s.Write([]byte{ConfirmReply}); err != nil {
				return err
			}
			h.state = Connected5
			break
		}
		if n > 0 {
			h.state = Init3
		}
	}
	return nil
}
