// Package streamer implements the byte-stream-over-memory-block layer
// named in spec §9: a single-producer/single-consumer ring carried
// inside an ordinary mblk.Block, so a large file transfer or a
// continuous byte stream can ride the same replication fabric as
// regular signals without a dedicated transport. Grounded on
// ioc_streamer.c/.h, trimmed to its essential ring and state-signal
// shape -- this package is a client of mblk, not a new wire protocol.
package streamer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/iocafe/iocom-sub000/pkg/iocom/mblk"
)

// Timeout is how long a side waits for the peer to make progress
// before declaring the stream dead, matching IOC_STREAMER_TIMEOUT.
const Timeout = 5 * time.Second

// MaxStreamers bounds how many concurrent streamer sessions a process
// is expected to juggle, matching IOC_MAX_STREAMERS for the static
// allocation build the original targets; callers doing dynamic
// allocation may ignore it.
const MaxStreamers = 4

// State mirrors iocStreamerState: the control signal both ends watch
// to know whose turn it is to act.
type State byte

const (
	Idle State = iota
	Running
	Completed
	Interrupt
)

// Layout is the fixed byte offsets of a streamer's control signals and
// ring buffer within its backing block. Head/Tail/State/Cmd are each
// addressed individually (rather than packed into a struct-like blob)
// so sbuf's change tracking only ever needs to replicate the handful
// of bytes that actually moved, matching IOC_STREAMER's use of ordinary
// named signals for its control fields.
type Layout struct {
	State int
	Cmd   int
	Head  int // 4-byte ring read cursor
	Tail  int // 4-byte ring write cursor
	Data  int // start of the ring bytes
	Size  int // ring capacity in bytes
}

// minBlockSize is the smallest block Layout can address: 1 (state) + 1
// (cmd) + 4 (head) + 4 (tail) + at least one byte of ring.
const minBlockSize = 11

// DefaultLayout lays the control signals at the front of a block sized
// nbytes and gives the remainder to the ring.
func DefaultLayout(nbytes int) (Layout, error) {
	if nbytes < minBlockSize {
		return Layout{}, fmt.Errorf("streamer: block too small for a ring (%d < %d)", nbytes, minBlockSize)
	}
	return Layout{
		State: 0,
		Cmd:   1,
		Head:  2,
		Tail:  6,
		Data:  10,
		Size:  nbytes - 10,
	}, nil
}

// ErrFull and ErrEmpty report ring saturation, not a broken stream --
// callers retry once the peer has drained or produced data.
var (
	ErrFull  = errors.New("streamer: ring full")
	ErrEmpty = errors.New("streamer: ring empty")
)

// Streamer is one end of a ring-backed byte stream over block. Two
// connected peers each create one over their respective (mirrored)
// copy of the same block: one writes into its own tail while the
// other's sbuf/tbuf replication carries the bytes across, and the
// reader advances head once consumed.
type Streamer struct {
	Block  *mblk.Block
	Layout Layout
}

// New creates a Streamer over block using layout, which the caller
// must have sized consistently on both ends of the link (the ring
// geometry itself is never negotiated over the wire, unlike mblk-info).
func New(block *mblk.Block, layout Layout) *Streamer {
	return &Streamer{Block: block, Layout: layout}
}

func (s *Streamer) readUint32(addr int) uint32 {
	var buf [4]byte
	s.Block.Read(addr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (s *Streamer) writeUint32(addr int, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	s.Block.Write(addr, buf[:], mblk.ChangeWrite)
}

// State returns the current control state.
func (s *Streamer) State() State {
	var b [1]byte
	s.Block.Read(s.Layout.State, b[:])
	return State(b[0])
}

// SetState publishes a new control state, the signal the other end
// polls to learn the stream started, finished, or was cancelled.
func (s *Streamer) SetState(st State) {
	s.Block.Write(s.Layout.State, []byte{byte(st)}, mblk.ChangeWrite)
}

// used returns how many bytes are currently queued in the ring.
func (s *Streamer) used(head, tail uint32) int {
	size := uint32(s.Layout.Size)
	return int((tail - head + size) % size)
}

// Write appends p to the ring, returning ErrFull (with n set to
// however many bytes fit) if there is not enough free space for all of
// p. The ring always keeps one byte free to disambiguate full from
// empty, matching a standard SPSC ring invariant.
func (s *Streamer) Write(p []byte) (n int, err error) {
	head := s.readUint32(s.Layout.Head)
	tail := s.readUint32(s.Layout.Tail)
	size := uint32(s.Layout.Size)

	free := int(size) - 1 - s.used(head, tail)
	if free <= 0 {
		return 0, ErrFull
	}
	if len(p) > free {
		p = p[:free]
		err = ErrFull
	}

	for i, b := range p {
		off := (int(tail) + i) % int(size)
		s.Block.Write(s.Layout.Data+off, []byte{b}, mblk.ChangeWrite)
	}
	newTail := (tail + uint32(len(p))) % size
	s.writeUint32(s.Layout.Tail, newTail)
	return len(p), err
}

// Read drains up to len(p) bytes from the ring into p, returning
// ErrEmpty (with n == 0) if nothing is queued.
func (s *Streamer) Read(p []byte) (n int, err error) {
	head := s.readUint32(s.Layout.Head)
	tail := s.readUint32(s.Layout.Tail)
	size := uint32(s.Layout.Size)

	avail := s.used(head, tail)
	if avail == 0 {
		return 0, ErrEmpty
	}
	if len(p) > avail {
		p = p[:avail]
	}

	buf := make([]byte, len(p))
	for i := range buf {
		off := (int(head) + i) % int(size)
		s.Block.Read(s.Layout.Data+off, buf[i:i+1])
	}
	copy(p, buf)
	newHead := (head + uint32(len(p))) % size
	s.writeUint32(s.Layout.Head, newHead)
	return len(p), nil
}

// Available reports how many unread bytes are currently queued.
func (s *Streamer) Available() int {
	head := s.readUint32(s.Layout.Head)
	tail := s.readUint32(s.Layout.Tail)
	return s.used(head, tail)
}

// Role distinguishes which end of the ring a Streamer represents: the
// original keeps separate device-side and controller-side write/read
// pairs (ioc_streamer_device_write/read vs.
// ioc_streamer_controller_write/read) because the two run on opposite
// physical hardware; here the ring itself is symmetric and Role is only
// recorded on the Session: Write and Read behave the same for both ends.
type Role int

const (
	DeviceEnd Role = iota
	ControllerEnd
)

// Session tracks one open streamer transfer's state-signal lifecycle
// and idle deadline, the Go counterpart to the original's osalStream
// handle returned by ioc_streamer_open.
type Session struct {
	*Streamer
	Role     Role
	deadline time.Time
}

// Open starts a session, publishing State=Running and arming the idle
// timeout.
func Open(block *mblk.Block, layout Layout, role Role) *Session {
	s := &Session{Streamer: New(block, layout), Role: role}
	s.SetState(Running)
	s.touch()
	return s
}

func (s *Session) touch() { s.deadline = time.Now().Add(Timeout) }

// TimedOut reports whether the peer has been silent past Timeout since
// the last successful Write or Read through this session.
func (s *Session) TimedOut() bool { return time.Now().After(s.deadline) }

// Write behaves like Streamer.Write but resets the idle deadline on any
// successful transfer, and refuses once TimedOut.
func (s *Session) Write(p []byte) (int, error) {
	if s.TimedOut() {
		s.SetState(Interrupt)
		return 0, fmt.Errorf("streamer: session timed out")
	}
	n, err := s.Streamer.Write(p)
	if n > 0 {
		s.touch()
	}
	return n, err
}

// Read behaves like Streamer.Read but resets the idle deadline on any
// successful transfer, and refuses once TimedOut.
func (s *Session) Read(p []byte) (int, error) {
	if s.TimedOut() {
		s.SetState(Interrupt)
		return 0, fmt.Errorf("streamer: session timed out")
	}
	n, err := s.Streamer.Read(p)
	if n > 0 {
		s.touch()
	}
	return n, err
}

// Close marks the session Completed, matching ioc_streamer_close
// publishing a final state for the peer to observe.
func (s *Session) Close() error {
	s.SetState(Completed)
	return nil
}
