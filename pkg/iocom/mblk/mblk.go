// Package mblk implements the IOCOM memory block: a named byte array
// replicated across a link, with change callbacks and the lists of
// attached source/target buffers described in spec §3/§4.4.
package mblk

import (
	"fmt"
	"sync/atomic"
)

// Flags, §3 "Memory block (MB)".
type Flags uint32

const (
	Up            Flags = 1 << iota // this side is authoritative source
	Down                            // this side receives
	Bidirectional                   // both ends may write
	AutoSync                        // publish to application automatically after commit
	AllowResize                     // grow-on-demand when a larger peer block is seen
	Static                          // non-resizable, non-freeing
	CloudOnly
	NoCloud
	Floor
)

// MinSize is the smallest legal memory block size (§3: "N ≥ 24").
const MinSize = 24

// Two reserved status codes named in §4.4. Negative addresses index this
// small fixed table rather than a real byte array.
const (
	StatusConnectedStreams = -1 // IOC_NRO_CONNECTED_STREAMS
	StatusConnectionDrops  = -2 // IOC_CONNECTION_DROP_COUNT
)

// ChangeKind distinguishes an application write from data the connection
// engine just committed from the wire (§4.4 callback signature).
type ChangeKind int

const (
	ChangeWrite ChangeKind = iota
	ChangeReceive
)

// Callback is invoked with the root lock held whenever bytes [start,end]
// change. Per the design notes (§9 "Callbacks vs. events") callers
// should keep this short and never themselves call back into the block.
// Callbacks run synchronously inside Write, including writes a target
// buffer commits from the connection's receive path.
type Callback func(start, end int, kind ChangeKind)

// Buffer is the minimal contract a source or target buffer must satisfy
// so a Block can hold a list of them without importing sbuf/tbuf (which
// import mblk). Detach is called once, under the root lock, when the
// block is deleted or resized in a way that invalidates the buffer's
// snapshot.
type Buffer interface {
	Detach()
}

// Block is a named byte array replicated across zero or more
// connections via attached source/target buffers.
type Block struct {
	Name        string
	DeviceName  string
	DeviceNr    uint32
	NetworkName string

	ID    uint32
	Flags Flags

	buf []byte

	callbacks []Callback
	sbufs     []Buffer
	tbufs     []Buffer

	// status holds the addressable status-memory region (§4.4): slot 0
	// is StatusConnectedStreams, slot 1 is StatusConnectionDrops. Root
	// publishes into it via WriteStatus whenever its own counters change.
	status  [2]uint32
	deleted bool
}

// New creates a memory block of nbytes, which must be at least MinSize
// whatever the flags (Static included) -- the original enforces N >= 24
// uniformly, so we do too.
func New(name string, nbytes int, flags Flags, id uint32) (*Block, error) {
	if nbytes < MinSize {
		return nil, fmt.Errorf("mblk: size %d below minimum %d", nbytes, MinSize)
	}
	return &Block{
		Name:  name,
		ID:    id,
		Flags: flags,
		buf:   make([]byte, nbytes),
	}, nil
}

// Size returns the block's current byte size.
func (b *Block) Size() int { return len(b.buf) }

// Read copies the clipped range [addr, addr+len(dst)) into dst, returning
// the number of bytes actually copied. Out-of-range addresses clip to
// the valid region rather than erroring (§4.4 "clipped to valid range").
func (b *Block) Read(addr int, dst []byte) int {
	return b.rangeCopy(addr, dst, true)
}

// Write copies src into the block starting at addr, clipping to the
// valid region, invokes every registered callback with the affected
// range, and returns the number of bytes actually written.
func (b *Block) Write(addr int, src []byte, kind ChangeKind) int {
	n := b.rangeCopy(addr, src, false)
	if n > 0 {
		b.notify(addr, addr+n-1, kind)
	}
	return n
}

func (b *Block) rangeCopy(addr int, buf []byte, reading bool) int {
	if addr < 0 || addr >= len(b.buf) || len(buf) == 0 {
		return 0
	}
	n := len(buf)
	if addr+n > len(b.buf) {
		n = len(b.buf) - addr
	}
	if reading {
		copy(buf[:n], b.buf[addr:addr+n])
	} else {
		copy(b.buf[addr:addr+n], buf[:n])
	}
	return n
}

// Bytes returns the block's underlying storage. Callers holding the
// root lock may read or write it directly (e.g. sbuf snapshotting);
// nobody outside this package should retain the slice past the lock.
func (b *Block) Bytes() []byte { return b.buf }

// InstallCallback registers fn to be invoked on every Write/commit.
func (b *Block) InstallCallback(fn Callback) {
	b.callbacks = append(b.callbacks, fn)
}

func (b *Block) notify(start, end int, kind ChangeKind) {
	for _, cb := range b.callbacks {
		cb(start, end, kind)
	}
}

// Notify fires every registered callback for [start,end] without
// copying any bytes, for callers that wrote directly into Bytes().
func (b *Block) Notify(start, end int, kind ChangeKind) { b.notify(start, end, kind) }

// AttachSource and AttachTarget register a buffer so it is torn down
// when the block is deleted. DetachSource/DetachTarget remove one from
// the list again without calling its Detach.
func (b *Block) AttachSource(s Buffer) { b.sbufs = append(b.sbufs, s) }
func (b *Block) AttachTarget(t Buffer) { b.tbufs = append(b.tbufs, t) }

func (b *Block) DetachSource(s Buffer) { b.sbufs = removeBuffer(b.sbufs, s) }
func (b *Block) DetachTarget(t Buffer) { b.tbufs = removeBuffer(b.tbufs, t) }

func removeBuffer(list []Buffer, target Buffer) []Buffer {
	for i, b := range list {
		if b == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Resize grows the block's storage to nbytes, which must be larger than
// the current size; shrinking or resizing a Static block is refused.
// Existing bytes are preserved; new bytes are zeroed. Matches §4.5's
// "grow to peer size (ALLOW_RESIZE)".
func (b *Block) Resize(nbytes int) error {
	if b.Flags&Static != 0 {
		return fmt.Errorf("mblk: cannot resize static block %q", b.Name)
	}
	if nbytes <= len(b.buf) {
		return fmt.Errorf("mblk: resize must grow (have %d, want %d)", len(b.buf), nbytes)
	}
	grown := make([]byte, nbytes)
	copy(grown, b.buf)
	b.buf = grown
	// Attached buffers were sized for the old storage.
	for _, s := range b.sbufs {
		s.Detach()
	}
	for _, t := range b.tbufs {
		t.Detach()
	}
	b.sbufs = nil
	b.tbufs = nil
	return nil
}

// RootRelease implements root.Attachable: unlink every attached
// source/target buffer and mark the block dead so any outstanding
// handle reports "gone" on dereference, per §9's slotmap-style handle
// contract.
func (b *Block) RootRelease() {
	for _, s := range b.sbufs {
		s.Detach()
	}
	for _, t := range b.tbufs {
		t.Detach()
	}
	b.sbufs = nil
	b.tbufs = nil
	b.deleted = true
}

// Deleted reports whether RootRelease has already run.
func (b *Block) Deleted() bool { return b.deleted }

// IncrementDropCount bumps this block's per-block view of
// IOC_CONNECTION_DROP_COUNT (§7: "increment ... on every memory
// block"). Root additionally tracks the process-wide counter.
func (b *Block) IncrementDropCount() { atomic.AddUint32(&b.status[1], 1) }

// DropCount reads this block's connection-drop counter.
func (b *Block) DropCount() uint32 { return atomic.LoadUint32(&b.status[1]) }

// statusIndex maps a reserved negative status address to its slot in
// Block.status; ok is false for anything else.
func statusIndex(addr int) (idx int, ok bool) {
	switch addr {
	case StatusConnectedStreams:
		return 0, true
	case StatusConnectionDrops:
		return 1, true
	default:
		return 0, false
	}
}

// ReadStatus reads the status-memory value at a reserved negative
// address (§4.4, §6 "read-status"). ok is false for any address that is
// not one of the reserved status slots.
func (b *Block) ReadStatus(addr int) (value uint32, ok bool) {
	idx, ok := statusIndex(addr)
	if !ok {
		return 0, false
	}
	return atomic.LoadUint32(&b.status[idx]), true
}

// WriteStatus sets the status-memory value at a reserved negative
// address (§4.4, §6 "write-status"); Root uses this to publish its
// process-wide connected-stream count into every block it owns (§7). ok
// is false for any address outside the reserved range.
func (b *Block) WriteStatus(addr int, value uint32) (ok bool) {
	idx, ok := statusIndex(addr)
	if !ok {
		return false
	}
	atomic.StoreUint32(&b.status[idx], value)
	return true
}
