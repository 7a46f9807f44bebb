// Package tbuf implements the target transfer buffer: accepting
// incoming payloads, reconstructing the latest value, and publishing
// committed ranges to the memory block, spec §4.3. Grounded directly on
// ioc_target_buffer.c (ioc_tbuf_invalidate, ioc_tbuf_synchronize).
package tbuf

import (
	"github.com/iocafe/iocom-sub000/pkg/iocom/codec"
	"github.com/iocafe/iocom-sub000/pkg/iocom/mblk"
)

// Buffer is one target buffer: it binds a connection to a local DOWN
// block and owns a "latest known" array plus a staging array for data
// not yet committed.
type Buffer struct {
	Block        *mblk.Block
	RemoteMblkID uint32
	Bidirectional bool

	syncbuf []byte // latest committed value
	newdata []byte // staging area for data accepted but not yet committed

	hasNew     bool
	newStart   int
	newEnd     int

	dead bool
}

// New creates a target buffer over block, seeded from the block's
// current contents.
func New(block *mblk.Block, remoteMblkID uint32, bidirectional bool) *Buffer {
	t := &Buffer{
		Block:         block,
		RemoteMblkID:  remoteMblkID,
		Bidirectional: bidirectional,
		syncbuf:       append([]byte(nil), block.Bytes()...),
		newdata:       append([]byte(nil), block.Bytes()...),
	}
	block.AttachTarget(t)
	return t
}

// Detach implements mblk.Buffer.
func (t *Buffer) Detach() { t.dead = true }

// Dead reports whether the owning block has been released.
func (t *Buffer) Dead() bool { return t.dead }

// invalidate records [lo,hi] as newly written into newdata, unioning
// with any not-yet-committed pending range.
func (t *Buffer) invalidate(lo, hi int) {
	if !t.hasNew {
		t.newStart, t.newEnd = lo, hi
		t.hasNew = true
		return
	}
	if lo < t.newStart {
		t.newStart = lo
	}
	if hi > t.newEnd {
		t.newEnd = hi
	}
}

// Accept decompresses/undeltas data into newdata[addr:], bounded by the
// block size, and records the affected range for a later Commit. flags
// carries FlagCompressed/FlagDeltaEncoded from the frame header.
func (t *Buffer) Accept(addr int, data []byte, flags byte) {
	if addr < 0 || addr >= len(t.newdata) {
		return
	}
	max := len(t.newdata) - addr
	dst := t.newdata[addr:]
	if len(dst) > max {
		dst = dst[:max]
	}
	n := codec.Uncompress(data, dst, flags&codec.FlagCompressed != 0, flags&codec.FlagDeltaEncoded != 0)
	if n <= 0 {
		return
	}
	t.invalidate(addr, addr+n-1)
}

// Commit applies a received SYNC_COMPLETE frame: shrinks the pending
// range by trimming bytes unchanged from syncbuf, copies newdata into
// syncbuf over the final range, writes through to the memory block, and
// fires its change callback. In AUTO_SYNC blocks this happens
// automatically on every commit (the connection engine calls Commit
// exactly once per SYNC_COMPLETE frame regardless, so AUTO_SYNC here is
// just "always publish", matching ioc_tbuf_synchronize).
func (t *Buffer) Commit() {
	if !t.hasNew {
		return
	}
	start, end := t.newStart, t.newEnd

	if !t.Bidirectional {
		for start <= end && t.syncbuf[start] == t.newdata[start] {
			start++
		}
		for end >= start && t.syncbuf[end] == t.newdata[end] {
			end--
		}
	}

	t.hasNew = false
	if end < start {
		return
	}

	copy(t.syncbuf[start:end+1], t.newdata[start:end+1])
	t.Block.Write(start, t.syncbuf[start:end+1], mblk.ChangeReceive)
}

// HasPending reports whether Accept has staged data not yet committed.
func (t *Buffer) HasPending() bool { return t.hasNew }
