// Package sbuf implements the source transfer buffer: per-(connection,
// block) change tracking and key/delta frame production, spec §4.2.
// Grounded directly on ioc_source_buffer.c (ioc_sbuf_invalidate,
// ioc_sbuf_synchronize).
package sbuf

import (
	"github.com/iocafe/iocom-sub000/pkg/iocom/codec"
	"github.com/iocafe/iocom-sub000/pkg/iocom/mblk"
)

// Plan is the result of Prepare: the byte range to transmit and whether
// it must go out as a key frame.
type Plan struct {
	Start, End int  // inclusive range into Delta/Snapshot
	IsKeyframe bool
	Delta      []byte // current - snapshot over [Start,End], or a raw copy for key frames

	// Compressed reports whether Delta already holds the RLE-compressed
	// form of the payload (§4.1), set whenever compression shrinks it;
	// Delta otherwise holds the raw (or delta-encoded) bytes unmodified.
	Compressed bool
}

// Buffer is one source buffer: it binds a connection to a local UP
// block and owns a synchronised snapshot plus, in bidirectional mode, a
// force-send bitmap.
type Buffer struct {
	Block        *mblk.Block
	RemoteMblkID uint32
	Bidirectional bool

	snapshot []byte
	forceBit []byte // (N+7)/8 bytes, bidirectional mode only

	rangeSet          bool
	changedStart, changedEnd int

	makeKeyframe bool
	used         bool
	dead         bool
}

// New creates a source buffer over block. The first Prepare always
// produces a key frame (§4.2 "Key-frame policy").
func New(block *mblk.Block, remoteMblkID uint32, bidirectional bool) *Buffer {
	n := block.Size()
	b := &Buffer{
		Block:         block,
		RemoteMblkID:  remoteMblkID,
		Bidirectional: bidirectional,
		snapshot:      make([]byte, n),
		makeKeyframe:  true,
	}
	if bidirectional {
		b.forceBit = make([]byte, (n+7)/8)
	}
	block.AttachSource(b)
	block.InstallCallback(func(start, end int, _ mblk.ChangeKind) {
		if b.dead {
			return
		}
		b.Invalidate(start, end)
	})
	return b
}

// Detach implements mblk.Buffer: called when the owning block is
// deleted. Further calls on a detached Buffer are no-ops.
func (b *Buffer) Detach() { b.dead = true }

// Dead reports whether the block backing this buffer has been released.
func (b *Buffer) Dead() bool { return b.dead }

// ResetOnReconnect forces the next Prepare to emit a full key frame,
// matching "make_keyframe is forced true on connection reset" (§4.2).
func (b *Buffer) ResetOnReconnect() {
	b.makeKeyframe = true
	b.rangeSet = false
	b.used = false
}

// Invalidate marks [lo,hi] as possibly changed, unioning with any
// already-pending range. In bidirectional mode it also raises the
// force-send bitmap over the same range so a later "value unchanged"
// suppression cannot hide it.
func (b *Buffer) Invalidate(lo, hi int) {
	if hi < lo || b.dead {
		return
	}
	if !b.rangeSet {
		b.changedStart, b.changedEnd = lo, hi
		b.rangeSet = true
	} else {
		if lo < b.changedStart {
			b.changedStart = lo
		}
		if hi > b.changedEnd {
			b.changedEnd = hi
		}
	}
	if b.Bidirectional {
		b.setForceBits(lo, hi)
	}
}

func (b *Buffer) setForceBits(lo, hi int) {
	for i := lo; i <= hi; i++ {
		b.forceBit[i>>3] |= 1 << uint(i&7)
	}
}

func (b *Buffer) forced(i int) bool {
	if !b.Bidirectional {
		return false
	}
	return b.forceBit[i>>3]&(1<<uint(i&7)) != 0
}

func (b *Buffer) clearForceBits(lo, hi int) {
	if !b.Bidirectional {
		return
	}
	for i := lo; i <= hi; i++ {
		b.forceBit[i>>3] &^= 1 << uint(i&7)
	}
}

// Prepare builds the next frame's payload plan. It returns ok == false
// (PENDING, §4.2) if a previous plan is still awaiting transmission; the
// caller must call MarkSent once that frame has actually gone out
// before Prepare will produce a new one. A nil plan with ok == true
// means there is nothing to send right now.
func (b *Buffer) Prepare() (plan *Plan, ok bool) {
	if b.dead {
		return nil, true
	}
	if b.used {
		return nil, false
	}
	if !b.rangeSet && !b.makeKeyframe {
		return nil, true
	}

	buf := b.Block.Bytes()

	var start, end int
	var isKey bool

	switch {
	case b.makeKeyframe:
		start, end = 0, len(buf)-1
		isKey = true
		b.makeKeyframe = false
	default:
		start, end = b.changedStart, b.changedEnd
		isKey = false

		if !b.Bidirectional {
			for start <= end && b.snapshot[start] == buf[start] {
				start++
			}
			for end >= start && b.snapshot[end] == buf[end] {
				end--
			}
		}
		if end < start {
			b.rangeSet = false
			return nil, true
		}
	}

	b.rangeSet = false

	delta := make([]byte, end-start+1)
	if isKey {
		copy(delta, buf[start:end+1])
		copy(b.snapshot[start:end+1], buf[start:end+1])
	} else {
		for i := start; i <= end; i++ {
			delta[i-start] = buf[i] - b.snapshot[i]
		}
		copy(b.snapshot[start:end+1], buf[start:end+1])
	}
	if b.Bidirectional {
		b.clearForceBits(start, end)
	}

	b.used = true
	payload, compressed := compressPayload(delta)
	return &Plan{Start: start, End: end, IsKeyframe: isKey, Delta: payload, Compressed: compressed}, true
}

// compressPayload RLE-compresses raw via codec.Compress (§4.1) and
// returns the compressed bytes when that shrinks the payload and every
// byte was consumed; otherwise it returns raw unmodified.
func compressPayload(raw []byte) (payload []byte, compressed bool) {
	dst := make([]byte, len(raw))
	written, consumed, ok := codec.Compress(raw, 0, len(raw)-1, dst)
	if !ok || consumed != len(raw) {
		return raw, false
	}
	return dst[:written], true
}

// MarkSent clears the in-use flag once the caller has transmitted the
// plan returned by Prepare, allowing the next Prepare call to proceed.
func (b *Buffer) MarkSent() { b.used = false }

// Used reports whether a plan is currently pending transmission.
func (b *Buffer) Used() bool { return b.used }

// PendingKeyframe reports whether the next Prepare will be a key frame
// (used by tests and diagnostics).
func (b *Buffer) PendingKeyframe() bool { return b.makeKeyframe }
