package sbuf

import (
	"bytes"
	"testing"

	"github.com/iocafe/iocom-sub000/pkg/iocom/codec"
	"github.com/iocafe/iocom-sub000/pkg/iocom/mblk"
)

func newBlock(t *testing.T, n int) *mblk.Block {
	t.Helper()
	b, err := mblk.New("test", n, mblk.Up, 1)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestFirstPrepareIsKeyframe(t *testing.T) {
	blk := newBlock(t, 32)
	blk.Write(0, []byte{1, 2, 3}, mblk.ChangeWrite)

	s := New(blk, 7, false)
	plan, ok := s.Prepare()
	if !ok || plan == nil {
		t.Fatalf("expected a plan, got ok=%v plan=%v", ok, plan)
	}
	if !plan.IsKeyframe || plan.Start != 0 || plan.End != 31 {
		t.Fatalf("expected full keyframe, got %+v", plan)
	}
	// A 32-byte keyframe with only 3 leading non-zero bytes RLE-compresses
	// well, so Delta is expected to hold the compressed form.
	if !plan.Compressed {
		t.Fatalf("expected the mostly-zero keyframe to compress, got %+v", plan)
	}
	got := make([]byte, 32)
	n := codec.Uncompress(plan.Delta, got, true, false)
	if n != 32 {
		t.Fatalf("Uncompress decoded %d bytes, want 32", n)
	}
	want := make([]byte, 32)
	copy(want, []byte{1, 2, 3})
	if !bytes.Equal(got, want) {
		t.Fatalf("keyframe payload mismatch after decompression: %x", got)
	}
}

func TestPrepareLeavesSmallPayloadsUncompressed(t *testing.T) {
	blk := newBlock(t, 32)
	s := New(blk, 7, false)
	s.Prepare()
	s.MarkSent()

	// A 1-byte delta is too small for RLE framing (codec.Compress refuses
	// anything under 4 bytes), so it must go out raw.
	blk.Write(5, []byte{9}, mblk.ChangeWrite)
	s.Invalidate(5, 5)

	plan, ok := s.Prepare()
	if !ok || plan == nil {
		t.Fatal("expected a plan")
	}
	if plan.Compressed {
		t.Fatalf("expected a 1-byte delta to stay uncompressed, got %+v", plan)
	}
	if !bytes.Equal(plan.Delta, []byte{9}) {
		t.Fatalf("delta payload mismatch: %x", plan.Delta)
	}
}

func TestPrepareBlocksUntilMarkSent(t *testing.T) {
	blk := newBlock(t, 32)
	s := New(blk, 7, false)

	if _, ok := s.Prepare(); !ok {
		t.Fatal("first prepare should succeed")
	}
	if _, ok := s.Prepare(); ok {
		t.Fatal("second prepare should report PENDING before MarkSent")
	}
	s.MarkSent()

	blk.Write(5, []byte{9}, mblk.ChangeWrite)
	s.Invalidate(5, 5)
	plan, ok := s.Prepare()
	if !ok || plan == nil {
		t.Fatalf("expected a delta plan after MarkSent, got ok=%v plan=%v", ok, plan)
	}
	if plan.IsKeyframe {
		t.Fatal("expected a delta frame, not another keyframe")
	}
}

func TestPrepareShrinksUnchangedEdges(t *testing.T) {
	blk := newBlock(t, 32)
	s := New(blk, 7, false)
	s.Prepare()
	s.MarkSent()

	// Snapshot is all zero after the keyframe; only index 12 actually
	// differs, so the edges should shrink down to that single byte.
	blk.Write(10, []byte{0, 0, 3, 0, 0}, mblk.ChangeWrite)
	s.Invalidate(10, 14)

	plan, ok := s.Prepare()
	if !ok || plan == nil {
		t.Fatal("expected a plan")
	}
	if plan.Start != 12 || plan.End != 12 {
		t.Fatalf("expected shrink to [12,12], got [%d,%d]", plan.Start, plan.End)
	}
}

func TestPrepareNoopWhenNothingChanged(t *testing.T) {
	blk := newBlock(t, 32)
	s := New(blk, 7, false)
	s.Prepare()
	s.MarkSent()

	if _, ok := s.Prepare(); !ok {
		t.Fatal("prepare should not report PENDING when there is nothing to send")
	}
	plan, _ := s.Prepare()
	if plan != nil {
		t.Fatalf("expected nil plan with no pending changes, got %+v", plan)
	}
}

func TestBidirectionalSkipsShrink(t *testing.T) {
	blk := newBlock(t, 32)
	s := New(blk, 7, true)
	s.Prepare()
	s.MarkSent()

	blk.Write(0, make([]byte, 32), mblk.ChangeWrite) // no-op write, still invalidated below
	s.Invalidate(0, 31)

	plan, ok := s.Prepare()
	if !ok || plan == nil {
		t.Fatal("expected a plan")
	}
	if plan.Start != 0 || plan.End != 31 {
		t.Fatalf("bidirectional buffer must not shrink the forced range, got [%d,%d]", plan.Start, plan.End)
	}
}

func TestResetOnReconnectForcesKeyframe(t *testing.T) {
	blk := newBlock(t, 32)
	s := New(blk, 7, false)
	s.Prepare()
	s.MarkSent()

	s.ResetOnReconnect()
	if !s.PendingKeyframe() {
		t.Fatal("expected PendingKeyframe after ResetOnReconnect")
	}
	plan, ok := s.Prepare()
	if !ok || plan == nil || !plan.IsKeyframe {
		t.Fatalf("expected a keyframe plan, got ok=%v plan=%+v", ok, plan)
	}
}
