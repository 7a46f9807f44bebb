package tbuf

import (
	"bytes"
	"testing"

	"github.com/iocafe/iocom-sub000/pkg/iocom/codec"
	"github.com/iocafe/iocom-sub000/pkg/iocom/mblk"
)

func newBlock(t *testing.T, n int) *mblk.Block {
	t.Helper()
	b, err := mblk.New("test", n, mblk.Down, 1)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAcceptRawThenCommitPublishes(t *testing.T) {
	blk := newBlock(t, 32)
	tb := New(blk, 9, false)

	tb.Accept(4, []byte{1, 2, 3}, 0)
	if !tb.HasPending() {
		t.Fatal("expected pending data after Accept")
	}
	tb.Commit()
	if tb.HasPending() {
		t.Fatal("expected no pending data after Commit")
	}

	got := make([]byte, 3)
	blk.Read(4, got)
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("block not updated: %x", got)
	}
}

func TestAcceptCompressed(t *testing.T) {
	blk := newBlock(t, 32)
	tb := New(blk, 9, false)

	src := make([]byte, 20)
	src[5] = 42
	dst := make([]byte, 64)
	written, consumed, ok := codec.Compress(src, 0, len(src)-1, dst)
	if !ok {
		t.Fatal("expected compression to succeed")
	}
	if consumed != len(src) {
		t.Fatalf("expected full consume, got %d", consumed)
	}

	tb.Accept(0, dst[:written], codec.FlagCompressed)
	tb.Commit()

	got := make([]byte, 20)
	blk.Read(0, got)
	if !bytes.Equal(got, src) {
		t.Fatalf("decompressed mismatch: got %x want %x", got, src)
	}
}

func TestCommitShrinksUnchangedEdges(t *testing.T) {
	blk := newBlock(t, 32)
	tb := New(blk, 9, false)

	tb.Accept(10, []byte{0, 0, 7, 0, 0}, 0)
	tb.Commit()

	var got [5]byte
	blk.Read(10, got[:])
	if got != [5]byte{0, 0, 7, 0, 0} {
		t.Fatalf("unexpected block contents: %v", got)
	}
}

func TestCommitNoopWithoutAccept(t *testing.T) {
	blk := newBlock(t, 32)
	tb := New(blk, 9, false)
	tb.Commit() // must not panic with no pending range
	if tb.HasPending() {
		t.Fatal("expected no pending state")
	}
}
