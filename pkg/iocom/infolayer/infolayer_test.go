package infolayer

import (
	"testing"

	"github.com/iocafe/iocom-sub000/pkg/iocom/mblk"
)

func newTestBlock(t *testing.T, size int) *mblk.Block {
	t.Helper()
	blk, err := mblk.New("signals", size, mblk.Bidirectional, 1)
	if err != nil {
		t.Fatal(err)
	}
	return blk
}

func TestTableEncodeDecodeRoundTrips(t *testing.T) {
	table := NewTable()
	table.Declare(Descriptor{Name: "speed", Addr: 4, N: 1, Type: mblk.TInt16})
	table.Declare(Descriptor{Name: "label", Addr: 8, N: 12, Type: mblk.TString})

	data, err := table.EncodeInfoBlock()
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodeInfoBlock(data)
	if err != nil {
		t.Fatal(err)
	}
	names := decoded.Names()
	if len(names) != 2 {
		t.Fatalf("got %d names, want 2", len(names))
	}

	blk := newTestBlock(t, 32)
	sig, err := decoded.Resolve(blk, "speed")
	if err != nil {
		t.Fatal(err)
	}
	if sig.Addr != 4 || sig.Type != mblk.TInt16 {
		t.Fatalf("resolved descriptor = %+v, want addr=4 type=TInt16", sig)
	}
}

func TestTableResolveUnknownNameErrors(t *testing.T) {
	table := NewTable()
	blk := newTestBlock(t, 32)
	if _, err := table.Resolve(blk, "missing"); err == nil {
		t.Fatal("expected an error resolving an undeclared signal")
	}
}

func TestResolvedSignalReadsWriteThroughUnderlyingBlock(t *testing.T) {
	table := NewTable()
	table.Declare(Descriptor{Name: "counter", Addr: 0, N: 1, Type: mblk.TInt32})

	blk := newTestBlock(t, 32)
	sig, err := table.Resolve(blk, "counter")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := sig.GetInt(); ok {
		t.Fatal("freshly resolved signal should not yet be connected")
	}
	sig.SetInt(-4200)
	got, ok := sig.GetInt()
	if !ok {
		t.Fatal("expected GetInt to report connected after SetInt")
	}
	if got != -4200 {
		t.Fatalf("GetInt() = %d, want -4200", got)
	}
}

func TestResolvedStringSignalTruncatesToCapacity(t *testing.T) {
	table := NewTable()
	table.Declare(Descriptor{Name: "label", Addr: 0, N: 6, Type: mblk.TString}) // 1 len byte + 5 data bytes

	blk := newTestBlock(t, 32)
	sig, err := table.Resolve(blk, "label")
	if err != nil {
		t.Fatal(err)
	}

	sig.SetString("hello world")
	got, ok := sig.GetString()
	if !ok {
		t.Fatal("expected GetString to report connected after SetString")
	}
	if got != "hello" {
		t.Fatalf("GetString() = %q, want %q", got, "hello")
	}
}
