package mblk

import "testing"

func newSignalTestBlock(t *testing.T, size int) *Block {
	t.Helper()
	blk, err := New("signals", size, Bidirectional, 1)
	if err != nil {
		t.Fatal(err)
	}
	return blk
}

func TestSignalNotConnectedBeforeFirstWrite(t *testing.T) {
	sig := &Signal{Block: newSignalTestBlock(t, 32), Addr: 0, Count: 1, Type: TInt32}
	if sig.Connected() {
		t.Fatal("fresh signal reported connected")
	}
	if _, ok := sig.GetInt(); ok {
		t.Fatal("GetInt on an unconnected signal should report ok=false")
	}
}

func TestSignalIntRoundTripAcrossWidths(t *testing.T) {
	cases := []struct {
		name string
		typ  SignalType
		val  int64
	}{
		{"i8", TInt8, -100},
		{"u8", TUint8, 200},
		{"i16", TInt16, -30000},
		{"u16", TUint16, 60000},
		{"i32", TInt32, -2000000000},
		{"u32", TUint32, 4000000000},
		{"i64", TInt64, -123456789012345},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sig := &Signal{Block: newSignalTestBlock(t, 32), Addr: 0, Count: 1, Type: c.typ}
			sig.SetInt(c.val)
			got, ok := sig.GetInt()
			if !ok {
				t.Fatal("expected connected after SetInt")
			}
			if got != c.val {
				t.Fatalf("GetInt() = %d, want %d", got, c.val)
			}
		})
	}
}

func TestSignalFloatRoundTrip(t *testing.T) {
	sig := &Signal{Block: newSignalTestBlock(t, 32), Addr: 0, Count: 1, Type: TFloat64}
	sig.SetFloat(-2.5)
	got, ok := sig.GetFloat()
	if !ok {
		t.Fatal("expected connected after SetFloat")
	}
	if got != -2.5 {
		t.Fatalf("GetFloat() = %v, want -2.5", got)
	}
}

func TestSignalFloatOnIntegerTypeIsNoop(t *testing.T) {
	sig := &Signal{Block: newSignalTestBlock(t, 32), Addr: 0, Count: 1, Type: TInt32}
	sig.SetFloat(1.5)
	if sig.Connected() {
		t.Fatal("SetFloat on a non-float signal should not mark it connected")
	}
}

func TestSignalBoolRoundTrip(t *testing.T) {
	sig := &Signal{Block: newSignalTestBlock(t, 32), Addr: 0, Count: 1, Type: TBool}
	sig.SetBool(true)
	got, ok := sig.GetBool()
	if !ok || !got {
		t.Fatalf("GetBool() = (%v, %v), want (true, true)", got, ok)
	}
	sig.SetBool(false)
	got, ok = sig.GetBool()
	if !ok || got {
		t.Fatalf("GetBool() = (%v, %v), want (false, true)", got, ok)
	}
}

func TestSignalStringRoundTripTruncatesToCapacity(t *testing.T) {
	sig := &Signal{Block: newSignalTestBlock(t, 32), Addr: 0, Count: 6, Type: TString}
	sig.SetString("hello world")
	got, ok := sig.GetString()
	if !ok {
		t.Fatal("expected connected after SetString")
	}
	if got != "hello" {
		t.Fatalf("GetString() = %q, want %q", got, "hello")
	}
}

func TestSignalIndependentOfOtherSignalsInSameBlock(t *testing.T) {
	blk := newSignalTestBlock(t, 32)
	a := &Signal{Block: blk, Addr: 0, Count: 1, Type: TInt16}
	b := &Signal{Block: blk, Addr: 4, Count: 1, Type: TInt16}

	a.SetInt(11)
	b.SetInt(22)

	gotA, _ := a.GetInt()
	gotB, _ := b.GetInt()
	if gotA != 11 || gotB != 22 {
		t.Fatalf("got a=%d b=%d, want a=11 b=22", gotA, gotB)
	}
}
