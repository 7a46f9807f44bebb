package mblkinfo

import (
	"testing"

	"github.com/iocafe/iocom-sub000/pkg/iocom/mblk"
	"github.com/iocafe/iocom-sub000/pkg/iocom/root"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	info := Info{
		DeviceNr:    70000,
		DeviceName:  "sensor",
		NetworkName: "cafenet",
		MblkName:    "exp",
		MblkID:      5,
		NBytes:      512,
		Flags:       mblk.Up | mblk.AutoSync,
	}
	payload := Encode(info)

	got, err := Decode(payload, info.MblkID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeviceNr != info.DeviceNr || got.DeviceName != info.DeviceName ||
		got.NetworkName != info.NetworkName || got.MblkName != info.MblkName ||
		got.NBytes != info.NBytes || got.Flags != info.Flags {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, info)
	}
}

func TestEncodeDecodeWithoutNames(t *testing.T) {
	info := Info{DeviceNr: 3, NBytes: 64, Flags: mblk.Down}
	payload := Encode(info)

	got, err := Decode(payload, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeviceName != "" || got.NetworkName != "" || got.MblkName != "" {
		t.Fatalf("expected empty names, got %+v", got)
	}
	if got.DeviceNr != 3 || got.NBytes != 64 || got.Flags != mblk.Down {
		t.Fatalf("unexpected decode: %+v", got)
	}
}

func newTestRoot(t *testing.T) *root.Root {
	t.Helper()
	return root.New(root.Identity{DeviceName: "ctrl", DeviceNr: 1, NetworkName: "cafenet"}, nil)
}

func TestBindCreatesSourceBufferForUpwardMatch(t *testing.T) {
	r := newTestRoot(t)
	blk, err := mblk.New("exp", 32, mblk.Up, r.NextUniqueMblkID())
	if err != nil {
		t.Fatal(err)
	}
	r.RegisterMblk(blk.ID, blk)

	// A block's UP/DOWN flag declares its direction of travel and is the
	// same on both ends' copies; an upward connection on the UP-flagged
	// end makes this side the source.
	info := Info{
		DeviceNr: 1, NBytes: 32, Flags: mblk.Up,
		MblkName: "exp", MblkID: 99,
	}
	b, err := Bind(r, true /* connectUp */, false, false, info)
	if err != nil {
		t.Fatal(err)
	}
	if b.Source == nil {
		t.Fatal("expected a source buffer for an UP block over an upward connection")
	}
	if b.Target != nil {
		t.Fatal("did not expect a target buffer for a one-directional match")
	}
}

func TestBindNoMatchReturnsError(t *testing.T) {
	r := newTestRoot(t)
	info := Info{DeviceNr: 1, NBytes: 32, Flags: mblk.Down, MblkName: "missing", MblkID: 1}
	if _, err := Bind(r, true, false, false, info); err == nil {
		t.Fatal("expected an error when no local block matches and dynamicMblks is off")
	}
}

func TestBindCreatesDynamicBlockWhenEnabled(t *testing.T) {
	r := newTestRoot(t)
	info := Info{
		DeviceNr: 1, NBytes: 48, Flags: mblk.Up,
		MblkName: "fresh", MblkID: 7,
	}
	b, err := Bind(r, true /* connectUp */, false, true /* dynamicMblks */, info)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Created {
		t.Fatal("expected Created to be true for a dynamically created block")
	}
	if b.Block == nil || b.Block.Name != "fresh" || b.Block.Size() != 48 {
		t.Fatalf("unexpected dynamic block %+v", b.Block)
	}
	// The peer advertised it Up (its source); our mirror must be Down so
	// we receive it, flipped relative to the peer's flags.
	if b.Block.Flags&mblk.Down == 0 || b.Block.Flags&mblk.Up != 0 {
		t.Fatalf("expected flipped flags on the dynamic block, got %v", b.Block.Flags)
	}
	if b.Target == nil {
		t.Fatal("expected a target buffer since we are now the receiving side")
	}
	if !r.IsDynamic(b.Block.ID) {
		t.Fatal("expected the dynamic block to be recorded in the root's dynamic index")
	}
	if r.FindByIdentity("cafenet", "ctrl", 1, "fresh") != b.Block {
		t.Fatal("expected the dynamic block to be registered and findable like any other block")
	}
}

func TestBindDynamicBlockBelowMinSizeIsRaisedToMinimum(t *testing.T) {
	r := newTestRoot(t)
	info := Info{DeviceNr: 1, NBytes: 4, Flags: mblk.Down, MblkName: "tiny", MblkID: 9}
	b, err := Bind(r, true, false, true, info)
	if err != nil {
		t.Fatal(err)
	}
	if b.Block.Size() != mblk.MinSize {
		t.Fatalf("expected dynamic block raised to MinSize %d, got %d", mblk.MinSize, b.Block.Size())
	}
}

func TestBindGrowsAllowResizeBlock(t *testing.T) {
	r := newTestRoot(t)
	blk, err := mblk.New("exp", 24, mblk.Up|mblk.AllowResize, r.NextUniqueMblkID())
	if err != nil {
		t.Fatal(err)
	}
	r.RegisterMblk(blk.ID, blk)

	info := Info{DeviceNr: 1, NBytes: 128, Flags: mblk.Down, MblkName: "exp", MblkID: 2}
	if _, err := Bind(r, true, false, false, info); err != nil {
		t.Fatal(err)
	}
	if blk.Size() != 128 {
		t.Fatalf("expected block to grow to 128, got %d", blk.Size())
	}
}

func TestBindBidirectionalCreatesBothBuffers(t *testing.T) {
	r := newTestRoot(t)
	blk, err := mblk.New("exp", 32, mblk.Up|mblk.Down|mblk.Bidirectional, r.NextUniqueMblkID())
	if err != nil {
		t.Fatal(err)
	}
	r.RegisterMblk(blk.ID, blk)

	info := Info{
		DeviceNr: 1, NBytes: 32,
		Flags: mblk.Up | mblk.Down | mblk.Bidirectional,
		MblkName: "exp", MblkID: 3,
	}
	b, err := Bind(r, false /* downward connection */, true /* bidirectionalMblks */, false, info)
	if err != nil {
		t.Fatal(err)
	}
	if b.Source == nil || b.Target == nil {
		t.Fatalf("expected both buffers for a bidirectional match, got %+v", b)
	}
}

func TestAdvertiserDrainsAllBlocks(t *testing.T) {
	r := newTestRoot(t)
	for _, name := range []string{"a", "b", "c"} {
		blk, err := mblk.New(name, 32, mblk.Up, r.NextUniqueMblkID())
		if err != nil {
			t.Fatal(err)
		}
		r.RegisterMblk(blk.ID, blk)
	}

	var a Advertiser
	a.Reset(r)

	seen := map[string]bool{}
	for a.Pending() {
		b := a.Next()
		if b == nil {
			t.Fatal("Next returned nil while Pending was true")
		}
		seen[b.Name] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected to see 3 blocks, saw %d", len(seen))
	}
	if a.Next() != nil {
		t.Fatal("expected nil once drained")
	}
}

func TestResolveDeviceNrAutoAssignment(t *testing.T) {
	r := newTestRoot(t)
	info := Info{DeviceNr: AutoDeviceNr}
	ResolveDeviceNr(r, &info, 70001)
	if info.DeviceNr != 70001 {
		t.Fatalf("expected auto-assigned device_nr 70001, got %d", info.DeviceNr)
	}
}
