// Package mblkinfo implements the mblk-info system frame: advertising
// local memory blocks to a peer and binding a peer's advertisement to a
// matching local block by (network, device, device_nr, mblk_name),
// spec §4.5. Grounded on ioc_memory_block_info.c
// (ioc_mbinfo_received/ioc_mbinfo_new_sbuf/ioc_mbinfo_new_tbuf).
package mblkinfo

import (
	"fmt"

	"github.com/iocafe/iocom-sub000/pkg/iocom/codec"
	"github.com/iocafe/iocom-sub000/pkg/iocom/mblk"
	"github.com/iocafe/iocom-sub000/pkg/iocom/root"
	"github.com/iocafe/iocom-sub000/pkg/iocom/sbuf"
	"github.com/iocafe/iocom-sub000/pkg/iocom/tbuf"
)

// Info bit flags carried in the wire payload's width-selector byte.
const (
	flagD2Bytes byte = 1 << 0
	flagD4Bytes byte = 1 << 1
	flagN2Bytes byte = 1 << 2
	flagN4Bytes byte = 1 << 3
	flagF2Bytes byte = 1 << 4
	flagHasDeviceName byte = 1 << 5
	flagHasMblkName   byte = 1 << 6
)

// AutoDeviceNr is the device_nr value meaning "assign me one" (§4.5).
const AutoDeviceNr = 0

// ToAutoDeviceNr addresses whichever device this root auto-assigned.
const ToAutoDeviceNr = 0xFFFFFFFF

// Info is a decoded mblk-info advertisement.
type Info struct {
	DeviceNr    uint32
	DeviceName  string
	NetworkName string
	MblkName    string
	MblkID      uint32
	NBytes      int
	Flags       mblk.Flags
}

// Encode packs info into a mblk-info system frame payload (without the
// leading SysFrameMblkInfo subtype byte, which the caller's frame
// encoder is responsible for). device/mblk names are included whenever
// non-empty, matching IOC_INFO_HAS_DEVICE_NAME/IOC_INFO_HAS_MBLK_NAME.
func Encode(info Info) []byte {
	var iflags byte
	widthFlagsD(info.DeviceNr, &iflags)
	widthFlagsN(uint32(info.NBytes), &iflags)
	wideFlags := info.Flags > 0xFF
	if wideFlags {
		iflags |= flagF2Bytes
	}
	if info.DeviceName != "" || info.NetworkName != "" {
		iflags |= flagHasDeviceName
	}
	if info.MblkName != "" {
		iflags |= flagHasMblkName
	}

	out := []byte{iflags}
	out, _ = codec.PackUint(out, info.DeviceNr)
	out, _ = codec.PackUint(out, uint32(info.NBytes))
	if wideFlags {
		out = append(out, byte(info.Flags), byte(info.Flags>>8))
	} else {
		out = append(out, byte(info.Flags))
	}
	if iflags&flagHasDeviceName != 0 {
		out = codec.PackString(out, info.DeviceName)
		out = codec.PackString(out, info.NetworkName)
	}
	if iflags&flagHasMblkName != 0 {
		out = codec.PackString(out, info.MblkName)
	}
	return out
}

func widthFlagsD(v uint32, iflags *byte) int {
	switch {
	case v <= 0xFF:
		return 1
	case v <= 0xFFFF:
		*iflags |= flagD2Bytes
		return 2
	default:
		*iflags |= flagD4Bytes
		return 4
	}
}

func widthFlagsN(v uint32, iflags *byte) int {
	switch {
	case v <= 0xFF:
		return 1
	case v <= 0xFFFF:
		*iflags |= flagN2Bytes
		return 2
	default:
		*iflags |= flagN4Bytes
		return 4
	}
}

// Decode parses a mblk-info payload as produced by Encode. mblkID is
// supplied by the caller out of band (it travels in the frame header's
// mblk_id field, not the payload, on the wire -- see
// ioc_process_received_mbinfo_frame).
func Decode(payload []byte, mblkID uint32) (Info, error) {
	if len(payload) < 1 {
		return Info{}, codec.ErrShortBuffer
	}
	iflags := payload[0]
	p := payload[1:]

	dw := widthOf(iflags, flagD2Bytes, flagD4Bytes)
	deviceNr, n, err := codec.UnpackUint(p, dw)
	if err != nil {
		return Info{}, err
	}
	p = p[n:]

	nw := widthOf(iflags, flagN2Bytes, flagN4Bytes)
	nbytes, n, err := codec.UnpackUint(p, nw)
	if err != nil {
		return Info{}, err
	}
	p = p[n:]

	fw := 1
	if iflags&flagF2Bytes != 0 {
		fw = 2
	}
	if len(p) < fw {
		return Info{}, codec.ErrShortBuffer
	}
	var flags mblk.Flags
	if fw == 2 {
		flags = mblk.Flags(p[0]) | mblk.Flags(p[1])<<8
	} else {
		flags = mblk.Flags(p[0])
	}
	p = p[fw:]

	info := Info{
		DeviceNr: deviceNr,
		MblkID:   mblkID,
		NBytes:   int(nbytes),
		Flags:    flags,
	}

	if iflags&flagHasDeviceName != 0 {
		var s string
		if s, n, err = codec.UnpackString(p); err != nil {
			return Info{}, err
		}
		info.DeviceName = s
		p = p[n:]
		if s, n, err = codec.UnpackString(p); err != nil {
			return Info{}, err
		}
		info.NetworkName = s
		p = p[n:]
	}
	if iflags&flagHasMblkName != 0 {
		var s string
		if s, _, err = codec.UnpackString(p); err != nil {
			return Info{}, err
		}
		info.MblkName = s
	}
	return info, nil
}

func widthOf(iflags, two, four byte) int {
	switch {
	case iflags&four != 0:
		return 4
	case iflags&two != 0:
		return 2
	default:
		return 1
	}
}

// Binding is the outcome of matching a received Info against the local
// memory blocks: zero, one, or (in bidirectional mode) both buffers.
type Binding struct {
	Source *sbuf.Buffer
	Target *tbuf.Buffer

	// Block is the local memory block info bound to.
	Block *mblk.Block
	// Created is true when Block did not already exist and Bind created
	// it under DYNAMIC_MBLKS (§4.5), so the caller can track it for
	// cleanup when the connection drops.
	Created bool
}

// Bind implements ioc_mbinfo_received: it finds the local block matching
// info's (network, device_nr, device_name, mblk_name) -- falling back to
// the root's own identity when info omits specific-device-name fields --
// grows it if ALLOW_RESIZE permits and the peer's block is larger, and
// creates the source and/or target buffer(s) the direction flags and
// optional bidirectional negotiation call for.
//
// connectUp is true for an upward (client) connection, matching
// IOC_CONNECT_UP; bidirectionalMblks gates whether a block flagged
// IOC_BIDIRECTIONAL on both ends gets dual source+target buffers instead
// of a single one-directional buffer. dynamicMblks enables DYNAMIC_MBLKS
// (§4.5): when true and no local block matches, one is created to mirror
// the peer's advertisement instead of the bind failing.
func Bind(r *root.Root, connectUp, bidirectionalMblks, dynamicMblks bool, info Info) (*Binding, error) {
	local := findMatch(r, info)
	created := false
	if local == nil {
		if !dynamicMblks {
			return nil, fmt.Errorf("mblkinfo: no local block matches %q (device=%s#%d net=%s)",
				info.MblkName, info.DeviceName, info.DeviceNr, info.NetworkName)
		}
		var err error
		local, err = createDynamicBlock(r, info)
		if err != nil {
			return nil, err
		}
		created = true
	}

	if local.Flags&mblk.AllowResize != 0 && info.NBytes > local.Size() {
		if err := local.Resize(info.NBytes); err != nil {
			return nil, err
		}
	}

	bdflag := bidirectionalMblks && local.Flags&info.Flags&mblk.Bidirectional != 0

	var sourceFlag, targetFlag mblk.Flags
	if connectUp {
		sourceFlag, targetFlag = mblk.Up, mblk.Down
	} else {
		sourceFlag, targetFlag = mblk.Down, mblk.Up
	}

	out := &Binding{Block: local, Created: created}

	// bdflag is deliberately shared and mutated across both branches below,
	// mirroring ioc_mbinfo_received: an upward connection never creates a
	// bidirectional source buffer, a downward connection never creates a
	// bidirectional target buffer, and once either rule fires it also
	// suppresses the complementary buffer the other branch would add.
	if local.Flags&sourceFlag != 0 && info.Flags&sourceFlag != 0 {
		if connectUp {
			bdflag = false
		}
		out.Source = sbuf.New(local, info.MblkID, bdflag)
		if bdflag {
			out.Target = tbuf.New(local, info.MblkID, bdflag)
		}
	}

	if local.Flags&targetFlag != 0 && info.Flags&targetFlag != 0 {
		if !connectUp {
			bdflag = false
		}
		if bdflag && out.Source == nil {
			out.Source = sbuf.New(local, info.MblkID, bdflag)
		}
		if out.Target == nil {
			out.Target = tbuf.New(local, info.MblkID, bdflag)
		}
	}

	return out, nil
}

// createDynamicBlock implements DYNAMIC_MBLKS (§4.5): a peer's
// advertisement that matches nothing local gets a new block created to
// mirror it instead, sized to the peer's NBytes and flagged with
// UP/DOWN flipped relative to the peer's flags (what the peer calls its
// source becomes our target, and vice versa). Grounded on
// ioc_dyn_mblk_list.c / ioc_dyn_root.c's "add dynamic mblk on receive".
func createDynamicBlock(r *root.Root, info Info) (*mblk.Block, error) {
	flags := info.Flags &^ (mblk.Up | mblk.Down)
	if info.Flags&mblk.Up != 0 {
		flags |= mblk.Down
	}
	if info.Flags&mblk.Down != 0 {
		flags |= mblk.Up
	}

	nbytes := info.NBytes
	if nbytes < mblk.MinSize {
		nbytes = mblk.MinSize
	}

	id := r.NextUniqueMblkID()
	blk, err := mblk.New(info.MblkName, nbytes, flags, id)
	if err != nil {
		return nil, err
	}
	blk.DeviceName = info.DeviceName
	blk.DeviceNr = info.DeviceNr
	blk.NetworkName = info.NetworkName

	r.RegisterMblk(id, blk)
	r.MarkDynamic(id)
	return blk, nil
}

// findMatch mirrors the scan loop in ioc_mbinfo_received: block and
// memory-block names must match exactly; device_nr/device_name/
// network_name either match the block's own values (when it carries a
// block-specific device name) or the root's identity. The lookup itself
// goes through the root's hashed fabric index (§4.5) rather than a
// linear walk of every registered block. An info without a device name
// is matched as if it named this root's own device and network.
func findMatch(r *root.Root, info Info) *mblk.Block {
	network, device := info.NetworkName, info.DeviceName
	if device == "" {
		network, device = r.Identity.NetworkName, r.Identity.DeviceName
	}
	return r.FindByIdentity(network, device, info.DeviceNr, info.MblkName)
}

// ResolveDeviceNr applies the AUTO_DEVICE_NR substitution rules from
// ioc_process_received_mbinfo_frame: a peer advertising AutoDeviceNr
// gets assigned one (cached per connection by the caller via
// assignedAutoNr), and a peer addressing ToAutoDeviceNr when this root
// itself runs with an automatic number is redirected to
// AutoDeviceNr so the match above compares correctly.
func ResolveDeviceNr(r *root.Root, info *Info, assignedAutoNr uint32) {
	switch {
	case info.DeviceNr == AutoDeviceNr:
		info.DeviceNr = assignedAutoNr
	case info.DeviceNr == ToAutoDeviceNr && r.Identity.DeviceNr == AutoDeviceNr:
		info.DeviceNr = AutoDeviceNr
	}
}

// Advertiser walks a root's memory blocks for one connection, handing
// out the next block whose info must be sent, matching
// ioc_get_mbinfo_to_send's "current_mblk" cursor. Zero value is ready to
// use; call Reset after a connection (re)establishes.
type Advertiser struct {
	blocks []*mblk.Block
	pos    int
}

// Reset re-scans the root and restarts the cursor at the first block,
// matching ioc_add_con_to_global_mbinfo (called once a connection is
// established, so every existing block gets advertised).
func (a *Advertiser) Reset(r *root.Root) {
	a.blocks = r.Blocks()
	a.pos = 0
}

// Next returns the next block whose info needs sending, or nil if the
// cursor has drained (ioc_get_mbinfo_to_send returning OS_NULL).
func (a *Advertiser) Next() *mblk.Block {
	if a.pos >= len(a.blocks) {
		return nil
	}
	b := a.blocks[a.pos]
	a.pos++
	return b
}

// Pending reports whether the cursor still has blocks to advertise.
func (a *Advertiser) Pending() bool { return a.pos < len(a.blocks) }
