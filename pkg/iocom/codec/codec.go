// Package codec implements the IOCOM wire frame: header layout, CRC,
// delta/RLE compression and the integer/string packing helpers shared by
// the mblk-info and authentication payloads.
package codec

// Transport frame sizes, §4.1.
const (
	SerialFrameSize = 96
	SocketFrameSize = 464
)

// Frame header flags (byte 3 on serial, byte 1 on socket).
const (
	FlagDeltaEncoded    byte = 1 << 0
	FlagCompressed      byte = 1 << 1
	FlagAddrTwoBytes    byte = 1 << 2
	FlagMblkTwoBytes    byte = 1 << 3
	FlagSyncComplete    byte = 1 << 4
	FlagSystemFrame     byte = 1 << 5
	FlagExtraFlags      byte = 1 << 6
)

// Extra flags, present only when FlagExtraFlags is set.
const (
	ExtraAddrFourBytes byte = 1 << 0
	ExtraMblkFourBytes byte = 1 << 1
	ExtraNoZero        byte = 1 << 2
)

// System frame sub-types, carried as payload byte 0 when FlagSystemFrame is set.
const (
	SysFrameMblkInfo          byte = 1
	SysFrameAuth              byte = 2
	SysFrameRemoveMblkRequest byte = 3
)

// AckSentinel marks an acknowledgement frame: distinct from any legal
// frame_nr because valid frame numbers never exceed 200.
const AckSentinel byte = 0xFF

// Frame numbers run 1..200; 0 is reserved for the first frame after reset
// and must never recur.
const (
	MinFrameNr   = 1
	MaxFrameNr   = 200
	FirstFrameNr = 0
)

// Header is the decoded logical frame header common to both transports.
// Serial and socket wire layouts differ only in byte offsets and whether
// the CRC is transmitted; Header is transport-agnostic.
type Header struct {
	FrameNr     byte
	Flags       byte
	ExtraFlags  byte
	PayloadSize int
	MblkID      uint32
	Addr        uint32
	Payload     []byte
}

// IsSystemFrame reports whether the header carries a system frame.
func (h *Header) IsSystemFrame() bool {
	return h.Flags&FlagSystemFrame != 0
}

// SysFrameType returns the payload's system frame sub-type; only valid
// when IsSystemFrame is true and payload is non-empty.
func (h *Header) SysFrameType() byte {
	if len(h.Payload) == 0 {
		return 0
	}
	return h.Payload[0]
}

// widthFor computes the packed width (1, 2 or 4 bytes)
// for a value, used both when encoding a header and when sizing one.
func widthFor(v uint32) int {
	switch {
	case v <= 0xFF:
		return 1
	case v <= 0xFFFF:
		return 2
	default:
		return 4
	}
}
