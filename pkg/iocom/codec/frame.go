package codec

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when the caller supplies a buffer too small
// to hold the frame being encoded, or when a partial frame is presented
// to Decode before enough bytes have arrived.
var ErrShortBuffer = errors.New("codec: short buffer")

// ErrBadFrame is returned by Decode when the header is structurally
// invalid (oversize payload, bad extra-flags combination).
var ErrBadFrame = errors.New("codec: malformed frame")

// Transport selects which wire layout Encode/Decode use: the serial
// layout carries a transmitted CRC-16, the socket layout relies on the
// TCP checksum and omits it, per §4.1.
type Transport int

const (
	Serial Transport = iota
	Socket
)

func (t Transport) frameSize() int {
	if t == Serial {
		return SerialFrameSize
	}
	return SocketFrameSize
}

// EncodedSize returns the number of bytes Encode will write for h under
// the given transport, without actually encoding anything.
func EncodedSize(t Transport, h *Header) int {
	mw := widthFor(h.MblkID)
	aw := widthFor(h.Addr)
	n := headerFixedSize(t)
	if mw == 4 || aw == 4 || h.ExtraFlags != 0 {
		n++ // extra_flags byte
	}
	n += mw + aw + len(h.Payload)
	return n
}

// headerFixedSize returns the number of header bytes preceding any
// extra-flags byte: on serial this includes the two transmitted CRC
// bytes at offsets 1..2; on socket there is no transmitted CRC.
func headerFixedSize(t Transport) int {
	if t == Serial {
		return 5 // frame_nr, crc-lo, crc-hi, flags, payload_size
	}
	return 4 // frame_nr, flags, payload_size(2)
}

// Encode serializes h into dst using the wire layout for t. dst must be
// at least EncodedSize(t, h) bytes; the payload is not checked against
// the transport's fixed frame size. Returns the number of bytes
// written, with the CRC field (serial only) already computed.
func Encode(t Transport, h *Header, dst []byte) (int, error) {
	mw := widthFor(h.MblkID)
	aw := widthFor(h.Addr)
	flags := h.Flags
	switch mw {
	case 2:
		flags |= FlagMblkTwoBytes
	case 4:
		// 4-byte widths are signalled only via extra flags.
	}
	switch aw {
	case 2:
		flags |= FlagAddrTwoBytes
	}
	extra := h.ExtraFlags
	if mw == 4 {
		extra |= ExtraMblkFourBytes
	}
	if aw == 4 {
		extra |= ExtraAddrFourBytes
	}
	if extra != 0 {
		flags |= FlagExtraFlags
	}

	need := EncodedSize(t, h)
	if len(dst) < need {
		return 0, ErrShortBuffer
	}
	if h.PayloadSize != len(h.Payload) {
		h.PayloadSize = len(h.Payload)
	}

	var off int
	switch t {
	case Serial:
		dst[0] = h.FrameNr
		// CRC written last, once the rest of the frame is in place.
		dst[3] = flags
		dst[4] = byte(h.PayloadSize)
		off = 5
	case Socket:
		dst[0] = h.FrameNr
		dst[1] = flags
		binary.LittleEndian.PutUint16(dst[2:4], uint16(h.PayloadSize))
		off = 4
	}
	if extra != 0 {
		dst[off] = extra
		off++
	}
	off += putUint(dst[off:], h.MblkID, mw)
	off += putUint(dst[off:], h.Addr, aw)
	off += copy(dst[off:], h.Payload)

	if t == Serial {
		// CRC-16 is computed over the whole frame with the CRC field
		// zeroed, then written back into place.
		dst[1], dst[2] = 0, 0
		crc := CRC16(dst[:off])
		dst[1] = byte(crc)
		dst[2] = byte(crc >> 8)
	}
	return off, nil
}

// Decode parses a complete frame of the given transport out of src,
// which must contain exactly one frame (the caller determines frame
// boundaries from the partial header as §4.9 step 3 describes). It does
// not itself verify the CRC; callers that need CRC verification call
// VerifyCRC first for serial frames.
func Decode(t Transport, src []byte) (*Header, error) {
	h := &Header{}
	var off int
	switch t {
	case Serial:
		if len(src) < 5 {
			return nil, ErrShortBuffer
		}
		h.FrameNr = src[0]
		h.Flags = src[3]
		h.PayloadSize = int(src[4])
		off = 5
	case Socket:
		if len(src) < 4 {
			return nil, ErrShortBuffer
		}
		h.FrameNr = src[0]
		h.Flags = src[1]
		h.PayloadSize = int(binary.LittleEndian.Uint16(src[2:4]))
		off = 4
	}

	if h.Flags&FlagExtraFlags != 0 {
		if len(src) <= off {
			return nil, ErrShortBuffer
		}
		h.ExtraFlags = src[off]
		off++
	}

	mw := 1
	if h.Flags&FlagMblkTwoBytes != 0 {
		mw = 2
	}
	if h.ExtraFlags&ExtraMblkFourBytes != 0 {
		mw = 4
	}
	aw := 1
	if h.Flags&FlagAddrTwoBytes != 0 {
		aw = 2
	}
	if h.ExtraFlags&ExtraAddrFourBytes != 0 {
		aw = 4
	}

	if len(src) < off+mw+aw+h.PayloadSize {
		return nil, ErrShortBuffer
	}
	h.MblkID = getUint(src[off:], mw)
	off += mw
	h.Addr = getUint(src[off:], aw)
	off += aw

	maxPayload := t.frameSize() - off
	if h.PayloadSize < 0 || h.PayloadSize > maxPayload {
		return nil, ErrBadFrame
	}
	h.Payload = append([]byte(nil), src[off:off+h.PayloadSize]...)
	return h, nil
}

// VerifyCRC checks the transmitted CRC of a raw serial frame (bytes
// 1..2) against the CRC computed with those two bytes zeroed, per
// §4.1/§6.
func VerifyCRC(frame []byte) bool {
	if len(frame) < 5 {
		return false
	}
	want := uint16(frame[1]) | uint16(frame[2])<<8
	scratch := append([]byte(nil), frame...)
	scratch[1], scratch[2] = 0, 0
	return CRC16(scratch) == want
}

func putUint(dst []byte, v uint32, width int) int {
	switch width {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(dst, v)
	}
	return width
}

func getUint(src []byte, width int) uint32 {
	switch width {
	case 1:
		return uint32(src[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(src))
	case 4:
		return binary.LittleEndian.Uint32(src)
	}
	return 0
}

// AckFrameLen is the on-wire length of an acknowledgement frame for the
// given transport: 3 bytes on serial, 4 on TCP/TLS (§4.1).
func AckFrameLen(t Transport) int {
	if t == Serial {
		return 3
	}
	return 4
}

// EncodeAck writes an acknowledgement frame carrying the low 16 bits of
// bytesReceived into dst, returning the number of bytes written.
func EncodeAck(t Transport, bytesReceived uint32, dst []byte) int {
	n := AckFrameLen(t)
	dst[0] = AckSentinel
	binary.LittleEndian.PutUint16(dst[1:3], uint16(bytesReceived))
	if t != Serial {
		dst[3] = 0
	}
	return n
}

// DecodeAck extracts the peer's reported byte counter from an
// acknowledgement frame. ok is false if b does not look like an ACK.
func DecodeAck(b []byte) (rbytes uint16, ok bool) {
	if len(b) < 3 || b[0] != AckSentinel {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b[1:3]), true
}
