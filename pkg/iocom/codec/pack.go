package codec

// Tag-packed integer helpers shared by the mblk-info (§4.5) and
// authentication (§4.6) system frame payloads. Both pick the narrowest
// width that fits the value and record the choice in a leading flags
// byte, exactly as the frame header does for mblk_id/addr.

// PackUint appends v to dst using the narrowest of 1, 2 or 4 bytes,
// returning the new slice and the width used.
func PackUint(dst []byte, v uint32) ([]byte, int) {
	w := widthFor(v)
	buf := make([]byte, 4)
	putUint(buf, v, w)
	return append(dst, buf[:w]...), w
}

// UnpackUint reads a value of the given width (1, 2 or 4) from src,
// returning the value and the number of bytes consumed.
func UnpackUint(src []byte, width int) (uint32, int, error) {
	if len(src) < width {
		return 0, 0, ErrShortBuffer
	}
	return getUint(src, width), width, nil
}

// PackString appends a 1-byte length prefix followed by s's UTF-8 bytes,
// truncating s to 255 bytes if necessary (matches the Signal string
// encoding in §3).
func PackString(dst []byte, s string) []byte {
	b := []byte(s)
	if len(b) > 255 {
		b = b[:255]
	}
	dst = append(dst, byte(len(b)))
	return append(dst, b...)
}

// UnpackString reads a length-prefixed string from src, returning the
// string and the number of bytes consumed.
func UnpackString(src []byte) (string, int, error) {
	if len(src) < 1 {
		return "", 0, ErrShortBuffer
	}
	n := int(src[0])
	if len(src) < 1+n {
		return "", 0, ErrShortBuffer
	}
	return string(src[1 : 1+n]), 1 + n, nil
}
