package codec

// Compress and Uncompress implement the run-length codec described in
// §4.1: output alternates a literal run and a zero run, each prefixed by
// a 1-byte count (0..255), starting with a literal run. This is a direct
// port of ioc_compress()/ioc_uncompress() from the reference C source.

// Compress writes a run-length encoding of src[start:end+1] into dst,
// stopping once dst would overflow. It returns the number of bytes
// written to dst and the number of source bytes actually consumed,
// starting from start. If the encoded size is not smaller than the
// bytes consumed, ok is false and the caller should fall back to a raw
// copy of those bytes instead.
func Compress(src []byte, start, end int, dst []byte) (written, consumed int, ok bool) {
	if end-start < 3 {
		return 0, 0, false
	}

	p := start
	bytes := end - start + 1
	di := 0

	for bytes > 0 {
		// Literal run: bytes that are not part of a trailing zero run.
		runStart := p
		count := 0
		maxCount := bytes
		if maxCount > 255 {
			maxCount = 255
		}
		for count < maxCount {
			next := byte(0)
			if count < maxCount-1 {
				next = src[p+1]
			} else {
				next = src[p]
			}
			if src[p] == 0 && next == 0 {
				break
			}
			count++
			p++
		}
		bytes -= count

		if di+1+count > len(dst) {
			p = runStart
			break
		}
		dst[di] = byte(count)
		di++
		di += copy(dst[di:], src[runStart:runStart+count])
		if bytes == 0 {
			break
		}

		// Zero run.
		runStart = p
		count = 0
		maxCount = bytes
		if maxCount > 255 {
			maxCount = 255
		}
		for count < maxCount && src[p] == 0 {
			count++
			p++
		}
		bytes -= count

		if di+1 > len(dst) {
			p = runStart
			break
		}
		dst[di] = byte(count)
		di++
	}

	consumed = p - start
	if di < consumed {
		return di, consumed, true
	}
	return di, consumed, false
}

// Uncompress reverses Compress. When delta is true, each decoded byte is
// added to the corresponding destination byte (so the transported
// payload is new-minus-last-sent) rather than overwriting it; zero runs
// under delta encoding advance the destination pointer without modifying
// it. When compressed is false, src is treated as a raw (possibly
// delta) payload and copied/added directly.
func Uncompress(src []byte, dst []byte, compressed, delta bool) int {
	if !compressed {
		n := len(src)
		if n > len(dst) {
			n = len(dst)
		}
		if delta {
			for i := 0; i < n; i++ {
				dst[i] += src[i]
			}
		} else {
			copy(dst, src[:n])
		}
		return n
	}

	si, di := 0, 0
	for si < len(src) && di < len(dst) {
		n := int(src[si])
		si++
		if si+n > len(src) {
			return -1
		}
		if di+n > len(dst) {
			n = len(dst) - di
		}
		if delta {
			for i := 0; i < n; i++ {
				dst[di+i] += src[si+i]
			}
		} else {
			copy(dst[di:di+n], src[si:si+n])
		}
		si += n
		di += n

		if si >= len(src) || di >= len(dst) {
			break
		}
		n = int(src[si])
		si++
		if di+n > len(dst) {
			n = len(dst) - di
		}
		if !delta {
			for i := 0; i < n; i++ {
				dst[di+i] = 0
			}
		}
		di += n
	}
	return di
}
