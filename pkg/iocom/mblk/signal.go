package mblk

import (
	"encoding/binary"
	"math"
)

// SignalType enumerates the element types a Signal can carry (§3
// "Signal").
type SignalType int

const (
	TBool SignalType = iota
	TInt8
	TUint8
	TInt16
	TUint16
	TInt32
	TUint32
	TInt64
	TFloat32
	TFloat64
	TString
)

// StateConnected is the bit in element 0's state byte that must be set
// for a read to be considered valid (§3, OSAL_STATE_CONNECTED in §4.4 /
// §6).
const StateConnected byte = 0x01

func elemSize(t SignalType) int {
	switch t {
	case TBool, TInt8, TUint8:
		return 1
	case TInt16, TUint16:
		return 2
	case TInt32, TUint32, TFloat32:
		return 4
	case TInt64, TFloat64:
		return 8
	default:
		return 1
	}
}

// Signal is a typed window into a memory block: element 0's first byte
// carries state bits (StateConnected), with the addressed value
// following immediately after.
type Signal struct {
	Block *Block
	Addr  int
	Count int
	Type  SignalType
}

// stateAddr and dataAddr split the signal's footprint: one state byte,
// then Count elements (or, for strings, a 1-byte length prefix and the
// string bytes).
func (s *Signal) stateAddr() int { return s.Addr }
func (s *Signal) dataAddr() int  { return s.Addr + 1 }

// Connected reports whether the state byte's StateConnected bit is set.
func (s *Signal) Connected() bool {
	var b [1]byte
	if s.Block.Read(s.stateAddr(), b[:]) != 1 {
		return false
	}
	return b[0]&StateConnected != 0
}

// SetConnected sets or clears the StateConnected bit without touching
// the rest of the state byte.
func (s *Signal) SetConnected(connected bool) {
	var b [1]byte
	s.Block.Read(s.stateAddr(), b[:])
	if connected {
		b[0] |= StateConnected
	} else {
		b[0] &^= StateConnected
	}
	s.Block.Write(s.stateAddr(), b[:], ChangeWrite)
}

// GetInt reads the signal's element 0 as a signed 64-bit integer,
// sign/zero-extending from its declared width. ok is false if the
// signal is not connected.
func (s *Signal) GetInt() (v int64, ok bool) {
	if !s.Connected() {
		return 0, false
	}
	n := elemSize(s.Type)
	buf := make([]byte, n)
	s.Block.Read(s.dataAddr(), buf)
	return decodeInt(s.Type, buf), true
}

// SetInt writes v into element 0, truncating to the signal's declared
// width, and marks it connected.
func (s *Signal) SetInt(v int64) {
	n := elemSize(s.Type)
	buf := make([]byte, n)
	encodeInt(s.Type, v, buf)
	s.Block.Write(s.dataAddr(), buf, ChangeWrite)
	s.SetConnected(true)
}

// GetString reads a length-prefixed UTF-8 string starting at dataAddr.
func (s *Signal) GetString() (string, bool) {
	if !s.Connected() {
		return "", false
	}
	var lb [1]byte
	s.Block.Read(s.dataAddr(), lb[:])
	n := int(lb[0])
	if n > s.Count-1 {
		n = s.Count - 1
	}
	buf := make([]byte, n)
	s.Block.Read(s.dataAddr()+1, buf)
	return string(buf), true
}

// SetString writes a length-prefixed UTF-8 string, truncated to fit the
// signal's declared element count minus the length byte.
func (s *Signal) SetString(v string) {
	max := s.Count - 1
	b := []byte(v)
	if len(b) > max {
		b = b[:max]
	}
	if len(b) > 255 {
		b = b[:255]
	}
	s.Block.Write(s.dataAddr(), []byte{byte(len(b))}, ChangeWrite)
	s.Block.Write(s.dataAddr()+1, b, ChangeWrite)
	s.SetConnected(true)
}

// GetFloat reads element 0 as a float64, valid for TFloat32/TFloat64.
// ok is false if the signal is not connected or not a float type.
func (s *Signal) GetFloat() (v float64, ok bool) {
	if !s.Connected() {
		return 0, false
	}
	switch s.Type {
	case TFloat32:
		var buf [4]byte
		s.Block.Read(s.dataAddr(), buf[:])
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))), true
	case TFloat64:
		var buf [8]byte
		s.Block.Read(s.dataAddr(), buf[:])
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[:])), true
	default:
		return 0, false
	}
}

// SetFloat writes v into element 0 and marks it connected. Writing a
// float value to a non-float signal is a no-op.
func (s *Signal) SetFloat(v float64) {
	switch s.Type {
	case TFloat32:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(v)))
		s.Block.Write(s.dataAddr(), buf[:], ChangeWrite)
	case TFloat64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		s.Block.Write(s.dataAddr(), buf[:], ChangeWrite)
	default:
		return
	}
	s.SetConnected(true)
}

// GetBool reads element 0 as a bool.
func (s *Signal) GetBool() (v bool, ok bool) {
	n, ok := s.GetInt()
	return n != 0, ok
}

// SetBool writes element 0 as 0/1 and marks it connected.
func (s *Signal) SetBool(v bool) {
	if v {
		s.SetInt(1)
	} else {
		s.SetInt(0)
	}
}

func decodeInt(t SignalType, b []byte) int64 {
	switch t {
	case TBool, TInt8:
		return int64(int8(b[0]))
	case TUint8:
		return int64(b[0])
	case TInt16:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case TUint16:
		return int64(binary.LittleEndian.Uint16(b))
	case TInt32:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case TUint32:
		return int64(binary.LittleEndian.Uint32(b))
	case TInt64:
		return int64(binary.LittleEndian.Uint64(b))
	default:
		return 0
	}
}

func encodeInt(t SignalType, v int64, b []byte) {
	switch t {
	case TBool, TInt8, TUint8:
		b[0] = byte(v)
	case TInt16, TUint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case TInt32, TUint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case TInt64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
}
