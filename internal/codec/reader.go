package codec

import (
	"encoding/binary"
	"math"
	"time"
)

// Reader decodes values written by Writer. The first failure is sticky: subsequent reads
// return zero values and Err reports the cause.
type Reader struct {
	data []byte
	pos  int
	err  error
}

// NewReader constructs a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err reports the first decoding failure.
func (r *Reader) Err() error {
	return r.err
}

// Position reports the current read offset.
func (r *Reader) Position() int {
	return r.pos
}

// SetPosition moves the read offset. Offsets past the end record ErrShortBuffer.
func (r *Reader) SetPosition(pos int) {
	if pos < 0 || pos > len(r.data) {
		r.fail(ErrShortBuffer)
		return
	}
	r.pos = pos
}

// Len reports the total data length.
func (r *Reader) Len() int {
	return len(r.data)
}

// Remaining reports how many unread bytes are left.
func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.data) - r.pos
}

// PeekUint8 returns the next byte without consuming it.
func (r *Reader) PeekUint8() (uint8, bool) {
	if r.err != nil || r.pos >= len(r.data) {
		return 0, false
	}
	return r.data[r.pos], true
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.fail(ErrShortBuffer)
		return nil
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out
}

// ReadUint8 consumes one byte.
func (r *Reader) ReadUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadBool treats any non-zero byte as true.
func (r *Reader) ReadBool() bool {
	return r.ReadUint8() != 0
}

// ReadUint16, ReadUint32 and ReadUint64 consume fixed-width little-endian values.
func (r *Reader) ReadUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) ReadUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadInt32 mirrors Writer.WriteInt32.
func (r *Reader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

func (r *Reader) ReadInt64() int64 {
	return int64(r.ReadUint64())
}

// ReadFloat32 mirrors Writer.WriteFloat32.
func (r *Reader) ReadFloat32() float32 {
	return math.Float32frombits(r.ReadUint32())
}

func (r *Reader) ReadFloat64() float64 {
	return math.Float64frombits(r.ReadUint64())
}

// ReadSmallUint mirrors Writer.WriteSmallUint.
func (r *Reader) ReadSmallUint() uint64 {
	lead := r.ReadUint8()
	if r.err != nil {
		return 0
	}
	switch {
	case lead < smallOneByteLimit:
		return uint64(lead)
	case lead == smallPrefix16:
		return uint64(r.ReadUint16())
	case lead == smallPrefix32:
		return uint64(r.ReadUint32())
	case lead == smallPrefix64:
		return r.ReadUint64()
	default:
		r.pos--
		r.fail(ErrReservedLead)
		return 0
	}
}

// ReadSmallInt mirrors Writer.WriteSmallInt.
func (r *Reader) ReadSmallInt() int64 {
	return unzigzag(r.ReadSmallUint())
}

// ReadRaw returns a copy of the next n bytes.
func (r *Reader) ReadRaw(n int) []byte {
	b := r.take(n)
	if b == nil {
		if n == 0 && r.err == nil {
			return []byte{}
		}
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// ReadBytes mirrors Writer.WriteBytes.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadSmallUint()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.data)-r.pos) {
		r.fail(ErrShortBuffer)
		return nil
	}
	return r.ReadRaw(int(n))
}

// ReadString mirrors Writer.WriteString.
func (r *Reader) ReadString() string {
	n := r.ReadSmallUint()
	if r.err != nil {
		return ""
	}
	if n > uint64(len(r.data)-r.pos) {
		r.fail(ErrShortBuffer)
		return ""
	}
	return string(r.take(int(n)))
}

// ReadTime mirrors Writer.WriteTime.
func (r *Reader) ReadTime() time.Time {
	nanos := r.ReadInt64()
	if r.err != nil {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}
