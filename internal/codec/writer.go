package codec

import (
	"encoding/binary"
	"math"
	"time"
)

// Writer appends encoded values into a growable buffer. The write position may be moved
// with SetWritePosition to backpatch a value reserved earlier; the buffer length is the
// high-water mark of everything written so far.
type Writer struct {
	buf []byte
	pos int
}

// NewWriter constructs a writer with the provided initial capacity.
func NewWriter(capacity int) *Writer {
	if capacity < 0 {
		capacity = 0
	}
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the written data. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Clone returns a copy of the written data.
func (w *Writer) Clone() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}

// Len reports the number of bytes written.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Position reports the current write position.
func (w *Writer) Position() int {
	return w.pos
}

// SetWritePosition moves the write position. Positions past the end are clamped to the
// current length.
func (w *Writer) SetWritePosition(pos int) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(w.buf) {
		pos = len(w.buf)
	}
	w.pos = pos
}

// Reset discards all data while keeping the allocated capacity.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.pos = 0
}

// Truncate drops everything at and after n.
func (w *Writer) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n > len(w.buf) {
		return
	}
	w.buf = w.buf[:n]
	if w.pos > n {
		w.pos = n
	}
}

func (w *Writer) reserve(n int) []byte {
	end := w.pos + n
	if end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, len(w.buf), max(end, 2*cap(w.buf)))
			copy(grown, w.buf)
			w.buf = grown
		}
		w.buf = w.buf[:end]
	}
	out := w.buf[w.pos:end]
	w.pos = end
	return out
}

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(v uint8) {
	w.reserve(1)[0] = v
}

// WriteBool appends 1 for true and 0 for false.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
		return
	}
	w.WriteUint8(0)
}

// WriteUint16, WriteUint32 and WriteUint64 append fixed-width little-endian values.
func (w *Writer) WriteUint16(v uint16) {
	binary.LittleEndian.PutUint16(w.reserve(2), v)
}

func (w *Writer) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.reserve(4), v)
}

func (w *Writer) WriteUint64(v uint64) {
	binary.LittleEndian.PutUint64(w.reserve(8), v)
}

// WriteInt32 and WriteInt64 append the two's complement bits of v.
func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

// WriteFloat32 and WriteFloat64 append IEEE 754 bits, so NaN payloads survive.
func (w *Writer) WriteFloat32(v float32) {
	w.WriteUint32(math.Float32bits(v))
}

func (w *Writer) WriteFloat64(v float64) {
	w.WriteUint64(math.Float64bits(v))
}

// WriteSmallUint writes v using one byte for values below the single byte limit.
func (w *Writer) WriteSmallUint(v uint64) {
	switch {
	case v < smallOneByteLimit:
		w.WriteUint8(uint8(v))
	case v <= math.MaxUint16:
		w.WriteUint8(smallPrefix16)
		w.WriteUint16(uint16(v))
	case v <= math.MaxUint32:
		w.WriteUint8(smallPrefix32)
		w.WriteUint32(uint32(v))
	default:
		w.WriteUint8(smallPrefix64)
		w.WriteUint64(v)
	}
}

// WriteSmallInt writes a zigzag encoded signed value. Provided for convenience; values
// near zero of either sign stay short.
func (w *Writer) WriteSmallInt(v int64) {
	w.WriteSmallUint(zigzag(v))
}

// WriteRaw appends p without a length prefix.
func (w *Writer) WriteRaw(p []byte) {
	copy(w.reserve(len(p)), p)
}

// WriteBytes writes a small length prefix followed by p.
func (w *Writer) WriteBytes(p []byte) {
	w.WriteSmallUint(uint64(len(p)))
	w.WriteRaw(p)
}

// WriteString writes a small length prefix followed by the UTF-8 bytes of s.
func (w *Writer) WriteString(s string) {
	w.WriteSmallUint(uint64(len(s)))
	copy(w.reserve(len(s)), s)
}

// WriteTime writes t as Unix nanoseconds in UTC.
func (w *Writer) WriteTime(t time.Time) {
	w.WriteInt64(t.UTC().UnixNano())
}

// ReserveUint32 writes a placeholder and returns its position for PatchUint32.
func (w *Writer) ReserveUint32() int {
	at := w.pos
	w.WriteUint32(0)
	return at
}

// PatchUint32 overwrites the four bytes at position at and restores the write position.
func (w *Writer) PatchUint32(at int, v uint32) {
	resume := w.pos
	w.SetWritePosition(at)
	w.WriteUint32(v)
	w.SetWritePosition(resume)
}
