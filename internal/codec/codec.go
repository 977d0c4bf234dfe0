// Package codec implements the closed, statically ordered binary encoding shared by every
// frame and snapshot. No type tags are written: a reader must mirror the writer's calls in
// exact type and order.
package codec

import (
	"errors"
	"math"
)

// Small unsigned integers below smallOneByteLimit take a single byte. Larger values are
// written behind one of three prefix bytes. The remaining lead bytes are never produced by
// WriteSmallUint so protocol layers may use them as markers in positions where a small
// integer would otherwise start.
const (
	smallOneByteLimit = 0xFA
	smallPrefix16     = 0xFA
	smallPrefix32     = 0xFB
	smallPrefix64     = 0xFC

	// FirstReservedByte is the lowest lead byte that can never begin a small integer.
	FirstReservedByte = 0xFD
)

// MaxSmallUintSize is the longest encoding produced by WriteSmallUint.
const MaxSmallUintSize = 9

var (
	// ErrShortBuffer is recorded when a read runs past the end of the data.
	ErrShortBuffer = errors.New("codec: short buffer")
	// ErrReservedLead is recorded when a small integer starts with a reserved byte.
	ErrReservedLead = errors.New("codec: reserved lead byte")
)

// IsReservedLead reports whether b can never start a small integer encoding.
func IsReservedLead(b byte) bool {
	return b >= FirstReservedByte
}

// SmallUintSize reports how many bytes WriteSmallUint uses for v.
func SmallUintSize(v uint64) int {
	switch {
	case v < smallOneByteLimit:
		return 1
	case v <= math.MaxUint16:
		return 3
	case v <= math.MaxUint32:
		return 5
	default:
		return 9
	}
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
