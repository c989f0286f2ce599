/*
Copyright The Overlaybd Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package segment defines the bit-packed logical-range and mapping value
// types shared by every LSMT index and file format in this module.
package segment

import "encoding/binary"

const (
	// SectorSize is the unit ("ALIGNMENT") all on-disk index offsets and
	// lengths are expressed in.
	SectorSize = 512

	offsetBits       = 50
	lengthBits       = 14
	mappedOffsetBits = 55
	tagBits          = 8

	// MaxLength is the exclusive upper bound on a Segment's Length field.
	MaxLength = 1 << lengthBits

	// InvalidOffset is the reserved sentinel offset marking a discarded or
	// padding mapping record.
	InvalidOffset = uint64(1)<<offsetBits - 1

	// MaxMappedOffset is the exclusive upper bound on MappedOffset.
	MaxMappedOffset = uint64(1) << mappedOffsetBits
)

// Segment is a half-open logical range of sectors: [Offset, Offset+Length).
type Segment struct {
	Offset uint64 // sector index, < 2^50 (or InvalidOffset as sentinel)
	Length uint32 // sector count, < 2^14
}

// End returns the sector one past the end of the segment.
func (s Segment) End() uint64 { return s.Offset + uint64(s.Length) }

// Less reports whether a lies entirely before b, i.e. a and b do not
// overlap (they may touch): a.End() <= b.Offset. This is the
// ordering relation used throughout the index packages: "neither overlaps
// nor is equal" for two segments in a sorted, non-overlapping sequence.
func Less(a, b Segment) bool { return a.End() <= b.Offset }

// ForwardOffsetTo shrinks s in place so that it begins at x, requiring
// s.Offset <= x <= s.End(). It panics if the precondition is violated;
// callers are responsible for clamping first.
func (s *Segment) ForwardOffsetTo(x uint64) {
	if x < s.Offset || x > s.End() {
		panic("segment: ForwardOffsetTo out of range")
	}
	s.Length -= uint32(x - s.Offset)
	s.Offset = x
}

// BackwardEndTo shrinks s in place so that it ends at x, requiring
// s.Offset < x <= s.End(). It panics if the precondition is violated.
func (s *Segment) BackwardEndTo(x uint64) {
	if x <= s.Offset || x > s.End() {
		panic("segment: BackwardEndTo out of range")
	}
	s.Length = uint32(x - s.Offset)
}

// Encode packs s into its canonical 8-byte little-endian representation:
// bits 0..49 offset, bits 50..63 length.
func (s Segment) Encode() [8]byte {
	v := s.Offset | uint64(s.Length)<<offsetBits
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b
}

// DecodeSegment unpacks an 8-byte little-endian record produced by Encode.
func DecodeSegment(b [8]byte) Segment {
	v := binary.LittleEndian.Uint64(b[:])
	return Segment{
		Offset: v & (uint64(1)<<offsetBits - 1),
		Length: uint32(v >> offsetBits),
	}
}

// Mapping is a logical-to-physical mapping: a Segment plus the sector
// offset it is mapped to in some underlying data file, a hole flag, and
// the tag (layer id) of the data file that owns it.
type Mapping struct {
	Segment
	MappedOffset uint64 // sector index into an underlying data file, < 2^55
	Zeroed       bool   // true iff this mapping represents a hole
	Tag          uint8  // identifies which underlying file owns the mapping
}

// Invalid returns the sentinel "no mapping" value: offset InvalidOffset,
// length 0.
func Invalid() Mapping {
	return Mapping{Segment: Segment{Offset: InvalidOffset, Length: 0}}
}

// IsInvalid reports whether m is the sentinel value returned by Invalid,
// or a padding record written to 4 KiB-align an on-disk index.
func (m Mapping) IsInvalid() bool { return m.Offset == InvalidOffset }

// MappedEnd returns the end of the mapped physical range. For a zeroed
// mapping this value is informational only.
func (m Mapping) MappedEnd() uint64 {
	if m.Zeroed {
		return m.MappedOffset
	}
	return m.MappedOffset + uint64(m.Length)
}

// ForwardOffsetTo shrinks m to start at x, adjusting MappedOffset in step
// unless m is a hole (Zeroed), whose MappedOffset carries no meaning.
func (m *Mapping) ForwardOffsetTo(x uint64) {
	delta := x - m.Offset
	m.Segment.ForwardOffsetTo(x)
	if !m.Zeroed {
		m.MappedOffset += delta
	}
}

// BackwardEndTo shrinks m to end at x. MappedOffset is unaffected: it
// anchors the start of the mapped range.
func (m *Mapping) BackwardEndTo(x uint64) {
	m.Segment.BackwardEndTo(x)
}

// TrimTo clamps m in place to lie within bound, preserving Zeroed and Tag.
// bound must overlap m; if bound.Offset > m.Offset the head is trimmed via
// ForwardOffsetTo, and if bound.End() < m.End() the tail is trimmed via
// BackwardEndTo.
func (m *Mapping) TrimTo(bound Segment) {
	if bound.Offset > m.Offset {
		m.ForwardOffsetTo(bound.Offset)
	}
	if bound.End() < m.End() {
		m.BackwardEndTo(bound.End())
	}
}

// Encode packs m into its canonical 16-byte little-endian representation:
// the 8-byte Segment encoding, followed by 8 bytes holding bits 0..54
// MappedOffset, bit 55 Zeroed, bits 56..63 Tag.
func (m Mapping) Encode() [16]byte {
	var b [16]byte
	seg := m.Segment.Encode()
	copy(b[0:8], seg[:])
	v := m.MappedOffset & (MaxMappedOffset - 1)
	if m.Zeroed {
		v |= uint64(1) << mappedOffsetBits
	}
	v |= uint64(m.Tag) << (mappedOffsetBits + 1)
	binary.LittleEndian.PutUint64(b[8:16], v)
	return b
}

// DecodeMapping unpacks a 16-byte little-endian record produced by Encode.
func DecodeMapping(b [16]byte) Mapping {
	var segBytes [8]byte
	copy(segBytes[:], b[0:8])
	v := binary.LittleEndian.Uint64(b[8:16])
	return Mapping{
		Segment:      DecodeSegment(segBytes),
		MappedOffset: v & (MaxMappedOffset - 1),
		Zeroed:       v&(uint64(1)<<mappedOffsetBits) != 0,
		Tag:          uint8(v >> (mappedOffsetBits + 1)),
	}
}

// Size is the packed, on-disk byte size of a Mapping record.
const Size = 16
