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

// Package frame encodes and decodes the 4 KiB header/trailer block that
// brackets every LSMT data and index file: magic, flags, UUIDs, the index
// location, the virtual size, and an optional user commit message.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/containerd/overlaybd/pkg/lsmterr"
)

// Space is the fixed on-disk size of a header or trailer block.
const Space = 4096

// TagSize is the maximum length, in bytes, of a user commit message.
const TagSize = 256

const uuidStringLen = 37 // 36 hex/dash chars + NUL, matching the C text form.

var magic0 = [8]byte{'L', 'S', 'M', 'T', 0, 1, 2, 0}

// magic1 is a fixed UUID stamped into every header/trailer, distinguishing
// the LSMT format from an arbitrary 16-byte collision on magic0 alone.
var magic1 = uuid.MustParse("d2637e65-4494-4c08-d2a2-c8ec4fcfae8a")

// Kind distinguishes which side of a layer a block belongs to.
type Kind uint32

// Position distinguishes the leading header from the trailing trailer.
type Position uint32

const (
	// IndexFile marks a block belonging to an index file.
	IndexFile Kind = 0
	// DataFile marks a block belonging to a data file.
	DataFile Kind = 1

	// Header marks the block written at offset 0.
	Header Position = 0
	// Trailer marks the block written at the end of the file.
	Trailer Position = 1
)

const (
	flagShiftHeader = 0
	flagShiftType   = 1
	flagShiftSealed = 2
)

// HeaderTrailer is the decoded form of a 4 KiB header/trailer block.
type HeaderTrailer struct {
	flags       uint32
	IndexOffset uint64 // byte offset of the index within the file
	IndexSize   uint64 // number of Mapping records
	VirtualSize uint64 // virtual size in bytes
	UUID        uuid.UUID
	ParentUUID  uuid.UUID
	From        uint8 // deprecated, always zero
	To          uint8 // deprecated, always zero
	Version     uint8
	SubVersion  uint8
	UserTag     [TagSize]byte
}

// New returns a zeroed HeaderTrailer tagged with the given position, kind
// and sealed-ness; callers then fill in the remaining fields.
func New(pos Position, kind Kind, sealed bool) *HeaderTrailer {
	ht := &HeaderTrailer{
		Version:    1,
		SubVersion: 1,
	}
	if pos == Header {
		ht.flags |= 1 << flagShiftHeader
	}
	if kind == DataFile {
		ht.flags |= 1 << flagShiftType
	}
	if sealed {
		ht.flags |= 1 << flagShiftSealed
	}
	return ht
}

// IsHeader reports whether this block was written as a header (as opposed
// to a trailer).
func (h *HeaderTrailer) IsHeader() bool { return h.flags&(1<<flagShiftHeader) != 0 }

// IsDataFile reports whether this block belongs to a data file.
func (h *HeaderTrailer) IsDataFile() bool { return h.flags&(1<<flagShiftType) != 0 }

// IsSealed reports whether the SEALED flag is set.
func (h *HeaderTrailer) IsSealed() bool { return h.flags&(1<<flagShiftSealed) != 0 }

// SetSealed sets or clears the SEALED flag.
func (h *HeaderTrailer) SetSealed(sealed bool) {
	if sealed {
		h.flags |= 1 << flagShiftSealed
	} else {
		h.flags &^= 1 << flagShiftSealed
	}
}

// SetUserTag copies tag into the block's commit-message field. It returns
// lsmterr.ErrTagTooLong if tag is longer than TagSize; shorter tags are
// zero-padded.
func (h *HeaderTrailer) SetUserTag(tag []byte) error {
	if len(tag) > TagSize {
		return fmt.Errorf("%w: %d bytes, max %d", lsmterr.ErrTagTooLong, len(tag), TagSize)
	}
	h.UserTag = [TagSize]byte{}
	copy(h.UserTag[:], tag)
	return nil
}

// UserTagString returns the user tag trimmed of trailing NUL padding.
func (h *HeaderTrailer) UserTagString() string {
	n := 0
	for n < len(h.UserTag) && h.UserTag[n] != 0 {
		n++
	}
	return string(h.UserTag[:n])
}

// Encode serializes h into a Space-byte block.
func (h *HeaderTrailer) Encode() []byte {
	buf := make([]byte, Space)
	copy(buf[0:8], magic0[:])
	magic1Bytes, _ := magic1.MarshalBinary()
	copy(buf[8:24], magic1Bytes)
	binary.LittleEndian.PutUint32(buf[24:28], Space)
	binary.LittleEndian.PutUint32(buf[28:32], h.flags)
	binary.LittleEndian.PutUint64(buf[32:40], h.IndexOffset)
	binary.LittleEndian.PutUint64(buf[40:48], h.IndexSize)
	binary.LittleEndian.PutUint64(buf[48:56], h.VirtualSize)

	off := 56
	copy(buf[off:off+uuidStringLen], []byte(h.UUID.String()))
	off += uuidStringLen
	if h.ParentUUID != uuid.Nil {
		copy(buf[off:off+uuidStringLen], []byte(h.ParentUUID.String()))
	}
	off += uuidStringLen

	buf[off] = h.From
	buf[off+1] = h.To
	buf[off+2] = h.Version
	buf[off+3] = h.SubVersion
	off += 4

	copy(buf[off:off+TagSize], h.UserTag[:])
	return buf
}

// Decode parses a Space-byte block previously produced by Encode, checking
// the magic numbers. It does not validate the HEADER/TYPE/SEALED flags
// against an expected position; callers that know what they opened should
// use Verify for that.
func Decode(buf []byte) (*HeaderTrailer, error) {
	if len(buf) < Space {
		return nil, fmt.Errorf("%w: block too short (%d bytes)", lsmterr.ErrInvalidFormat, len(buf))
	}
	var m1 uuid.UUID
	if err := m1.UnmarshalBinary(buf[8:24]); err != nil {
		return nil, fmt.Errorf("%w: %v", lsmterr.ErrInvalidFormat, err)
	}
	if string(buf[0:8]) != string(magic0[:]) || m1 != magic1 {
		return nil, fmt.Errorf("%w: bad magic", lsmterr.ErrInvalidFormat)
	}

	h := &HeaderTrailer{
		flags:       binary.LittleEndian.Uint32(buf[28:32]),
		IndexOffset: binary.LittleEndian.Uint64(buf[32:40]),
		IndexSize:   binary.LittleEndian.Uint64(buf[40:48]),
		VirtualSize: binary.LittleEndian.Uint64(buf[48:56]),
	}

	off := 56
	u, err := parseUUIDField(buf[off : off+uuidStringLen])
	if err != nil {
		return nil, fmt.Errorf("%w: uuid: %v", lsmterr.ErrInvalidFormat, err)
	}
	h.UUID = u
	off += uuidStringLen

	pu, err := parseUUIDField(buf[off : off+uuidStringLen])
	if err != nil {
		return nil, fmt.Errorf("%w: parent_uuid: %v", lsmterr.ErrInvalidFormat, err)
	}
	h.ParentUUID = pu
	off += uuidStringLen

	h.From = buf[off]
	h.To = buf[off+1]
	h.Version = buf[off+2]
	h.SubVersion = buf[off+3]
	off += 4

	copy(h.UserTag[:], buf[off:off+TagSize])
	return h, nil
}

func parseUUIDField(field []byte) (uuid.UUID, error) {
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	if n == 0 {
		return uuid.Nil, nil
	}
	return uuid.Parse(string(field[:n]))
}

// Verify checks that h was written as the expected position/kind/sealed
// combination, returning lsmterr.ErrInvalidFormat on any mismatch.
func Verify(h *HeaderTrailer, wantPos Position, wantKind Kind, wantSealed bool) error {
	if h.IsHeader() != (wantPos == Header) {
		return fmt.Errorf("%w: header/trailer position mismatch", lsmterr.ErrInvalidFormat)
	}
	if h.IsDataFile() != (wantKind == DataFile) {
		return fmt.Errorf("%w: data/index file kind mismatch", lsmterr.ErrInvalidFormat)
	}
	if h.IsSealed() != wantSealed {
		return fmt.Errorf("%w: sealed-ness mismatch", lsmterr.ErrInvalidFormat)
	}
	return nil
}
