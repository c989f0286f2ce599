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

// Package zfile implements ZFile, a block-compressed read-only file
// format consumed by the LSMT layer as a transparent byte-addressable
// data file: a 4 KiB header, LZ4-compressed fixed-size blocks, a jump
// table recording each block's compressed size (and, optionally, its
// uncompressed CRC32C), and a trailer mirroring the header.
package zfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pierrec/lz4/v4"

	"github.com/containerd/overlaybd/pkg/lsmterr"
	"github.com/containerd/overlaybd/pkg/vfile"
)

// Space is the size in bytes of the header and trailer blocks.
const Space = 4096

// DefaultBlockSize is the default uncompressed block size, matching the
// on-disk default the original CompressOptions type carries.
const DefaultBlockSize = 4096

// Algorithm identifies the block compression codec. Only LZ4 is
// implemented; the others are recognized on read so a mismatched file
// fails with a clear error rather than silently misdecoding.
type Algorithm uint8

const (
	AlgoMiniLZO Algorithm = 0
	AlgoLZ4     Algorithm = 1
	AlgoZSTD    Algorithm = 2
)

const magic = "ZFile\x00\x01\x00"

const (
	flagCRC  = 1 << 0
	flagSeal = 1 << 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// header is the decoded form of ZFile's 4 KiB header/trailer block.
type header struct {
	flags       uint32
	algorithm   Algorithm
	blockSize   uint32
	logicalSize uint64
	jumpOffset  uint64
	blockCount  uint64
}

func (h *header) hasCRC() bool { return h.flags&flagCRC != 0 }
func (h *header) sealed() bool { return h.flags&flagSeal != 0 }

func (h *header) encode() []byte {
	buf := make([]byte, Space)
	copy(buf, magic)
	off := 8
	binary.LittleEndian.PutUint32(buf[off:], h.flags)
	off += 4
	buf[off] = byte(h.algorithm)
	off++
	binary.LittleEndian.PutUint32(buf[off:], h.blockSize)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.logicalSize)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.jumpOffset)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.blockCount)
	return buf
}

func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < Space {
		return nil, fmt.Errorf("%w: zfile header short read", lsmterr.ErrInvalidFormat)
	}
	if string(buf[:8]) != magic {
		return nil, fmt.Errorf("%w: zfile magic mismatch", lsmterr.ErrInvalidFormat)
	}
	h := &header{}
	off := 8
	h.flags = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.algorithm = Algorithm(buf[off])
	off++
	h.blockSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.logicalSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.jumpOffset = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.blockCount = binary.LittleEndian.Uint64(buf[off:])
	if h.blockSize == 0 {
		return nil, fmt.Errorf("%w: zfile block_size is zero", lsmterr.ErrInvalidFormat)
	}
	return h, nil
}

// IsZFile inspects file's first Space bytes and reports whether they
// carry a valid ZFile header.
func IsZFile(file vfile.File) (bool, error) {
	buf := make([]byte, Space)
	n, err := file.ReadAt(buf, 0)
	if err != nil && n < 8 {
		return false, nil
	}
	return string(buf[:8]) == magic, nil
}

// jumpEntry is one record of the jump table: a block's stored size and,
// if CRC is enabled, the CRC32C of its uncompressed bytes. The top bit of
// the on-disk size field marks a block that LZ4 could not shrink and was
// therefore stored raw.
type jumpEntry struct {
	storedSize uint32
	raw        bool
	crc        uint32
}

const jumpEntrySize = 8
const rawBlockFlag = uint32(1) << 31

func encodeStoredSize(size uint32, raw bool) uint32 {
	if raw {
		return size | rawBlockFlag
	}
	return size
}

func decodeStoredSize(v uint32) (size uint32, raw bool) {
	return v &^ rawBlockFlag, v&rawBlockFlag != 0
}

// File is an open, read-only ZFile.
type File struct {
	backing   vfile.File
	hdr       *header
	verify    bool
	jump      []jumpEntry
	blockOffs []uint64 // blockOffs[i] is the payload byte offset of block i; len == len(jump)+1
}

// OpenRO opens backing as a ZFile. If verify is true, every pread checks
// each covered block's CRC32C against the jump table (requires the file
// to have been written with CRC enabled).
func OpenRO(backing vfile.File, verify bool) (*File, error) {
	hbuf := make([]byte, Space)
	if _, err := backing.ReadAt(hbuf, 0); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", lsmterr.ErrInvalidFormat, err)
	}
	h, err := decodeHeader(hbuf)
	if err != nil {
		return nil, err
	}
	if h.algorithm != AlgoLZ4 {
		return nil, fmt.Errorf("%w: unsupported zfile algorithm %d", lsmterr.ErrInvalidFormat, h.algorithm)
	}

	size, err := backing.Size()
	if err != nil {
		return nil, err
	}
	tbuf := make([]byte, Space)
	if _, err := backing.ReadAt(tbuf, size-Space); err != nil {
		return nil, fmt.Errorf("%w: reading trailer: %v", lsmterr.ErrInvalidFormat, err)
	}
	trailer, err := decodeHeader(tbuf)
	if err != nil {
		return nil, err
	}
	if !trailer.sealed() || trailer.logicalSize != h.logicalSize || trailer.jumpOffset != h.jumpOffset {
		return nil, fmt.Errorf("%w: zfile trailer does not match header", lsmterr.ErrInvalidFormat)
	}

	entrySize := jumpEntrySize
	if !h.hasCRC() {
		entrySize = 4
	}
	jumpBytes := int64(h.blockCount) * int64(entrySize)
	jbuf := make([]byte, jumpBytes)
	if jumpBytes > 0 {
		if _, err := backing.ReadAt(jbuf, int64(h.jumpOffset)); err != nil {
			return nil, fmt.Errorf("%w: reading jump table: %v", lsmterr.ErrInvalidFormat, err)
		}
	}

	jump := make([]jumpEntry, h.blockCount)
	blockOffs := make([]uint64, h.blockCount+1)
	cur := uint64(Space)
	for i := uint64(0); i < h.blockCount; i++ {
		e := jumpEntry{}
		base := int(i) * entrySize
		e.storedSize, e.raw = decodeStoredSize(binary.LittleEndian.Uint32(jbuf[base:]))
		if h.hasCRC() {
			e.crc = binary.LittleEndian.Uint32(jbuf[base+4:])
		}
		jump[i] = e
		blockOffs[i] = cur
		cur += uint64(e.storedSize)
	}
	blockOffs[h.blockCount] = cur

	if verify && !h.hasCRC() {
		return nil, fmt.Errorf("%w: verify requested but zfile has no per-block CRC", lsmterr.ErrInvalidFormat)
	}

	return &File{backing: backing, hdr: h, verify: verify, jump: jump, blockOffs: blockOffs}, nil
}

// Size returns the logical (uncompressed) size of the file.
func (f *File) Size() (int64, error) { return int64(f.hdr.logicalSize), nil }

// BlockSize returns the uncompressed block size this file was written with.
func (f *File) BlockSize() uint32 { return f.hdr.blockSize }

// ReadAt decompresses and returns the bytes covering [off, off+len(p)),
// verifying each covered block's CRC32C when the file was opened with
// verify. A read that runs past the logical size returns io.EOF-style
// truncation only at the final block, matching io.ReaderAt's contract of
// returning what's available with a non-nil error.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) > f.hdr.logicalSize {
		return 0, fmt.Errorf("%w: offset %d beyond logical size %d", lsmterr.ErrOutOfBounds, off, f.hdr.logicalSize)
	}
	count := len(p)
	if uint64(off)+uint64(count) > f.hdr.logicalSize {
		count = int(f.hdr.logicalSize - uint64(off))
	}

	blockSize := uint64(f.hdr.blockSize)
	b0 := uint64(off) / blockSize
	b1 := (uint64(off) + uint64(count) + blockSize - 1) / blockSize
	if b1 > f.hdr.blockCount {
		b1 = f.hdr.blockCount
	}

	scratch := make([]byte, blockSize)
	written := 0
	for b := b0; b < b1; b++ {
		n, err := f.readBlock(b, scratch)
		if err != nil {
			return written, err
		}
		blockStart := b * blockSize
		lo := uint64(0)
		if uint64(off) > blockStart {
			lo = uint64(off) - blockStart
		}
		hi := uint64(n)
		if blockStart+hi > uint64(off)+uint64(count) {
			hi = uint64(off) + uint64(count) - blockStart
		}
		if lo >= hi {
			continue
		}
		copied := copy(p[written:], scratch[lo:hi])
		written += copied
	}
	if count < len(p) {
		return written, fmt.Errorf("%w: read past logical end of zfile", lsmterr.ErrShortRead)
	}
	return written, nil
}

// readBlock decompresses block index b into scratch and, if verify is
// enabled, checks its CRC32C. It returns the decompressed length.
func (f *File) readBlock(b uint64, scratch []byte) (int, error) {
	e := f.jump[b]
	compStart := f.blockOffs[b]
	compBuf := make([]byte, e.storedSize)
	if _, err := f.backing.ReadAt(compBuf, int64(compStart)); err != nil {
		return 0, fmt.Errorf("%w: reading compressed block %d: %v", lsmterr.ErrShortRead, b, err)
	}

	var n int
	if e.raw {
		n = copy(scratch, compBuf)
	} else {
		var err error
		n, err = lz4.UncompressBlock(compBuf, scratch)
		if err != nil {
			return 0, fmt.Errorf("%w: decompressing block %d: %v", lsmterr.ErrInvalidFormat, b, err)
		}
	}

	if f.verify {
		got := crc32.Checksum(scratch[:n], crcTable)
		if got != e.crc {
			return 0, fmt.Errorf("%w: block %d checksum mismatch", lsmterr.ErrChecksumMismatch, b)
		}
	}
	return n, nil
}

// Close releases the ZFile's resources. It does not close the
// underlying backing vfile.File; ownership is the caller's.
func (f *File) Close() error { return nil }
