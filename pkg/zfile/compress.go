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

package zfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/containerd/overlaybd/pkg/lsmterr"
	"github.com/containerd/overlaybd/pkg/vfile"
)

// CompressOptions mirrors the subset of the on-disk ZFile header that a
// writer controls.
type CompressOptions struct {
	BlockSize uint32 // 0 means DefaultBlockSize
	CRC       bool
}

// Compress reads srcSize bytes of src (via ReadAt) and writes a
// sealed ZFile to dst: a header, the LZ4-compressed blocks, a jump table,
// and a trailer.
func Compress(src io.ReaderAt, srcSize int64, dst vfile.File, opt CompressOptions) error {
	blockSize := opt.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	blockCount := uint64((srcSize + int64(blockSize) - 1) / int64(blockSize))

	flags := uint32(0)
	if opt.CRC {
		flags |= flagCRC
	}
	h := &header{
		flags:       flags,
		algorithm:   AlgoLZ4,
		blockSize:   blockSize,
		logicalSize: uint64(srcSize),
		blockCount:  blockCount,
	}
	if _, err := dst.WriteAt(h.encode(), 0); err != nil {
		return fmt.Errorf("%w: writing header: %v", lsmterr.ErrWrite, err)
	}

	entrySize := 4
	if opt.CRC {
		entrySize = jumpEntrySize
	}
	jumpTable := make([]byte, int(blockCount)*entrySize)

	raw := make([]byte, blockSize)
	comp := make([]byte, lz4.CompressBlockBound(int(blockSize)))
	payloadOffset := int64(Space)
	cur := payloadOffset

	for b := uint64(0); b < blockCount; b++ {
		start := int64(b) * int64(blockSize)
		n, err := src.ReadAt(raw, start)
		if err != nil && err != io.EOF {
			return fmt.Errorf("%w: reading source block %d: %v", lsmterr.ErrShortRead, b, err)
		}
		block := raw[:n]

		var compressor lz4.Compressor
		csize, err := compressor.CompressBlock(block, comp)
		if err != nil {
			return fmt.Errorf("%w: compressing block %d: %v", lsmterr.ErrInvalidFormat, b, err)
		}
		// A block LZ4 cannot shrink (CompressBlock returns 0, or output no
		// smaller than the input) is stored raw instead.
		raw := csize == 0 || csize >= len(block)
		payload := comp[:csize]
		if raw {
			payload = block
		}

		if _, err := dst.WriteAt(payload, cur); err != nil {
			return fmt.Errorf("%w: writing block %d: %v", lsmterr.ErrWrite, b, err)
		}

		base := int(b) * entrySize
		binary.LittleEndian.PutUint32(jumpTable[base:], encodeStoredSize(uint32(len(payload)), raw))
		if opt.CRC {
			binary.LittleEndian.PutUint32(jumpTable[base+4:], crc32.Checksum(block, crcTable))
		}
		cur += int64(len(payload))
	}

	jumpOffset := uint64(cur)
	if len(jumpTable) > 0 {
		if _, err := dst.WriteAt(jumpTable, cur); err != nil {
			return fmt.Errorf("%w: writing jump table: %v", lsmterr.ErrWrite, err)
		}
		cur += int64(len(jumpTable))
	}

	h.jumpOffset = jumpOffset
	trailer := *h
	trailer.flags |= flagSeal
	if _, err := dst.WriteAt(trailer.encode(), cur); err != nil {
		return fmt.Errorf("%w: writing trailer: %v", lsmterr.ErrWrite, err)
	}
	return nil
}
