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

package lsmt

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/containerd/overlaybd/pkg/frame"
	"github.com/containerd/overlaybd/pkg/index"
	"github.com/containerd/overlaybd/pkg/lsmterr"
	"github.com/containerd/overlaybd/pkg/segment"
	"github.com/containerd/overlaybd/pkg/vfile"
)

// Stat mirrors the subset of fstat(2) the format defines: virtual size,
// block size, and the number of live sectors.
type Stat struct {
	Size      int64
	BlockSize int64
	Blocks    uint64
}

// ReadOnlyFile is a sealed LSMT file, single- or multi-layer. layers is
// indexed by mapping Tag: layers[0] is the top (most recently written)
// layer, consistent with the tag assignment Merge produces.
type ReadOnlyFile struct {
	maxIOSize int
	vsize     uint64
	layers    []vfile.File
	uuids     []uuid.UUID
	idx       index.Indexer
}

// OpenRO opens a single sealed LSMT data file.
func OpenRO(file vfile.File) (*ReadOnlyFile, error) {
	mappings, ht, err := loadSealedIndex(file)
	if err != nil {
		return nil, err
	}
	dataBegin := uint64(frame.Space) / Alignment
	dataEnd := ht.IndexOffset / Alignment
	packed, err := index.NewPacked(mappings, dataBegin, dataEnd)
	if err != nil {
		return nil, err
	}
	return &ReadOnlyFile{
		maxIOSize: DefaultMaxIOSize,
		vsize:     ht.VirtualSize,
		layers:    []vfile.File{file},
		uuids:     []uuid.UUID{ht.UUID},
		idx:       packed,
	}, nil
}

// loadSealedIndex reads and validates a sealed data file's header and
// trailer and returns its index records (already relieved of sentinel
// padding, tags reset to 0) plus the decoded trailer.
func loadSealedIndex(file vfile.File) ([]segment.Mapping, *frame.HeaderTrailer, error) {
	size, err := file.Size()
	if err != nil {
		return nil, nil, err
	}
	if size < 2*frame.Space {
		return nil, nil, fmt.Errorf("%w: file too short to hold header and trailer", lsmterr.ErrInvalidFormat)
	}

	hbuf := make([]byte, frame.Space)
	if _, err := file.ReadAt(hbuf, 0); err != nil {
		return nil, nil, fmt.Errorf("%w: reading header: %v", lsmterr.ErrInvalidFormat, err)
	}
	header, err := frame.Decode(hbuf)
	if err != nil {
		return nil, nil, err
	}
	if !header.IsHeader() || !header.IsDataFile() {
		return nil, nil, fmt.Errorf("%w: header magic/type mismatch", lsmterr.ErrInvalidFormat)
	}

	trailerOffset := size - frame.Space
	tbuf := make([]byte, frame.Space)
	if _, err := file.ReadAt(tbuf, trailerOffset); err != nil {
		return nil, nil, fmt.Errorf("%w: reading trailer: %v", lsmterr.ErrInvalidFormat, err)
	}
	trailer, err := frame.Decode(tbuf)
	if err != nil {
		return nil, nil, err
	}
	if trailer.IsHeader() || !trailer.IsDataFile() || !trailer.IsSealed() {
		return nil, nil, fmt.Errorf("%w: trailer type or sealedness mismatch", lsmterr.ErrInvalidFormat)
	}

	indexBytes := trailer.IndexSize * segment.Size
	if int64(indexBytes) > trailerOffset-int64(trailer.IndexOffset) {
		return nil, nil, fmt.Errorf("%w: index_size*%d exceeds available space", lsmterr.ErrInvalidFormat, segment.Size)
	}

	raw := make([]byte, indexBytes)
	if _, err := file.ReadAt(raw, int64(trailer.IndexOffset)); err != nil {
		return nil, nil, fmt.Errorf("%w: reading index: %v", lsmterr.ErrInvalidFormat, err)
	}

	mappings := make([]segment.Mapping, 0, trailer.IndexSize)
	var rec [segment.Size]byte
	for i := uint64(0); i < trailer.IndexSize; i++ {
		copy(rec[:], raw[i*segment.Size:(i+1)*segment.Size])
		m := segment.DecodeMapping(rec)
		if m.Offset == segment.InvalidOffset {
			continue
		}
		m.Tag = 0
		mappings = append(mappings, m)
	}
	return mappings, trailer, nil
}

// SetMaxIOSize overrides the per-call I/O chunk size; it must be a
// multiple of 4 KiB.
func (f *ReadOnlyFile) SetMaxIOSize(n int) error {
	if n <= 0 || n%4096 != 0 {
		return fmt.Errorf("%w: max_io_size %d not a multiple of 4096", lsmterr.ErrInvalidFormat, n)
	}
	f.maxIOSize = n
	return nil
}

// Index returns the file's read index.
func (f *ReadOnlyFile) Index() index.Indexer { return f.idx }

// UUID returns the uuid of the layer at the given tag (0 = top).
func (f *ReadOnlyFile) UUID(layer int) (uuid.UUID, error) {
	if layer < 0 || layer >= len(f.uuids) {
		return uuid.Nil, fmt.Errorf("lsmt: layer %d out of range", layer)
	}
	return f.uuids[layer], nil
}

// Stat implements the fstat(2)-equivalent view of the file.
func (f *ReadOnlyFile) Stat() Stat {
	return Stat{Size: int64(f.vsize), BlockSize: Alignment, Blocks: blockCount(f.idx)}
}

func blockCount(idx index.Indexer) uint64 {
	type blockCounter interface{ BlockCount() uint64 }
	if bc, ok := idx.(blockCounter); ok {
		return bc.BlockCount()
	}
	return 0
}

// ReadAt reads count bytes at byte offset off, honoring ctx's deadline at
// each MAX_IO_SIZE-sized suspension point.
func (f *ReadOnlyFile) ReadAt(ctx context.Context, buf []byte, off int64) (int, error) {
	count := uint64(len(buf))
	offset := uint64(off)
	if err := checkAlignment(count, offset); err != nil {
		return 0, err
	}
	written := 0
	for count > 0 {
		if err := checkDeadline(ctx); err != nil {
			return written, err
		}
		step := count
		if step > uint64(f.maxIOSize) {
			step = uint64(f.maxIOSize)
		}
		if err := f.readChunk(buf[written:written+int(step)], offset); err != nil {
			return written, err
		}
		written += int(step)
		offset += step
		count -= step
	}
	return written, nil
}

func (f *ReadOnlyFile) readChunk(buf []byte, byteOffset uint64) error {
	sectorOffset := byteOffset / Alignment
	sectorCount := uint32(uint64(len(buf)) / Alignment)

	out := make([]segment.Mapping, 16)
	cur := sectorOffset
	end := sectorOffset + uint64(sectorCount)
	written := uint64(0)
	for cur < end {
		winLen := end - cur
		if winLen > segment.MaxLength-1 {
			winLen = segment.MaxLength - 1
		}
		n := f.idx.Lookup(segment.Segment{Offset: cur, Length: uint32(winLen)}, out)
		segCur := cur
		for i := 0; i < n; i++ {
			m := out[i]
			if m.Offset > segCur {
				zeroFill(buf, written, m.Offset-segCur)
				written += m.Offset - segCur
				segCur = m.Offset
			}
			if m.Zeroed {
				zeroFill(buf, written, uint64(m.Length))
			} else {
				if int(m.Tag) >= len(f.layers) {
					return fmt.Errorf("lsmt: mapping tag %d out of range (%d layers)", m.Tag, len(f.layers))
				}
				nread, err := f.layers[m.Tag].ReadAt(buf[written:written+uint64(m.Length)*Alignment], int64(m.MappedOffset*Alignment))
				if err != nil || uint64(nread) < uint64(m.Length)*Alignment {
					return fmt.Errorf("%w: layer %d: %v", lsmterr.ErrShortRead, m.Tag, err)
				}
			}
			written += uint64(m.Length)
			segCur = m.End()
		}
		if n < len(out) && segCur < cur+winLen {
			zeroFill(buf, written, cur+winLen-segCur)
			written += cur + winLen - segCur
		}
		if n == len(out) {
			cur = out[n-1].End()
		} else {
			cur += winLen
		}
	}
	return nil
}

func zeroFill(buf []byte, writtenSectors, lengthSectors uint64) {
	start := writtenSectors * Alignment
	n := lengthSectors * Alignment
	for i := uint64(0); i < n; i++ {
		buf[start+i] = 0
	}
}

// Close releases the file's layers. It does not close the underlying
// vfile.Files; ownership is the caller's.
func (f *ReadOnlyFile) Close() error { return nil }

// CloseSeal is not supported on a pure RO file.
func (f *ReadOnlyFile) CloseSeal() error { return lsmterr.ErrNotWritable }

// Commit is not supported on a pure RO file.
func (f *ReadOnlyFile) Commit(CommitArgs) error { return lsmterr.ErrNotWritable }
