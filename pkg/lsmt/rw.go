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
	"sync"

	"github.com/google/uuid"

	"github.com/containerd/overlaybd/pkg/frame"
	"github.com/containerd/overlaybd/pkg/index"
	"github.com/containerd/overlaybd/pkg/lsmterr"
	"github.com/containerd/overlaybd/pkg/segment"
	"github.com/containerd/overlaybd/pkg/vfile"
)

// RWFile is a writable LSMT layer: an append-only data file, an
// append-only index file, and a mutable index-0 that may optionally shadow
// a read-only layer stack (once Stack has been called on it).
type RWFile struct {
	mu sync.Mutex

	data   vfile.File
	findex vfile.File

	top           *index.Mutable
	backingLayers []vfile.File
	combo         *index.Combo

	maxIOSize int
	vsize     uint64
	uuid      uuid.UUID
	parentUUID uuid.UUID

	groupCommitSize int
	staged          []segment.Mapping

	sealed bool
}

// CreateRW writes fresh headers to fdata and findex and returns a new,
// empty writable layer of the given virtual size.
func CreateRW(fdata, findex vfile.File, virtualSize uint64, parentUUID uuid.UUID) (*RWFile, error) {
	id := uuid.New()

	dh := frame.New(frame.Header, frame.DataFile, false)
	dh.VirtualSize = virtualSize
	dh.UUID = id
	dh.ParentUUID = parentUUID
	if _, err := fdata.WriteAt(dh.Encode(), 0); err != nil {
		return nil, fmt.Errorf("%w: writing data header: %v", lsmterr.ErrWrite, err)
	}

	ih := frame.New(frame.Header, frame.IndexFile, false)
	ih.IndexOffset = frame.Space
	ih.UUID = id
	ih.ParentUUID = parentUUID
	if _, err := findex.WriteAt(ih.Encode(), 0); err != nil {
		return nil, fmt.Errorf("%w: writing index header: %v", lsmterr.ErrWrite, err)
	}

	top := index.NewMutable()
	return &RWFile{
		data:       fdata,
		findex:     findex,
		top:        top,
		combo:      index.NewCombo(top, nil, 0),
		maxIOSize:  DefaultMaxIOSize,
		vsize:      virtualSize,
		uuid:       id,
		parentUUID: parentUUID,
	}, nil
}

// SetIndexGroupCommit enables (or, with records==0, disables) batching of
// index-file appends: records mappings are staged in memory and flushed
// as a single 4 KiB-ish write once the buffer fills, on Fsync, or on
// CloseSeal/Commit.
func (f *RWFile) SetIndexGroupCommit(records int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.flushGroupCommitLocked(); err != nil {
		return err
	}
	f.groupCommitSize = records
	f.staged = nil
	return nil
}

func (f *RWFile) flushGroupCommitLocked() error {
	if len(f.staged) == 0 {
		return nil
	}
	padded := make([]segment.Mapping, f.groupCommitSize)
	copy(padded, f.staged)
	for i := len(f.staged); i < len(padded); i++ {
		padded[i] = segment.Invalid()
	}
	if _, err := appendData(f.findex, encodeMappings(padded)); err != nil {
		return fmt.Errorf("%w: flushing group commit buffer: %v", lsmterr.ErrWrite, err)
	}
	f.staged = f.staged[:0]
	return nil
}

func (f *RWFile) appendIndexLocked(m segment.Mapping) error {
	if f.groupCommitSize == 0 {
		buf := m.Encode()
		if _, err := appendData(f.findex, buf[:]); err != nil {
			return fmt.Errorf("%w: %v", lsmterr.ErrWrite, err)
		}
		return nil
	}
	f.staged = append(f.staged, m)
	if len(f.staged) == f.groupCommitSize {
		return f.flushGroupCommitLocked()
	}
	return nil
}

// appendData appends buf to file and returns the byte offset it was
// written at.
func appendData(file vfile.File, buf []byte) (uint64, error) {
	size, err := file.Size()
	if err != nil {
		return 0, err
	}
	if _, err := file.WriteAt(buf, size); err != nil {
		return 0, err
	}
	return uint64(size), nil
}

// WriteAt writes count bytes at byte offset off.
func (f *RWFile) WriteAt(ctx context.Context, buf []byte, off int64) (int, error) {
	if f.sealed {
		return 0, lsmterr.ErrAlreadySealed
	}
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
		if err := f.writeChunkLocked(ctx, buf[written:written+int(step)], offset); err != nil {
			return written, err
		}
		written += int(step)
		offset += step
		count -= step
	}
	return written, nil
}

func (f *RWFile) writeChunkLocked(ctx context.Context, chunk []byte, byteOffset uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := checkDeadline(ctx); err != nil {
		return err
	}

	moffsetBytes, err := appendData(f.data, chunk)
	if err != nil {
		return fmt.Errorf("%w: %v", lsmterr.ErrWrite, err)
	}

	m := segment.Mapping{
		Segment:      segment.Segment{Offset: byteOffset / Alignment, Length: uint32(uint64(len(chunk)) / Alignment)},
		MappedOffset: moffsetBytes / Alignment,
	}
	f.top.Insert(m)
	if err := f.appendIndexLocked(m); err != nil {
		return err
	}
	if end := byteOffset + uint64(len(chunk)); end > f.vsize {
		f.vsize = end
	}
	return nil
}

// Discard marks [offset, offset+count) as zeroed ("punch hole"):
// subsequent reads of that range return zero and it no longer counts
// toward block_count, but no payload bytes are written.
func (f *RWFile) Discard(ctx context.Context, offset, count int64) error {
	if f.sealed {
		return lsmterr.ErrAlreadySealed
	}
	if err := checkAlignment(uint64(count), uint64(offset)); err != nil {
		return err
	}
	sectorOff := uint64(offset) / Alignment
	sectorCount := uint64(count) / Alignment
	const maxChunk = segment.MaxLength - 1

	for sectorCount > 0 {
		if err := checkDeadline(ctx); err != nil {
			return err
		}
		chunk := sectorCount
		if chunk > maxChunk {
			chunk = maxChunk
		}
		if err := f.discardChunkLocked(sectorOff, uint32(chunk)); err != nil {
			return err
		}
		sectorOff += chunk
		sectorCount -= chunk
	}
	return nil
}

func (f *RWFile) discardChunkLocked(sectorOffset uint64, sectorCount uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	size, err := f.data.Size()
	if err != nil {
		return err
	}
	m := segment.Mapping{
		Segment:      segment.Segment{Offset: sectorOffset, Length: sectorCount},
		MappedOffset: uint64(size) / Alignment,
		Zeroed:       true,
	}
	f.top.Insert(m)
	return f.appendIndexLocked(m)
}

// ZeroRange is an alias for Discard: this implementation always punches a
// hole rather than falling back to writing real zero bytes, since Discard
// never fails for alignment reasons once the caller's own alignment check
// passes.
func (f *RWFile) ZeroRange(ctx context.Context, offset, count int64) error {
	return f.Discard(ctx, offset, count)
}

// Fsync flushes the staged group-commit buffer and syncs both files.
func (f *RWFile) Fsync() error {
	f.mu.Lock()
	if err := f.flushGroupCommitLocked(); err != nil {
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	if err := f.data.Sync(); err != nil {
		return err
	}
	if f.findex != nil {
		return f.findex.Sync()
	}
	return nil
}

// ReadAt reads through the combined (top + any stacked backing) index.
func (f *RWFile) ReadAt(ctx context.Context, buf []byte, off int64) (int, error) {
	count := uint64(len(buf))
	offset := uint64(off)
	if err := checkAlignment(count, offset); err != nil {
		return 0, err
	}
	ro := &ReadOnlyFile{
		maxIOSize: f.maxIOSize,
		vsize:     f.vsize,
		idx:       f.combo,
		layers:    f.readLayers(),
	}
	return ro.ReadAt(ctx, buf, off)
}

// readLayers returns, indexed by tag, the file each tag's mapping should
// be read from: backing layers first (tags 0..len-1), then the RW top's
// own data file at the combo's topTag.
func (f *RWFile) readLayers() []vfile.File {
	layers := make([]vfile.File, len(f.backingLayers)+1)
	copy(layers, f.backingLayers)
	layers[len(f.backingLayers)] = f.data
	return layers
}

// DataStat reports the top layer's data usage.
func (f *RWFile) DataStat() (DataStat, error) {
	size, err := f.data.Size()
	if err != nil {
		return DataStat{}, err
	}
	total := uint64(0)
	if size > frame.Space {
		total = uint64(size) - frame.Space
	}
	return DataStat{
		TotalDataSize: total,
		ValidDataSize: f.top.BlockCount() * Alignment,
	}, nil
}

// CloseSeal writes the mutable index and a sealed trailer to the data
// file in place. If reopenAsRO is true it also returns a freshly
// constructed read-only view over the now-sealed data file; the returned
// file's mappings carry tag 1, since the sealed layer becomes "one above
// none" in a caller's subsequent stack.
func (f *RWFile) CloseSeal(reopenAsRO bool) (*ReadOnlyFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed {
		return nil, lsmterr.ErrAlreadySealed
	}
	if err := f.flushGroupCommitLocked(); err != nil {
		return nil, err
	}

	realCount := f.top.Len()
	dumped := f.top.Dump(Alignment)

	indexOffsetI64, err := f.data.Size()
	if err != nil {
		return nil, err
	}
	indexOffset := uint64(indexOffsetI64)
	rawIdx := encodeMappings(dumped)
	if _, err := f.data.WriteAt(rawIdx, indexOffsetI64); err != nil {
		return nil, fmt.Errorf("%w: writing index: %v", lsmterr.ErrWrite, err)
	}

	trailer := frame.New(frame.Trailer, frame.DataFile, true)
	trailer.IndexOffset = indexOffset
	trailer.IndexSize = uint64(realCount)
	trailer.VirtualSize = f.vsize
	trailer.UUID = f.uuid
	trailer.ParentUUID = f.parentUUID
	trailerOffset := indexOffset + uint64(len(rawIdx))
	if _, err := f.data.WriteAt(trailer.Encode(), int64(trailerOffset)); err != nil {
		return nil, fmt.Errorf("%w: writing trailer: %v", lsmterr.ErrWrite, err)
	}
	f.sealed = true

	if !reopenAsRO {
		return nil, nil
	}

	live := f.top.Dump(0)
	packed, err := index.NewPacked(live, 0, ^uint64(0))
	if err != nil {
		return nil, fmt.Errorf("lsmt: close_seal: %w", err)
	}
	packed = packed.IncreaseTag(1)
	return &ReadOnlyFile{
		maxIOSize: DefaultMaxIOSize,
		vsize:     f.vsize,
		layers:    []vfile.File{nil, f.data},
		uuids:     []uuid.UUID{uuid.Nil, f.uuid},
		idx:       packed,
	}, nil
}

// Commit copies this layer's live payload into dst and seals it as a new,
// standalone data file. It is not supported once the layer has been
// stacked over a read-only backing: commit a stacked layer by sealing it
// and calling MergeFilesRO over the resulting chain instead.
func (f *RWFile) Commit(ctx context.Context, dst vfile.File, args CommitArgs) error {
	f.mu.Lock()
	if len(f.backingLayers) > 0 {
		f.mu.Unlock()
		return fmt.Errorf("lsmt: commit of a stacked RW layer is not supported")
	}
	if err := f.flushGroupCommitLocked(); err != nil {
		f.mu.Unlock()
		return err
	}
	mappings := f.top.Dump(0)
	vsize := f.vsize
	parentUUID := args.ParentUUID
	if parentUUID == uuid.Nil {
		parentUUID = f.parentUUID
	}
	f.mu.Unlock()

	src := func(uint8) (vfile.File, error) { return f.data, nil }
	return writeCommit(ctx, mappings, src, vsize, uuid.New(), parentUUID, args.UserTag, dst)
}
