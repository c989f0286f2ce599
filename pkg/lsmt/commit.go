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

// commitSource resolves the backing file a mapping's Tag should be read
// from while committing.
type commitSource func(tag uint8) (vfile.File, error)

// commitMerged commits a previously OpenFilesRO'd stack into dst, reading
// each mapping from the layer its tag identifies.
func commitMerged(ctx context.Context, ro *ReadOnlyFile, dst vfile.File, args CommitArgs) error {
	packed, ok := ro.idx.(*index.Packed)
	if !ok {
		return fmt.Errorf("lsmt: merged index is not packed")
	}
	src := func(tag uint8) (vfile.File, error) {
		if int(tag) >= len(ro.layers) {
			return nil, fmt.Errorf("lsmt: commit: tag %d out of range", tag)
		}
		return ro.layers[tag], nil
	}
	return writeCommit(ctx, packed.Mappings(), src, ro.vsize, uuid.New(), args.ParentUUID, args.UserTag, dst)
}

// writeCommit copies live payload into dst starting right after a 4 KiB
// header, detecting zeroed 512-byte sub-blocks and turning them into
// zeroed mappings (shrinking the emitted payload), then appends the
// packed index and a sealed trailer. It is the shared engine behind
// RWFile.Commit and MergeFilesRO.
func writeCommit(ctx context.Context, mappings []segment.Mapping, source commitSource, virtualSize uint64, id, parentUUID uuid.UUID, userTag string, dst vfile.File) error {
	header := frame.New(frame.Header, frame.DataFile, true)
	header.VirtualSize = virtualSize
	header.UUID = id
	header.ParentUUID = parentUUID
	if err := header.SetUserTag([]byte(userTag)); err != nil {
		return err
	}
	if _, err := dst.WriteAt(header.Encode(), 0); err != nil {
		return fmt.Errorf("%w: writing header: %v", lsmterr.ErrWrite, err)
	}

	moffset := uint64(frame.Space) / Alignment
	var compact []segment.Mapping
	for _, m := range mappings {
		if err := checkDeadline(ctx); err != nil {
			return err
		}
		if m.Zeroed {
			out := m
			out.MappedOffset = moffset
			compact = append(compact, out)
			continue
		}
		srcFile, err := source(m.Tag)
		if err != nil {
			return err
		}
		runs, newMoffset, err := copyLiveMapping(srcFile, m, moffset, dst)
		if err != nil {
			return err
		}
		compact = append(compact, runs...)
		moffset = newMoffset
	}

	compact = index.Compact(compact)
	indexOffset := moffset * Alignment
	indexSize := uint64(len(compact))
	rawIdx := encodeMappings(padMappings(compact))
	if _, err := dst.WriteAt(rawIdx, int64(indexOffset)); err != nil {
		return fmt.Errorf("%w: writing index: %v", lsmterr.ErrWrite, err)
	}

	trailer := frame.New(frame.Trailer, frame.DataFile, true)
	trailer.IndexOffset = indexOffset
	trailer.IndexSize = indexSize
	trailer.VirtualSize = virtualSize
	trailer.UUID = id
	trailer.ParentUUID = parentUUID
	if err := trailer.SetUserTag([]byte(userTag)); err != nil {
		return err
	}
	trailerOffset := indexOffset + uint64(len(rawIdx))
	if _, err := dst.WriteAt(trailer.Encode(), int64(trailerOffset)); err != nil {
		return fmt.Errorf("%w: writing trailer: %v", lsmterr.ErrWrite, err)
	}
	return nil
}

// copyLiveMapping reads m's mapped bytes from src, splits them into
// zeroed/non-zeroed runs at 512-byte granularity, appends non-zeroed runs
// to dst starting at moffset (in sectors), and returns the resulting
// on-disk mappings (re-based to dst's offsets) plus the advanced moffset.
func copyLiveMapping(src vfile.File, m segment.Mapping, moffset uint64, dst vfile.File) ([]segment.Mapping, uint64, error) {
	total := int64(m.Length) * Alignment
	buf := make([]byte, total)
	n, err := src.ReadAt(buf, int64(m.MappedOffset)*Alignment)
	if err != nil || int64(n) < total {
		return nil, 0, fmt.Errorf("%w: %v", lsmterr.ErrShortRead, err)
	}

	var out []segment.Mapping
	logicalOffset := m.Offset
	sector := 0
	nsectors := int(m.Length)
	for sector < nsectors {
		start := sector
		zero := isZeroSector(buf[sector*Alignment : (sector+1)*Alignment])
		for sector < nsectors && isZeroSector(buf[sector*Alignment:(sector+1)*Alignment]) == zero {
			sector++
		}
		runLen := uint32(sector - start)
		if zero {
			out = append(out, segment.Mapping{
				Segment:      segment.Segment{Offset: logicalOffset, Length: runLen},
				MappedOffset: moffset,
				Zeroed:       true,
			})
		} else {
			if _, err := dst.WriteAt(buf[start*Alignment:sector*Alignment], int64(moffset*Alignment)); err != nil {
				return nil, 0, fmt.Errorf("%w: %v", lsmterr.ErrWrite, err)
			}
			out = append(out, segment.Mapping{
				Segment:      segment.Segment{Offset: logicalOffset, Length: runLen},
				MappedOffset: moffset,
			})
			moffset += uint64(runLen)
		}
		logicalOffset += uint64(runLen)
	}
	return out, moffset, nil
}

func isZeroSector(sector []byte) bool {
	for _, b := range sector {
		if b != 0 {
			return false
		}
	}
	return true
}

// padMappings pads mappings with sentinel Invalid records so the result's
// encoded length is a multiple of 4 KiB, matching the on-disk index block
// granularity.
func padMappings(mappings []segment.Mapping) []segment.Mapping {
	const perBlock = 4096 / segment.Size
	pad := (perBlock - len(mappings)%perBlock) % perBlock
	if pad == 0 {
		return mappings
	}
	out := make([]segment.Mapping, len(mappings), len(mappings)+pad)
	copy(out, mappings)
	for i := 0; i < pad; i++ {
		out = append(out, segment.Invalid())
	}
	return out
}

func encodeMappings(mappings []segment.Mapping) []byte {
	buf := make([]byte, len(mappings)*segment.Size)
	for i, m := range mappings {
		rec := m.Encode()
		copy(buf[i*segment.Size:], rec[:])
	}
	return buf
}
