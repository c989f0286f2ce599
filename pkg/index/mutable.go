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

package index

import (
	"github.com/google/btree"

	"github.com/containerd/overlaybd/pkg/segment"
)

// btreeDegree is the branching factor of the backing B-tree. 32 is the
// degree commonly used for in-memory btree.BTreeG instances; there is no
// disk page to size it against here, unlike the level-index cascade.
const btreeDegree = 32

func mappingLess(a, b segment.Mapping) bool { return a.Offset < b.Offset }

func pivot(offset uint64) segment.Mapping {
	return segment.Mapping{Segment: segment.Segment{Offset: offset}}
}

// Mutable is an ordered, mutable set of non-overlapping mappings: the
// "index-0" top layer of a writable LSMT file. Insert splices around any
// mapping it overlaps, preserving the disjoint/sorted invariant. It is
// backed by github.com/google/btree, the Go analogue of the original
// implementation's std::set<SegmentMapping>.
type Mutable struct {
	tree       *btree.BTreeG[segment.Mapping]
	blockCount uint64
}

// NewMutable returns an empty Mutable index.
func NewMutable() *Mutable {
	return &Mutable{tree: btree.NewG(btreeDegree, mappingLess)}
}

func liveLength(m segment.Mapping) uint64 {
	if m.Zeroed {
		return 0
	}
	return uint64(m.Length)
}

// Insert splices m into the set: any stored mapping it fully covers is
// erased, any it partially covers is trimmed (and split in two if m lies
// strictly inside it), and m is then inserted. A zero-length m is a no-op.
func (idx *Mutable) Insert(m segment.Mapping) {
	if m.Length == 0 {
		return
	}

	var touched []segment.Mapping
	var pred segment.Mapping
	havePred := false
	idx.tree.DescendLessOrEqual(pivot(m.Offset), func(item segment.Mapping) bool {
		pred = item
		havePred = true
		return false
	})

	start := m.Offset
	predOverlaps := havePred && pred.End() > m.Offset
	if predOverlaps {
		touched = append(touched, pred)
		start = pred.Offset + 1
	}
	idx.tree.AscendGreaterOrEqual(pivot(start), func(item segment.Mapping) bool {
		if item.Offset >= m.End() {
			return false
		}
		touched = append(touched, item)
		return true
	})

	idx.blockCount += liveLength(m)
	for _, p := range touched {
		idx.blockCount -= liveLength(p)
		idx.tree.Delete(p)

		if p.Offset < m.Offset {
			left := p
			left.BackwardEndTo(m.Offset)
			idx.tree.ReplaceOrInsert(left)
			idx.blockCount += liveLength(left)
		}
		if p.End() > m.End() {
			right := p
			right.ForwardOffsetTo(m.End())
			idx.tree.ReplaceOrInsert(right)
			idx.blockCount += liveLength(right)
		}
	}
	idx.tree.ReplaceOrInsert(m)
}

// Lookup implements Indexer.
func (idx *Mutable) Lookup(q segment.Segment, out []segment.Mapping) int {
	if q.Length == 0 || len(out) == 0 {
		return 0
	}
	n := 0
	var pred segment.Mapping
	havePred := false
	idx.tree.DescendLessOrEqual(pivot(q.Offset), func(item segment.Mapping) bool {
		pred = item
		havePred = true
		return false
	})

	start := q.Offset
	if havePred && pred.End() > q.Offset {
		out[n] = pred
		n++
		start = pred.Offset + 1
	}
	if n < len(out) {
		idx.tree.AscendGreaterOrEqual(pivot(start), func(item segment.Mapping) bool {
			if item.Offset >= q.End() || n >= len(out) {
				return false
			}
			out[n] = item
			n++
			return n < len(out)
		})
	}
	trimEdges(out[:n], q)
	return n
}

// Front implements Indexer.
func (idx *Mutable) Front() segment.Mapping {
	if m, ok := idx.tree.Min(); ok {
		return m
	}
	return segment.Invalid()
}

// Back implements Indexer.
func (idx *Mutable) Back() segment.Mapping {
	if m, ok := idx.tree.Max(); ok {
		return m
	}
	return segment.Invalid()
}

// Len implements Indexer.
func (idx *Mutable) Len() int { return idx.tree.Len() }

// BlockCount returns the number of sectors covered by non-zeroed stored
// mappings.
func (idx *Mutable) BlockCount() uint64 { return idx.blockCount }

// Dump copies the live mappings into a new sorted array. If alignment (in
// bytes) is non-zero, the returned array is padded with sentinel Invalid
// records so its encoded byte length is a multiple of alignment.
func (idx *Mutable) Dump(alignment int) []segment.Mapping {
	out := make([]segment.Mapping, 0, idx.tree.Len())
	idx.tree.Ascend(func(item segment.Mapping) bool {
		out = append(out, item)
		return true
	})
	if alignment > 0 {
		perAlign := alignment / segment.Size
		if perAlign > 0 {
			pad := (perAlign - len(out)%perAlign) % perAlign
			for i := 0; i < pad; i++ {
				out = append(out, segment.Invalid())
			}
		}
	}
	return out
}

// MakeReadOnly snapshots the current set into a Packed index with an
// unbounded data window. Callers that need the window validated against a
// real data file's size should instead call index.NewPacked on Dump's
// result with explicit bounds.
func (idx *Mutable) MakeReadOnly() (*Packed, error) {
	return NewPacked(idx.Dump(0), 0, ^uint64(0))
}
