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

import "github.com/containerd/overlaybd/pkg/segment"

// CollectAll returns every mapping stored in ix that intersects q, chunking
// the query as needed so a single call never depends on ix's internal
// per-call buffer limit. It is the general-purpose "give me everything in
// this range" helper used by Combo and the LSMT file read path.
func CollectAll(ix Indexer, q segment.Segment) []segment.Mapping {
	return CollectRange(ix, q.Offset, q.End())
}

// CollectRange is CollectAll generalized to a raw [begin, end) sector
// range that may exceed what a single Segment's 14-bit Length field can
// express (e.g. a whole virtual device). It is the primitive the merge
// algorithm uses to walk an arbitrarily large address space.
func CollectRange(ix Indexer, begin, end uint64) []segment.Mapping {
	var out []segment.Mapping
	buf := make([]segment.Mapping, 16)
	cur := begin
	for cur < end {
		winLen := end - cur
		if winLen > segment.MaxLength-1 {
			winLen = segment.MaxLength - 1
		}
		n := ix.Lookup(segment.Segment{Offset: cur, Length: uint32(winLen)}, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if n == len(buf) {
			cur = buf[n-1].End()
		} else {
			cur += winLen
		}
	}
	return out
}

// Combo is a two-level read view: a mutable top index shadowing a
// read-only backing index. Lookups that fall under a top mapping return
// it; lookups that fall in a hole in the top index fall through to the
// backing index restricted to that hole. The top index's mappings are
// reported with Tag set to topTag (one above the highest RO layer id), so
// a reader can always tell which data file to read a mapping from.
type Combo struct {
	top     *Mutable
	backing *Packed
	topTag  uint8
}

// NewCombo builds a Combo view over top and backing.
func NewCombo(top *Mutable, backing *Packed, topTag uint8) *Combo {
	return &Combo{top: top, backing: backing, topTag: topTag}
}

// Top returns the mutable top index.
func (c *Combo) Top() *Mutable { return c.top }

// Backing returns the read-only backing index.
func (c *Combo) Backing() *Packed { return c.backing }

// SwapBacking replaces the backing index, e.g. when restacking the same
// writable top over a different read-only layer set. The caller is
// responsible for holding whatever write lock guards concurrent Lookups.
func (c *Combo) SwapBacking(backing *Packed) { c.backing = backing }

// Lookup implements Indexer, shadowing the backing index with the top
// index wherever the top index has a mapping.
func (c *Combo) Lookup(q segment.Segment, out []segment.Mapping) int {
	if q.Length == 0 || len(out) == 0 {
		return 0
	}
	if c.backing == nil {
		return c.top.Lookup(q, out)
	}

	top := CollectAll(c.top, q)
	var full []segment.Mapping
	cur := q.Offset
	for _, tm := range top {
		if tm.Offset > cur {
			full = append(full, CollectAll(c.backing, segment.Segment{Offset: cur, Length: uint32(tm.Offset - cur)})...)
		}
		tm.Tag = c.topTag
		full = append(full, tm)
		cur = tm.End()
	}
	if cur < q.End() {
		full = append(full, CollectAll(c.backing, segment.Segment{Offset: cur, Length: uint32(q.End() - cur)})...)
	}

	n := copy(out, full)
	trimEdges(out[:n], q)
	return n
}

// Front implements Indexer.
func (c *Combo) Front() segment.Mapping {
	t := c.top.Front()
	if c.backing == nil || c.backing.Len() == 0 {
		return t
	}
	b := c.backing.Front()
	if t.IsInvalid() {
		return b
	}
	if !t.IsInvalid() && t.Offset <= b.Offset {
		return t
	}
	return b
}

// Back implements Indexer.
func (c *Combo) Back() segment.Mapping {
	t := c.top.Back()
	if c.backing == nil || c.backing.Len() == 0 {
		return t
	}
	b := c.backing.Back()
	if t.IsInvalid() {
		return b
	}
	if t.Offset >= b.Offset {
		return t
	}
	return b
}

// Len implements Indexer. It is an upper bound: overlapping backing
// mappings shadowed entirely by the top index are still counted.
func (c *Combo) Len() int {
	n := c.top.Len()
	if c.backing != nil {
		n += c.backing.Len()
	}
	return n
}

// BlockCount returns the number of sectors covered by non-zeroed mappings
// across both top and backing. Like Len, it is an upper bound when the
// top index shadows part of the backing index.
func (c *Combo) BlockCount() uint64 {
	n := c.top.BlockCount()
	if c.backing != nil {
		n += c.backing.BlockCount()
	}
	return n
}
