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

// Package index holds the three index flavors the LSMT format is built
// from: Packed (an immutable sorted array, component B), Mutable (an
// ordered, splice-on-insert set backed by github.com/google/btree,
// component C) and Combo (a top+backing view over both, component D).
package index

import (
	"errors"
	"fmt"
	"sort"

	"github.com/containerd/overlaybd/pkg/segment"
)

// ErrDisordered is returned by NewPacked when the input mappings are not
// strictly ascending and non-overlapping.
var ErrDisordered = errors.New("index: mappings are not ascending and non-overlapping")

// ErrOutOfRange is returned by NewPacked when a mapping's MappedOffset (and
// for non-zeroed mappings, its length) do not fit within the declared data
// window.
var ErrOutOfRange = errors.New("index: mapping falls outside data window")

// levelPageSize is the branching factor of the level-index acceleration
// cascade: 4096 bytes / 8 bytes per uint64 entry.
const levelPageSize = 4096 / 8

// levelIndexThreshold is the mapping count above which building the
// level-index cascade pays for itself; below it a binary search over the
// plain array is already fast enough and not worth the extra allocation.
const levelIndexThreshold = levelPageSize

// Indexer is the read-only lookup contract shared by Packed, Mutable and
// Combo: find the stored mappings that intersect a query range.
type Indexer interface {
	// Lookup copies into out the mappings that intersect q, trimming the
	// first and last copy to lie within q. It returns the number of
	// mappings copied; a return equal to len(out) means there may be
	// more, and the caller should re-query starting past the last
	// returned mapping's end.
	Lookup(q segment.Segment, out []segment.Mapping) int
	// Front returns the first stored mapping, or the sentinel invalid
	// mapping if empty.
	Front() segment.Mapping
	// Back returns the last stored mapping, or the sentinel invalid
	// mapping if empty.
	Back() segment.Mapping
	// Len returns the number of stored (non-sentinel) mappings.
	Len() int
}

// Packed is a sorted, immutable array of mappings: the on-disk layer
// index once loaded into memory, or a merged view built by Merge. An
// optional level-index cascade accelerates Lookup on large arrays.
type Packed struct {
	m          []segment.Mapping
	blockCount uint64
	levels     [][]uint64 // levels[0] is coarsest; the finest level addresses m directly.
}

// NewPacked validates mappings and wraps them as a Packed index. dataBegin
// and dataEnd bound the underlying data file's sector range (in sectors);
// every non-zeroed mapping's mapped range must fit within it, and every
// zeroed mapping's MappedOffset (informational only) must lie within it.
func NewPacked(mappings []segment.Mapping, dataBegin, dataEnd uint64) (*Packed, error) {
	for i := 0; i < len(mappings); i++ {
		m := mappings[i]
		if i+1 < len(mappings) && !segment.Less(m.Segment, mappings[i+1].Segment) {
			return nil, fmt.Errorf("%w: mapping %d [%d,%d) overlaps mapping %d [%d,%d)",
				ErrDisordered, i, m.Offset, m.End(), i+1, mappings[i+1].Offset, mappings[i+1].End())
		}
		if m.Zeroed {
			if m.MappedOffset < dataBegin || m.MappedOffset > dataEnd {
				return nil, fmt.Errorf("%w: zeroed mapping %d mapped_offset %d not in [%d,%d]",
					ErrOutOfRange, i, m.MappedOffset, dataBegin, dataEnd)
			}
		} else {
			if m.Length == 0 {
				return nil, fmt.Errorf("%w: mapping %d has zero length", ErrOutOfRange, i)
			}
			if m.MappedOffset < dataBegin || m.MappedOffset+uint64(m.Length) > dataEnd {
				return nil, fmt.Errorf("%w: mapping %d mapped range [%d,%d) not in [%d,%d)",
					ErrOutOfRange, i, m.MappedOffset, m.MappedOffset+uint64(m.Length), dataBegin, dataEnd)
			}
		}
	}
	p := &Packed{m: mappings}
	for _, m := range mappings {
		if !m.Zeroed {
			p.blockCount += uint64(m.Length)
		}
	}
	p.levels = buildLevels(mappings)
	return p, nil
}

func buildLevels(m []segment.Mapping) [][]uint64 {
	if len(m) <= levelIndexThreshold {
		return nil
	}
	level := make([]uint64, (len(m)+levelPageSize-1)/levelPageSize)
	for i := range level {
		level[i] = m[i*levelPageSize].Offset
	}
	raw := [][]uint64{level}
	for len(level) > levelPageSize {
		next := make([]uint64, (len(level)+levelPageSize-1)/levelPageSize)
		for i := range next {
			next[i] = level[i*levelPageSize]
		}
		raw = append(raw, next)
		level = next
	}
	levels := make([][]uint64, len(raw))
	for i, lvl := range raw {
		levels[len(raw)-1-i] = lvl
	}
	return levels
}

// lowerBound returns the index of the first stored mapping m such that
// m.End() > offset, narrowing through the level-index cascade when one
// was built.
func (p *Packed) lowerBound(offset uint64) int {
	lower, upper := 0, len(p.m)
	if len(p.levels) > 0 {
		lower, upper = 0, len(p.levels[0])
		pageOffset := upper
		for i := 0; i < len(p.levels); i++ {
			extent := p.levels[i]
			sub := extent[lower:upper]
			pl := sort.Search(len(sub), func(j int) bool { return sub[j] >= offset })
			if pl < len(sub) {
				pageOffset = lower + pl
			} else {
				pageOffset = upper
			}
			if pageOffset == 0 {
				lower, upper = 0, 0
				break
			}
			underlaySize := len(p.m)
			if i+1 < len(p.levels) {
				underlaySize = len(p.levels[i+1])
			}
			lower = (pageOffset - 1) * levelPageSize
			upper = pageOffset * levelPageSize
			if upper > underlaySize {
				upper = underlaySize
			}
		}
		if pageOffset == 0 {
			lower, upper = 0, len(p.m)
		}
	}
	sub := p.m[lower:upper]
	pl := sort.Search(len(sub), func(j int) bool { return sub[j].End() > offset })
	return lower + pl
}

// Lookup implements Indexer.
func (p *Packed) Lookup(q segment.Segment, out []segment.Mapping) int {
	if q.Length == 0 || len(out) == 0 {
		return 0
	}
	i := p.lowerBound(q.Offset)
	n := 0
	for ; i < len(p.m) && n < len(out); i++ {
		if p.m[i].Offset >= q.End() {
			break
		}
		out[n] = p.m[i]
		n++
	}
	trimEdges(out[:n], q)
	return n
}

func trimEdges(out []segment.Mapping, q segment.Segment) {
	if len(out) == 0 {
		return
	}
	if out[0].Offset < q.Offset {
		out[0].TrimTo(segment.Segment{Offset: q.Offset, Length: uint32(out[0].End() - q.Offset)})
	}
	last := len(out) - 1
	if out[last].End() > q.End() {
		out[last].BackwardEndTo(q.End())
	}
}

// Front implements Indexer.
func (p *Packed) Front() segment.Mapping {
	if len(p.m) == 0 {
		return segment.Invalid()
	}
	return p.m[0]
}

// Back implements Indexer.
func (p *Packed) Back() segment.Mapping {
	if len(p.m) == 0 {
		return segment.Invalid()
	}
	return p.m[len(p.m)-1]
}

// Len implements Indexer.
func (p *Packed) Len() int { return len(p.m) }

// BlockCount returns the number of sectors covered by non-zeroed mappings.
func (p *Packed) BlockCount() uint64 { return p.blockCount }

// Mappings returns the underlying sorted mapping array. Callers must not
// modify it.
func (p *Packed) Mappings() []segment.Mapping { return p.m }

// IncreaseTag adds delta to every stored mapping's Tag field, used when
// composing a multi-layer stack to assign layer ids. It returns a new
// Packed index; the receiver is left untouched.
func (p *Packed) IncreaseTag(delta uint8) *Packed {
	out := make([]segment.Mapping, len(p.m))
	for i, m := range p.m {
		m.Tag += delta
		out[i] = m
	}
	np, err := NewPacked(out, 0, ^uint64(0))
	if err != nil {
		// IncreaseTag cannot change ordering or mapped ranges, so
		// re-validation against an unbounded window cannot fail.
		panic(fmt.Sprintf("index: IncreaseTag: %v", err))
	}
	return np
}

// Project returns a new Packed index containing only mappings whose Tag
// falls within [lo, hi).
func (p *Packed) Project(lo, hi uint8) *Packed {
	var out []segment.Mapping
	for _, m := range p.m {
		if m.Tag >= lo && m.Tag < hi {
			out = append(out, m)
		}
	}
	np, err := NewPacked(out, 0, ^uint64(0))
	if err != nil {
		panic(fmt.Sprintf("index: Project: %v", err))
	}
	return np
}

// Compact coalesces adjacent mappings that are contiguous in both logical
// and mapped space, share Zeroed and Tag, and whose combined length still
// fits the on-disk length field. This is the Go equivalent of the
// original implementation's compress_raw_index: it shrinks an index
// before it is persisted without changing read semantics.
func Compact(mappings []segment.Mapping) []segment.Mapping {
	if len(mappings) < 2 {
		return mappings
	}
	out := make([]segment.Mapping, 0, len(mappings))
	cur := mappings[0]
	for _, m := range mappings[1:] {
		if cur.End() == m.Offset && cur.MappedEnd() == m.MappedOffset &&
			cur.Zeroed == m.Zeroed && cur.Tag == m.Tag &&
			uint64(cur.Length)+uint64(m.Length) < segment.MaxLength {
			cur.Length += m.Length
			continue
		}
		out = append(out, cur)
		cur = m
	}
	out = append(out, cur)
	return out
}
