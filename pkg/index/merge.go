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

// Merge folds a stack of read-only indexes, ordered top-first (stack[0] is
// the highest-priority, most-recently-written layer), into a single sorted
// mapping array. Mappings taken from stack[i] are tagged i, so the result's
// Tag field identifies which layer in the stack supplied each mapping.
// Sectors not covered by any layer are simply absent, and reads of them
// return zero.
func Merge(stack []Indexer, virtualSize uint64) []segment.Mapping {
	virtualEnd := virtualSize / segment.SectorSize
	return mergeRange(stack, 0, virtualEnd, 0)
}

func mergeRange(stack []Indexer, begin, end uint64, level int) []segment.Mapping {
	if len(stack) == 0 || begin >= end {
		return nil
	}
	top := stack[0]
	topMappings := CollectRange(top, begin, end)

	var out []segment.Mapping
	cur := begin
	for _, m := range topMappings {
		if m.Offset > cur {
			out = append(out, mergeRange(stack[1:], cur, m.Offset, level+1)...)
		}
		m.Tag = uint8(level)
		out = append(out, m)
		cur = m.End()
	}
	if cur < end {
		out = append(out, mergeRange(stack[1:], cur, end, level+1)...)
	}
	return out
}
