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
	"golang.org/x/sync/errgroup"

	"github.com/containerd/overlaybd/pkg/frame"
	"github.com/containerd/overlaybd/pkg/index"
	"github.com/containerd/overlaybd/pkg/lsmterr"
	"github.com/containerd/overlaybd/pkg/segment"
	"github.com/containerd/overlaybd/pkg/vfile"
)

// parallelLoadLimit bounds how many layer indexes load concurrently.
const parallelLoadLimit = 16

type loadedLayer struct {
	mappings []segment.Mapping
	ht       *frame.HeaderTrailer
}

// loadLayersParallel loads each file's sealed index concurrently, bounded
// by parallelLoadLimit, preserving files' input order in the result.
func loadLayersParallel(ctx context.Context, files []vfile.File) ([]loadedLayer, error) {
	out := make([]loadedLayer, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelLoadLimit)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			if err := checkDeadline(gctx); err != nil {
				return err
			}
			mappings, ht, err := loadSealedIndex(file)
			if err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
			out[i] = loadedLayer{mappings: mappings, ht: ht}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// verifyParentChain checks that consecutive layers (ordered bottom-first,
// i.e. files[i] is the parent of files[i+1]) chain correctly: each layer's
// recorded parent_uuid must equal its predecessor's uuid. A layer whose
// parent_uuid is the nil UUID skips the check for that link.
func verifyParentChain(layers []loadedLayer) error {
	for i := 1; i < len(layers); i++ {
		parent := layers[i].ht.ParentUUID
		if parent == uuid.Nil {
			continue
		}
		if parent != layers[i-1].ht.UUID {
			return fmt.Errorf("%w: layer %d parent_uuid %s != layer %d uuid %s",
				lsmterr.ErrParentChainMismatch, i, parent, i-1, layers[i-1].ht.UUID)
		}
	}
	return nil
}

// OpenFilesRO opens n sealed LSMT data files as a single stacked read-only
// view. files is ordered bottom-first: files[0] is the oldest/base layer,
// files[len(files)-1] is the most recently written (top) layer, matching
// the original implementation's documented open_files_ro contract. The
// returned file's virtual_size and top-most uuid come from the top layer.
func OpenFilesRO(ctx context.Context, files []vfile.File) (*ReadOnlyFile, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("lsmt: no files given")
	}
	if len(files) > MaxStackLayers {
		return nil, fmt.Errorf("%w: %d layers (max %d)", lsmterr.ErrTooManyLayers, len(files), MaxStackLayers)
	}

	layers, err := loadLayersParallel(ctx, files)
	if err != nil {
		return nil, err
	}
	if err := verifyParentChain(layers); err != nil {
		return nil, err
	}

	n := len(layers)
	stack := make([]index.Indexer, n)
	topFiles := make([]vfile.File, n)
	topUUIDs := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		src := layers[n-1-i]
		dataBegin := uint64(frame.Space) / Alignment
		dataEnd := src.ht.IndexOffset / Alignment
		p, err := index.NewPacked(src.mappings, dataBegin, dataEnd)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", n-1-i, err)
		}
		stack[i] = p
		topFiles[i] = files[n-1-i]
		topUUIDs[i] = src.ht.UUID
	}

	top := layers[n-1].ht // top layer (last in bottom-first input) carries the image's virtual_size
	merged := index.Merge(stack, top.VirtualSize)
	packed, err := index.NewPacked(merged, 0, ^uint64(0))
	if err != nil {
		return nil, fmt.Errorf("lsmt: merged index invalid: %w", err)
	}

	return &ReadOnlyFile{
		maxIOSize: DefaultMaxIOSize,
		vsize:     top.VirtualSize,
		layers:    topFiles,
		uuids:     topUUIDs,
		idx:       packed,
	}, nil
}

// MergeFilesRO opens files as one stack (bottom-first, see OpenFilesRO)
// and commits the merged result into dst: equivalent to OpenFilesRO
// followed by Commit, without materializing an intermediate RWFile.
func MergeFilesRO(ctx context.Context, files []vfile.File, dst vfile.File, args CommitArgs) error {
	ro, err := OpenFilesRO(ctx, files)
	if err != nil {
		return err
	}
	parentUUID := args.ParentUUID
	if parentUUID == uuid.Nil {
		bottomHT, err := readTrailer(files[0])
		if err != nil {
			return err
		}
		parentUUID = bottomHT.ParentUUID
	}
	return commitMerged(ctx, ro, dst, CommitArgs{UserTag: args.UserTag, ParentUUID: parentUUID})
}

func readTrailer(file vfile.File) (*frame.HeaderTrailer, error) {
	_, ht, err := loadSealedIndex(file)
	return ht, err
}

// Stack composes rw (the writable top) over ro (a read-only layer stack)
// into a combo view: the top's live mutable index shadows ro's merged
// packed index. When checkOrder is true, the bottommost layer already
// open in ro must chain correctly with any layers rw itself carries
// (there are none, since rw's own data file has not been sealed) -- in
// practice this validates that ro's own internal parent chain already
// passed OpenFilesRO's check; checkOrder exists so callers can skip
// re-validating a previously-verified stack they are re-attaching.
func Stack(rw *RWFile, ro *ReadOnlyFile, checkOrder bool) (*RWFile, error) {
	if rw == nil {
		return nil, fmt.Errorf("lsmt: nil rw layer")
	}
	if ro == nil {
		return rw, nil
	}
	if checkOrder && len(ro.uuids) > 1 {
		// ro's chain was already verified by OpenFilesRO; re-derive the
		// same check from its retained layers as a defensive re-check
		// against a caller that mutated the slice in place.
		layers := make([]loadedLayer, len(ro.layers))
		for i, f := range ro.layers {
			_, ht, err := loadSealedIndex(f)
			if err != nil {
				return nil, err
			}
			layers[len(layers)-1-i] = loadedLayer{ht: ht}
		}
		if err := verifyParentChain(layers); err != nil {
			return nil, err
		}
	}

	backing, ok := ro.idx.(*index.Packed)
	if !ok {
		return nil, fmt.Errorf("lsmt: read-only layer's index is not a packed index")
	}
	topTag := uint8(len(ro.layers))
	rw.backingLayers = ro.layers
	rw.combo = index.NewCombo(rw.top, backing, topTag)
	return rw, nil
}
