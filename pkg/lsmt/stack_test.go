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
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/containerd/overlaybd/pkg/lsmterr"
	"github.com/containerd/overlaybd/pkg/vfile"
)

// sealedLayer creates, writes, and seals a single RW layer, returning its
// data file and header uuid.
func sealedLayer(t *testing.T, vsize uint64, parent uuid.UUID, writes map[int64][]byte) (vfile.File, uuid.UUID) {
	t.Helper()
	data, idx := vfile.NewMem(), vfile.NewMem()
	rw, err := CreateRW(data, idx, vsize, parent)
	if err != nil {
		t.Fatalf("CreateRW: %v", err)
	}
	ctx := context.Background()
	for off, buf := range writes {
		if _, err := rw.WriteAt(ctx, buf, off); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
	}
	ro, err := rw.CloseSeal(true)
	if err != nil {
		t.Fatalf("CloseSeal: %v", err)
	}
	// CloseSeal's reopened view carries the sealed layer at tag 1.
	id, err := ro.UUID(1)
	if err != nil {
		t.Fatalf("UUID: %v", err)
	}
	return data, id
}

func TestOpenFilesROTwoLayers(t *testing.T) {
	base := pattern(4096, 0x01)
	top := pattern(4096, 0x02)

	baseFile, baseID := sealedLayer(t, 1<<20, uuid.Nil, map[int64][]byte{0: base})
	topFile, _ := sealedLayer(t, 1<<20, baseID, map[int64][]byte{4096: top})

	ctx := context.Background()
	ro, err := OpenFilesRO(ctx, []vfile.File{baseFile, topFile})
	if err != nil {
		t.Fatalf("OpenFilesRO: %v", err)
	}

	gotBase := make([]byte, 4096)
	if _, err := ro.ReadAt(ctx, gotBase, 0); err != nil {
		t.Fatalf("ReadAt base: %v", err)
	}
	if !bytes.Equal(gotBase, base) {
		t.Fatalf("base layer mismatch")
	}

	gotTop := make([]byte, 4096)
	if _, err := ro.ReadAt(ctx, gotTop, 4096); err != nil {
		t.Fatalf("ReadAt top: %v", err)
	}
	if !bytes.Equal(gotTop, top) {
		t.Fatalf("top layer mismatch")
	}
}

func TestOpenFilesROParentChainMismatch(t *testing.T) {
	baseFile, _ := sealedLayer(t, 1<<20, uuid.Nil, nil)
	// topFile claims an unrelated parent, not baseFile's uuid.
	topFile, _ := sealedLayer(t, 1<<20, uuid.New(), nil)

	_, err := OpenFilesRO(context.Background(), []vfile.File{baseFile, topFile})
	if !errors.Is(err, lsmterr.ErrParentChainMismatch) {
		t.Fatalf("err = %v, want ErrParentChainMismatch", err)
	}
}

func TestStackComposesWritableOverReadOnly(t *testing.T) {
	base := pattern(512, 0x05)
	baseFile, baseID := sealedLayer(t, 1<<20, uuid.Nil, map[int64][]byte{0: base})

	ctx := context.Background()
	ro, err := OpenFilesRO(ctx, []vfile.File{baseFile})
	if err != nil {
		t.Fatalf("OpenFilesRO: %v", err)
	}

	data, idx := vfile.NewMem(), vfile.NewMem()
	rw, err := CreateRW(data, idx, 1<<20, baseID)
	if err != nil {
		t.Fatalf("CreateRW: %v", err)
	}
	rw, err = Stack(rw, ro, true)
	if err != nil {
		t.Fatalf("Stack: %v", err)
	}

	overlay := pattern(512, 0x06)
	if _, err := rw.WriteAt(ctx, overlay, 512); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	gotBase := make([]byte, 512)
	if _, err := rw.ReadAt(ctx, gotBase, 0); err != nil {
		t.Fatalf("ReadAt base through stack: %v", err)
	}
	if !bytes.Equal(gotBase, base) {
		t.Fatalf("base-through-stack mismatch")
	}

	gotOverlay := make([]byte, 512)
	if _, err := rw.ReadAt(ctx, gotOverlay, 512); err != nil {
		t.Fatalf("ReadAt overlay: %v", err)
	}
	if !bytes.Equal(gotOverlay, overlay) {
		t.Fatalf("overlay mismatch")
	}
}

func TestMergeFilesRO(t *testing.T) {
	base := pattern(512, 0x07)
	top := pattern(512, 0x08)
	baseFile, baseID := sealedLayer(t, 1<<20, uuid.Nil, map[int64][]byte{0: base})
	topFile, _ := sealedLayer(t, 1<<20, baseID, map[int64][]byte{512: top})

	dst := vfile.NewMem()
	ctx := context.Background()
	if err := MergeFilesRO(ctx, []vfile.File{baseFile, topFile}, dst, CommitArgs{UserTag: "merged"}); err != nil {
		t.Fatalf("MergeFilesRO: %v", err)
	}

	merged, err := OpenRO(dst)
	if err != nil {
		t.Fatalf("OpenRO(merged): %v", err)
	}
	got := make([]byte, 1024)
	if _, err := merged.ReadAt(ctx, got, 0); err != nil {
		t.Fatalf("ReadAt merged: %v", err)
	}
	want := append(append([]byte{}, base...), top...)
	if !bytes.Equal(got, want) {
		t.Fatalf("merged content mismatch")
	}
}

func TestTooManyLayersRejected(t *testing.T) {
	files := make([]vfile.File, MaxStackLayers+1)
	for i := range files {
		f, _ := sealedLayer(t, 512, uuid.Nil, nil)
		files[i] = f
	}
	_, err := OpenFilesRO(context.Background(), files)
	if !errors.Is(err, lsmterr.ErrTooManyLayers) {
		t.Fatalf("err = %v, want ErrTooManyLayers", err)
	}
}
