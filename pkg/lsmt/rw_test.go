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

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestWriteReadRoundTrip(t *testing.T) {
	data, idx := vfile.NewMem(), vfile.NewMem()
	rw, err := CreateRW(data, idx, 1<<20, uuid.Nil)
	if err != nil {
		t.Fatalf("CreateRW: %v", err)
	}

	buf := pattern(4096, 0x10)
	ctx := context.Background()
	if _, err := rw.WriteAt(ctx, buf, 8192); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, 4096)
	if _, err := rw.ReadAt(ctx, got, 8192); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatalf("read back mismatch")
	}

	// A hole before the write reads back as zero.
	hole := make([]byte, 512)
	if _, err := rw.ReadAt(ctx, hole, 0); err != nil {
		t.Fatalf("ReadAt hole: %v", err)
	}
	for _, b := range hole {
		if b != 0 {
			t.Fatalf("expected zero-filled hole")
		}
	}
}

func TestMisalignedWriteRejected(t *testing.T) {
	data, idx := vfile.NewMem(), vfile.NewMem()
	rw, err := CreateRW(data, idx, 1<<20, uuid.Nil)
	if err != nil {
		t.Fatalf("CreateRW: %v", err)
	}
	_, err = rw.WriteAt(context.Background(), make([]byte, 100), 0)
	if !errors.Is(err, lsmterr.ErrMisaligned) {
		t.Fatalf("err = %v, want ErrMisaligned", err)
	}
}

func TestDiscardZeroesRange(t *testing.T) {
	data, idx := vfile.NewMem(), vfile.NewMem()
	rw, err := CreateRW(data, idx, 1<<20, uuid.Nil)
	if err != nil {
		t.Fatalf("CreateRW: %v", err)
	}
	ctx := context.Background()

	buf := pattern(4096, 0x20)
	if _, err := rw.WriteAt(ctx, buf, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := rw.Discard(ctx, 0, 4096); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	got := make([]byte, 4096)
	if _, err := rw.ReadAt(ctx, got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatalf("expected discarded range to read back zero")
		}
	}

	stat, err := rw.DataStat()
	if err != nil {
		t.Fatalf("DataStat: %v", err)
	}
	if stat.ValidDataSize != 0 {
		t.Fatalf("ValidDataSize = %d, want 0 after discarding all data", stat.ValidDataSize)
	}
}

func TestCloseSealAndReopenRO(t *testing.T) {
	data, idx := vfile.NewMem(), vfile.NewMem()
	rw, err := CreateRW(data, idx, 1<<20, uuid.Nil)
	if err != nil {
		t.Fatalf("CreateRW: %v", err)
	}
	ctx := context.Background()
	buf := pattern(4096, 0x30)
	if _, err := rw.WriteAt(ctx, buf, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	ro, err := rw.CloseSeal(true)
	if err != nil {
		t.Fatalf("CloseSeal: %v", err)
	}
	if ro == nil {
		t.Fatalf("CloseSeal returned nil RO file")
	}

	got := make([]byte, 4096)
	if _, err := ro.ReadAt(ctx, got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatalf("sealed read back mismatch")
	}

	if _, err := rw.WriteAt(ctx, buf, 8192); !errors.Is(err, lsmterr.ErrAlreadySealed) {
		t.Fatalf("write after seal = %v, want ErrAlreadySealed", err)
	}
}

func TestCloseSealThenOpenROFromDataFile(t *testing.T) {
	data, idx := vfile.NewMem(), vfile.NewMem()
	rw, err := CreateRW(data, idx, 1<<20, uuid.Nil)
	if err != nil {
		t.Fatalf("CreateRW: %v", err)
	}
	ctx := context.Background()
	buf := pattern(1024, 0x40)
	if _, err := rw.WriteAt(ctx, buf, 512); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, err := rw.CloseSeal(false); err != nil {
		t.Fatalf("CloseSeal: %v", err)
	}

	ro, err := OpenRO(data)
	if err != nil {
		t.Fatalf("OpenRO: %v", err)
	}
	got := make([]byte, 1024)
	if _, err := ro.ReadAt(ctx, got, 512); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatalf("reopened sealed file mismatch")
	}
}
