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
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/containerd/overlaybd/pkg/lsmterr"
	"github.com/containerd/overlaybd/pkg/vfile"
)

func TestReadAtHonorsCancelledContext(t *testing.T) {
	data, idx := vfile.NewMem(), vfile.NewMem()
	rw, err := CreateRW(data, idx, 1<<20, uuid.Nil)
	if err != nil {
		t.Fatalf("CreateRW: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	buf := make([]byte, 512)
	if _, err := rw.ReadAt(ctx, buf, 0); !errors.Is(err, lsmterr.ErrTimeout) {
		t.Fatalf("ReadAt with cancelled ctx = %v, want ErrTimeout", err)
	}
	if _, err := rw.WriteAt(ctx, buf, 0); !errors.Is(err, lsmterr.ErrTimeout) {
		t.Fatalf("WriteAt with cancelled ctx = %v, want ErrTimeout", err)
	}
}

func TestSetMaxIOSizeRejectsNonMultiple(t *testing.T) {
	data, idx := vfile.NewMem(), vfile.NewMem()
	rw, err := CreateRW(data, idx, 1<<20, uuid.Nil)
	if err != nil {
		t.Fatalf("CreateRW: %v", err)
	}
	ro, err := rw.CloseSeal(true)
	if err != nil {
		t.Fatalf("CloseSeal: %v", err)
	}
	if err := ro.SetMaxIOSize(100); !errors.Is(err, lsmterr.ErrInvalidFormat) {
		t.Fatalf("SetMaxIOSize(100) = %v, want ErrInvalidFormat", err)
	}
	if err := ro.SetMaxIOSize(8192); err != nil {
		t.Fatalf("SetMaxIOSize(8192) = %v, want nil", err)
	}
}
