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

// Package lsmt implements the LSM-Tree block file format: append-only,
// sparse, layer-stackable virtual block files backed by a data file and an
// index file, plus the operations that open, read, write, stack, merge and
// seal them.
package lsmt

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/containerd/overlaybd/pkg/lsmterr"
	"github.com/containerd/overlaybd/pkg/segment"
)

// Alignment is the sector size every user I/O offset and length must be a
// multiple of.
const Alignment = segment.SectorSize

// DefaultMaxIOSize bounds how many bytes a single positional read or write
// processes before looping; it must be a multiple of 4 KiB.
const DefaultMaxIOSize = 4 << 20

// MaxStackLayers is the largest number of layers OpenFilesRO accepts.
const MaxStackLayers = 255

// DefaultGroupCommitRecords is the number of 16-byte mapping records
// staged before append_index flushes them as one 4 KiB-aligned write.
const DefaultGroupCommitRecords = 256

// DataStat reports the data usage of an RW layer's top.
type DataStat struct {
	TotalDataSize uint64 // total bytes appended to the data file, header/trailer excluded
	ValidDataSize uint64 // bytes still reachable through the live index
}

// CommitArgs carries the optional parameters of a commit or merge: a
// commit message, and an explicit parent UUID overriding the one inferred
// from the source stack. The destination file is passed separately.
type CommitArgs struct {
	UserTag    string
	ParentUUID uuid.UUID // uuid.Nil means "infer from source"
}

func isAligned(x uint64) bool { return x%Alignment == 0 }

func checkAlignment(count, offset uint64) error {
	if !isAligned(count) || !isAligned(offset) {
		return fmt.Errorf("%w: count=%d offset=%d not %d-byte aligned", lsmterr.ErrMisaligned, count, offset, Alignment)
	}
	return nil
}

// checkDeadline returns lsmterr.ErrTimeout if ctx has already been
// cancelled; it is consulted at every suspension point an I/O loop passes
// through (per-chunk in pread/pwrite, and while waiting on the write
// mutex), matching the cooperative single-threaded-per-device model.
func checkDeadline(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", lsmterr.ErrTimeout, ctx.Err())
	default:
		return nil
	}
}
