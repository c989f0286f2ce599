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

// Package lsmterr holds the sentinel errors shared by pkg/frame, pkg/lsmt
// and pkg/zfile. Callers use errors.Is against these values; wrapping with
// fmt.Errorf("%w: ...") is expected to add context.
package lsmterr

import "errors"

var (
	// ErrInvalidFormat signals a header/trailer magic, flag, or layout check failed.
	ErrInvalidFormat = errors.New("lsmt: invalid format")
	// ErrParentChainMismatch signals UUID linkage between consecutive layers broke.
	ErrParentChainMismatch = errors.New("lsmt: parent chain mismatch")
	// ErrTooManyLayers signals more than 255 layers were submitted to a stack.
	ErrTooManyLayers = errors.New("lsmt: too many layers")
	// ErrMisaligned signals a user I/O was not 512-byte aligned.
	ErrMisaligned = errors.New("lsmt: misaligned I/O")
	// ErrOutOfBounds signals a user I/O exceeded virtual_size.
	ErrOutOfBounds = errors.New("lsmt: out of bounds")
	// ErrShortRead signals underlying file I/O produced fewer bytes than required.
	ErrShortRead = errors.New("lsmt: short read")
	// ErrWrite signals an underlying write failed or was short.
	ErrWrite = errors.New("lsmt: write failed")
	// ErrChecksumMismatch signals a ZFile block CRC failed.
	ErrChecksumMismatch = errors.New("lsmt: checksum mismatch")
	// ErrTagTooLong signals a user tag exceeded 256 bytes.
	ErrTagTooLong = errors.New("lsmt: user tag too long")
	// ErrNotWritable signals a write/seal/commit was requested on a read-only stack.
	ErrNotWritable = errors.New("lsmt: not writable")
	// ErrAlreadySealed signals a write or commit was requested on a sealed layer.
	ErrAlreadySealed = errors.New("lsmt: already sealed")
	// ErrTimeout signals a deadline expired while suspended on I/O.
	ErrTimeout = errors.New("lsmt: timeout")
)
