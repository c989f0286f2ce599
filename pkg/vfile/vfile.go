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

// Package vfile defines the byte-addressable file boundary that the LSMT
// and ZFile layers are built on: a positionally readable and writable
// backing store, independent of whether it is a real *os.File or
// an in-memory fake used by tests.
package vfile

import (
	"io"
	"os"
)

// File is the contract an LSMT or ZFile layer needs from its backing
// store: positional reads and writes, a known size, durability, and
// closing.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Size returns the current length of the file in bytes.
	Size() (int64, error)
	// Truncate changes the size of the file.
	Truncate(size int64) error
	// Sync commits the file's in-memory state to stable storage.
	Sync() error
}

// osFile adapts *os.File to File.
type osFile struct {
	*os.File
}

// Open wraps an already-open *os.File as a File.
func Open(f *os.File) File { return osFile{f} }

// OpenPath opens (or creates) the file at path with the given flags and
// mode and wraps it as a File.
func OpenPath(path string, flag int, mode os.FileMode) (File, error) {
	f, err := os.OpenFile(path, flag, mode)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (f osFile) Size() (int64, error) {
	st, err := f.File.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}
