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

// Command overlaybd-zfile compresses a file into ZFile block-compressed
// format, or inspects/verifies an existing ZFile.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/containerd/overlaybd/pkg/vfile"
	"github.com/containerd/overlaybd/pkg/zfile"
)

var (
	flagSrc       = flag.String("src", "", "source file to compress (or existing zfile to inspect with -verify)")
	flagDst       = flag.String("dst", "", "destination zfile path (omit to only inspect -src)")
	flagBlockSize = flag.Uint("block-size", zfile.DefaultBlockSize, "uncompressed block size in bytes")
	flagCRC       = flag.Bool("crc", true, "store a per-block CRC32C checksum")
	flagVerify    = flag.Bool("verify", false, "verify every block's checksum while reading -src")
)

func main() {
	flag.Parse()
	if *flagSrc == "" {
		exitf("--src is required")
	}

	src, err := os.Open(*flagSrc)
	if err != nil {
		exitf("opening %s: %v", *flagSrc, err)
	}
	defer src.Close()

	if *flagDst == "" {
		inspect(src)
		return
	}

	st, err := src.Stat()
	if err != nil {
		exitf("stat %s: %v", *flagSrc, err)
	}

	dstFile, err := vfile.OpenPath(*flagDst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		exitf("opening %s: %v", *flagDst, err)
	}
	defer dstFile.Close()

	opt := zfile.CompressOptions{BlockSize: uint32(*flagBlockSize), CRC: *flagCRC}
	if err := zfile.Compress(src, st.Size(), dstFile, opt); err != nil {
		exitf("compressing: %v", err)
	}
}

func inspect(src *os.File) {
	f := vfile.Open(src)
	ok, err := zfile.IsZFile(f)
	if err != nil {
		exitf("checking zfile header: %v", err)
	}
	if !ok {
		exitf("%s is not a zfile", *flagSrc)
	}

	zf, err := zfile.OpenRO(f, *flagVerify)
	if err != nil {
		exitf("opening zfile: %v", err)
	}
	size, _ := zf.Size()
	fmt.Printf("logical_size: %d\n", size)
	fmt.Printf("block_size: %d\n", zf.BlockSize())
	if *flagVerify {
		buf := make([]byte, zf.BlockSize())
		for off := int64(0); off < size; off += int64(zf.BlockSize()) {
			if _, err := zf.ReadAt(buf, off); err != nil {
				exitf("verify failed at offset %d: %v", off, err)
			}
		}
		fmt.Println("verify: ok")
	}
}

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
