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

// Command overlaybd-info prints header/trailer and index summary
// information for a sealed LSMT data file.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/containerd/overlaybd/pkg/lsmt"
	"github.com/containerd/overlaybd/pkg/vfile"
)

var flagData = flag.String("data", "", "path to a sealed LSMT data file")

func main() {
	flag.Parse()
	if *flagData == "" {
		exitf("--data is required")
	}

	file, err := vfile.OpenPath(*flagData, os.O_RDONLY, 0)
	if err != nil {
		exitf("opening %s: %v", *flagData, err)
	}
	defer file.Close()

	ro, err := lsmt.OpenRO(file)
	if err != nil {
		exitf("opening layer: %v", err)
	}
	stat := ro.Stat()
	id, _ := ro.UUID(0)

	fmt.Printf("uuid: %s\n", id)
	fmt.Printf("virtual_size: %d\n", stat.Size)
	fmt.Printf("block_size: %d\n", stat.BlockSize)
	fmt.Printf("blocks: %d\n", stat.Blocks)
}

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
