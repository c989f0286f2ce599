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

// Command overlaybd-create creates a new, empty writable LSMT layer pair
// (data file + index file) of a given virtual size.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/containerd/overlaybd/pkg/lsmt"
	"github.com/containerd/overlaybd/pkg/vfile"
)

var (
	flagData       = flag.String("data", "", "path to the data file to create")
	flagIndex      = flag.String("index", "", "path to the index file to create")
	flagSize       = flag.Int64("size", 0, "virtual size in bytes")
	flagParentUUID = flag.String("parent-uuid", "", "parent layer uuid (empty for a base layer)")
)

func main() {
	flag.Parse()
	if *flagData == "" || *flagIndex == "" || *flagSize <= 0 {
		exitf("--data, --index and --size (> 0) are required")
	}

	parentUUID := uuid.Nil
	if *flagParentUUID != "" {
		var err error
		parentUUID, err = uuid.Parse(*flagParentUUID)
		if err != nil {
			exitf("--parent-uuid: %v", err)
		}
	}

	data, err := vfile.OpenPath(*flagData, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		exitf("opening data file: %v", err)
	}
	defer data.Close()
	idx, err := vfile.OpenPath(*flagIndex, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		exitf("opening index file: %v", err)
	}
	defer idx.Close()

	if _, err := lsmt.CreateRW(data, idx, uint64(*flagSize), parentUUID); err != nil {
		exitf("creating layer: %v", err)
	}
}

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
