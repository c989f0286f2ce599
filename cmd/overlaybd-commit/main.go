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

// Command overlaybd-commit merges a stack of sealed LSMT layers
// (bottom-first) into a single standalone sealed data file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/containerd/overlaybd/pkg/lsmt"
	"github.com/containerd/overlaybd/pkg/vfile"
)

var (
	flagSources = flag.String("sources", "", "comma-separated list of sealed layer data files, bottom-first")
	flagDest    = flag.String("dest", "", "path to the merged output data file")
	flagUserTag = flag.String("user-tag", "", "user tag to stamp on the merged file")
)

func main() {
	flag.Parse()
	if *flagSources == "" || *flagDest == "" {
		exitf("--sources and --dest are required")
	}

	paths := strings.Split(*flagSources, ",")
	files := make([]vfile.File, len(paths))
	for i, p := range paths {
		f, err := vfile.OpenPath(p, os.O_RDONLY, 0)
		if err != nil {
			exitf("opening %s: %v", p, err)
		}
		defer f.Close()
		files[i] = f
	}

	dst, err := vfile.OpenPath(*flagDest, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		exitf("opening %s: %v", *flagDest, err)
	}
	defer dst.Close()

	args := lsmt.CommitArgs{UserTag: *flagUserTag}
	if err := lsmt.MergeFilesRO(context.Background(), files, dst, args); err != nil {
		exitf("merging layers: %v", err)
	}
}

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
