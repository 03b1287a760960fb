// Command pgzdx is a reference CLI around the pgzdx parallel
// decompressor, structured the way go-dictzip's cmd/dictzip splits
// each operation (compress/decompress/list) into its own small type
// with a Run method, driven by a single root command.
package main

import (
	"fmt"
	"os"
)

// Exit codes per the format's CLI contract.
const (
	exitSuccess            = 0
	exitUsageError         = 1
	exitIOError            = 2
	exitDecompressionError = 3
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
