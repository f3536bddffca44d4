// Command syncd runs the offline-first sync core: a local control server
// with background sync, plus one-shot maintenance commands.
package main

import (
	"fmt"
	"os"
)

// Set with -ldflags "-X main.version=..." at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
