// Command cranectl is Crane's command-line front end: a daemon
// (`cranectl serve`) exposing spec.md §6's command surface over HTTP, plus
// thin client subcommands that talk to it.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
