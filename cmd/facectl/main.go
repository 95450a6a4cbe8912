// Command facectl drives the capture pipeline from image files: it
// preprocesses, submits and classifies images against the recognition backend.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
