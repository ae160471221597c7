// Command studyctl administers a study deployment: importing catalogs,
// forcing unlock scans, and hashing the admin token.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
