// plantpiped ingests plant probe readings from a serial link, stores them in
// SQLite and keeps 5-minute rollups and a Parquet archive of them.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "plantpiped: %v\n", err)
		os.Exit(1)
	}
}
