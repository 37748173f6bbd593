// Command storefront-proxy serves commerce API resources through the
// resilient fetch layer: cached, coalesced, retried, and refreshed when
// connectivity returns.
package main

import (
	"fmt"
	"os"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
