// Command path402d runs the path402 token ledger: the x402-gated HTTP API,
// the notarization outbox and the dividend scheduler.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "path402d:", err)
		os.Exit(1)
	}
}
