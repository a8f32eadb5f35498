// Command runkeeperctl operates on the run table directly: one-shot worker
// invocations for external schedulers, stale run recovery and manual run
// management.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(openEnv).Execute(); err != nil {
		os.Exit(1)
	}
}
