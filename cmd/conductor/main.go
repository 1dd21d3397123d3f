// Command conductor runs the supervisor daemon: it boots the StateStore,
// ProcessManager, HealthChecker, MessageBus, and IpcServer, starts the
// Engine worker, and blocks until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"

	"conductor/pkg/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	sup, err := supervisor.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: boot failed: %v\n", err)
		return 1
	}

	if err := sup.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: exited with error: %v\n", err)
		return 1
	}
	return 0
}
