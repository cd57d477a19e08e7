// Command clamdispatcher runs a job command on behalf of the service,
// recording its pid and exit status in the project directory and
// terminating it when an abort is requested.
//
//	clamdispatcher [flags] LIBPATH SETTINGS PROJECTDIR|NONE COMMAND...
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		os.Interrupt,
	)
	defer cancel()

	c := newCLI()

	if err := c.rootCmd().ExecuteContext(ctx); err != nil {
		return 1
	}

	return c.status
}
