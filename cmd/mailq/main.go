// Command mailq runs the mail dispatch daemon and manages its job store.
//
//	mailq run                       start the scheduler and HTTP API
//	mailq enqueue --key K --transport smtp message.json
//	mailq status <job-id> | --key K
//	mailq list --state failed
//	mailq cancel <job-id>
//	mailq resubmit <job-id> --key K2
//	mailq purge <job-id> | --older-than 720h
//	mailq stats
//
// Every command reads the YAML file named by --config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	c := newCLI()
	err := newRootCmd(c).ExecuteContext(ctx)
	c.closeLogger()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "mailq:", err)
		os.Exit(1)
	}
}
