// Command agent is a headless VibeCanvas client. It joins a room on a relay,
// found by URL or over mDNS, and edits or watches the shared board.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	// Keep glog on stderr unless asked otherwise; stdout carries command output.
	flag.Set("logtostderr", "true")
}
