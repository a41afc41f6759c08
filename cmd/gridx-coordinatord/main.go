// Command gridx-coordinatord runs the Grid-X coordinator: the Submission
// API, the Session Protocol listener, the scheduler's dispatch loop, and
// the registry's stale-worker sweep, all behind a single process (C10,
// SPEC_FULL.md §4.10).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridx/gridx/build"
	"github.com/gridx/gridx/coordinator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gridx-coordinatord:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := build.LoadConfig()
	if err != nil {
		return err
	}
	log := build.NewLogger("coordinatord")
	defer log.Sync()

	c, err := coordinator.New(cfg, log)
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		c.Close()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("received shutdown signal, draining in-flight work")
	return c.Close()
}
