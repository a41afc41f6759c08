// Command gridx-worker is the worker CLI (C11, SPEC_FULL.md §4.11): it
// dials the coordinator's stream port, authenticates as an account, and
// runs the Session Protocol client plus one Executor until killed or the
// connection is irrecoverably lost (spec §6's CLI surface).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gridx/gridx/build"
	"github.com/gridx/gridx/modules"
	"github.com/gridx/gridx/worker"
)

var flags struct {
	user            string
	password        string
	coordinatorIP   string
	httpPort        int
	streamPort      int
	capsCPU         uint32
	capsMemoryMB    uint64
	capsAccelerator uint32
	workdir         string
}

func main() {
	root := &cobra.Command{
		Use:   "gridx-worker",
		Short: "Connects to a Grid-X coordinator and executes dispatched jobs",
		RunE:  runWorker,
	}

	root.Flags().StringVar(&flags.user, "user", "", "account id to authenticate as (required)")
	root.Flags().StringVar(&flags.password, "password", "", "shared secret for --user (required)")
	root.Flags().StringVar(&flags.coordinatorIP, "coordinator-ip", "127.0.0.1", "coordinator host to dial")
	root.Flags().IntVar(&flags.httpPort, "http-port", 8081, "coordinator's Submission API port (unused by the worker itself, accepted for symmetry with the coordinator's flag surface)")
	root.Flags().IntVar(&flags.streamPort, "stream-port", 8080, "coordinator's worker session port")
	root.Flags().Uint32Var(&flags.capsCPU, "capabilities-cpu", 1, "declared CPU cores")
	root.Flags().Uint64Var(&flags.capsMemoryMB, "capabilities-memory-mb", 512, "declared memory ceiling in MiB")
	root.Flags().Uint32Var(&flags.capsAccelerator, "capabilities-accelerators", 0, "declared accelerator count")
	root.Flags().StringVar(&flags.workdir, "workdir", "./gridx-worker-workdir", "root directory for ephemeral job workspaces")
	_ = root.MarkFlagRequired("user")
	_ = root.MarkFlagRequired("password")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gridx-worker:", err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	log := build.NewLogger("worker")
	defer log.Sync()

	gridxCfg := build.DefaultConfig()
	workerCfg := worker.Config{
		CoordinatorAddr: fmt.Sprintf("%s:%d", flags.coordinatorIP, flags.streamPort),
		AccountID:       flags.user,
		Secret:          flags.password,
		Capabilities: modules.Capabilities{
			CPUCores:         flags.capsCPU,
			MemoryMB:         flags.capsMemoryMB,
			AcceleratorCount: flags.capsAccelerator,
			Concurrency:      1,
		},
		Workdir: flags.workdir,
	}

	w, err := worker.New(workerCfg, gridxCfg, log)
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		return err
	}
	return nil
}
