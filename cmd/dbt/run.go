package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/engine"
	"github.com/colorfulnotion/dbt/guest/pvm"
	"github.com/colorfulnotion/dbt/linuxuser"
	"github.com/spf13/cobra"
)

func newCPU(ctx context.Context, e *engine.Engine, fe *pvm.Frontend, hooks cpu.Hooks) (*cpu.CPU, *linuxuser.Syscalls, error) {
	sys := linuxuser.New(ctx, linuxuser.NewHostKernel(), fe, e.Guest())
	sys.Group = e.CPUs
	hooks.Syscalls = sys
	c, err := e.NewCPU(hooks)
	return c, sys, err
}

func printResult(fe *pvm.Frontend, c *cpu.CPU) error {
	res, err := fe.Result(c)
	if err != nil {
		return err
	}
	fmt.Printf("status %s pc %d gas %d\n", res.Status, res.PC, res.Gas)
	if res.Status == pvm.FAULT {
		fmt.Printf("fault address 0x%x\n", res.FaultAddr)
	}
	for i, r := range res.Regs {
		fmt.Printf("r%-2d 0x%016x\n", i, r)
	}
	return nil
}

func runCmd(g *globalFlags) *cobra.Command {
	var p pvmFlags
	var stats bool
	cmd := &cobra.Command{
		Use:   "run <program>",
		Short: "Run a PVM program to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, fe, err := load(g, &p, args[0])
			if err != nil {
				return err
			}
			defer e.Close()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, sys, err := newCPU(ctx, e, fe, cpu.Hooks{})
			if err != nil {
				return err
			}
			reason, err := c.Loop(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", reason, err)
			}
			if exited, code := sys.Exited(); exited {
				fmt.Printf("exit %d\n", code)
			}
			if err := printResult(fe, c); err != nil {
				return err
			}
			if stats {
				cs, ts := c.Stats(), e.Cache().Stats()
				fmt.Printf("blocks %d generated %d chains %d flushes %d decoded %d syscalls %d\n",
					cs.Blocks, ts.Generated, ts.Chains, ts.Flushes, fe.Decoded(), cs.Syscalls)
			}
			return nil
		},
	}
	p.register(cmd)
	cmd.Flags().BoolVar(&stats, "stats", false, "print translation statistics")
	return cmd
}
