package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/colorfulnotion/dbt/config"
	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/engine"
	"github.com/colorfulnotion/dbt/engine/enginetest"
	"github.com/colorfulnotion/dbt/helper"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/spf13/cobra"
)

// bare is an engine with no guest program, for inspecting the runtime.
func bare(g *globalFlags) (*engine.Engine, *config.Config, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.New(cfg, enginetest.New(nil))
	return e, cfg, err
}

func capsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "caps",
		Short: "Print the capability table code generation uses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cfg, err := bare(g)
			if err != nil {
				return err
			}
			defer e.Close()
			fmt.Printf("machine %s (available: %s)\n", cfg.Machine, strings.Join(machine.Kinds(), ", "))
			fmt.Print(e.Capabilities().String())
			return nil
		},
	}
}

func helpersCmd(g *globalFlags) *cobra.Command {
	var p pvmFlags
	var decls bool
	cmd := &cobra.Command{
		Use:   "helpers [program]",
		Short: "List runtime helpers and their addresses",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var e *engine.Engine
			var err error
			if len(args) == 1 {
				e, _, err = load(g, &p, args[0])
			} else {
				e, _, err = bare(g)
			}
			if err != nil {
				return err
			}
			defer e.Close()
			reg := e.Helpers()
			if decls {
				return helper.WriteDeclarations(os.Stdout, reg.Table())
			}
			for _, ent := range reg.Entries() {
				mark := ""
				if !ent.Registered {
					mark = " (missing)"
				}
				fmt.Printf("0x%x %s%s\n", ent.Addr, ent.Sig, mark)
			}
			return nil
		},
	}
	p.register(cmd)
	cmd.Flags().BoolVar(&decls, "decls", false, "print Go declarations of the helper prototypes")
	return cmd
}

func tbsCmd(g *globalFlags) *cobra.Command {
	var p pvmFlags
	cmd := &cobra.Command{
		Use:   "tbs <program>",
		Short: "Run a program and print the translated blocks and their chains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, fe, err := load(g, &p, args[0])
			if err != nil {
				return err
			}
			defer e.Close()
			c, _, err := newCPU(context.Background(), e, fe, cpu.Hooks{})
			if err != nil {
				return err
			}
			if _, err := c.Loop(context.Background()); err != nil {
				return err
			}
			for _, b := range e.Cache().Blocks() {
				fmt.Printf("pc %-8d host 0x%x size %-5d insns %d gen %d\n",
					b.PC, b.HostAddr(), b.Code.Size(), b.Insns, b.Generation)
			}
			fmt.Print(e.Cache().ChainTree().String())
			return nil
		},
	}
	p.register(cmd)
	return cmd
}
