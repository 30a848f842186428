package main

import (
	"fmt"
	"os"

	"github.com/colorfulnotion/dbt/tb"
	"github.com/colorfulnotion/dbt/x86"
	"github.com/spf13/cobra"
)

func disasCmd(g *globalFlags) *cobra.Command {
	var p pvmFlags
	var host, showIR, stats bool
	cmd := &cobra.Command{
		Use:   "disas <program>",
		Short: "Disassemble a PVM program and optionally its translation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, fe, err := load(g, &p, args[0])
			if err != nil {
				return err
			}
			defer e.Close()
			prog := fe.Program()
			if stats {
				if err := prog.Analyze().WriteStats(os.Stdout); err != nil {
					return err
				}
			}
			if bad := prog.InvalidJumpTargets(); len(bad) > 0 {
				fmt.Printf("jump table entries not at a block start: %v\n", bad)
			}
			if !host && !showIR {
				return prog.Disassemble(os.Stdout)
			}
			for _, pc := range prog.GetBasicBlockBoundaries() {
				key := tb.Key{PC: pc}
				fmt.Printf("block %d\n", pc)
				if showIR {
					u, err := fe.Translate(key, e.Guest())
					if err != nil {
						return err
					}
					fmt.Print(u.String())
				}
				if host {
					b, err := e.Translate(key)
					if err != nil {
						return err
					}
					fmt.Print(x86.Disassemble(b.Code.Bytes, b.Code.Base))
				}
			}
			return nil
		},
	}
	p.register(cmd)
	cmd.Flags().BoolVar(&host, "host", false, "print the generated x86-64 code of every block")
	cmd.Flags().BoolVar(&showIR, "ir", false, "print the IR of every block")
	cmd.Flags().BoolVar(&stats, "stats", false, "print instruction statistics")
	return cmd
}
