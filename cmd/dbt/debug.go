package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/engine"
	"github.com/colorfulnotion/dbt/guest/pvm"
	"github.com/spf13/cobra"
)

// stopper hands every debug event back to the prompt.
type stopper struct{}

func (stopper) DebugStop(c *cpu.CPU, ev cpu.DebugEvent) cpu.DebugAction {
	return cpu.DebugStopLoop
}

type debugger struct {
	e    *engine.Engine
	fe   *pvm.Frontend
	c    *cpu.CPU
	done bool
}

const debugHelp = `commands:
  break <pc>            stop before the instruction at pc
  delete <pc>           remove a breakpoint
  watch <addr> <n>      stop on writes to [addr, addr+n)
  step                  run one instruction
  continue              run to the next stop
  regs                  print registers and status
  x <addr> <n>          dump guest memory
  list                  show the instruction at pc
  quit`

func parseUint(s string) (uint64, error) { return strconv.ParseUint(s, 0, 64) }

func (d *debugger) resume(step bool) error {
	if d.done {
		return errors.New("program finished")
	}
	d.c.SetSingleStep(step)
	reason, err := d.c.Loop(context.Background())
	if err != nil {
		return err
	}
	switch reason {
	case cpu.ExitDebug:
		fmt.Println(d.c.LastDebugEvent())
		return d.list()
	case cpu.ExitHalted:
		d.done = true
		return printResult(d.fe, d.c)
	}
	fmt.Println(reason)
	return nil
}

func (d *debugger) list() error {
	pc, err := d.c.PC()
	if err != nil {
		return err
	}
	prog := d.fe.Program()
	fmt.Printf("%d: %s\n", pc, prog.Fetch(prog.Code, pc))
	return nil
}

func (d *debugger) exec(line string) (quit bool, err error) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return false, nil
	}
	nums := make([]uint64, 0, 2)
	for _, s := range f[1:] {
		v, err := parseUint(s)
		if err != nil {
			return false, err
		}
		nums = append(nums, v)
	}
	need := func(n int) error {
		if len(nums) < n {
			return fmt.Errorf("%s needs %d arguments", f[0], n)
		}
		return nil
	}
	switch f[0] {
	case "b", "break":
		if err := need(1); err != nil {
			return false, err
		}
		d.c.InsertBreakpoint(nums[0], cpu.BreakSoftware)
	case "d", "delete":
		if err := need(1); err != nil {
			return false, err
		}
		if !d.c.RemoveBreakpoint(nums[0]) {
			return false, fmt.Errorf("no breakpoint at %d", nums[0])
		}
	case "w", "watch":
		if err := need(2); err != nil {
			return false, err
		}
		return false, d.c.InsertWatchpoint(nums[0], nums[1], cpu.WatchWrite)
	case "s", "step":
		return false, d.resume(true)
	case "c", "continue":
		return false, d.resume(false)
	case "r", "regs":
		return false, printResult(d.fe, d.c)
	case "x":
		if err := need(2); err != nil {
			return false, err
		}
		buf := make([]byte, nums[1])
		if err := d.e.ReadGuest(nums[0], buf); err != nil {
			return false, err
		}
		for i := 0; i < len(buf); i += 16 {
			fmt.Printf("0x%08x: % x\n", nums[0]+uint64(i), buf[i:min(i+16, len(buf))])
		}
	case "l", "list":
		return false, d.list()
	case "q", "quit":
		return true, nil
	default:
		fmt.Println(debugHelp)
	}
	return false, nil
}

func debugCmd(g *globalFlags) *cobra.Command {
	var p pvmFlags
	cmd := &cobra.Command{
		Use:   "debug <program>",
		Short: "Step through a PVM program interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, fe, err := load(g, &p, args[0])
			if err != nil {
				return err
			}
			defer e.Close()
			c, _, err := newCPU(context.Background(), e, fe, cpu.Hooks{Debug: stopper{}})
			if err != nil {
				return err
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:      "(dbt) ",
				HistoryFile: "/tmp/dbt_debug_history.txt",
			})
			if err != nil {
				return err
			}
			defer rl.Close()

			d := &debugger{e: e, fe: fe, c: c}
			fmt.Println(debugHelp)
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				quit, err := d.exec(line)
				if err != nil {
					fmt.Println("error:", err)
				}
				if quit {
					return nil
				}
			}
		},
	}
	p.register(cmd)
	return cmd
}
