package linuxuser

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/log"
)

// Forward queues the given host signals on target until ctx ends. The
// guest sees them at its next instruction boundary.
func Forward(ctx context.Context, target *cpu.CPU, sigs ...os.Signal) {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-ch:
				n, ok := s.(syscall.Signal)
				if !ok {
					continue
				}
				log.Debug(log.Syscall, "forward signal", "cpu", target.Index(), "sig", n)
				target.QueueSignal(int(n))
			}
		}
	}()
}
