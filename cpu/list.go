package cpu

import (
	"sync"
)

// List is the set of vCPUs sharing one engine. It arbitrates exclusive
// sections: while one is open no vCPU executes generated code.
type List struct {
	mu      sync.Mutex
	cond    *sync.Cond
	cpus    []*CPU
	running int
	// owner holds the exclusive section; pending counts waiters for it.
	owner   bool
	pending int
}

func NewList() *List {
	l := &List{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *List) add(c *CPU) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c.index = len(l.cpus)
	l.cpus = append(l.cpus, c)
}

func (l *List) remove(c *CPU) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, o := range l.cpus {
		if o == c {
			l.cpus = append(l.cpus[:i], l.cpus[i+1:]...)
			return
		}
	}
}

// CPUs returns a snapshot of the members.
func (l *List) CPUs() []*CPU {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*CPU(nil), l.cpus...)
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cpus)
}

// execStart is called before c enters generated code. It waits out any
// exclusive section.
func (l *List) execStart(c *CPU) {
	l.mu.Lock()
	for l.owner || l.pending > 0 {
		l.cond.Wait()
	}
	l.running++
	c.inExec = true
	l.mu.Unlock()
}

func (l *List) execEnd(c *CPU) {
	l.mu.Lock()
	l.running--
	c.inExec = false
	l.mu.Unlock()
	l.cond.Broadcast()
}

// StartExclusive returns once no other vCPU is executing generated code.
// The caller must not be executing generated code itself.
func (l *List) StartExclusive() {
	l.mu.Lock()
	l.pending++
	for l.owner {
		l.cond.Wait()
	}
	l.owner = true
	l.pending--
	for _, c := range l.cpus {
		if c.inExec {
			c.Kick()
		}
	}
	for l.running > 0 {
		l.cond.Wait()
	}
	l.mu.Unlock()
}

func (l *List) EndExclusive() {
	l.mu.Lock()
	l.owner = false
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Exclusive runs fn inside an exclusive section.
func (l *List) Exclusive(fn func()) {
	l.StartExclusive()
	defer l.EndExclusive()
	fn()
}

// Parallel reports whether generated code must assume concurrent vCPUs.
func (l *List) Parallel() bool { return l.Len() > 1 }
