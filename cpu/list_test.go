package cpu

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExclusiveWaitsForRunningCPUs(t *testing.T) {
	l := NewList()
	a, b := &CPU{}, &CPU{}
	l.cpus = []*CPU{a, b}

	l.execStart(a)
	var entered atomic.Bool
	done := make(chan struct{})
	go func() {
		// a has no machine to kick; only execEnd lets this through
		l.mu.Lock()
		a.inExec = false
		l.mu.Unlock()
		l.StartExclusive()
		entered.Store(true)
		l.EndExclusive()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, entered.Load(), "a is still in generated code")
	l.execEnd(a)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("exclusive section never started")
	}
	assert.True(t, entered.Load())
}

func TestExecStartWaitsForExclusive(t *testing.T) {
	l := NewList()
	a := &CPU{}
	l.cpus = []*CPU{a}

	l.StartExclusive()
	started := make(chan struct{})
	go func() {
		l.execStart(a)
		close(started)
		l.execEnd(a)
	}()
	select {
	case <-started:
		t.Fatal("entered generated code during an exclusive section")
	case <-time.After(20 * time.Millisecond):
	}
	l.EndExclusive()
	<-started
}

func TestExclusiveSerializesOwners(t *testing.T) {
	l := NewList()
	var inside, max atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				l.Exclusive(func() {
					n := inside.Add(1)
					if n > max.Load() {
						max.Store(n)
					}
					inside.Add(-1)
				})
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	assert.Equal(t, int32(1), max.Load())
}

func TestListMembership(t *testing.T) {
	l := NewList()
	a, b := &CPU{}, &CPU{}
	l.add(a)
	require.False(t, l.Parallel())
	l.add(b)
	assert.True(t, l.Parallel())
	assert.Equal(t, 1, b.index)
	l.remove(a)
	assert.Equal(t, []*CPU{b}, l.CPUs())
	assert.False(t, l.Parallel())
}
