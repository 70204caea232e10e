package nodestate

import (
	"context"
	"sync"
)

// ExclusiveGate admits at most one exclusive job at a time.
type ExclusiveGate struct {
	ns *NodeState

	mtx      sync.Mutex
	held     bool
	released chan struct{}
}

func newExclusiveGate(ns *NodeState) *ExclusiveGate {
	return &ExclusiveGate{ns: ns}
}

// EnterExclusiveMode takes the gate if it is free. It never blocks.
func (g *ExclusiveGate) EnterExclusiveMode() bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.held {
		return false
	}
	g.held = true
	g.released = make(chan struct{})
	return true
}

// LeaveExclusiveMode frees the gate and wakes any waiters.
func (g *ExclusiveGate) LeaveExclusiveMode() {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if !g.held {
		return
	}
	g.held = false
	close(g.released)
}

// IsProcessingExclusive reports whether an exclusive job holds the gate.
func (g *ExclusiveGate) IsProcessingExclusive() bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.held
}

// WaitForExclusiveJobToFinish blocks until the gate is free and returns
// true, or returns false early if ctx ends or the shutdown level rises
// above the level observed on entry.
func (g *ExclusiveGate) WaitForExclusiveJobToFinish(ctx context.Context) bool {
	g.mtx.Lock()
	if !g.held {
		g.mtx.Unlock()
		return true
	}
	released := g.released
	g.mtx.Unlock()

	var escalated <-chan struct{}
	if lvl := g.ns.ShutdownLevel(); lvl < Die {
		escalated = g.ns.Done(lvl + 1)
	}
	select {
	case <-released:
		return true
	case <-escalated:
		return false
	case <-ctx.Done():
		return false
	}
}
