// Package nodestate holds the process-wide state shared by the
// scheduler and every worker: the shutdown level and the exclusive
// execution gate.
package nodestate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// ShutdownLevel orders the urgency of a shutdown request.
type ShutdownLevel int32

const (
	// None is normal operation.
	None ShutdownLevel = iota
	// Normal stops fetching new jobs; running jobs finish.
	Normal
	// Immediate asks running jobs to return themselves at their next
	// check.
	Immediate
	// Die is Immediate plus process exit without waiting for cleanup.
	Die
)

func (l ShutdownLevel) String() string {
	switch l {
	case None:
		return "none"
	case Normal:
		return "normal"
	case Immediate:
		return "immediate"
	case Die:
		return "die"
	}
	return fmt.Sprintf("level(%d)", int32(l))
}

// ParseShutdownLevel converts a level name back to a ShutdownLevel.
func ParseShutdownLevel(s string) (ShutdownLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return None, nil
	case "normal", "":
		return Normal, nil
	case "immediate":
		return Immediate, nil
	case "die":
		return Die, nil
	}
	return None, fmt.Errorf("unknown shutdown level %q", s)
}

// Max returns the more urgent of a and b.
func Max(a, b ShutdownLevel) ShutdownLevel {
	if a > b {
		return a
	}
	return b
}

// NodeState is passed to the scheduler and to every worker in place of
// process globals.
type NodeState struct {
	level atomic.Int32

	mtx     sync.Mutex
	reached [Die + 1]chan struct{}

	Gate *ExclusiveGate
}

// New returns a NodeState at level None with a free gate.
func New() *NodeState {
	ns := &NodeState{}
	for i := range ns.reached {
		ns.reached[i] = make(chan struct{})
	}
	close(ns.reached[None])
	ns.Gate = newExclusiveGate(ns)
	return ns
}

// ShutdownLevel returns the current level.
func (ns *NodeState) ShutdownLevel() ShutdownLevel {
	return ShutdownLevel(ns.level.Load())
}

// RequestShutdown raises the level to at least lvl and reports whether
// the level changed. Requests for a lower level are ignored.
func (ns *NodeState) RequestShutdown(lvl ShutdownLevel) bool {
	if lvl > Die {
		lvl = Die
	}
	for {
		cur := ns.level.Load()
		if int32(lvl) <= cur {
			return false
		}
		if ns.level.CompareAndSwap(cur, int32(lvl)) {
			break
		}
	}
	ns.mtx.Lock()
	defer ns.mtx.Unlock()
	for l := None + 1; l <= lvl; l++ {
		select {
		case <-ns.reached[l]:
		default:
			close(ns.reached[l])
		}
	}
	return true
}

// Done returns a channel that is closed once the level reaches lvl.
func (ns *NodeState) Done(lvl ShutdownLevel) <-chan struct{} {
	if lvl < None {
		lvl = None
	}
	if lvl > Die {
		lvl = Die
	}
	return ns.reached[lvl]
}

// Context returns a child of parent that is cancelled when the level
// reaches lvl.
func (ns *NodeState) Context(parent context.Context, lvl ShutdownLevel) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-ns.Done(lvl):
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
