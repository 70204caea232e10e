// Package limits restarts the node when it outgrows its memory or uptime
// budget. A breach requests a Normal shutdown and records that the process
// should exit with RestartExitCode so a supervisor starts a fresh one.
package limits

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"

	"grid-worker-node/internal/ctxlog"
	"grid-worker-node/internal/nodestate"
)

// RestartExitCode tells the supervisor that the node asked to be restarted.
const RestartExitCode = 100

// Sampler reports the resident memory of the process.
type Sampler interface {
	RSS(ctx context.Context) (uint64, error)
}

type processSampler struct {
	proc *process.Process
}

// NewProcessSampler samples the current process.
func NewProcessSampler() (Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("inspect own process: %w", err)
	}
	return processSampler{proc: proc}, nil
}

func (s processSampler) RSS(ctx context.Context) (uint64, error) {
	info, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

type Options struct {
	// MemoryLimit is the RSS ceiling in bytes; 0 disables the check.
	MemoryLimit uint64
	// TimeLimit is the uptime ceiling; 0 disables the check.
	TimeLimit time.Duration
	Interval  time.Duration
}

type Monitor struct {
	state   *nodestate.NodeState
	sampler Sampler
	opts    Options
	started time.Time
	now     func() time.Time
	restart atomic.Bool
}

func NewMonitor(state *nodestate.NodeState, sampler Sampler, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	return &Monitor{state: state, sampler: sampler, opts: opts, started: time.Now(), now: time.Now}
}

// RestartRequested reports whether a limit was breached.
func (m *Monitor) RestartRequested() bool { return m.restart.Load() }

// Run checks the limits every interval until ctx ends, a limit is
// breached, or the node starts shutting down for another reason.
func (m *Monitor) Run(ctx context.Context) {
	if m.opts.MemoryLimit == 0 && m.opts.TimeLimit == 0 {
		return
	}
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if m.Check(ctx) {
				return
			}
		case <-m.state.Done(nodestate.Normal):
			return
		case <-ctx.Done():
			return
		}
	}
}

// Check samples once and requests a Normal shutdown on a breach.
func (m *Monitor) Check(ctx context.Context) bool {
	logger := ctxlog.FromContext(ctx)
	reason := ""
	if m.opts.TimeLimit > 0 {
		if up := m.now().Sub(m.started); up >= m.opts.TimeLimit {
			reason = fmt.Sprintf("uptime %s reached the limit of %s", up.Round(time.Second), m.opts.TimeLimit)
		}
	}
	if reason == "" && m.opts.MemoryLimit > 0 {
		rss, err := m.sampler.RSS(ctx)
		if err != nil {
			logger.WithError(err).Warn("cannot sample memory usage")
		} else if rss >= m.opts.MemoryLimit {
			reason = fmt.Sprintf("memory %s reached the limit of %s", humanize.IBytes(rss), humanize.IBytes(m.opts.MemoryLimit))
		}
	}
	if reason == "" {
		return false
	}
	m.restart.Store(true)
	m.state.RequestShutdown(nodestate.Normal)
	logger.WithField("Reason", reason).Warn("resource limit reached, restarting")
	return true
}
