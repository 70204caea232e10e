package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"grid-worker-node/internal/ctxlog"
	"grid-worker-node/internal/nodestate"
)

// SleepHandler simulates work: it waits for the requested duration while
// heartbeating, reporting progress and honoring shutdown.
type SleepHandler struct {
	// Tick is how often shutdown and progress are checked.
	Tick time.Duration
	// Heartbeat is how often the server-side timeout is extended.
	Heartbeat time.Duration
}

// sleepInput is the JSON job input accepted by SleepHandler. All fields
// are optional.
type sleepInput struct {
	DurationMS int    `json:"duration_ms"`
	ExitCode   int    `json:"exit_code"`
	ShouldFail bool   `json:"should_fail"`
	Exclusive  bool   `json:"exclusive"`
	Output     string `json:"output"`
}

func NewSleepHandler() *SleepHandler {
	return &SleepHandler{Tick: 100 * time.Millisecond, Heartbeat: 30 * time.Second}
}

func (h *SleepHandler) Execute(ctx context.Context, jc *JobContext) Result {
	in, err := decodeSleepInput(jc.Input())
	if err != nil {
		return Failure(err)
	}
	if in.Exclusive {
		if err := jc.RequestExclusiveMode(); err != nil {
			return Failure(err)
		}
	}
	if in.ShouldFail {
		return Failuref("simulated failure requested by input.should_fail")
	}

	total := time.Duration(in.DurationMS) * time.Millisecond
	start := time.Now()
	lastBeat := start
	ticker := time.NewTicker(h.Tick)
	defer ticker.Stop()
	for elapsed := time.Duration(0); elapsed < total; elapsed = time.Since(start) {
		if jc.GetShutdownLevel(ctx) >= nodestate.Immediate {
			return h.abandon(ctx, jc)
		}
		if time.Since(lastBeat) >= h.Heartbeat {
			lastBeat = time.Now()
			if err := jc.JobDelayExpiration(ctx, 2*h.Heartbeat); err != nil {
				ctxlog.FromContext(ctx).WithError(err).Warn("heartbeat failed")
			}
		}
		_ = jc.PutProgressMessage(ctx, fmt.Sprintf("%d%%", 100*elapsed/total))
		select {
		case <-ctx.Done():
			return h.abandon(ctx, jc)
		case <-ticker.C:
		}
	}

	jc.SetOutput(in.Output)
	jc.SetRetCode(in.ExitCode)
	if err := jc.CommitJob(); err != nil {
		return Failure(err)
	}
	return Success(in.ExitCode)
}

// abandon hands the job back. A canceled job needs nothing further.
func (h *SleepHandler) abandon(ctx context.Context, jc *JobContext) Result {
	ctxlog.FromContext(ctx).Info("stopping early, returning job")
	_ = jc.ReturnJob()
	return Success(0)
}

func decodeSleepInput(raw string) (sleepInput, error) {
	var in sleepInput
	if strings.TrimSpace(raw) == "" {
		return in, nil
	}
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return in, fmt.Errorf("decode input: %w", err)
	}
	if in.DurationMS < 0 {
		return in, fmt.Errorf("duration_ms must not be negative")
	}
	return in, nil
}
