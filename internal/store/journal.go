package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"grid-worker-node/internal/worker"
)

const appendTimeout = 5 * time.Second

type appender interface {
	AppendEvent(ctx context.Context, e Event) error
}

// Journal is a job watcher that records lifecycle events in Postgres. Events
// are buffered and written by Run; when the buffer is full they are
// dropped so that job execution never waits on the database.
type Journal struct {
	sink    appender
	nodeID  string
	logger  logrus.FieldLogger
	now     func() time.Time
	dropped atomic.Int64

	mtx    sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}
}

func NewJournal(logger logrus.FieldLogger, sink appender, nodeID string, buffer int) *Journal {
	if buffer <= 0 {
		buffer = 1
	}
	return &Journal{
		sink:   sink,
		nodeID: nodeID,
		logger: logger,
		now:    time.Now,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

func (j *Journal) Notify(jc *worker.JobContext, ev worker.Event) {
	job := jc.Job()
	e := Event{
		NodeID:    j.nodeID,
		JobID:     job.ID,
		JobNumber: jc.JobNumber(),
		Server:    job.Server,
		Event:     ev.String(),
		Status:    jc.CommitStatus().String(),
		RetCode:   job.RetCode,
		ErrorMsg:  job.ErrorMsg,
		Exclusive: jc.IsExclusive(),
		At:        j.now().UTC(),
	}

	j.mtx.RLock()
	defer j.mtx.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.events <- e:
	default:
		n := j.dropped.Add(1)
		j.logger.WithFields(logrus.Fields{"JobID": e.JobID, "Event": e.Event, "Dropped": n}).Warn("journal buffer full, event dropped")
	}
}

// Dropped reports how many events were discarded because the buffer was
// full.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Run writes buffered events until Close is called and the buffer is
// drained, or ctx ends.
func (j *Journal) Run(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case e, ok := <-j.events:
			if !ok {
				return
			}
			j.write(ctx, e)
		case <-ctx.Done():
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, e Event) {
	ctx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	if err := j.sink.AppendEvent(ctx, e); err != nil {
		j.logger.WithError(err).WithField("JobID", e.JobID).Warn("journal write failed")
	}
}

// Close stops accepting events and waits for Run to flush the buffer.
func (j *Journal) Close(ctx context.Context) error {
	j.mtx.Lock()
	if !j.closed {
		j.closed = true
		close(j.events)
	}
	j.mtx.Unlock()
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
