package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grid-worker-node/internal/blob"
	"grid-worker-node/internal/ctxlog"
	"grid-worker-node/internal/models"
	"grid-worker-node/internal/nodestate"
	"grid-worker-node/internal/queue"
	"grid-worker-node/internal/ratelimit"
)

// jobEnv is shared by every context of one pool.
type jobEnv struct {
	state     *nodestate.NodeState
	throttle  ratelimit.Throttle
	blobs     blob.Store
	committer *Committer
	opts      Options
}

// JobContext is a handler's view of the job it runs. A worker slot reuses
// one JobContext for all of its jobs; the framework resets it in between.
//
// The commit methods (CommitJob, CommitJobWithFailure, ReturnJob) are
// mutually exclusive: only the first transition away from NotCommitted
// takes effect.
type JobContext struct {
	env *jobEnv

	mtx             sync.Mutex
	active          bool
	job             models.Job
	client          queue.Client
	status          models.CommitStatus
	jobNumber       uint64
	exclusive       bool
	commitDeadline  time.Time
	cancel          context.CancelFunc
	lastStatusCheck time.Time
	istream         io.ReadCloser
	ostream         *outputStream
	outputStarted   bool

	perJobCancel atomic.Int32
}

func newJobContext(env *jobEnv) *JobContext {
	return &JobContext{env: env}
}

// begin binds the context to a freshly dispatched job.
func (jc *JobContext) begin(job *models.Job, client queue.Client, exclusive bool, cancel context.CancelFunc) {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	jc.jobNumber++
	jc.active = true
	jc.job = job.Clone()
	jc.client = client
	jc.exclusive = exclusive
	jc.cancel = cancel
	jc.lastStatusCheck = time.Now()
}

// Reset returns the context to NotCommitted and clears the job. The
// framework calls it between executions.
func (jc *JobContext) Reset() {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	jc.discardStreamsLocked()
	if jc.exclusive {
		jc.env.state.Gate.LeaveExclusiveMode()
	}
	if jc.cancel != nil {
		jc.cancel()
	}
	if f, ok := jc.env.throttle.(interface{ Forget(string) }); ok && jc.job.ID != "" {
		f.Forget(jc.job.ID)
	}
	jc.active = false
	jc.job.Reset()
	jc.client = nil
	jc.status = models.NotCommitted
	jc.exclusive = false
	jc.commitDeadline = time.Time{}
	jc.cancel = nil
	jc.lastStatusCheck = time.Time{}
	jc.outputStarted = false
	jc.perJobCancel.Store(int32(nodestate.None))
}

// snapshotLocked returns a detached copy for watchers that outlive the
// current execution, such as the committer's lost notifications.
func (jc *JobContext) snapshotLocked() *JobContext {
	return &JobContext{
		job:       jc.job.Clone(),
		status:    jc.status,
		jobNumber: jc.jobNumber,
		exclusive: jc.exclusive,
	}
}

// Job returns a copy of the current job.
func (jc *JobContext) Job() models.Job {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	return jc.job.Clone()
}

func (jc *JobContext) JobID() string {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	return jc.job.ID
}

// Input returns the inline input, or the blob reference when the input
// lives in the blob store. Use GetIStream to read either.
func (jc *JobContext) Input() string {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	return jc.job.Input
}

func (jc *JobContext) Tag(name string) (string, bool) {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	return jc.job.Tag(name)
}

// SetOutput sets the inline output. It counts as starting output.
func (jc *JobContext) SetOutput(out string) {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	jc.outputStarted = true
	jc.job.Output = out
}

func (jc *JobContext) SetRetCode(code int) {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	jc.job.RetCode = code
}

// JobNumber counts the jobs this context has run, starting at 1.
func (jc *JobContext) JobNumber() uint64 {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	return jc.jobNumber
}

func (jc *JobContext) CommitStatus() models.CommitStatus {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	return jc.status
}

func (jc *JobContext) IsExclusive() bool {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	return jc.exclusive
}

// CommitDeadline is when the committer stops retrying delivery.
func (jc *JobContext) CommitDeadline() time.Time {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	return jc.commitDeadline
}

func (jc *JobContext) committableLocked() error {
	switch jc.status {
	case models.NotCommitted:
		if !jc.active {
			return errors.New("job context is not bound to a job")
		}
		return nil
	case models.CommitCanceled:
		return fmt.Errorf("job %s: %w", jc.job.ID, models.ErrJobIsCanceled)
	default:
		return fmt.Errorf("job %s is %s: %w", jc.job.ID, jc.status, models.ErrJobAlreadyCommitted)
	}
}

// CommitJob reports the job as done with its current output and return
// code. Streamed output is flushed first, to the blob store if it exceeds
// the inline threshold. Neither is required: a job that never set them
// commits an empty output with return code 0.
func (jc *JobContext) CommitJob() error {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	if err := jc.committableLocked(); err != nil {
		return err
	}
	if err := jc.flushOutputLocked(); err != nil {
		return err
	}
	jc.closeInputLocked()
	jc.status = models.CommitDone
	jc.submitLocked()
	return nil
}

// CommitJobWithFailure reports the job as failed with msg.
func (jc *JobContext) CommitJobWithFailure(msg string) error {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	if err := jc.committableLocked(); err != nil {
		return err
	}
	jc.discardStreamsLocked()
	jc.job.ErrorMsg = msg
	jc.status = models.CommitFailure
	jc.submitLocked()
	return nil
}

// ReturnJob gives the job back to its server unresolved.
func (jc *JobContext) ReturnJob() error {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	if err := jc.committableLocked(); err != nil {
		return err
	}
	jc.discardStreamsLocked()
	jc.status = models.CommitReturn
	jc.submitLocked()
	return nil
}

// markCanceled records that the job is moot. Nothing is sent to the
// server, which already knows. Later commits fail with ErrJobIsCanceled.
func (jc *JobContext) markCanceled() bool {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	return jc.markCanceledLocked()
}

func (jc *JobContext) markCanceledLocked() bool {
	if jc.status != models.NotCommitted || !jc.active {
		return false
	}
	jc.discardStreamsLocked()
	jc.status = models.CommitCanceled
	jc.perJobCancel.Store(int32(nodestate.Immediate))
	if jc.cancel != nil {
		jc.cancel()
	}
	return true
}

func (jc *JobContext) submitLocked() {
	jc.commitDeadline = time.Now().Add(jc.env.opts.CommitExpiration)
	jc.env.committer.Submit(commitRequest{
		jc:       jc.snapshotLocked(),
		job:      jc.job.Clone(),
		client:   jc.client,
		status:   jc.status,
		deadline: jc.commitDeadline,
	})
}

// GetShutdownLevel returns the process shutdown level, raised to at least
// Immediate when this job is known to be moot. A check with the server is
// made at most once per status check interval.
func (jc *JobContext) GetShutdownLevel(ctx context.Context) nodestate.ShutdownLevel {
	lvl := jc.env.state.ShutdownLevel()
	if lvl < nodestate.Immediate {
		jc.checkJobStatus(ctx)
	}
	return nodestate.Max(lvl, nodestate.ShutdownLevel(jc.perJobCancel.Load()))
}

func (jc *JobContext) checkJobStatus(ctx context.Context) {
	jc.mtx.Lock()
	if jc.status != models.NotCommitted || !jc.active || jc.client == nil ||
		time.Since(jc.lastStatusCheck) < jc.env.opts.JobStatusCheckInterval {
		jc.mtx.Unlock()
		return
	}
	jc.lastStatusCheck = time.Now()
	client, id, number := jc.client, jc.job.ID, jc.jobNumber
	jc.mtx.Unlock()

	st, err := client.GetJobStatus(ctx, id)
	if err != nil {
		ctxlog.FromContext(ctx).WithError(err).WithField("JobID", id).Debug("job status check failed")
		return
	}
	if st == models.StatusRunning {
		return
	}
	jc.cancelIfCurrent(ctx, number, fmt.Sprintf("server reports job %s", st))
}

// cancelIfCurrent marks the job moot unless the context has moved on to
// another job in the meantime.
func (jc *JobContext) cancelIfCurrent(ctx context.Context, number uint64, reason string) {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	if jc.jobNumber != number {
		return
	}
	if jc.markCanceledLocked() {
		ctxlog.FromContext(ctx).WithField("JobID", jc.job.ID).WithField("Reason", reason).Info("job is no longer wanted")
	}
}

// PutProgressMessage records msg and forwards it to the server unless the
// progress throttle drops it.
func (jc *JobContext) PutProgressMessage(ctx context.Context, msg string) error {
	jc.mtx.Lock()
	if err := jc.committableLocked(); err != nil {
		jc.mtx.Unlock()
		return err
	}
	jc.job.ProgressMsg = msg
	client, id := jc.client, jc.job.ID
	jc.mtx.Unlock()

	if jc.env.throttle != nil {
		ok, err := jc.env.throttle.Allow(ctx, id)
		if err != nil {
			return fmt.Errorf("progress throttle: %w", err)
		}
		if !ok {
			return nil
		}
	}
	if err := client.PutProgressMessage(ctx, id, msg); err != nil {
		return fmt.Errorf("put progress for %s: %w", id, err)
	}
	return nil
}

// JobDelayExpiration extends the server-side execution timeout to now+d.
// If the server no longer leases the job to this node, the job is marked
// moot.
func (jc *JobContext) JobDelayExpiration(ctx context.Context, d time.Duration) error {
	jc.mtx.Lock()
	if err := jc.committableLocked(); err != nil {
		jc.mtx.Unlock()
		return err
	}
	client, id, number := jc.client, jc.job.ID, jc.jobNumber
	jc.mtx.Unlock()

	err := client.JobDelayExpiration(ctx, id, d)
	if errors.Is(err, queue.ErrNotLeaseHolder) {
		jc.cancelIfCurrent(ctx, number, "lease lost")
	}
	return err
}

// RequestExclusiveMode makes this job the only one running on the node.
// It must be called before any output is produced.
func (jc *JobContext) RequestExclusiveMode() error {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	if err := jc.committableLocked(); err != nil {
		return err
	}
	if jc.exclusive {
		return nil
	}
	if jc.outputStarted {
		return fmt.Errorf("job %s: %w", jc.job.ID, models.ErrOutputAlreadyStarted)
	}
	if !jc.env.state.Gate.EnterExclusiveMode() {
		return fmt.Errorf("job %s: %w", jc.job.ID, models.ErrExclusiveModeIsAlreadySet)
	}
	jc.exclusive = true
	return nil
}

// GetIStream returns the job input, reading from the blob store when the
// input is a blob reference.
func (jc *JobContext) GetIStream(ctx context.Context) (io.Reader, error) {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	if err := jc.committableLocked(); err != nil {
		return nil, err
	}
	if jc.istream != nil {
		return jc.istream, nil
	}
	key, ok := jc.job.InputBlobKey()
	if !ok {
		jc.istream = io.NopCloser(strings.NewReader(jc.job.Input))
		return jc.istream, nil
	}
	if jc.env.blobs == nil {
		return nil, fmt.Errorf("job %s: input is in the blob store but no store is configured", jc.job.ID)
	}
	r, err := jc.env.blobs.GetReader(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	jc.istream = r
	return r, nil
}

// GetOStream returns a writer for the job output. The data is committed
// with CommitJob.
func (jc *JobContext) GetOStream(ctx context.Context) (io.Writer, error) {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	if err := jc.committableLocked(); err != nil {
		return nil, err
	}
	jc.outputStarted = true
	if jc.ostream == nil {
		jc.ostream = &outputStream{ctx: ctx}
	}
	return jc.ostream, nil
}

func (jc *JobContext) flushOutputLocked() error {
	if jc.ostream == nil {
		return nil
	}
	out := jc.ostream
	data := out.close()
	jc.ostream = nil
	if uint64(len(data)) <= jc.env.opts.InlineOutputThreshold {
		jc.job.Output = string(data)
		return nil
	}
	if jc.env.blobs == nil {
		return fmt.Errorf("job %s: output of %d bytes exceeds the inline limit and no blob store is configured", jc.job.ID, len(data))
	}
	key := jc.job.ID + ".out"
	w, err := jc.env.blobs.GetWriter(out.ctx, key)
	if err != nil {
		return fmt.Errorf("open output blob: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write output blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write output blob: %w", err)
	}
	jc.job.Output = models.BlobPrefix + key
	return nil
}

func (jc *JobContext) closeInputLocked() {
	if jc.istream != nil {
		jc.istream.Close()
		jc.istream = nil
	}
}

func (jc *JobContext) discardStreamsLocked() {
	jc.closeInputLocked()
	if jc.ostream != nil {
		jc.ostream.close()
		jc.ostream = nil
	}
}

var errStreamClosed = errors.New("output stream is closed")

type outputStream struct {
	ctx    context.Context
	mtx    sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *outputStream) Write(p []byte) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return 0, errStreamClosed
	}
	return s.buf.Write(p)
}

func (s *outputStream) close() []byte {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.closed = true
	return s.buf.Bytes()
}
