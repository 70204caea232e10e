package models

import (
	"strings"
)

// Mask bits carried by a job.
type Mask uint32

const (
	MaskExclusive Mask = 1 << iota
	MaskOutOfOrder
	MaskForEachNode
	MaskSystem
)

// Has reports whether all bits of flag are set.
func (m Mask) Has(flag Mask) bool { return m&flag == flag }

func (m Mask) String() string {
	var parts []string
	for _, f := range []struct {
		bit  Mask
		name string
	}{
		{MaskExclusive, "exclusive"},
		{MaskOutOfOrder, "out_of_order"},
		{MaskForEachNode, "for_each_node"},
		{MaskSystem, "system"},
	} {
		if m.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Tag is a name/value label attached to a job by its submitter.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// BlobPrefix marks an Input or Output that refers to a blob store key
// instead of carrying the data inline.
const BlobPrefix = "blob:"

// Job is a unit of work dequeued from a queue server.
type Job struct {
	ID          string `json:"id"`
	Input       string `json:"input"`
	Output      string `json:"output,omitempty"`
	RetCode     int    `json:"ret_code"`
	ErrorMsg    string `json:"error_msg,omitempty"`
	ProgressMsg string `json:"progress_msg,omitempty"`
	Affinity    string `json:"affinity,omitempty"`
	Tags        []Tag  `json:"tags,omitempty"`
	Mask        Mask   `json:"mask"`
	ClientIP    string `json:"client_ip,omitempty"`
	SessionID   string `json:"session_id,omitempty"`

	// Server is the address of the queue server the job came from. It
	// is not part of the stored record.
	Server string `json:"-"`
}

// Tag returns the value of the first tag with the given name.
func (j *Job) Tag(name string) (string, bool) {
	for _, t := range j.Tags {
		if t.Name == name {
			return t.Value, true
		}
	}
	return "", false
}

// InputBlobKey returns the blob key when Input refers to the blob store.
func (j *Job) InputBlobKey() (string, bool) {
	if strings.HasPrefix(j.Input, BlobPrefix) {
		return strings.TrimPrefix(j.Input, BlobPrefix), true
	}
	return "", false
}

// OutputBlobKey returns the blob key when Output refers to the blob store.
func (j *Job) OutputBlobKey() (string, bool) {
	if strings.HasPrefix(j.Output, BlobPrefix) {
		return strings.TrimPrefix(j.Output, BlobPrefix), true
	}
	return "", false
}

// Reset clears every field.
func (j *Job) Reset() {
	*j = Job{}
}

// Clone returns a deep copy.
func (j *Job) Clone() Job {
	c := *j
	if j.Tags != nil {
		c.Tags = append([]Tag(nil), j.Tags...)
	}
	return c
}

// CommitStatus is the local outcome of a job on this node.
type CommitStatus int

const (
	NotCommitted CommitStatus = iota
	CommitDone
	CommitFailure
	CommitReturn
	CommitCanceled
)

// Terminal reports whether the status is final.
func (s CommitStatus) Terminal() bool { return s != NotCommitted }

func (s CommitStatus) String() string {
	switch s {
	case NotCommitted:
		return "not_committed"
	case CommitDone:
		return "done"
	case CommitFailure:
		return "failure"
	case CommitReturn:
		return "return"
	case CommitCanceled:
		return "canceled"
	}
	return "invalid"
}

// JobStatus is the state of a job as known to its queue server.
type JobStatus string

const (
	StatusPending  JobStatus = "pending"
	StatusRunning  JobStatus = "running"
	StatusDone     JobStatus = "done"
	StatusFailed   JobStatus = "failed"
	StatusCanceled JobStatus = "canceled"
	// StatusLost means the job is no longer leased to the asking node:
	// its lease expired or another node picked it up.
	StatusLost    JobStatus = "lost"
	StatusUnknown JobStatus = "unknown"
)
