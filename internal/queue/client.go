// Package queue talks to queue servers: fetching jobs with an affinity
// preference, committing outcomes, and listening for the push
// notifications servers send when new work arrives.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"grid-worker-node/internal/models"
)

// ErrNotLeaseHolder is returned by commit operations when the server no
// longer considers this node the job's runner.
var ErrNotLeaseHolder = errors.New("job is not leased to this node")

// Rung selects which ready jobs a GetJob call may take.
type Rung int

const (
	// RungExplicit takes jobs whose affinity is in Preference.Affinities.
	RungExplicit Rung = iota
	// RungAnyAffinity takes jobs with any affinity token.
	RungAnyAffinity
	// RungNoAffinity takes jobs submitted without an affinity.
	RungNoAffinity
)

func (r Rung) String() string {
	switch r {
	case RungExplicit:
		return "explicit"
	case RungAnyAffinity:
		return "any"
	case RungNoAffinity:
		return "none"
	}
	return "invalid"
}

// Preference is one rung of the affinity ladder.
type Preference struct {
	Rung       Rung
	Affinities []string
}

func (p Preference) String() string {
	if p.Rung == RungExplicit {
		return "explicit(" + strings.Join(p.Affinities, ",") + ")"
	}
	return p.Rung.String()
}

// Ladder builds the order in which a node asks for jobs: its own
// affinity list, then any affinity if allowed, then jobs without one.
func Ladder(affinities []string, anyAffinity bool) []Preference {
	var out []Preference
	if len(affinities) > 0 {
		out = append(out, Preference{Rung: RungExplicit, Affinities: append([]string(nil), affinities...)})
	}
	if anyAffinity {
		out = append(out, Preference{Rung: RungAnyAffinity})
	}
	return append(out, Preference{Rung: RungNoAffinity})
}

// Client is the node's view of one queue server.
type Client interface {
	// Address identifies the server.
	Address() string

	// GetJob leases one job matching pref. It returns (nil, nil) when
	// the server has no matching job before deadline.
	GetJob(ctx context.Context, deadline time.Time, pref Preference) (*models.Job, error)

	PutResult(ctx context.Context, job *models.Job) error
	PutFailure(ctx context.Context, job *models.Job) error
	ReturnJob(ctx context.Context, jobID string) error
	JobDelayExpiration(ctx context.Context, jobID string, d time.Duration) error
	GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, error)
	PutProgressMessage(ctx context.Context, jobID, msg string) error
}
