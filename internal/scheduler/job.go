package scheduler

import (
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/daverage/alphaflow/internal/candidate"
)

// JobState is the lifecycle state of one submission attempt.
type JobState string

const (
	JobPending   JobState = "PENDING"
	JobSubmitted JobState = "SUBMITTED"
	JobPolling   JobState = "POLLING"
	JobComplete  JobState = "COMPLETE"
	JobError     JobState = "ERROR"
	JobTimedOut  JobState = "TIMED_OUT"
)

// jobRank orders states so transitions can be checked for monotonicity.
// Polling self-loops on wait-and-retry without a transition.
var jobRank = map[JobState]int{
	JobPending:   0,
	JobSubmitted: 1,
	JobPolling:   2,
	JobComplete:  3,
	JobError:     3,
	JobTimedOut:  3,
}

// Job tracks one in-flight batch submission. At most one active Job exists
// per candidate; the scheduler discards it once the terminal outcome is
// recorded.
type Job struct {
	ID        string
	Location  string
	State     JobState
	StartedAt time.Time
}

func newJob(start time.Time) *Job {
	return &Job{
		ID:        xid.New().String(),
		State:     JobPending,
		StartedAt: start,
	}
}

// advance moves the job to a later state. Going backwards or sideways
// between terminal states is a programming error.
func (j *Job) advance(to JobState) error {
	if jobRank[to] <= jobRank[j.State] {
		return fmt.Errorf("invalid job transition %s -> %s", j.State, to)
	}
	j.State = to
	return nil
}

// OutcomeStatus is the terminal disposition of one candidate's job.
type OutcomeStatus string

const (
	OutcomeComplete  OutcomeStatus = "COMPLETE"
	OutcomeError     OutcomeStatus = "ERROR"
	OutcomeTimedOut  OutcomeStatus = "TIMED_OUT"
	OutcomeDuplicate OutcomeStatus = "DUPLICATE"
)

// Outcome is the per-candidate result of scheduling. Exactly one Outcome
// is produced for every candidate handed to Run.
type Outcome struct {
	Candidate   candidate.Candidate
	JobID       string
	Status      OutcomeStatus
	AlphaID     string
	Detail      string
	SubmittedAt time.Time
	FinishedAt  time.Time

	// authFailure marks an outcome caused by a credential failure, which
	// is fatal to the whole run rather than scoped to the batch.
	authFailure bool
}
