package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/daverage/alphaflow/internal/candidate"
	"github.com/daverage/alphaflow/internal/platform"
)

const (
	DefaultConcurrency  = 3
	DefaultBatchSize    = 3
	DefaultJobTimeout   = 30 * time.Minute
	DefaultPollInterval = 5 * time.Second

	// cancelGrace bounds the fire-and-forget cancellation call issued when
	// a job times out.
	cancelGrace = 30 * time.Second

	// lookupGrace bounds child status lookups after the parent job has
	// already completed; the spent job deadline must not cut them off.
	lookupGrace = 30 * time.Second
)

// SimulationAPI is the slice of the platform client the scheduler needs.
type SimulationAPI interface {
	CreateSimulation(ctx context.Context, batch []candidate.Candidate) (string, error)
	GetSimulation(ctx context.Context, location string) (*platform.Simulation, error)
	DeleteSimulation(ctx context.Context, location string) error
}

// Recorder receives every terminal outcome before the concurrency slot is
// released, so a crash mid-run loses at most the in-flight batches.
type Recorder interface {
	RecordOutcome(o Outcome) error
}

// Options tunes one scheduler run.
type Options struct {
	Concurrency  int64
	BatchSize    int
	JobTimeout   time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = DefaultJobTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Scheduler drives candidate batches through submit -> poll -> terminal
// under a fixed concurrency ceiling with a per-job wall-clock timeout.
type Scheduler struct {
	api    SimulationAPI
	rec    Recorder
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	// sleep is injectable so tests can run the poll loop against a fake
	// clock.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a scheduler. rec may be nil when no ledger is attached.
func New(api SimulationAPI, rec Recorder, opts Options, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		api:    api,
		rec:    rec,
		logger: logger,
		opts:   opts.withDefaults(),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Run processes all candidates and returns exactly one Outcome per
// candidate. Canceling ctx stops new batches from starting; batches
// already in flight run to their terminal state or their own timeout.
// The returned error is non-nil only for run-fatal conditions
// (authentication failure, shutdown before all candidates were handled).
func (s *Scheduler) Run(ctx context.Context, candidates []candidate.Candidate) ([]Outcome, error) {
	sem := semaphore.NewWeighted(s.opts.Concurrency)
	batches := partition(candidates, s.opts.BatchSize)

	// In-flight jobs outlive a shutdown signal; they are bounded by their
	// own deadline instead.
	baseCtx := context.WithoutCancel(ctx)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []Outcome
		fatal    error
	)
	launchCtx, stopLaunching := context.WithCancel(ctx)
	defer stopLaunching()

	abort := func(err error) {
		mu.Lock()
		if fatal == nil {
			fatal = err
		}
		mu.Unlock()
		stopLaunching()
	}

	nextBatch := 0
	for ; nextBatch < len(batches); nextBatch++ {
		if err := sem.Acquire(launchCtx, 1); err != nil {
			break
		}
		batch := batches[nextBatch]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			outs := s.runBatch(baseCtx, batch)
			for _, o := range outs {
				s.record(o)
			}
			mu.Lock()
			outcomes = append(outcomes, outs...)
			mu.Unlock()
			for _, o := range outs {
				if o.authFailure {
					abort(&platform.AuthError{Detail: o.Detail})
					break
				}
			}
		}()
	}
	wg.Wait()

	// Candidates whose batches never launched still get an explicit
	// in-memory outcome; nothing is silently dropped. They are kept out
	// of the ledger so a resumed run submits them.
	now := s.now()
	for _, batch := range batches[nextBatch:] {
		for _, cand := range batch {
			outcomes = append(outcomes, Outcome{
				Candidate:  cand,
				Status:     OutcomeError,
				Detail:     "run stopped before submission",
				FinishedAt: now,
			})
		}
	}

	mu.Lock()
	err := fatal
	mu.Unlock()
	if err == nil && nextBatch < len(batches) {
		err = context.Cause(launchCtx)
	}
	return outcomes, err
}

// runBatch drives one batch to a terminal state and returns one outcome
// per candidate in it.
func (s *Scheduler) runBatch(baseCtx context.Context, batch []candidate.Candidate) []Outcome {
	jobCtx, cancel := context.WithTimeout(baseCtx, s.opts.JobTimeout)
	defer cancel()

	job := newJob(s.now())
	log := s.logger.With(zap.String("job", job.ID), zap.Int("batch_size", len(batch)))

	location, err := s.api.CreateSimulation(jobCtx, batch)
	if err != nil {
		switch {
		case platform.IsDuplicate(err):
			log.Info("batch already evaluated, skipping", zap.Error(err))
			return s.terminal(job, batch, JobError, OutcomeDuplicate, "", err.Error())
		case jobCtx.Err() != nil:
			log.Warn("submission exceeded job timeout")
			return s.terminal(job, batch, JobTimedOut, OutcomeTimedOut, "", "submission timed out")
		case platform.IsAuth(err):
			log.Error("authentication failure during submit", zap.Error(err))
			outs := s.terminal(job, batch, JobError, OutcomeError, "", err.Error())
			for i := range outs {
				outs[i].authFailure = true
			}
			return outs
		default:
			log.Error("submission failed", zap.Error(err))
			return s.terminal(job, batch, JobError, OutcomeError, "", err.Error())
		}
	}

	job.Location = location
	s.advance(job, JobSubmitted, log)
	s.advance(job, JobPolling, log)

	for {
		if jobCtx.Err() != nil {
			return s.timeOut(baseCtx, job, batch, log)
		}

		sim, err := s.api.GetSimulation(jobCtx, job.Location)
		if err != nil {
			if jobCtx.Err() != nil {
				return s.timeOut(baseCtx, job, batch, log)
			}
			if platform.IsAuth(err) {
				outs := s.terminal(job, batch, JobError, OutcomeError, "", err.Error())
				for i := range outs {
					outs[i].authFailure = true
				}
				return outs
			}
			log.Error("poll failed", zap.Error(err))
			return s.terminal(job, batch, JobError, OutcomeError, "", err.Error())
		}

		switch sim.Status {
		case platform.SimulationComplete:
			return s.complete(jobCtx, job, batch, sim, log)
		case platform.SimulationError:
			log.Warn("simulation failed on platform", zap.String("message", sim.Message))
			return s.terminal(job, batch, JobError, OutcomeError, "", sim.Message)
		default:
			if err := s.sleep(jobCtx, s.opts.PollInterval); err != nil {
				return s.timeOut(baseCtx, job, batch, log)
			}
		}
	}
}

// complete resolves per-candidate alpha IDs. Multi-candidate batches fan
// out to child lookups; a failed child lookup marks only that candidate.
func (s *Scheduler) complete(ctx context.Context, job *Job, batch []candidate.Candidate, sim *platform.Simulation, log *zap.Logger) []Outcome {
	s.advance(job, JobComplete, log)
	finished := s.now()

	if len(batch) == 1 {
		return []Outcome{{
			Candidate:   batch[0],
			JobID:       job.ID,
			Status:      OutcomeComplete,
			AlphaID:     sim.AlphaID,
			SubmittedAt: job.StartedAt,
			FinishedAt:  finished,
		}}
	}

	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupGrace)
	defer cancel()

	outs := make([]Outcome, 0, len(batch))
	for i, cand := range batch {
		o := Outcome{
			Candidate:   cand,
			JobID:       job.ID,
			SubmittedAt: job.StartedAt,
			FinishedAt:  finished,
		}
		if i >= len(sim.Children) {
			o.Status = OutcomeError
			o.Detail = "platform returned fewer children than submitted"
			outs = append(outs, o)
			continue
		}
		child, err := s.api.GetSimulation(lookupCtx, sim.Children[i])
		if err != nil {
			log.Warn("child lookup failed", zap.String("child", sim.Children[i]), zap.Error(err))
			o.Status = OutcomeError
			o.Detail = err.Error()
		} else {
			o.Status = OutcomeComplete
			o.AlphaID = child.AlphaID
		}
		outs = append(outs, o)
	}
	return outs
}

// timeOut marks every candidate in the batch TimedOut and issues a
// best-effort cancellation without waiting on its response. A server slow
// enough to cause the timeout is not worth blocking on again.
func (s *Scheduler) timeOut(baseCtx context.Context, job *Job, batch []candidate.Candidate, log *zap.Logger) []Outcome {
	log.Warn("job exceeded timeout, cancelling",
		zap.Duration("timeout", s.opts.JobTimeout),
		zap.String("location", job.Location))

	if job.Location != "" {
		location := job.Location
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(baseCtx), cancelGrace)
			defer cancel()
			if err := s.api.DeleteSimulation(ctx, location); err != nil {
				log.Debug("cancellation call failed", zap.Error(err))
			}
		}()
	}
	return s.terminal(job, batch, JobTimedOut, OutcomeTimedOut, "", "job timed out")
}

func (s *Scheduler) terminal(job *Job, batch []candidate.Candidate, state JobState, status OutcomeStatus, alphaID, detail string) []Outcome {
	s.advance(job, state, s.logger)
	finished := s.now()
	outs := make([]Outcome, 0, len(batch))
	for _, cand := range batch {
		outs = append(outs, Outcome{
			Candidate:   cand,
			JobID:       job.ID,
			Status:      status,
			AlphaID:     alphaID,
			Detail:      detail,
			SubmittedAt: job.StartedAt,
			FinishedAt:  finished,
		})
	}
	return outs
}

func (s *Scheduler) advance(job *Job, to JobState, log *zap.Logger) {
	if err := job.advance(to); err != nil {
		log.Error("job state machine violation", zap.Error(err))
		return
	}
	log.Debug("job state", zap.String("state", string(to)))
}

func (s *Scheduler) record(o Outcome) {
	if s.rec == nil {
		return
	}
	if err := s.rec.RecordOutcome(o); err != nil {
		s.logger.Error("failed to record outcome",
			zap.String("fingerprint", o.Candidate.Fingerprint),
			zap.Error(err))
	}
}

func partition(candidates []candidate.Candidate, size int) [][]candidate.Candidate {
	var batches [][]candidate.Candidate
	for start := 0; start < len(candidates); start += size {
		end := start + size
		if end > len(candidates) {
			end = len(candidates)
		}
		batches = append(batches, candidates[start:end])
	}
	return batches
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
