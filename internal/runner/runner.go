// Package runner wires the scheduler, the classification pipeline and the
// labeling engine into one end-to-end flow: every candidate in produces
// exactly one labeled result out.
package runner

import (
	"context"

	"go.uber.org/zap"

	"github.com/daverage/alphaflow/internal/candidate"
	"github.com/daverage/alphaflow/internal/labeling"
	"github.com/daverage/alphaflow/internal/pipeline"
	"github.com/daverage/alphaflow/internal/scheduler"
)

// JobScheduler drives candidates to terminal job outcomes.
type JobScheduler interface {
	Run(ctx context.Context, candidates []candidate.Candidate) ([]scheduler.Outcome, error)
}

// Classifier runs the stage pipeline for one evaluated alpha.
type Classifier interface {
	Classify(ctx context.Context, alphaID string, region candidate.Region) pipeline.Outcomes
	Accept(ctx context.Context, alphaID string, region candidate.Region) error
}

// Persister writes a decision back to the platform.
type Persister interface {
	Persist(ctx context.Context, alphaID string, d labeling.Decision) error
}

// ResultRecorder appends finalized classification results.
type ResultRecorder interface {
	RecordResult(fingerprint, alphaID string, d labeling.Decision, outcomes pipeline.Outcomes) error
}

// Result is the finalized, immutable record for one candidate.
type Result struct {
	Candidate candidate.Candidate
	JobStatus scheduler.OutcomeStatus
	AlphaID   string
	Outcomes  pipeline.Outcomes
	Decision  labeling.Decision
}

// Runner owns one pass over a candidate list.
type Runner struct {
	sched   JobScheduler
	pipe    Classifier
	persist Persister
	rec     ResultRecorder
	logger  *zap.Logger
}

// New creates a runner. rec may be nil when no ledger is attached.
func New(sched JobScheduler, pipe Classifier, persist Persister, rec ResultRecorder, logger *zap.Logger) *Runner {
	return &Runner{
		sched:   sched,
		pipe:    pipe,
		persist: persist,
		rec:     rec,
		logger:  logger,
	}
}

// Run submits all candidates, classifies every one whose job completed,
// and labels the rest from their job outcome. A non-nil error means the
// run was aborted (bad credentials or shutdown before all candidates were
// handled); in that case job outcomes are already in the ledger but no
// classification results are produced.
func (r *Runner) Run(ctx context.Context, candidates []candidate.Candidate) ([]Result, error) {
	outcomes, err := r.sched.Run(ctx, candidates)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(outcomes))
	for _, out := range outcomes {
		results = append(results, r.finalize(ctx, out))
	}
	return results, nil
}

// finalize produces the single classification result for one job outcome.
func (r *Runner) finalize(ctx context.Context, out scheduler.Outcome) Result {
	res := Result{
		Candidate: out.Candidate,
		JobStatus: out.Status,
		AlphaID:   out.AlphaID,
	}

	switch out.Status {
	case scheduler.OutcomeComplete:
		res.Outcomes = r.pipe.Classify(ctx, out.AlphaID, out.Candidate.Settings.Region)
		res.Decision = labeling.Decide(res.Outcomes)
	case scheduler.OutcomeDuplicate:
		res.Decision = labeling.Decision{Label: labeling.LabelError, Reason: "duplicate submission"}
	case scheduler.OutcomeTimedOut:
		res.Decision = labeling.Decision{Label: labeling.LabelError, Reason: "job timed out"}
	default:
		reason := out.Detail
		if reason == "" {
			reason = "job failed"
		}
		res.Decision = labeling.Decision{Label: labeling.LabelError, Reason: reason}
	}

	log := r.logger.With(
		zap.String("fingerprint", out.Candidate.Fingerprint),
		zap.String("alpha", out.AlphaID),
		zap.String("label", string(res.Decision.Label)))

	if out.Status == scheduler.OutcomeComplete {
		if err := r.persist.Persist(ctx, out.AlphaID, res.Decision); err != nil {
			log.Warn("result kept in memory, persist failed", zap.Error(err))
		}
		if res.Decision.Label == labeling.LabelGreen {
			if err := r.pipe.Accept(ctx, out.AlphaID, out.Candidate.Settings.Region); err != nil {
				log.Warn("could not fold accepted candidate into universe", zap.Error(err))
			}
		}
	}

	if r.rec != nil {
		if err := r.rec.RecordResult(out.Candidate.Fingerprint, out.AlphaID, res.Decision, res.Outcomes); err != nil {
			log.Error("failed to record classification result", zap.Error(err))
		}
	}

	log.Info("candidate finalized", zap.String("reason", res.Decision.Reason))
	return res
}
