package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/daverage/alphaflow/internal/candidate"
	"github.com/daverage/alphaflow/internal/platform"
)

const (
	DefaultSelfCorrLimit = 0.7
	DefaultProdCorrLimit = 0.7
	DefaultStageBudget   = 10 * time.Minute
)

// MetricsAPI is the slice of the platform client the remote stages need.
type MetricsAPI interface {
	GetProdCorrelation(ctx context.Context, alphaID string) (float64, error)
	GetChecks(ctx context.Context, alphaID string) ([]platform.Check, error)
}

// Options tunes the pipeline's thresholds and per-stage wait budget.
type Options struct {
	SelfCorrLimit float64
	ProdCorrLimit float64
	StageBudget   time.Duration
}

func (o Options) withDefaults() Options {
	if o.SelfCorrLimit <= 0 {
		o.SelfCorrLimit = DefaultSelfCorrLimit
	}
	if o.ProdCorrLimit <= 0 {
		o.ProdCorrLimit = DefaultProdCorrLimit
	}
	if o.StageBudget <= 0 {
		o.StageBudget = DefaultStageBudget
	}
	return o
}

// Pipeline runs the ordered filter stages for one evaluated candidate:
// self-correlation (local), production correlation (remote, soft budget),
// submission validation (remote, soft budget). Fail and Error
// short-circuit the remaining stages; Overtime and warnings do not.
type Pipeline struct {
	api      MetricsAPI
	source   SeriesSource
	universe *Universe
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a pipeline over a shared universe snapshot.
func New(api MetricsAPI, source SeriesSource, universe *Universe, opts Options, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		api:      api,
		source:   source,
		universe: universe,
		opts:     opts.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Universe exposes the snapshot so accepted candidates can be folded back
// in after labeling.
func (p *Pipeline) Universe() *Universe { return p.universe }

// Accept folds an accepted candidate's series into the universe snapshot,
// making it visible to subsequent self-correlation evaluations. The
// series is already cached from stage 1, so this is not a remote call.
func (p *Pipeline) Accept(ctx context.Context, alphaID string, region candidate.Region) error {
	series, err := p.source.Series(ctx, alphaID)
	if err != nil {
		return err
	}
	p.universe.Add(region, alphaID, series)
	return nil
}

// Classify runs the stages in order for one candidate and returns the
// ordered outcomes. The cheapest check runs first so a rejected candidate
// costs as little remote work as possible.
func (p *Pipeline) Classify(ctx context.Context, alphaID string, region candidate.Region) Outcomes {
	log := p.logger.With(zap.String("alpha", alphaID), zap.String("region", string(region)))

	var outcomes Outcomes
	for _, stage := range []func(context.Context, string, candidate.Region) StageOutcome{
		p.selfCorrelation,
		p.prodCorrelation,
		p.validation,
	} {
		out := stage(ctx, alphaID, region)
		outcomes = append(outcomes, out)
		log.Info("stage finished",
			zap.String("stage", string(out.Stage)),
			zap.String("verdict", string(out.Verdict)),
			zap.Float64("value", out.Value),
			zap.Duration("elapsed", out.Elapsed))
		if out.Verdict == VerdictFail || out.Verdict == VerdictError {
			break
		}
	}
	return outcomes
}

// selfCorrelation compares the candidate's series against the accepted
// universe in the same region. An internal failure is an explicit Error
// verdict, never a silent zero that would read as a pass.
func (p *Pipeline) selfCorrelation(ctx context.Context, alphaID string, region candidate.Region) StageOutcome {
	start := p.now()
	out := StageOutcome{Stage: StageSelfCorrelation}

	series, err := p.source.Series(ctx, alphaID)
	if err != nil {
		out.Verdict = VerdictError
		out.Detail = fmt.Sprintf("series fetch: %v", err)
		out.Elapsed = p.now().Sub(start)
		return out
	}
	if len(series) == 0 {
		out.Verdict = VerdictError
		out.Detail = "empty series"
		out.Elapsed = p.now().Sub(start)
		return out
	}

	corr := p.universe.MaxCorrelation(region, series)
	out.Value = corr
	out.HasValue = true
	if corr >= p.opts.SelfCorrLimit {
		out.Verdict = VerdictFail
		out.Detail = fmt.Sprintf("max self correlation %.3f >= %.3f", corr, p.opts.SelfCorrLimit)
	} else {
		out.Verdict = VerdictPass
	}
	out.Elapsed = p.now().Sub(start)
	return out
}

// prodCorrelation queries the platform metric under the stage budget.
// Budget exhaustion is Overtime, which deliberately proceeds to the next
// stage rather than failing the candidate.
func (p *Pipeline) prodCorrelation(ctx context.Context, alphaID string, _ candidate.Region) StageOutcome {
	start := p.now()
	out := StageOutcome{Stage: StageProdCorrelation}

	stageCtx, cancel := context.WithTimeout(ctx, p.opts.StageBudget)
	defer cancel()

	corr, err := p.api.GetProdCorrelation(stageCtx, alphaID)
	out.Elapsed = p.now().Sub(start)
	if err != nil {
		if budgetExhausted(ctx, stageCtx, err) {
			out.Verdict = VerdictOvertime
			out.Detail = "production correlation not ready within budget"
			return out
		}
		out.Verdict = VerdictError
		out.Detail = err.Error()
		return out
	}

	out.Value = corr
	out.HasValue = true
	if corr >= p.opts.ProdCorrLimit {
		out.Verdict = VerdictFail
		out.Detail = fmt.Sprintf("production correlation %.3f >= %.3f", corr, p.opts.ProdCorrLimit)
	} else {
		out.Verdict = VerdictPass
	}
	return out
}

// validation queries the platform's own submission checks under the stage
// budget. A failed fatal check fails the candidate; failed non-fatal
// checks downgrade to pass-with-warning.
func (p *Pipeline) validation(ctx context.Context, alphaID string, _ candidate.Region) StageOutcome {
	start := p.now()
	out := StageOutcome{Stage: StageValidation}

	stageCtx, cancel := context.WithTimeout(ctx, p.opts.StageBudget)
	defer cancel()

	checks, err := p.api.GetChecks(stageCtx, alphaID)
	out.Elapsed = p.now().Sub(start)
	if err != nil {
		if budgetExhausted(ctx, stageCtx, err) {
			out.Verdict = VerdictOvertime
			out.Detail = "submission checks not ready within budget"
			return out
		}
		out.Verdict = VerdictError
		out.Detail = err.Error()
		return out
	}

	var fatalFailed, warnFailed []string
	for _, check := range checks {
		if check.Passed {
			continue
		}
		if check.Fatal {
			fatalFailed = append(fatalFailed, check.Name)
		} else {
			warnFailed = append(warnFailed, check.Name)
		}
	}

	switch {
	case len(fatalFailed) > 0:
		out.Verdict = VerdictFail
		out.Detail = fmt.Sprintf("fatal checks failed: %v", fatalFailed)
	case len(warnFailed) > 0:
		out.Verdict = VerdictPassWithWarning
		out.Detail = fmt.Sprintf("non-fatal checks failed: %v", warnFailed)
	default:
		out.Verdict = VerdictPass
	}
	return out
}

// budgetExhausted distinguishes the stage's own soft budget expiring from
// every other failure, including cancellation of the surrounding run.
func budgetExhausted(parent, stage context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	return stage.Err() != nil && errors.Is(stage.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded)
}
