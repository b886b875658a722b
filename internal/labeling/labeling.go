package labeling

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/daverage/alphaflow/internal/pipeline"
	"github.com/daverage/alphaflow/internal/platform"
)

// Label is the terminal classification of a candidate.
type Label string

const (
	LabelGreen  Label = "GREEN"
	LabelYellow Label = "YELLOW"
	LabelRed    Label = "RED"
	LabelPurple Label = "PURPLE"
	LabelError  Label = "ERROR"
)

// Decision pairs a label with the reason the decision table produced it.
type Decision struct {
	Label  Label
	Reason string
}

// Decide maps ordered stage outcomes to a terminal label. Rows are
// evaluated in priority order, first match wins:
//
//	self-correlation Fail            -> PURPLE
//	validation Fail                  -> RED
//	validation Overtime              -> YELLOW (overtime)
//	prod-correlation Fail            -> YELLOW (high production correlation)
//	validation pass-with-warning     -> YELLOW (warning present)
//	any stage Error                  -> ERROR
//	otherwise (passes, prod overtime) -> GREEN
//
// A production-correlation Overtime with clean later stages lands on
// GREEN: that stage's soft timeout means "proceed anyway".
func Decide(outcomes pipeline.Outcomes) Decision {
	if out, ok := outcomes.Find(pipeline.StageSelfCorrelation); ok && out.Verdict == pipeline.VerdictFail {
		return Decision{Label: LabelPurple, Reason: out.Detail}
	}
	if out, ok := outcomes.Find(pipeline.StageValidation); ok && out.Verdict == pipeline.VerdictFail {
		return Decision{Label: LabelRed, Reason: out.Detail}
	}
	if out, ok := outcomes.Find(pipeline.StageValidation); ok && out.Verdict == pipeline.VerdictOvertime {
		return Decision{Label: LabelYellow, Reason: "validation checks timed out"}
	}
	if out, ok := outcomes.Find(pipeline.StageProdCorrelation); ok && out.Verdict == pipeline.VerdictFail {
		return Decision{Label: LabelYellow, Reason: "high production correlation"}
	}
	if out, ok := outcomes.Find(pipeline.StageValidation); ok && out.Verdict == pipeline.VerdictPassWithWarning {
		return Decision{Label: LabelYellow, Reason: out.Detail}
	}
	for _, out := range outcomes {
		if out.Verdict == pipeline.VerdictError {
			return Decision{Label: LabelError, Reason: out.Detail}
		}
	}
	if len(outcomes) == 0 {
		return Decision{Label: LabelError, Reason: "no stages ran"}
	}
	return Decision{Label: LabelGreen, Reason: "all checks passed"}
}

const (
	persistAttempts = 3
	persistSpacing  = 5 * time.Second
)

// PropertiesAPI is the slice of the platform client used to write labels
// back.
type PropertiesAPI interface {
	SetProperties(ctx context.Context, alphaID string, props platform.Properties) error
}

// Persister writes a decision onto the evaluated alpha. The write is a
// plain overwrite, so repeating it is harmless; a persist failure is
// logged and retried on a bounded schedule but never blocks the in-memory
// result.
type Persister struct {
	api    PropertiesAPI
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewPersister creates a persister.
func NewPersister(api PropertiesAPI, logger *zap.Logger) *Persister {
	return &Persister{
		api:    api,
		logger: logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Persist writes the label. The returned error is informational; the
// caller's result stands regardless.
func (p *Persister) Persist(ctx context.Context, alphaID string, d Decision) error {
	props := platform.Properties{
		Color:       string(d.Label),
		Tags:        []string{"alphaflow"},
		Description: d.Reason,
	}

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		err = p.api.SetProperties(ctx, alphaID, props)
		if err == nil {
			return nil
		}
		p.logger.Warn("label persist failed",
			zap.String("alpha", alphaID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < persistAttempts {
			if serr := p.sleep(ctx, persistSpacing); serr != nil {
				return serr
			}
		}
	}
	p.logger.Error("label persist abandoned",
		zap.String("alpha", alphaID),
		zap.String("label", string(d.Label)),
		zap.Error(err))
	return err
}
