package pipeline

import "time"

// StageID identifies one classification stage.
type StageID string

const (
	StageSelfCorrelation StageID = "self_correlation"
	StageProdCorrelation StageID = "prod_correlation"
	StageValidation      StageID = "validation"
)

// Verdict is the business outcome of one stage for one candidate. It is
// distinct from transport errors, which the client retries internally.
type Verdict string

const (
	VerdictPass            Verdict = "PASS"
	VerdictPassWithWarning Verdict = "PASS_WITH_WARNING"
	VerdictFail            Verdict = "FAIL"
	VerdictOvertime        Verdict = "OVERTIME"
	VerdictError           Verdict = "ERROR"
)

// StageOutcome records one stage's verdict. Value is meaningful only when
// HasValue is set (the validation stage produces no single number).
type StageOutcome struct {
	Stage    StageID
	Verdict  Verdict
	Value    float64
	HasValue bool
	Detail   string
	Elapsed  time.Duration
}

// Outcomes is the ordered list of stage outcomes for one candidate.
type Outcomes []StageOutcome

// Find returns the outcome for a stage, or false if the pipeline
// short-circuited before reaching it.
func (o Outcomes) Find(stage StageID) (StageOutcome, bool) {
	for _, out := range o {
		if out.Stage == stage {
			return out, true
		}
	}
	return StageOutcome{}, false
}
