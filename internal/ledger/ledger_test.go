package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daverage/alphaflow/internal/candidate"
	"github.com/daverage/alphaflow/internal/labeling"
	"github.com/daverage/alphaflow/internal/pipeline"
	"github.com/daverage/alphaflow/internal/scheduler"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testOutcome(t *testing.T, expr string, status scheduler.OutcomeStatus) scheduler.Outcome {
	t.Helper()
	cand, err := candidate.New(expr, candidate.Settings{
		Region:         candidate.RegionUSA,
		Universe:       "TOP3000",
		Neutralization: candidate.NeutralizationMarket,
	})
	require.NoError(t, err)
	return scheduler.Outcome{
		Candidate:   cand,
		JobID:       "job-1",
		Status:      status,
		AlphaID:     "alpha-1",
		SubmittedAt: time.Now().Add(-time.Minute),
		FinishedAt:  time.Now(),
	}
}

func TestRecordOutcomeAndResume(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.BeginRun("run-1", 2))
	rec := l.Recorder("run-1")

	first := testOutcome(t, "rank(close)", scheduler.OutcomeComplete)
	second := testOutcome(t, "rank(open)", scheduler.OutcomeTimedOut)
	require.NoError(t, rec.RecordOutcome(first))
	require.NoError(t, rec.RecordOutcome(second))

	seen, err := l.SeenFingerprints()
	require.NoError(t, err)
	assert.Len(t, seen, 2)
	assert.True(t, seen[first.Candidate.Fingerprint])
	assert.True(t, seen[second.Candidate.Fingerprint])
}

func TestRecordResultAndCounts(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.BeginRun("run-1", 3))
	rec := l.Recorder("run-1")

	outcomes := pipeline.Outcomes{
		{Stage: pipeline.StageSelfCorrelation, Verdict: pipeline.VerdictPass, Value: 0.1, HasValue: true},
		{Stage: pipeline.StageProdCorrelation, Verdict: pipeline.VerdictPass, Value: 0.2, HasValue: true},
		{Stage: pipeline.StageValidation, Verdict: pipeline.VerdictPass},
	}
	require.NoError(t, rec.RecordResult("fp-1", "alpha-1",
		labeling.Decision{Label: labeling.LabelGreen, Reason: "all checks passed"}, outcomes))
	require.NoError(t, rec.RecordResult("fp-2", "alpha-2",
		labeling.Decision{Label: labeling.LabelPurple, Reason: "self correlation"}, nil))
	require.NoError(t, rec.RecordResult("fp-3", "alpha-3",
		labeling.Decision{Label: labeling.LabelGreen, Reason: "all checks passed"}, outcomes))

	counts, err := l.ResultCounts("run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts["GREEN"])
	assert.Equal(t, 1, counts["PURPLE"])
}

func TestSeenFingerprintsEmptyOnFreshLedger(t *testing.T) {
	l := openTestLedger(t)
	seen, err := l.SeenFingerprints()
	require.NoError(t, err)
	assert.Empty(t, seen)
}
