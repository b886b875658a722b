// Package ledger is the append-only record of everything a run decided:
// one row per terminal job outcome and one row per classification result.
// It doubles as the resume hook for the candidate generator, which skips
// fingerprints the ledger has already seen.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/daverage/alphaflow/internal/labeling"
	"github.com/daverage/alphaflow/internal/pipeline"
	"github.com/daverage/alphaflow/internal/scheduler"
)

const schemaVersion = 1

// Ledger wraps the SQLite database.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database and applies
// migrations.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	for version < schemaVersion {
		version++
		switch version {
		case 1:
			if err := applySchemaV1(tx); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", version, err)
			}
		default:
			return fmt.Errorf("unknown schema version: %d", version)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func applySchemaV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE runs (
			id              TEXT PRIMARY KEY,
			started_at      INTEGER NOT NULL,
			candidate_count INTEGER NOT NULL
		);

		CREATE TABLE job_outcomes (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id       TEXT NOT NULL,
			fingerprint  TEXT NOT NULL,
			job_id       TEXT,
			status       TEXT NOT NULL,
			alpha_id     TEXT,
			detail       TEXT,
			submitted_at INTEGER,
			finished_at  INTEGER NOT NULL
		);
		CREATE INDEX idx_job_outcomes_fingerprint ON job_outcomes(fingerprint);
		CREATE INDEX idx_job_outcomes_run ON job_outcomes(run_id);

		CREATE TABLE classification_results (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			alpha_id    TEXT,
			label       TEXT NOT NULL,
			reason      TEXT,
			stages      TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX idx_results_fingerprint ON classification_results(fingerprint);
	`)
	return err
}

// BeginRun records the start of a run.
func (l *Ledger) BeginRun(runID string, candidateCount int) error {
	_, err := l.db.Exec(
		"INSERT INTO runs (id, started_at, candidate_count) VALUES (?, ?, ?)",
		runID, time.Now().Unix(), candidateCount)
	return err
}

// Recorder binds the ledger to one run for use as the scheduler's outcome
// sink.
func (l *Ledger) Recorder(runID string) *RunRecorder {
	return &RunRecorder{ledger: l, runID: runID}
}

// RunRecorder appends outcomes for one run.
type RunRecorder struct {
	ledger *Ledger
	runID  string
}

// RecordOutcome appends one terminal job outcome.
func (r *RunRecorder) RecordOutcome(o scheduler.Outcome) error {
	var submitted interface{}
	if !o.SubmittedAt.IsZero() {
		submitted = o.SubmittedAt.Unix()
	}
	_, err := r.ledger.db.Exec(`
		INSERT INTO job_outcomes
			(run_id, fingerprint, job_id, status, alpha_id, detail, submitted_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.runID, o.Candidate.Fingerprint, o.JobID, string(o.Status),
		o.AlphaID, o.Detail, submitted, o.FinishedAt.Unix())
	return err
}

// RecordResult appends one finalized classification result. Stage outcomes
// are stored as JSON; the row is never updated afterwards.
func (r *RunRecorder) RecordResult(fingerprint, alphaID string, decision labeling.Decision, outcomes pipeline.Outcomes) error {
	stages, err := json.Marshal(outcomes)
	if err != nil {
		return fmt.Errorf("marshal stage outcomes: %w", err)
	}
	_, err = r.ledger.db.Exec(`
		INSERT INTO classification_results
			(run_id, fingerprint, alpha_id, label, reason, stages, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.runID, fingerprint, alphaID, string(decision.Label), decision.Reason,
		string(stages), time.Now().Unix())
	return err
}

// SeenFingerprints returns every fingerprint with a recorded job outcome.
// The generator uses it to resume a run idempotently.
func (l *Ledger) SeenFingerprints() (map[string]bool, error) {
	rows, err := l.db.Query("SELECT DISTINCT fingerprint FROM job_outcomes")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[string]bool{}
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		seen[fp] = true
	}
	return seen, rows.Err()
}

// ResultCounts returns per-label result counts for one run, for the end-of-run
// summary.
func (l *Ledger) ResultCounts(runID string) (map[string]int, error) {
	rows, err := l.db.Query(
		"SELECT label, COUNT(*) FROM classification_results WHERE run_id = ? GROUP BY label", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		counts[label] = n
	}
	return counts, rows.Err()
}
