package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("run not found")

// Run kinds recorded by the CLI.
const (
	KindEvaluate    = "evaluate"
	KindWeights     = "weights"
	KindSummary     = "summary"
	KindMaterialize = "materialize"
	KindPipeline    = "pipeline"
)

// Run is one recorded invocation of a pipeline stage.
type Run struct {
	RunID       string          `json:"run_id"`
	Kind        string          `json:"kind"`
	CreatedAt   int64           `json:"created_at"`
	ImageCount  int             `json:"image_count"`
	ConfigJSON  json.RawMessage `json:"config_json,omitempty"`
	SummaryJSON json.RawMessage `json:"summary_json,omitempty"`
}

// RunWeight is the difficulty and weight recorded for one image of a run.
type RunWeight struct {
	Filename   string  `json:"filename"`
	Difficulty float64 `json:"difficulty"`
	Weight     float64 `json:"weight"`
}

// RecordRun persists run and its per-image weights in one transaction. If
// RunID is empty a UUID is generated; if CreatedAt is zero the current time
// is used.
func (db *DB) RecordRun(run *Run, weights []RunWeight) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = db.clock.Now().UnixNano()
	}

	return retryOnBusy(db.clock, func() (err error) {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() {
			if err != nil {
				err = multierr.Append(err, tx.Rollback())
			}
		}()

		if _, err := tx.Exec(`
			INSERT INTO runs (run_id, kind, created_at, image_count, config_json, summary_json)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Kind, run.CreatedAt, run.ImageCount,
			nullableJSON(run.ConfigJSON), nullableJSON(run.SummaryJSON),
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO run_weights (run_id, row_index, filename, difficulty, weight)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare weights: %w", err)
		}
		defer func() { err = multierr.Append(err, stmt.Close()) }()

		for i, w := range weights {
			if _, err := stmt.Exec(run.RunID, i, w.Filename, w.Difficulty, w.Weight); err != nil {
				return fmt.Errorf("insert weight %s: %w", w.Filename, err)
			}
		}
		return tx.Commit()
	})
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

const runColumns = `run_id, kind, created_at, image_count, config_json, summary_json`

// GetRun returns a single run by ID.
func (db *DB) GetRun(runID string) (*Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

// ListRuns returns the most recent runs first. limit <= 0 returns all runs.
func (db *DB) ListRuns(limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, run_id`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunWeights returns the weights recorded for a run in their original order.
func (db *DB) RunWeights(runID string) ([]RunWeight, error) {
	if _, err := db.GetRun(runID); err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT filename, difficulty, weight
		FROM run_weights
		WHERE run_id = ?
		ORDER BY row_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run weights: %w", err)
	}
	defer rows.Close()

	var weights []RunWeight
	for rows.Next() {
		var w RunWeight
		if err := rows.Scan(&w.Filename, &w.Difficulty, &w.Weight); err != nil {
			return nil, fmt.Errorf("scan run weight: %w", err)
		}
		weights = append(weights, w)
	}
	return weights, rows.Err()
}

// DeleteRun removes a run and, through the foreign key cascade, its weights.
func (db *DB) DeleteRun(runID string) error {
	return retryOnBusy(db.clock, func() error {
		result, err := db.Exec(`DELETE FROM runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var configStr, summaryStr sql.NullString
	err := row.Scan(&r.RunID, &r.Kind, &r.CreatedAt, &r.ImageCount, &configStr, &summaryStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if configStr.Valid {
		r.ConfigJSON = json.RawMessage(configStr.String)
	}
	if summaryStr.Valid {
		r.SummaryJSON = json.RawMessage(summaryStr.String)
	}
	return &r, nil
}
