package data

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	RunListLimitDefault = 20

	SourceUpload = "upload"
	SourceCLI    = "cli"

	// fixed width so text ordering matches time ordering
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// TrainingRun records one training pipeline execution.
type TrainingRun struct {
	ID            string    `json:"id" yaml:"id"`
	PairID        string    `json:"pair_id" yaml:"pairId"`
	DataPath      string    `json:"data_path" yaml:"dataPath"`
	ModelsDir     string    `json:"models_dir" yaml:"modelsDir"`
	Rows          int       `json:"rows" yaml:"rows"`
	Features      int       `json:"features" yaml:"features"`
	Anomalies     int       `json:"anomalies" yaml:"anomalies"`
	Estimators    int       `json:"estimators" yaml:"estimators"`
	Contamination float64   `json:"contamination" yaml:"contamination"`
	Seed          uint64    `json:"seed" yaml:"seed"`
	Offset        float64   `json:"offset" yaml:"offset"`
	Truncated     bool      `json:"truncated" yaml:"truncated"`
	Duration      string    `json:"duration" yaml:"duration"`
	CreatedAt     time.Time `json:"created_at" yaml:"createdAt"`
}

// ScoringRun records one batch scoring request. Scored rows are never stored.
type ScoringRun struct {
	ID         string    `json:"id" yaml:"id"`
	PairID     string    `json:"pair_id" yaml:"pairId"`
	Source     string    `json:"source" yaml:"source"`
	TotalRows  int       `json:"total_rows" yaml:"totalRows"`
	ScoredRows int       `json:"scored_rows" yaml:"scoredRows"`
	Anomalies  int       `json:"anomalies" yaml:"anomalies"`
	Sampled    bool      `json:"sampled" yaml:"sampled"`
	CreatedAt  time.Time `json:"created_at" yaml:"createdAt"`
}

const (
	insertTrainingRun = `INSERT INTO training_run (
		id, pair_id, data_path, models_dir, row_count, features, anomalies,
		estimators, contamination, seed, score_offset, truncated, duration, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectTrainingRuns = `SELECT
		id, pair_id, data_path, models_dir, row_count, features, anomalies,
		estimators, contamination, seed, score_offset, truncated, duration, created_at
	FROM training_run
	ORDER BY created_at DESC
	LIMIT ?`

	insertScoringRun = `INSERT INTO scoring_run (
		id, pair_id, source, total_rows, scored_rows, anomalies, sampled, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectScoringRuns = `SELECT
		id, pair_id, source, total_rows, scored_rows, anomalies, sampled, created_at
	FROM scoring_run
	ORDER BY created_at DESC
	LIMIT ?`
)

// SaveTrainingRun inserts a training run, assigning an ID and timestamp when missing.
func SaveTrainingRun(db *sql.DB, r *TrainingRun) error {
	if db == nil {
		return errDBNotInitialized
	}
	if r == nil || r.PairID == "" {
		return errors.New("training run with pair ID required")
	}
	stamp(&r.ID, &r.CreatedAt)

	if _, err := db.Exec(insertTrainingRun,
		r.ID, r.PairID, r.DataPath, r.ModelsDir, r.Rows, r.Features, r.Anomalies,
		r.Estimators, r.Contamination, int64(r.Seed), r.Offset, r.Truncated, r.Duration,
		r.CreatedAt.Format(timeLayout)); err != nil {
		return fmt.Errorf("failed to insert training run: %w", err)
	}
	return nil
}

// ListTrainingRuns returns the most recent training runs first.
func ListTrainingRuns(db *sql.DB, limit int) ([]*TrainingRun, error) {
	if db == nil {
		return nil, errDBNotInitialized
	}
	if limit <= 0 {
		limit = RunListLimitDefault
	}

	rows, err := db.Query(selectTrainingRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query training runs: %w", err)
	}
	defer rows.Close()

	list := make([]*TrainingRun, 0)
	for rows.Next() {
		r := &TrainingRun{}
		var seed int64
		var created string
		if err := rows.Scan(&r.ID, &r.PairID, &r.DataPath, &r.ModelsDir, &r.Rows, &r.Features,
			&r.Anomalies, &r.Estimators, &r.Contamination, &seed, &r.Offset, &r.Truncated,
			&r.Duration, &created); err != nil {
			return nil, fmt.Errorf("failed to scan training run: %w", err)
		}
		r.Seed = uint64(seed)
		if r.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("failed to parse training run time %q: %w", created, err)
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// SaveScoringRun inserts a scoring run, assigning an ID and timestamp when missing.
func SaveScoringRun(db *sql.DB, r *ScoringRun) error {
	if db == nil {
		return errDBNotInitialized
	}
	if r == nil || r.Source == "" {
		return errors.New("scoring run with source required")
	}
	stamp(&r.ID, &r.CreatedAt)

	if _, err := db.Exec(insertScoringRun,
		r.ID, r.PairID, r.Source, r.TotalRows, r.ScoredRows, r.Anomalies, r.Sampled,
		r.CreatedAt.Format(timeLayout)); err != nil {
		return fmt.Errorf("failed to insert scoring run: %w", err)
	}
	return nil
}

// ListScoringRuns returns the most recent scoring runs first.
func ListScoringRuns(db *sql.DB, limit int) ([]*ScoringRun, error) {
	if db == nil {
		return nil, errDBNotInitialized
	}
	if limit <= 0 {
		limit = RunListLimitDefault
	}

	rows, err := db.Query(selectScoringRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scoring runs: %w", err)
	}
	defer rows.Close()

	list := make([]*ScoringRun, 0)
	for rows.Next() {
		r := &ScoringRun{}
		var created string
		if err := rows.Scan(&r.ID, &r.PairID, &r.Source, &r.TotalRows, &r.ScoredRows,
			&r.Anomalies, &r.Sampled, &created); err != nil {
			return nil, fmt.Errorf("failed to scan scoring run: %w", err)
		}
		if r.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("failed to parse scoring run time %q: %w", created, err)
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

func stamp(id *string, at *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if at.IsZero() {
		*at = time.Now().UTC()
	}
}
