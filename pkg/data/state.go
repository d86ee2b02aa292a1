package data

import (
	"database/sql"
	"fmt"
)

var stateQueries = map[string]string{
	"training_runs": "SELECT COUNT(*) FROM training_run",
	"scoring_runs":  "SELECT COUNT(*) FROM scoring_run",
	"rows_scored":   "SELECT COALESCE(SUM(scored_rows), 0) FROM scoring_run",
	"anomalies":     "SELECT COALESCE(SUM(anomalies), 0) FROM scoring_run",
}

// GetDataState returns summary counts of the run history.
func GetDataState(db *sql.DB) (map[string]int64, error) {
	if db == nil {
		return nil, errDBNotInitialized
	}

	state := make(map[string]int64)
	for k, q := range stateQueries {
		var count int64
		if err := db.QueryRow(q).Scan(&count); err != nil {
			return nil, fmt.Errorf("error getting %s count: %w", k, err)
		}
		state[k] = count
	}

	return state, nil
}
