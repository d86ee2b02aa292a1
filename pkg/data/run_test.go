package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveTrainingRun(t *testing.T) {
	db := setupTestDB(t)
	r := &TrainingRun{
		PairID:        "pair-1",
		DataPath:      "data/transactions.csv",
		ModelsDir:     "models",
		Rows:          1000,
		Features:      29,
		Anomalies:     2,
		Estimators:    100,
		Contamination: 0.002,
		Seed:          42,
		Offset:        0.61,
		Truncated:     true,
		Duration:      "1.2s",
	}
	require.NoError(t, SaveTrainingRun(db, r))
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.CreatedAt.IsZero())

	list, err := ListTrainingRuns(db, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	got := list[0]
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "pair-1", got.PairID)
	assert.Equal(t, 1000, got.Rows)
	assert.Equal(t, uint64(42), got.Seed)
	assert.InDelta(t, 0.61, got.Offset, 1e-12)
	assert.True(t, got.Truncated)
	assert.True(t, r.CreatedAt.Equal(got.CreatedAt))
}

func TestSaveTrainingRun_Invalid(t *testing.T) {
	db := setupTestDB(t)
	assert.Error(t, SaveTrainingRun(db, nil))
	assert.Error(t, SaveTrainingRun(db, &TrainingRun{}))
	assert.Error(t, SaveTrainingRun(nil, &TrainingRun{PairID: "x"}))
}

func TestListScoringRuns_Order(t *testing.T) {
	db := setupTestDB(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, src := range []string{SourceCLI, SourceUpload, SourceUpload} {
		require.NoError(t, SaveScoringRun(db, &ScoringRun{
			PairID:     "pair-1",
			Source:     src,
			TotalRows:  20000,
			ScoredRows: 15000,
			Anomalies:  i,
			Sampled:    true,
			CreatedAt:  base.Add(time.Duration(i) * 100 * time.Millisecond),
		}))
	}

	list, err := ListScoringRuns(db, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[0].Anomalies)
	assert.Equal(t, 1, list[1].Anomalies)
	assert.True(t, list[0].Sampled)
	assert.Equal(t, SourceUpload, list[0].Source)
}

func TestSaveScoringRun_Invalid(t *testing.T) {
	db := setupTestDB(t)
	assert.Error(t, SaveScoringRun(db, &ScoringRun{PairID: "x"}))

	_, err := ListScoringRuns(nil, 1)
	assert.Error(t, err)
	_, err = ListTrainingRuns(nil, 1)
	assert.Error(t, err)
}
