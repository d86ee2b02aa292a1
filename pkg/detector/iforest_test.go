package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFeatures = 29

func normalMatrix(rows, cols int, seed uint64) [][]float64 {
	r := rand.New(rand.NewPCG(seed, seed+1))
	m := make([][]float64, rows)
	for i := range m {
		row := make([]float64, cols)
		for j := range row {
			row[j] = r.NormFloat64()
		}
		m[i] = row
	}
	return m
}

func filledRow(cols int, v float64) []float64 {
	row := make([]float64, cols)
	for i := range row {
		row[i] = v
	}
	return row
}

func fitForest(t *testing.T, data [][]float64, cfg Config) *IsolationForest {
	t.Helper()
	f, err := NewIsolationForest(cfg)
	require.NoError(t, err)
	require.NoError(t, f.Fit(context.Background(), data))
	return f
}

func TestIsolationForest_FlagsInjectedOutliers(t *testing.T) {
	data := normalMatrix(1000, testFeatures, 7)
	data[123] = filledRow(testFeatures, 12)
	data[877] = filledRow(testFeatures, -12)

	f := fitForest(t, data, DefaultConfig())

	labels, err := f.Predict(data)
	require.NoError(t, err)

	var flagged []int
	for i, l := range labels {
		if l == Anomaly {
			flagged = append(flagged, i)
		}
	}
	assert.Equal(t, []int{123, 877}, flagged)
}

func TestIsolationForest_Deterministic(t *testing.T) {
	data := normalMatrix(400, 5, 3)
	holdout := normalMatrix(50, 5, 11)

	cfg := DefaultConfig()
	cfg.Contamination = 0.05
	cfg.Workers = 4
	a := fitForest(t, data, cfg)

	cfg.Workers = 1
	b := fitForest(t, data, cfg)

	aj, err := json.Marshal(a)
	require.NoError(t, err)
	bj, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, string(aj), string(bj))
	assert.Equal(t, a.Offset, b.Offset)

	la, err := a.Predict(holdout)
	require.NoError(t, err)
	lb, err := b.Predict(holdout)
	require.NoError(t, err)
	assert.Equal(t, la, lb)
}

func TestIsolationForest_SeedChangesTrees(t *testing.T) {
	data := normalMatrix(300, 4, 5)
	cfg := DefaultConfig()
	a := fitForest(t, data, cfg)
	cfg.Seed = 7
	b := fitForest(t, data, cfg)

	sa, err := a.Scores(data)
	require.NoError(t, err)
	sb, err := b.Scores(data)
	require.NoError(t, err)
	assert.NotEqual(t, sa, sb)
}

func TestIsolationForest_ContaminationFraction(t *testing.T) {
	data := normalMatrix(1000, 6, 9)
	cfg := DefaultConfig()
	cfg.Contamination = 0.05
	f := fitForest(t, data, cfg)

	labels, err := f.Predict(data)
	require.NoError(t, err)
	count := 0
	for _, l := range labels {
		if l == Anomaly {
			count++
		}
	}
	assert.InDelta(t, 50, count, 1)
}

func TestIsolationForest_ScoresRange(t *testing.T) {
	data := normalMatrix(200, 3, 1)
	f := fitForest(t, data, DefaultConfig())
	assert.Equal(t, 200, f.SampleSize)
	assert.Len(t, f.Trees, EstimatorsDefault)

	scores, err := f.Scores(append(data, filledRow(3, 50)))
	require.NoError(t, err)
	for _, s := range scores {
		assert.Greater(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
	outlier := scores[len(scores)-1]
	for _, s := range scores[:len(scores)-1] {
		assert.GreaterOrEqual(t, outlier, s)
	}
}

func TestIsolationForest_ConstantData(t *testing.T) {
	data := make([][]float64, 20)
	for i := range data {
		data[i] = filledRow(4, 1)
	}
	f := fitForest(t, data, DefaultConfig())
	labels, err := f.Predict(data)
	require.NoError(t, err)
	for _, l := range labels {
		assert.Equal(t, Normal, l)
	}
}

func TestIsolationForest_Errors(t *testing.T) {
	f, err := NewIsolationForest(DefaultConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, f.Fit(context.Background(), nil), ErrEmptyTrainingSet)
	assert.ErrorIs(t, f.Fit(context.Background(), [][]float64{{}}), ErrEmptyTrainingSet)

	_, err = f.Predict([][]float64{{1, 2}})
	assert.ErrorIs(t, err, ErrNotFitted)

	err = f.Fit(context.Background(), [][]float64{{1, 2}, {1}})
	var fse *FeatureShapeError
	require.True(t, errors.As(err, &fse))

	require.NoError(t, f.Fit(context.Background(), normalMatrix(50, 2, 1)))
	_, err = f.Predict([][]float64{{1, 2, 3}})
	require.True(t, errors.As(err, &fse))
	assert.Equal(t, 0, fse.Row)
	assert.Equal(t, 3, fse.Got)
	assert.Equal(t, 2, fse.Expected)
}

func TestIsolationForest_NonFiniteRows(t *testing.T) {
	data := normalMatrix(50, 2, 1)
	data[7][1] = math.NaN()
	f, err := NewIsolationForest(DefaultConfig())
	require.NoError(t, err)
	assert.ErrorIs(t, f.Fit(context.Background(), data), ErrNonFinite)

	f = fitForest(t, normalMatrix(50, 2, 1), DefaultConfig())
	rows := normalMatrix(scoreChunkSize+10, 2, 3)
	rows[scoreChunkSize+4][0] = math.Inf(-1)

	_, err = f.Scores(rows)
	require.ErrorIs(t, err, ErrNonFinite)
	assert.Contains(t, err.Error(), fmt.Sprintf("row %d:", scoreChunkSize+4))

	_, err = f.Predict(rows)
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestIsolationForest_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f, err := NewIsolationForest(DefaultConfig())
	require.NoError(t, err)
	assert.ErrorIs(t, f.Fit(ctx, normalMatrix(50, 2, 1)), context.Canceled)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero estimators", func(c *Config) { c.Estimators = 0 }, false},
		{"zero samples", func(c *Config) { c.MaxSamples = 0 }, false},
		{"zero contamination", func(c *Config) { c.Contamination = 0 }, false},
		{"max contamination", func(c *Config) { c.Contamination = 0.5 }, true},
		{"too much contamination", func(c *Config) { c.Contamination = 0.6 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestSerializationKeepsPredictions(t *testing.T) {
	data := normalMatrix(300, 4, 2)
	f := fitForest(t, data, DefaultConfig())

	b, err := json.Marshal(f)
	require.NoError(t, err)

	var loaded IsolationForest
	require.NoError(t, json.Unmarshal(b, &loaded))

	want, err := f.Scores(data)
	require.NoError(t, err)
	got, err := loaded.Scores(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, f.Offset, loaded.Offset)
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(0))
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 10.2448, averagePathLength(256), 1e-3)
}

func TestQuantile(t *testing.T) {
	v := []float64{5, 1, 4, 2, 3}
	assert.Equal(t, 1.0, quantile(v, 0))
	assert.Equal(t, 5.0, quantile(v, 1))
	assert.Equal(t, 3.0, quantile(v, 0.5))
	assert.InDelta(t, 4.6, quantile(v, 0.9), 1e-12)
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, v)
	assert.Equal(t, 0.0, quantile(nil, 0.5))
}
