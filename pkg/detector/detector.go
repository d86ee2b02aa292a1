// Package detector provides unsupervised outlier detection over
// standardized feature matrices.
package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmptyTrainingSet is returned when fitting without usable rows.
	ErrEmptyTrainingSet = errors.New("empty training set")
	// ErrNotFitted is returned when predicting with a model that was never fitted.
	ErrNotFitted = errors.New("model not fitted")
	// ErrInvalidConfig is returned for out of range model parameters.
	ErrInvalidConfig = errors.New("invalid model configuration")
	// ErrNonFinite is returned for rows holding NaN or infinite values.
	ErrNonFinite = errors.New("non-finite feature value")
)

// FeatureShapeError reports a row whose feature count differs from the
// count the model (or scaler) was fitted with.
type FeatureShapeError struct {
	Row      int
	Got      int
	Expected int
}

func (e *FeatureShapeError) Error() string {
	return fmt.Sprintf("row %d has %d features, expected %d", e.Row, e.Got, e.Expected)
}

// Detector is the strategy used by the scoring pipeline. Any unsupervised
// outlier detector fitted on normalized matrices can stand in.
type Detector interface {
	// Fit trains the detector and fixes its decision threshold.
	Fit(ctx context.Context, data [][]float64) error

	// Scores returns the anomaly score of every row, higher is more anomalous.
	Scores(data [][]float64) ([]float64, error)

	// Predict labels every row as Anomaly or Normal.
	Predict(data [][]float64) ([]Label, error)
}

func checkShape(data [][]float64, features int) error {
	for i, row := range data {
		if len(row) != features {
			return &FeatureShapeError{Row: i, Got: len(row), Expected: features}
		}
	}
	return nil
}

func finiteRow(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
