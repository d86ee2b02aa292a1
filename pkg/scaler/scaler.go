// Package scaler implements the per-feature standardization applied to
// transactions before they reach the outlier model.
package scaler

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmpty is returned when fitting on a matrix without rows or columns.
	ErrEmpty = errors.New("scaler: no data to fit")
	// ErrNotFitted is returned when transforming with an unfitted scaler.
	ErrNotFitted = errors.New("scaler: not fitted")
)

// ShapeError reports a row whose width differs from the fitted feature count.
type ShapeError struct {
	Row      int
	Got      int
	Expected int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("scaler: row %d has %d features, expected %d", e.Row, e.Got, e.Expected)
}

// Standard holds per-feature mean and standard deviation.
// Fields are exported for serialization; treat a fitted value as read-only.
type Standard struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Fit computes the mean and population standard deviation of every column.
func Fit(data [][]float64) (*Standard, error) {
	if len(data) == 0 || len(data[0]) == 0 {
		return nil, ErrEmpty
	}

	n := len(data[0])
	s := &Standard{
		Mean: make([]float64, n),
		Std:  make([]float64, n),
	}

	for r, row := range data {
		if len(row) != n {
			return nil, &ShapeError{Row: r, Got: len(row), Expected: n}
		}
		for i, v := range row {
			s.Mean[i] += v
		}
	}

	rows := float64(len(data))
	for i := range s.Mean {
		s.Mean[i] /= rows
	}

	for _, row := range data {
		for i, v := range row {
			d := v - s.Mean[i]
			s.Std[i] += d * d
		}
	}

	for i := range s.Std {
		s.Std[i] = math.Sqrt(s.Std[i] / rows)
	}

	return s, nil
}

// Features returns the number of columns the scaler was fitted on.
func (s *Standard) Features() int {
	return len(s.Mean)
}

// Transform returns a new matrix with every value standardized.
// Constant columns (zero deviation) map to 0.
func (s *Standard) Transform(data [][]float64) ([][]float64, error) {
	if s == nil || len(s.Mean) == 0 || len(s.Mean) != len(s.Std) {
		return nil, ErrNotFitted
	}

	out := make([][]float64, len(data))
	for r, row := range data {
		if len(row) != len(s.Mean) {
			return nil, &ShapeError{Row: r, Got: len(row), Expected: len(s.Mean)}
		}
		scaled := make([]float64, len(row))
		for i, v := range row {
			if s.Std[i] == 0 {
				continue
			}
			scaled[i] = (v - s.Mean[i]) / s.Std[i]
		}
		out[r] = scaled
	}
	return out, nil
}
