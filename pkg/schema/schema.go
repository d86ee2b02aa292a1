// Package schema defines the fixed transaction feature schema and the
// readers that turn requests and CSV files into feature matrices.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

const (
	// FeatureCount is the number of model features per transaction.
	FeatureCount = 29

	// AmountColumn is the monetary magnitude column.
	AmountColumn = "Amount"
	// TimeColumn and ClassColumn are present in the training corpus but never used as features.
	TimeColumn  = "Time"
	ClassColumn = "Class"

	exampleColumnCount = 3
)

var featureNames = buildFeatureNames()

// ErrInvalidValue is returned for feature values that are not finite numbers.
var ErrInvalidValue = errors.New("invalid feature value")

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func buildFeatureNames() []string {
	names := make([]string, 0, FeatureCount)
	for i := 1; i < FeatureCount; i++ {
		names = append(names, fmt.Sprintf("V%d", i))
	}
	return append(names, AmountColumn)
}

// FeatureNames returns the canonical feature order: V1..V28, Amount.
func FeatureNames() []string {
	out := make([]string, len(featureNames))
	copy(out, featureNames)
	return out
}

// FeatureIndex returns the canonical position of the named feature.
func FeatureIndex(name string) (int, bool) {
	for i, n := range featureNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// SchemaValidationError reports request or upload data missing required features.
type SchemaValidationError struct {
	Missing []string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("missing required columns: %s (required columns, e.g. %s...)",
		strings.Join(e.Missing, ", "), strings.Join(featureNames[:exampleColumnCount], ", "))
}

// Transaction is a single transaction in canonical feature order.
type Transaction struct {
	Features [FeatureCount]float64
}

// Amount returns the monetary magnitude of the transaction.
func (t Transaction) Amount() float64 {
	return t.Features[FeatureCount-1]
}

// Row returns the features as a matrix row.
func (t Transaction) Row() []float64 {
	row := make([]float64, FeatureCount)
	copy(row, t.Features[:])
	return row
}

// MarshalJSON encodes the transaction using the feature names as keys.
func (t Transaction) MarshalJSON() ([]byte, error) {
	m := make(map[string]float64, FeatureCount)
	for i, name := range featureNames {
		m[name] = t.Features[i]
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a transaction and rejects payloads missing any feature.
// Null values count as missing. Unknown keys are ignored.
func (t *Transaction) UnmarshalJSON(b []byte) error {
	var m map[string]*float64
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("decoding transaction: %w", err)
	}

	var missing []string
	for i, name := range featureNames {
		v, ok := m[name]
		if !ok || v == nil {
			missing = append(missing, name)
			continue
		}
		if !finite(*v) {
			return fmt.Errorf("field %s: %w: %v", name, ErrInvalidValue, *v)
		}
		t.Features[i] = *v
	}

	if len(missing) > 0 {
		return &SchemaValidationError{Missing: missing}
	}
	return nil
}

// DecodeTransaction reads a single JSON transaction from r.
func DecodeTransaction(r io.Reader) (*Transaction, error) {
	var t Transaction
	if err := json.NewDecoder(r).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}
