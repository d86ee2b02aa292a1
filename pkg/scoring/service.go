// Package scoring applies a fitted scaler and outlier model to transactions.
package scoring

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/mchmarny/txguard/pkg/artifact"
	"github.com/mchmarny/txguard/pkg/detector"
	"github.com/mchmarny/txguard/pkg/metrics"
	"github.com/mchmarny/txguard/pkg/scaler"
	"github.com/mchmarny/txguard/pkg/schema"
)

const (
	// BatchLimitDefault caps the rows scored from a single upload.
	BatchLimitDefault = 15000
	// SampleSeedDefault makes upload sampling repeatable.
	SampleSeedDefault = 42
)

// Result is the verdict for one transaction.
type Result struct {
	Label  detector.Label `json:"prediction" yaml:"prediction"`
	Status string         `json:"status" yaml:"status"`
}

// Suspect reports whether the transaction was flagged.
func (r Result) Suspect() bool {
	return r.Label == detector.Anomaly
}

// Service scores transactions with one matched scaler and model.
// It is immutable after construction and safe for concurrent use.
type Service struct {
	scaler *scaler.Standard
	model  detector.Detector
	pairID string
}

// New creates a service from a fitted scaler and detector.
func New(s *scaler.Standard, model detector.Detector, pairID string) (*Service, error) {
	if s == nil || model == nil {
		return nil, errors.New("scaler and model required")
	}
	if s.Features() != schema.FeatureCount {
		return nil, &detector.FeatureShapeError{Got: s.Features(), Expected: schema.FeatureCount}
	}
	return &Service{scaler: s, model: model, pairID: pairID}, nil
}

// FromPair creates a service from a verified artifact pair.
func FromPair(p *artifact.Pair) (*Service, error) {
	if p == nil || p.Manifest == nil {
		return nil, errors.New("artifact pair required")
	}
	if !slices.Equal(p.Manifest.Features, schema.FeatureNames()) {
		return nil, &artifact.LoadError{
			Path: artifact.ManifestFileName,
			Err:  fmt.Errorf("model features %v do not match the transaction schema", p.Manifest.Features),
		}
	}
	return New(p.Scaler, p.Model, p.Manifest.PairID)
}

// Load reads the artifacts in dir and creates a service. Any error means
// the caller must not serve predictions.
func Load(dir string) (*Service, error) {
	p, err := artifact.Load(dir)
	if err != nil {
		return nil, err
	}
	return FromPair(p)
}

// PairID identifies the artifact pair in use.
func (s *Service) PairID() string {
	return s.pairID
}

// Score classifies a single transaction.
func (s *Service) Score(tx schema.Transaction) (*Result, error) {
	start := time.Now()
	res, err := s.score([][]float64{tx.Row()})
	if err != nil {
		return nil, err
	}
	metrics.ScoringDuration.WithLabelValues(metrics.ModeSingle).Observe(time.Since(start).Seconds())
	return &res[0], nil
}

// ScoreMatrix classifies every row of a raw (not normalized) feature matrix.
func (s *Service) ScoreMatrix(m [][]float64) ([]Result, error) {
	start := time.Now()
	res, err := s.score(m)
	if err != nil {
		return nil, err
	}
	metrics.ScoringDuration.WithLabelValues(metrics.ModeBatch).Observe(time.Since(start).Seconds())
	return res, nil
}

func (s *Service) score(m [][]float64) ([]Result, error) {
	scaled, err := s.scaler.Transform(m)
	if err != nil {
		var se *scaler.ShapeError
		if errors.As(err, &se) {
			return nil, &detector.FeatureShapeError{Row: se.Row, Got: se.Got, Expected: se.Expected}
		}
		return nil, fmt.Errorf("normalizing features: %w", err)
	}

	labels, err := s.model.Predict(scaled)
	if err != nil {
		return nil, fmt.Errorf("predicting: %w", err)
	}

	out := make([]Result, len(labels))
	for i, l := range labels {
		status, err := detector.StatusOf(l)
		if err != nil {
			return nil, err
		}
		out[i] = Result{Label: l, Status: status}
		metrics.Predictions.WithLabelValues(status).Inc()
	}
	return out, nil
}

// ScoredRow is an uploaded row augmented with its is_anomaly label and status.
type ScoredRow struct {
	// Index is the position of the row in the uploaded file.
	Index     int            `json:"index" yaml:"index"`
	Values    []string       `json:"values" yaml:"values"`
	V4        float64        `json:"v4" yaml:"v4"`
	Amount    float64        `json:"amount" yaml:"amount"`
	IsAnomaly detector.Label `json:"is_anomaly" yaml:"is_anomaly"`
	Status    string         `json:"status" yaml:"status"`
}

// Suspect reports whether the row was flagged.
func (r ScoredRow) Suspect() bool {
	return r.IsAnomaly == detector.Anomaly
}

// BatchResult is the outcome of scoring an uploaded table.
type BatchResult struct {
	PairID    string      `json:"pair_id" yaml:"pairId"`
	Header    []string    `json:"header" yaml:"header"`
	Total     int         `json:"total" yaml:"total"`
	Scored    int         `json:"scored" yaml:"scored"`
	Sampled   bool        `json:"sampled" yaml:"sampled"`
	Anomalies int         `json:"anomalies" yaml:"anomalies"`
	Rows      []ScoredRow `json:"rows" yaml:"rows"`
}

// Suspects returns only the flagged rows.
func (b *BatchResult) Suspects() []ScoredRow {
	var out []ScoredRow
	for _, r := range b.Rows {
		if r.Suspect() {
			out = append(out, r)
		}
	}
	return out
}

// BatchOptions controls upload sampling. A Limit of zero or less scores every row.
type BatchOptions struct {
	Limit int
	Seed  uint64
}

// DefaultBatchOptions caps uploads at 15,000 rows with a fixed seed.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{Limit: BatchLimitDefault, Seed: SampleSeedDefault}
}

// ScoreTable validates, samples and scores an uploaded table. Results of a
// sampled upload describe the sample, not the full file.
func (s *Service) ScoreTable(t *schema.Table, opt BatchOptions) (*BatchResult, error) {
	if err := t.Validate(); err != nil {
		metrics.ValidationFailures.WithLabelValues(metrics.SourceUpload).Inc()
		return nil, err
	}

	metrics.BatchRows.WithLabelValues(metrics.StageReceived).Add(float64(t.Len()))

	idx := Sample(t.Len(), opt.Limit, opt.Seed)
	if idx == nil {
		idx = make([]int, t.Len())
		for i := range idx {
			idx[i] = i
		}
	}
	sub := t.Subset(idx)

	m, err := sub.Matrix()
	if err != nil {
		metrics.ValidationFailures.WithLabelValues(metrics.SourceUpload).Inc()
		return nil, err
	}

	res, err := s.ScoreMatrix(m)
	if err != nil {
		return nil, err
	}

	v4, _ := schema.FeatureIndex("V4")
	amount, _ := schema.FeatureIndex(schema.AmountColumn)

	b := &BatchResult{
		PairID:  s.pairID,
		Header:  t.Header,
		Total:   t.Len(),
		Scored:  len(res),
		Sampled: len(res) < t.Len(),
		Rows:    make([]ScoredRow, len(res)),
	}
	for i, r := range res {
		b.Rows[i] = ScoredRow{
			Index:     idx[i],
			Values:    sub.Rows[i],
			V4:        m[i][v4],
			Amount:    m[i][amount],
			IsAnomaly: r.Label,
			Status:    r.Status,
		}
		if r.Suspect() {
			b.Anomalies++
		}
	}

	metrics.BatchRows.WithLabelValues(metrics.StageScored).Add(float64(len(res)))
	slog.Debug("batch scored", "total", b.Total, "scored", b.Scored, "anomalies", b.Anomalies)
	return b, nil
}

// Sample picks limit distinct row positions out of n with a seeded source,
// returned in ascending order. It returns nil when no sampling is needed.
func Sample(n, limit int, seed uint64) []int {
	if limit <= 0 || n <= limit {
		return nil
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	idx := rng.Perm(n)[:limit]
	slices.Sort(idx)
	return idx
}
