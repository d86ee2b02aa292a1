// Package training fits the scaler and outlier model from a transaction
// corpus and persists them as a matched pair.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mchmarny/txguard/pkg/artifact"
	"github.com/mchmarny/txguard/pkg/corpus"
	"github.com/mchmarny/txguard/pkg/detector"
	"github.com/mchmarny/txguard/pkg/scaler"
	"github.com/mchmarny/txguard/pkg/schema"
)

const (
	DataPathDefault  = "data/transactions.csv"
	ModelsDirDefault = "models"
)

// Options configures a training run.
type Options struct {
	DataPath  string
	ModelsDir string
	// EnforceBudget truncates the corpus in place before training when it
	// is larger than MaxBytes.
	EnforceBudget bool
	MaxBytes      int64
	Model         detector.Config
}

// Report summarizes a training run.
type Report struct {
	PairID    string              `json:"pair_id" yaml:"pairId"`
	DataPath  string              `json:"data_path" yaml:"dataPath"`
	ModelsDir string              `json:"models_dir" yaml:"modelsDir"`
	Rows      int                 `json:"rows" yaml:"rows"`
	Skipped   int                 `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Features  int                 `json:"features" yaml:"features"`
	Anomalies int                 `json:"anomalies" yaml:"anomalies"`
	Offset    float64             `json:"offset" yaml:"offset"`
	Model     detector.Config     `json:"model" yaml:"model"`
	Guard     *corpus.GuardReport `json:"guard,omitempty" yaml:"guard,omitempty"`
	Duration  string              `json:"duration" yaml:"duration"`
}

// Run executes the training pipeline: optional size guard, read, fit, save.
func Run(ctx context.Context, opt Options) (*Report, error) {
	if opt.DataPath == "" || opt.ModelsDir == "" {
		return nil, errors.New("data path and models directory required")
	}

	start := time.Now()
	rep := &Report{DataPath: opt.DataPath, ModelsDir: opt.ModelsDir, Model: opt.Model}

	if opt.EnforceBudget {
		g, err := corpus.EnforceSizeBudget(opt.DataPath, opt.MaxBytes)
		if err != nil {
			var sbe *corpus.SizeBudgetError
			if !errors.As(err, &sbe) {
				return nil, fmt.Errorf("enforcing size budget: %w", err)
			}
			slog.Warn("corpus still above budget, training anyway", "error", err)
		}
		rep.Guard = g
	}

	tbl, err := corpus.Read(opt.DataPath)
	if err != nil {
		return nil, err
	}
	rep.Skipped = tbl.Skipped

	m, err := tbl.Matrix()
	if err != nil {
		return nil, fmt.Errorf("building feature matrix: %w", err)
	}

	s, forest, err := Fit(ctx, m, opt.Model)
	if err != nil {
		return nil, err
	}

	scaled, err := s.Transform(m)
	if err != nil {
		return nil, fmt.Errorf("scaling features: %w", err)
	}

	labels, err := forest.Predict(scaled)
	if err != nil {
		return nil, fmt.Errorf("scoring training rows: %w", err)
	}
	for _, l := range labels {
		if l == detector.Anomaly {
			rep.Anomalies++
		}
	}

	man, err := artifact.Save(opt.ModelsDir, s, forest, schema.FeatureNames(), len(m))
	if err != nil {
		return nil, fmt.Errorf("saving artifacts: %w", err)
	}

	rep.PairID = man.PairID
	rep.Rows = len(m)
	rep.Features = s.Features()
	rep.Offset = forest.Offset
	rep.Duration = time.Since(start).Round(time.Millisecond).String()

	slog.Info("model trained",
		"pair_id", rep.PairID, "rows", rep.Rows, "anomalies", rep.Anomalies, "duration", rep.Duration)
	return rep, nil
}

// Fit standardizes the raw matrix and fits an isolation forest on the result.
func Fit(ctx context.Context, m [][]float64, cfg detector.Config) (*scaler.Standard, *detector.IsolationForest, error) {
	s, err := scaler.Fit(m)
	if err != nil {
		if errors.Is(err, scaler.ErrEmpty) {
			return nil, nil, detector.ErrEmptyTrainingSet
		}
		return nil, nil, fmt.Errorf("fitting scaler: %w", err)
	}
	slog.Debug("features scaled", "rows", len(m), "features", s.Features())

	scaled, err := s.Transform(m)
	if err != nil {
		return nil, nil, fmt.Errorf("scaling features: %w", err)
	}

	forest, err := detector.NewIsolationForest(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := forest.Fit(ctx, scaled); err != nil {
		return nil, nil, fmt.Errorf("fitting model: %w", err)
	}
	return s, forest, nil
}
