package detector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
)

const (
	EstimatorsDefault    = 100
	MaxSamplesDefault    = 256
	ContaminationDefault = 0.002
	SeedDefault          = 42

	maxContamination = 0.5
	eulerGamma       = 0.5772156649015329
	scoreChunkSize   = 2048
)

// Config holds the isolation forest parameters.
type Config struct {
	Estimators    int     `json:"estimators" yaml:"estimators"`
	MaxSamples    int     `json:"max_samples" yaml:"max_samples"`
	Contamination float64 `json:"contamination" yaml:"contamination"`
	Seed          uint64  `json:"seed" yaml:"seed"`
	// Workers bounds the fitting and scoring fan-out, defaults to NumCPU.
	Workers int `json:"-" yaml:"workers"`
}

// DefaultConfig returns the parameters used by the training pipeline.
func DefaultConfig() Config {
	return Config{
		Estimators:    EstimatorsDefault,
		MaxSamples:    MaxSamplesDefault,
		Contamination: ContaminationDefault,
		Seed:          SeedDefault,
	}
}

// Validate checks that parameters are in range.
func (c Config) Validate() error {
	if c.Estimators < 1 {
		return fmt.Errorf("%w: estimators must be positive, got %d", ErrInvalidConfig, c.Estimators)
	}
	if c.MaxSamples < 1 {
		return fmt.Errorf("%w: max samples must be positive, got %d", ErrInvalidConfig, c.MaxSamples)
	}
	if c.Contamination <= 0 || c.Contamination > maxContamination {
		return fmt.Errorf("%w: contamination must be in (0, %.1f], got %v", ErrInvalidConfig, maxContamination, c.Contamination)
	}
	return nil
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// IsolationForest scores rows by how quickly random axis-aligned splits isolate them.
// A fitted forest is read-only and safe for concurrent use.
type IsolationForest struct {
	Config     Config  `json:"config"`
	Trees      []*Node `json:"trees"`
	SampleSize int     `json:"sample_size"`
	Features   int     `json:"features"`
	// Offset is the score threshold fixed at fit time from the contamination.
	Offset float64 `json:"offset"`
}

// Node is a node of an isolation tree. Leaves keep the number of
// training rows that reached them.
type Node struct {
	Leaf  bool    `json:"leaf,omitempty"`
	Size  int     `json:"size,omitempty"`
	Dim   int     `json:"dim,omitempty"`
	Split float64 `json:"split,omitempty"`
	Left  *Node   `json:"left,omitempty"`
	Right *Node   `json:"right,omitempty"`
}

// NewIsolationForest creates an unfitted forest.
func NewIsolationForest(cfg Config) (*IsolationForest, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &IsolationForest{Config: cfg}, nil
}

var _ Detector = (*IsolationForest)(nil)

// Fit builds the trees in parallel and derives the decision offset.
// Each tree draws from its own PCG stream keyed by (seed, tree index),
// so the result does not depend on scheduling.
func (f *IsolationForest) Fit(ctx context.Context, data [][]float64) error {
	if err := f.Config.Validate(); err != nil {
		return err
	}
	if len(data) == 0 || len(data[0]) == 0 {
		return ErrEmptyTrainingSet
	}

	features := len(data[0])
	if err := checkShape(data, features); err != nil {
		return err
	}
	for i, row := range data {
		if !finiteRow(row) {
			return fmt.Errorf("row %d: %w", i, ErrNonFinite)
		}
	}

	n := len(data)
	sampleSize := min(f.Config.MaxSamples, n)
	heightLimit := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))

	trees := make([]*Node, f.Config.Estimators)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Config.workers())

	for i := range trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(f.Config.Seed, uint64(i)))
			idx := rng.Perm(n)[:sampleSize]
			sample := make([][]float64, sampleSize)
			for j, k := range idx {
				sample[j] = data[k]
			}
			trees[i] = buildTree(rng, sample, 0, heightLimit)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("fitting trees: %w", err)
	}

	f.Trees = trees
	f.SampleSize = sampleSize
	f.Features = features

	scores, err := f.Scores(data)
	if err != nil {
		return fmt.Errorf("scoring training rows: %w", err)
	}
	f.Offset = quantile(scores, 1-f.Config.Contamination)

	slog.Debug("isolation forest fitted",
		"trees", len(trees), "rows", n, "sample_size", sampleSize,
		"height_limit", heightLimit, "offset", f.Offset)
	return nil
}

func buildTree(rng *rand.Rand, rows [][]float64, depth, heightLimit int) *Node {
	if len(rows) <= 1 || depth >= heightLimit {
		return &Node{Leaf: true, Size: len(rows)}
	}

	dim, lo, hi, ok := pickFeature(rng, rows)
	if !ok {
		return &Node{Leaf: true, Size: len(rows)}
	}

	split := lo + rng.Float64()*(hi-lo)
	left := make([][]float64, 0, len(rows))
	right := make([][]float64, 0, len(rows))
	for _, row := range rows {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	if len(left) == 0 || len(right) == 0 {
		return &Node{Leaf: true, Size: len(rows)}
	}

	return &Node{
		Dim:   dim,
		Split: split,
		Left:  buildTree(rng, left, depth+1, heightLimit),
		Right: buildTree(rng, right, depth+1, heightLimit),
	}
}

// pickFeature visits features in random order and returns the first one
// with a non-zero range.
func pickFeature(rng *rand.Rand, rows [][]float64) (dim int, lo, hi float64, ok bool) {
	for _, d := range rng.Perm(len(rows[0])) {
		lo, hi = rows[0][d], rows[0][d]
		for _, row := range rows[1:] {
			lo = math.Min(lo, row[d])
			hi = math.Max(hi, row[d])
		}
		if lo < hi {
			return d, lo, hi, true
		}
	}
	return 0, 0, 0, false
}

// averagePathLength is c(n), the mean path length of an unsuccessful
// binary search tree lookup over n items.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}

func pathLength(node *Node, row []float64) float64 {
	depth := 0.0
	for !node.Leaf {
		if row[node.Dim] < node.Split {
			node = node.Left
		} else {
			node = node.Right
		}
		depth++
	}
	return depth + averagePathLength(node.Size)
}

func (f *IsolationForest) score(row []float64) float64 {
	sum := 0.0
	for _, t := range f.Trees {
		sum += pathLength(t, row)
	}
	mean := sum / float64(len(f.Trees))

	c := averagePathLength(f.SampleSize)
	if c <= 0 {
		c = 1
	}
	return math.Pow(2, -mean/c)
}

// Scores returns the anomaly score in (0, 1] of every row.
func (f *IsolationForest) Scores(data [][]float64) ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, ErrNotFitted
	}
	if err := checkShape(data, f.Features); err != nil {
		return nil, err
	}

	out := make([]float64, len(data))
	var g errgroup.Group
	g.SetLimit(f.Config.workers())
	for start := 0; start < len(data); start += scoreChunkSize {
		end := min(start+scoreChunkSize, len(data))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if !finiteRow(data[i]) {
					return fmt.Errorf("row %d: %w", i, ErrNonFinite)
				}
				out[i] = f.score(data[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Predict labels rows scoring above the fitted offset as anomalies.
func (f *IsolationForest) Predict(data [][]float64) ([]Label, error) {
	scores, err := f.Scores(data)
	if err != nil {
		return nil, err
	}
	labels := make([]Label, len(scores))
	for i, s := range scores {
		labels[i] = f.Label(s)
	}
	return labels, nil
}

// Label applies the fitted decision threshold to a score.
func (f *IsolationForest) Label(score float64) Label {
	if score > f.Offset {
		return Anomaly
	}
	return Normal
}

// quantile returns the q-th quantile using linear interpolation between
// closest ranks.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}
